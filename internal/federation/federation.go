// Package federation fans a recall out to peer nodes and merges their
// ranked lists with the local one.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/logging"
)

// ErrPeerTimeout is reported for a peer that did not answer in time.
var ErrPeerTimeout = errors.New("peer timeout")

// OriginLocal tags items produced by this node.
const OriginLocal = config.LocalOrigin

// Layer names as they appear in recall responses.
const (
	LayerPrecision = "precision"
	LayerEvidence  = "evidence"
	LayerIntuition = "intuition"
	LayerMyth      = "myth"
)

// Item is one ranked result tagged with the node it came from.
type Item struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Score     float64        `json:"score"`
	Origin    string         `json:"origin,omitempty"`
	Layer     string         `json:"layer,omitempty"`
	Tentative bool           `json:"tentative,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Request is the query forwarded to peers.
type Request struct {
	Text    string   `json:"text"`
	K       int      `json:"k,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

// PeerStatus reports how one peer contributed.
type PeerStatus struct {
	Name     string `json:"name"`
	Items    int    `json:"items"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result is a merged federated list.
type Result struct {
	Items []Item       `json:"items"`
	Peers []PeerStatus `json:"peers"`
}

// Peer is a named remote node.
type Peer struct {
	Name   string
	Client *Client
}

// Federator queries the configured peers.
type Federator struct {
	peers   []Peer
	timeout time.Duration
	log     *zap.Logger
}

// New builds a Federator from the federation config section.
func New(cfg config.FederationConfig, log *zap.Logger) *Federator {
	peers := make([]Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, Peer{Name: p.Name, Client: NewClient(p.URL)})
	}
	timeout := cfg.PeerTimeout
	if timeout <= 0 {
		timeout = defaultPeerTimeout
	}
	return &Federator{peers: peers, timeout: timeout, log: logging.OrNop(log).Named("federation")}
}

// Peers returns the configured peer names.
func (f *Federator) Peers() []string {
	names := make([]string, len(f.peers))
	for i, p := range f.peers {
		names[i] = p.Name
	}
	return names
}

// Query asks every peer concurrently, each under its own timeout, and
// merges the answers with local. A failing or slow peer contributes
// nothing; Query itself only fails when ctx does.
func (f *Federator) Query(ctx context.Context, req Request, local []Item, k int) (Result, error) {
	lists, statuses, err := f.Collect(ctx, req)
	if err != nil {
		return Result{Peers: statuses}, err
	}
	lists[OriginLocal] = local
	return Result{Items: Merge(lists, k), Peers: statuses}, nil
}

// Collect asks every peer concurrently and returns each peer's raw list
// keyed by peer name, unmerged. Callers that produce the local list
// themselves can run it alongside Collect and Merge afterwards.
func (f *Federator) Collect(ctx context.Context, req Request) (map[string][]Item, []PeerStatus, error) {
	ctx, span := otel.Tracer("mnemos/federation").Start(ctx, "federation.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("federation.peers", len(f.peers)))

	lists := make(map[string][]Item, len(f.peers)+1)
	statuses := make([]PeerStatus, len(f.peers))
	var mu sync.Mutex

	var g errgroup.Group
	for i, p := range f.peers {
		g.Go(func() error {
			items, err := f.ask(ctx, p, req)
			st := PeerStatus{Name: p.Name, Items: len(items)}
			if err != nil {
				st.Error = err.Error()
				st.TimedOut = errors.Is(err, ErrPeerTimeout)
				f.log.Warn("peer contributed nothing", zap.String("peer", p.Name), zap.Error(err))
			}
			statuses[i] = st

			mu.Lock()
			lists[p.Name] = items
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, statuses, err
	}
	return lists, statuses, nil
}

func (f *Federator) ask(ctx context.Context, p Peer, req Request) ([]Item, error) {
	ctx, span := otel.Tracer("mnemos/federation").Start(ctx, "federation.peer")
	defer span.End()
	span.SetAttributes(attribute.String("peer", p.Name))

	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	items, err := p.Client.Recall(pctx, req)
	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s after %s: %w", p.Name, f.timeout, ErrPeerTimeout)
		}
		return nil, err
	}
	return items, nil
}

// Merge tags each list with its origin, min-max normalizes scores per
// origin, keeps the best score per (origin, id), and returns the top k by
// score, then origin, then id. k <= 0 keeps everything.
func Merge(lists map[string][]Item, k int) []Item {
	type key struct{ origin, id string }
	best := make(map[key]Item)

	for origin, items := range lists {
		if len(items) == 0 {
			continue
		}
		lo, hi := items[0].Score, items[0].Score
		for _, it := range items[1:] {
			lo = min(lo, it.Score)
			hi = max(hi, it.Score)
		}
		for _, it := range items {
			it.Origin = origin
			if hi > lo {
				it.Score = (it.Score - lo) / (hi - lo)
			} else {
				it.Score = 1
			}
			kk := key{origin, it.ID}
			if prev, ok := best[kk]; !ok || it.Score > prev.Score {
				best[kk] = it
			}
		}
	}

	out := make([]Item, 0, len(best))
	for _, it := range best {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Origin != out[j].Origin {
			return out[i].Origin < out[j].Origin
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
