// Package retrieval generates candidates for a query by running a lexical
// and a vector search side by side and fusing their normalized scores.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/logging"
	"github.com/lazypower/mnemos/internal/store"
)

// ErrUnavailable means neither the lexical nor the vector backend answered.
var ErrUnavailable = errors.New("retrieval unavailable")

// Backend names reported in Result.Degraded.
const (
	BackendLexical = "lexical"
	BackendVector  = "vector"
)

// Index is the search surface retrieval needs from the store.
type Index interface {
	LexicalSearch(ctx context.Context, kind store.EntityKind, query string, f store.ShardFilter, limit int) ([]store.Hit, error)
	VectorSearch(ctx context.Context, kind store.EntityKind, vec []float64, f store.ShardFilter, limit int) ([]store.Hit, error)
}

// Embedder produces a query vector. *embed.Generator satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Available() bool
}

// Weights mix the two normalized lists.
type Weights struct {
	Lexical float64 `json:"lexical"`
	Vector  float64 `json:"vector"`
}

// Candidate is one fused hit.
type Candidate struct {
	ID      string           `json:"id"`
	Kind    store.EntityKind `json:"kind"`
	Lexical float64          `json:"lexical"`
	Vector  float64          `json:"vector"`
	Fused   float64          `json:"fused"`
}

// Request describes one retrieval.
type Request struct {
	Text   string
	Kind   store.EntityKind
	Filter store.ShardFilter
	// Vector, when set, is used instead of embedding Text.
	Vector []float64
	// Query, when set, supplies the vector shared by several retrievals of
	// the same text. It takes precedence over embedding Text.
	Query *PendingVector
	// LexicalOnly skips the vector side, e.g. after the query embedding
	// already failed upstream.
	LexicalOnly bool
}

// Result holds fused candidates sorted by Fused desc, then id.
type Result struct {
	Candidates []Candidate
	Weights    Weights
	Degraded   []string
}

// Engine runs hybrid retrieval.
type Engine struct {
	index    Index
	embedder Embedder
	weights  Weights
	lexLimit int
	vecLimit int
	log      *zap.Logger
}

// New creates a retrieval engine. embedder may be nil.
func New(index Index, embedder Embedder, cfg config.RetrievalConfig, log *zap.Logger) *Engine {
	e := &Engine{
		index:    index,
		embedder: embedder,
		weights:  Weights{Lexical: cfg.LexicalWeight, Vector: cfg.VectorWeight},
		lexLimit: cfg.LexicalLimit,
		vecLimit: cfg.VectorLimit,
		log:      logging.OrNop(log),
	}
	if e.lexLimit <= 0 {
		e.lexLimit = 50
	}
	if e.vecLimit <= 0 {
		e.vecLimit = 50
	}
	return e
}

// QueryVector embeds text, returning nil when no embedder is usable.
func (e *Engine) QueryVector(ctx context.Context, text string) ([]float64, error) {
	if e.embedder == nil || !e.embedder.Available() {
		return nil, nil
	}
	return e.embedder.Embed(ctx, text)
}

// PendingVector is a query embedding computed once in the background.
type PendingVector struct {
	done chan struct{}
	vec  []float64
	err  error
}

// Prefetch starts embedding text and returns at once. A positive timeout
// bounds the embedding on its own, so a slow provider costs the vector side
// of the search and never the lexical side.
func (e *Engine) Prefetch(ctx context.Context, text string, timeout time.Duration) *PendingVector {
	q := &PendingVector{done: make(chan struct{})}
	if e.embedder == nil || !e.embedder.Available() {
		close(q.done)
		return q
	}
	go func() {
		defer close(q.done)
		ectx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ectx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		q.vec, q.err = e.embedder.Embed(ectx, text)
		if q.err != nil {
			e.log.Warn("query embedding failed, lexical only", zap.Error(q.err))
		}
	}()
	return q
}

// Wait blocks until the embedding finished or ctx is done. A nil vector
// with a nil error means no embedder is configured.
func (q *PendingVector) Wait(ctx context.Context) ([]float64, error) {
	select {
	case <-q.done:
		return q.vec, q.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Retrieve runs both searches concurrently and fuses them. A failed side is
// dropped from the fusion and reported in Degraded; if both fail the call
// returns ErrUnavailable.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otel.Tracer("mnemos/retrieval").Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(req.Kind)))

	var (
		lexHits, vecHits []store.Hit
		lexErr, vecErr   error
	)

	var g errgroup.Group
	g.Go(func() error {
		lexHits, lexErr = e.index.LexicalSearch(ctx, req.Kind, req.Text, req.Filter, e.lexLimit)
		return nil
	})
	g.Go(func() error {
		if req.LexicalOnly {
			vecErr = errNoEmbedder
			return nil
		}
		vec := req.Vector
		if vec == nil {
			var err error
			if req.Query != nil {
				vec, err = req.Query.Wait(ctx)
			} else {
				vec, err = e.QueryVector(ctx, req.Text)
			}
			if err != nil {
				vecErr = err
				return nil
			}
		}
		if vec == nil {
			vecErr = errNoEmbedder
			return nil
		}
		vecHits, vecErr = e.index.VectorSearch(ctx, req.Kind, vec, req.Filter, e.vecLimit)
		return nil
	})
	_ = g.Wait()

	res := &Result{Weights: e.weights}
	switch {
	case lexErr != nil && vecErr != nil:
		e.log.Warn("retrieval backends failed",
			zap.String("kind", string(req.Kind)), zap.NamedError("lexical", lexErr), zap.NamedError("vector", vecErr))
		return nil, ErrUnavailable
	case vecErr != nil:
		if !errors.Is(vecErr, errNoEmbedder) {
			e.log.Debug("vector search degraded", zap.String("kind", string(req.Kind)), zap.Error(vecErr))
		}
		res.Weights = Weights{Lexical: 1}
		res.Degraded = append(res.Degraded, BackendVector)
	case lexErr != nil:
		e.log.Debug("lexical search degraded", zap.String("kind", string(req.Kind)), zap.Error(lexErr))
		res.Weights = Weights{Vector: 1}
		res.Degraded = append(res.Degraded, BackendLexical)
	}

	res.Candidates = Fuse(req.Kind, MinMax(lexHits), MinMax(vecHits), res.Weights)
	span.SetAttributes(attribute.Int("candidates", len(res.Candidates)))
	return res, nil
}

var errNoEmbedder = errors.New("no embedding provider")

// MinMax maps hit scores onto [0,1]. A list whose scores are all equal maps
// every entry to 1.
func MinMax(hits []store.Hit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		lo = min(lo, h.Score)
		hi = max(hi, h.Score)
	}
	for _, h := range hits {
		if hi == lo {
			out[h.ID] = 1
			continue
		}
		out[h.ID] = (h.Score - lo) / (hi - lo)
	}
	return out
}

// Fuse combines two normalized lists. An id missing from a list scores 0
// for that component.
func Fuse(kind store.EntityKind, lex, vec map[string]float64, w Weights) []Candidate {
	ids := make(map[string]struct{}, len(lex)+len(vec))
	for id := range lex {
		ids[id] = struct{}{}
	}
	for id := range vec {
		ids[id] = struct{}{}
	}

	out := make([]Candidate, 0, len(ids))
	for id := range ids {
		c := Candidate{ID: id, Kind: kind, Lexical: lex[id], Vector: vec[id]}
		c.Fused = w.Lexical*c.Lexical + w.Vector*c.Vector
		out = append(out, c)
	}
	SortCandidates(out)
	return out
}

// SortCandidates orders by Fused desc, then id asc.
func SortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Fused != cs[j].Fused {
			return cs[i].Fused > cs[j].Fused
		}
		return cs[i].ID < cs[j].ID
	})
}
