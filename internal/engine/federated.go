package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/mnemos/internal/federation"
	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/store"
)

// FederatedRecall runs the local recall and the peer fan-out side by side
// and merges the answers. Scores are normalized per origin; the merged
// list is truncated to k and regrouped by layer. Peers that fail or time
// out only show up in Peers.
func (e *Engine) FederatedRecall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	k := req.K
	if k == 0 {
		k = e.cfg.Recall.DefaultK
	}
	freq := federation.Request{Text: req.Text, K: k, Sources: req.Filters.Sources}
	for _, kind := range req.Filters.Kinds {
		freq.Kinds = append(freq.Kinds, string(kind))
	}

	var (
		local  *RecallResponse
		lists  map[string][]federation.Item
		status []federation.PeerStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = e.Recall(gctx, req)
		return err
	})
	g.Go(func() error {
		var err error
		lists, status, err = e.fed.Collect(gctx, freq)
		if err != nil {
			return fmt.Errorf("federated recall: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var items []federation.Item
	byKey := map[string]Item{}
	for name, layer := range local.Layers() {
		for _, it := range layer {
			it.Origin = federation.OriginLocal
			byKey[name+"/"+it.ID] = it
			items = append(items, it.federated(name))
		}
	}
	lists[federation.OriginLocal] = items
	res := federation.Result{Items: federation.Merge(lists, k), Peers: status}

	resp := newResponse()
	resp.EventID = local.EventID
	resp.Confidence = local.Confidence
	resp.Lead = local.Lead
	resp.Priors = local.Priors
	resp.Degraded = local.Degraded
	resp.Peers = res.Peers

	cache := decisions{}
	for _, fi := range res.Items {
		it := Item{
			ID:        fi.ID,
			Kind:      store.EntityKind(fi.Kind),
			Text:      fi.Text,
			Score:     fi.Score,
			Tentative: fi.Tentative,
			Origin:    fi.Origin,
			Metadata:  fi.Metadata,
		}
		if fi.Origin == federation.OriginLocal {
			if li, ok := byKey[fi.Layer+"/"+fi.ID]; ok {
				it.Scores, it.Mode = li.Scores, li.Mode
			}
		} else if len(e.visible(ctx, req.Actor, []Item{it}, cache)) == 0 {
			continue
		}
		layer := resp.layer(fi.Layer)
		*layer = append(*layer, it)
	}
	if resp.empty() {
		resp.Code = CodeEmptyResult
	}
	return resp, nil
}

// Export returns shards matching f for an actor allowed to export. Shards
// the actor may not read are left out; text is scrubbed of secrets.
func (e *Engine) Export(ctx context.Context, actor policy.Actor, f store.ShardFilter) ([]*store.Shard, error) {
	ctx, span := tracer.Start(ctx, "engine.Export")
	defer span.End()

	if _, err := e.authorize(ctx, policy.ActionExport, map[string]any{"filter": filterPayload(f)}, actor); err != nil {
		return nil, err
	}
	shards, err := e.db.QueryShards(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	cache := decisions{}
	out := make([]*store.Shard, 0, len(shards))
	for _, s := range shards {
		meta := s.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		vis := e.visible(ctx, actor, []Item{{ID: s.ID, Kind: store.EntityShard, Metadata: meta}}, cache)
		if len(vis) == 0 {
			continue
		}
		cp := *s
		cp.Metadata = vis[0].Metadata
		cp.Text = policy.ScrubString(s.Text)
		cp.Embedding = nil
		out = append(out, &cp)
	}
	return out, nil
}

func filterPayload(f store.ShardFilter) map[string]any {
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}
	return map[string]any{"kinds": kinds, "sources": f.Sources, "limit": f.Limit}
}
