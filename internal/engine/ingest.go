package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/store"
)

// IngestRequest is one batch of normalized shards from a source.
type IngestRequest struct {
	Source      string                `json:"source"`
	Shards      []*store.Shard        `json:"shards"`
	OnDuplicate store.DuplicatePolicy `json:"on_duplicate,omitempty"`
}

// IngestResult counts what the batch did.
type IngestResult struct {
	Ingested int      `json:"ingested_count"`
	Skipped  int      `json:"skipped_count"`
	IDs      []string `json:"ids,omitempty"`
}

// Ingest validates a batch, checks the write policy, embeds shards that
// arrived without a vector and stores the batch atomically. Nothing is
// written when any shard is invalid. The caller's shards are never
// modified; ids assigned to shards that arrived without one are returned in
// batch order.
func (e *Engine) Ingest(ctx context.Context, actor policy.Actor, req IngestRequest) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Ingest")
	defer span.End()

	switch req.OnDuplicate {
	case "":
		req.OnDuplicate = store.OnDuplicateReject
	case store.OnDuplicateReject, store.OnDuplicateSkip:
	default:
		return IngestResult{}, invalid("on_duplicate", "must be %q or %q", store.OnDuplicateReject, store.OnDuplicateSkip)
	}

	shards := make([]*store.Shard, len(req.Shards))
	for i, s := range req.Shards {
		if s != nil {
			c := *s
			if c.ID == "" {
				c.ID = store.NewID()
			}
			shards[i] = &c
		}
	}
	if err := validateShards(req.Source, shards); err != nil {
		return IngestResult{}, err
	}
	if err := e.checkLinks(ctx, shards); err != nil {
		return IngestResult{}, err
	}

	kinds := map[string]int{}
	for _, s := range shards {
		kinds[string(s.Kind)]++
	}
	payload := map[string]any{"source": req.Source, "count": len(shards), "kinds": kinds}
	if _, err := e.authorize(ctx, policy.ActionWrite, payload, actor); err != nil {
		return IngestResult{}, err
	}

	e.embedBatch(ctx, shards)

	inserted, skipped, err := e.db.PutShards(ctx, shards, req.OnDuplicate)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest %s: %w", req.Source, err)
	}
	e.log.Info("ingested shards", zap.String("source", req.Source), zap.String("actor", actor.ID),
		zap.Int("ingested", inserted), zap.Int("skipped", skipped))

	res := IngestResult{Ingested: inserted, Skipped: skipped, IDs: make([]string, len(shards))}
	for i, s := range shards {
		res.IDs[i] = s.ID
	}
	return res, nil
}

// checkLinks requires every parent and child id to be in the batch or the
// store.
func (e *Engine) checkLinks(ctx context.Context, shards []*store.Shard) error {
	inBatch := make(map[string]bool, len(shards))
	for _, s := range shards {
		inBatch[s.ID] = true
	}
	var ext []string
	for _, s := range shards {
		for _, id := range append(append([]string(nil), s.ParentIDs...), s.ChildIDs...) {
			if !inBatch[id] {
				ext = append(ext, id)
			}
		}
	}
	if len(ext) == 0 {
		return nil
	}

	found, err := e.db.GetShards(ctx, ext)
	if err != nil {
		return fmt.Errorf("check links: %w", err)
	}
	have := make(map[string]bool, len(found))
	for _, s := range found {
		have[s.ID] = true
	}
	for _, id := range ext {
		if !have[id] {
			return invalid("parent_ids", "unknown shard %q", id)
		}
	}
	return nil
}

// embedBatch fills missing embeddings. An unavailable provider leaves them
// empty for a later EmbedMissing sweep.
func (e *Engine) embedBatch(ctx context.Context, shards []*store.Shard) {
	if !e.gen.Available() {
		return
	}
	var todo []*store.Shard
	var texts []string
	for _, s := range shards {
		if len(s.Embedding) == 0 && s.Text != "" {
			todo = append(todo, s)
			texts = append(texts, s.Text)
		}
	}
	if len(todo) == 0 {
		return
	}
	vecs, err := e.gen.EmbedMany(ctx, texts)
	if err != nil {
		e.log.Warn("ingest embeddings unavailable", zap.Int("shards", len(todo)), zap.Error(err))
		return
	}
	model := e.gen.Model()
	for i, s := range todo {
		s.Embedding = vecs[i]
		s.EmbeddingModel = model
	}
}
