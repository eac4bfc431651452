package engine

import (
	"context"
	"fmt"

	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/store"
)

// Stack returns an artifact with its parents, children and edges. A read
// the actor may not perform fails with a PolicyDeniedError; shard metadata
// is redacted on a copy.
func (e *Engine) Stack(ctx context.Context, actor policy.Actor, id string) (*store.Stack, error) {
	ctx, span := tracer.Start(ctx, "engine.Stack")
	defer span.End()

	if !validID(id) {
		return nil, invalid("id", "invalid id %q", id)
	}
	st, err := e.db.Stack(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}

	meta := map[string]any{}
	shard, isShard := st.Artifact.(*store.Shard)
	if isShard {
		if shard.Metadata != nil {
			meta = shard.Metadata
		}
	} else {
		sensitive, err := e.inheritsSensitive(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		if sensitive {
			meta = map[string]any{"sensitive": true}
		}
	}

	d, err := e.authorize(ctx, policy.ActionRead, map[string]any{"id": id, "kind": string(st.Kind), "metadata": meta}, actor)
	if err != nil {
		return nil, err
	}
	if isShard && len(d.RedactFields) > 0 {
		cp := *shard
		cp.Metadata = policy.RedactMetadata(shard.Metadata, d.RedactFields)
		st.Artifact = &cp
	}
	return st, nil
}
