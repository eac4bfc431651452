package store

import (
	"context"
	"fmt"
)

// StackRef is one neighbor of an artifact in the promotion graph.
type StackRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
	Edge EdgeKind   `json:"edge"`
}

// Stack is an artifact with its immediate graph neighborhood.
type Stack struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind"`
	Artifact any        `json:"artifact"`
	Parents  []StackRef `json:"parents"`
	Children []StackRef `json:"children"`
	Edges    []Edge     `json:"edges"`
}

// Stack loads the record behind id together with every edge touching it.
// Parents are the edge sources pointing at id, children the targets id
// points at.
func (db *DB) Stack(ctx context.Context, id string) (*Stack, error) {
	kind, err := db.KindOf(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &Stack{ID: id, Kind: kind, Parents: []StackRef{}, Children: []StackRef{}}
	switch kind {
	case EntityShard:
		st.Artifact, err = db.GetShard(ctx, id)
	case EntityCodestone:
		st.Artifact, err = db.GetCodestone(ctx, id)
	case EntityCodecell:
		var cells []*Codecell
		if cells, err = db.GetCodecells(ctx, id); err == nil && len(cells) == 1 {
			st.Artifact = cells[0]
		}
	case EntityLineage:
		var ls []*Lineage
		if ls, err = db.GetLineages(ctx, id); err == nil && len(ls) == 1 {
			st.Artifact = ls[0]
		}
	}
	if err != nil {
		return nil, err
	}

	edges, err := db.EdgesOf(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Edges = orEmpty(edges)
	for _, e := range edges {
		other, into := e.To, &st.Children
		if e.To == id {
			other, into = e.From, &st.Parents
		}
		k, err := db.KindOf(ctx, other)
		if err != nil {
			return nil, fmt.Errorf("stack neighbor %s: %w", other, err)
		}
		*into = append(*into, StackRef{ID: other, Kind: k, Edge: e.Kind})
	}
	return st, nil
}

// Provenance returns the shards an artifact was derived from, following
// derivation, membership and elevation edges backwards. A shard id
// resolves to itself.
func (db *DB) Provenance(ctx context.Context, id string) ([]string, error) {
	ids, err := collectIDs(ctx, db, `
		WITH RECURSIVE up(id) AS (
			SELECT ?
			UNION
			SELECT e.src_id FROM edges e JOIN up u ON e.dst_id = u.id
			WHERE e.kind IN ('derivation', 'membership', 'elevation')
		)
		SELECT s.id FROM shards s JOIN up u ON u.id = s.id ORDER BY s.id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("provenance of %s: %w", id, err)
	}
	return ids, nil
}
