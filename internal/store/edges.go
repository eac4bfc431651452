package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EntityKind names the record family an id belongs to.
type EntityKind string

const (
	EntityShard     EntityKind = "shard"
	EntityCodestone EntityKind = "codestone"
	EntityCodecell  EntityKind = "codecell"
	EntityLineage   EntityKind = "lineage"
)

// EdgeKind types an edge of the promotion graph.
type EdgeKind string

const (
	EdgeLink       EdgeKind = "link"       // shard -> shard (parent -> child)
	EdgeDerivation EdgeKind = "derivation" // shard -> codestone
	EdgeMembership EdgeKind = "membership" // codestone -> codecell
	EdgeElevation  EdgeKind = "elevation"  // codecell -> lineage
)

// Edge is a typed, directed relationship between two records.
type Edge struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Kind      EdgeKind `json:"kind"`
	CreatedAt int64    `json:"created_at"`
}

// Orphan is a derived artifact that no longer resolves to a shard.
type Orphan struct {
	ID   string
	Kind EntityKind
}

func insertEdge(ctx context.Context, q querier, src, dst string, kind EdgeKind, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO edges (src_id, dst_id, kind, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(src_id, dst_id, kind) DO NOTHING
	`, src, dst, string(kind), now)
	if err != nil {
		return fmt.Errorf("insert %s edge %s->%s: %w", kind, src, dst, err)
	}
	return nil
}

// replaceSources swaps every incoming edge of the given kind on dst for
// edges from srcs.
func replaceSources(ctx context.Context, tx *sql.Tx, dst string, kind EdgeKind, srcs []string, now int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE dst_id = ? AND kind = ?", dst, string(kind)); err != nil {
		return fmt.Errorf("clear %s edges of %s: %w", kind, dst, err)
	}
	for _, src := range srcs {
		if err := insertEdge(ctx, tx, src, dst, kind, now); err != nil {
			return err
		}
	}
	return nil
}

// Link records a parent/child relationship between two existing shards.
func (db *DB) Link(ctx context.Context, parentID, childID string) error {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM shards WHERE id IN (?, ?)", parentID, childID).Scan(&n)
	if err != nil {
		return fmt.Errorf("check link ends: %w", err)
	}
	want := 2
	if parentID == childID {
		want = 1
	}
	if n < want {
		return fmt.Errorf("link %s->%s: %w", parentID, childID, ErrNotFound)
	}
	return insertEdge(ctx, db, parentID, childID, EdgeLink, time.Now().UnixMilli())
}

// Sources returns the ids with an edge of kind into id.
func (db *DB) Sources(ctx context.Context, id string, kind EdgeKind) ([]string, error) {
	return db.edgeEnds(ctx,
		"SELECT src_id FROM edges WHERE dst_id = ? AND kind = ? ORDER BY src_id", id, kind)
}

// Targets returns the ids id has an edge of kind to.
func (db *DB) Targets(ctx context.Context, id string, kind EdgeKind) ([]string, error) {
	return db.edgeEnds(ctx,
		"SELECT dst_id FROM edges WHERE src_id = ? AND kind = ? ORDER BY dst_id", id, kind)
}

func (db *DB) edgeEnds(ctx context.Context, q, id string, kind EdgeKind) ([]string, error) {
	rows, err := db.QueryContext(ctx, q, id, string(kind))
	if err != nil {
		return nil, fmt.Errorf("edge ends: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan edge end: %w", err)
		}
		ids = append(ids, s)
	}
	return ids, rows.Err()
}

// EdgesOf returns every edge touching id, in either direction.
func (db *DB) EdgesOf(ctx context.Context, id string) ([]Edge, error) {
	edges, err := db.queryEdges(ctx, `
		SELECT src_id, dst_id, kind, created_at FROM edges
		WHERE src_id = ? OR dst_id = ?
		ORDER BY kind, src_id, dst_id
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("edges of %s: %w", id, err)
	}
	return edges, nil
}

func (db *DB) queryEdges(ctx context.Context, q string, args ...any) ([]Edge, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var kind string
		if err := rows.Scan(&e.From, &e.To, &kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Kind = EdgeKind(kind)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Direction selects which end of an edge Neighbors follows.
type Direction string

const (
	Incoming Direction = "in"
	Outgoing Direction = "out"
)

// Neighbors returns the edges of the given kinds entering (Incoming) or
// leaving (Outgoing) id. No kinds means all kinds.
func (db *DB) Neighbors(ctx context.Context, id string, dir Direction, kinds ...EdgeKind) ([]Edge, error) {
	col := "src_id"
	if dir == Incoming {
		col = "dst_id"
	}
	q := "SELECT src_id, dst_id, kind, created_at FROM edges WHERE " + col + " = ?"
	args := []any{id}
	if len(kinds) > 0 {
		q += " AND kind IN (" + placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	q += " ORDER BY kind, src_id, dst_id"
	return db.queryEdges(ctx, q, args...)
}

// KindOf reports which record family id belongs to.
func (db *DB) KindOf(ctx context.Context, id string) (EntityKind, error) {
	var kind string
	err := db.QueryRowContext(ctx, `
		SELECT 'shard' FROM shards WHERE id = ?
		UNION ALL SELECT 'codestone' FROM codestones WHERE id = ?
		UNION ALL SELECT 'codecell' FROM codecells WHERE id = ?
		UNION ALL SELECT 'lineage' FROM lineages WHERE id = ?
		LIMIT 1
	`, id, id, id, id).Scan(&kind)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("kind of %s: %w", id, err)
	}
	return EntityKind(kind), nil
}

// Orphans walks the promotion graph forward from every stored shard and
// returns the derived artifacts it cannot reach. A healthy store returns none.
func (db *DB) Orphans(ctx context.Context) ([]Orphan, error) {
	rows, err := db.QueryContext(ctx, `
		WITH RECURSIVE reach(id) AS (
			SELECT id FROM shards
			UNION
			SELECT e.dst_id FROM edges e JOIN reach r ON e.src_id = r.id
			WHERE e.kind IN ('derivation', 'membership', 'elevation')
		)
		SELECT id, 'codestone' FROM codestones WHERE id NOT IN (SELECT id FROM reach)
		UNION ALL
		SELECT id, 'codecell' FROM codecells WHERE id NOT IN (SELECT id FROM reach)
		UNION ALL
		SELECT id, 'lineage' FROM lineages WHERE id NOT IN (SELECT id FROM reach)
		ORDER BY 2, 1
	`)
	if err != nil {
		return nil, fmt.Errorf("orphans: %w", err)
	}
	defer rows.Close()

	var out []Orphan
	for rows.Next() {
		var o Orphan
		var kind string
		if err := rows.Scan(&o.ID, &kind); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		o.Kind = EntityKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

// deleteOrphanCodestones removes codestones whose sources are all gone, then
// codecells left without members and lineages left without codecells.
func deleteOrphanCodestones(ctx context.Context, tx *sql.Tx) error {
	steps := []struct {
		table string
		query string
	}{
		{"codestones", `SELECT id FROM codestones c WHERE NOT EXISTS (
			SELECT 1 FROM edges e JOIN shards s ON s.id = e.src_id
			WHERE e.dst_id = c.id AND e.kind = 'derivation')`},
		{"codecells", `SELECT id FROM codecells c WHERE NOT EXISTS (
			SELECT 1 FROM edges e JOIN codestones s ON s.id = e.src_id
			WHERE e.dst_id = c.id AND e.kind = 'membership')`},
		{"lineages", `SELECT id FROM lineages l WHERE NOT EXISTS (
			SELECT 1 FROM edges e JOIN codecells c ON c.id = e.src_id
			WHERE e.dst_id = l.id AND e.kind = 'elevation')`},
	}

	for _, step := range steps {
		ids, err := collectIDs(ctx, tx, step.query)
		if err != nil {
			return fmt.Errorf("find orphan %s: %w", step.table, err)
		}
		for _, id := range ids {
			if err := deleteArtifact(ctx, tx, step.table, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func deleteArtifact(ctx context.Context, tx *sql.Tx, table, id string) error {
	stmts := []struct {
		q    string
		args []any
	}{
		{"DELETE FROM " + table + " WHERE id = ?", []any{id}},
		{"DELETE FROM edges WHERE src_id = ? OR dst_id = ?", []any{id, id}},
		{"DELETE FROM vectors WHERE entity_id = ?", []any{id}},
		{"DELETE FROM artifacts_fts WHERE id = ?", []any{id}},
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.q, s.args...); err != nil {
			return fmt.Errorf("delete artifact %s: %w", id, err)
		}
	}
	return nil
}

func collectIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
