package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lazypower/mnemos/internal/embed"
)

// VectorRecord holds an embedding for a shard or derived artifact.
type VectorRecord struct {
	EntityID   string
	Kind       EntityKind
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

func saveVector(ctx context.Context, q querier, id string, kind EntityKind, vec []float64, model string, now int64) error {
	blob := encodeEmbedding(vec)
	_, err := q.ExecContext(ctx, `
		INSERT INTO vectors (entity_id, entity_kind, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			entity_kind = excluded.entity_kind, embedding = excluded.embedding,
			model = excluded.model, dimensions = excluded.dimensions, created_at = excluded.created_at
	`, id, string(kind), blob, model, len(vec), now)
	if err != nil {
		return fmt.Errorf("save vector %s: %w", id, err)
	}
	return nil
}

// SaveVector stores or replaces the embedding for an entity.
func (db *DB) SaveVector(ctx context.Context, id string, kind EntityKind, vec []float64, model string) error {
	return saveVector(ctx, db, id, kind, vec, model, time.Now().UnixMilli())
}

// GetVector returns the embedding for an entity, or nil if not found.
func (db *DB) GetVector(ctx context.Context, id string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte
	var kind string

	err := db.QueryRowContext(ctx, `
		SELECT entity_id, entity_kind, embedding, model, dimensions, created_at
		FROM vectors WHERE entity_id = ?
	`, id).Scan(&v.EntityID, &kind, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Kind = EntityKind(kind)
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// Vectors returns every stored vector of the given kind. For shards the
// filter restricts which shards qualify; it is ignored for other kinds.
func (db *DB) Vectors(ctx context.Context, kind EntityKind, f ShardFilter) ([]VectorRecord, error) {
	q := `SELECT v.entity_id, v.entity_kind, v.embedding, v.model, v.dimensions, v.created_at
		FROM vectors v`
	args := []any{}
	if kind == EntityShard && !f.IsZero() {
		where, fargs := f.clause("s.")
		q += " JOIN shards s ON s.id = v.entity_id" + where + " AND v.entity_kind = ?"
		args = append(fargs, string(kind))
	} else {
		q += " WHERE v.entity_kind = ?"
		args = append(args, string(kind))
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		var k string
		if err := rows.Scan(&v.EntityID, &k, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Kind = EntityKind(k)
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// VectorSearch ranks entities of kind by cosine similarity to vec. Vectors
// of a different dimension (another model) are skipped.
func (db *DB) VectorSearch(ctx context.Context, kind EntityKind, vec []float64, f ShardFilter, limit int) ([]Hit, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	records, err := db.Vectors(ctx, kind, f)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) != len(vec) {
			continue
		}
		hits = append(hits, Hit{ID: r.EntityID, Score: embed.Cosine(vec, r.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// MissingVectors returns ids of shards that have no stored embedding.
func (db *DB) MissingVectors(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := collectIDs(ctx, db, `
		SELECT s.id FROM shards s
		LEFT JOIN vectors v ON v.entity_id = s.id
		WHERE v.entity_id IS NULL
		ORDER BY s.created_at
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("missing vectors: %w", err)
	}
	return ids, nil
}

// DeleteVector removes the embedding for an entity.
func (db *DB) DeleteVector(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM vectors WHERE entity_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}
