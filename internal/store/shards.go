package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind is the shape of interaction a shard was cut from.
type Kind string

const (
	KindMessage Kind = "message"
	KindFile    Kind = "file"
	KindCode    Kind = "code"
	KindNote    Kind = "note"
	KindEvent   Kind = "event"
)

// ValidKinds lists every accepted shard kind.
var ValidKinds = map[Kind]bool{
	KindMessage: true,
	KindFile:    true,
	KindCode:    true,
	KindNote:    true,
	KindEvent:   true,
}

// Resonance holds the mutable affect annotations of a shard.
type Resonance struct {
	Affect    float64 `json:"affect"`
	Arousal   float64 `json:"arousal"`
	Momentum  float64 `json:"momentum"`
	SeedScore float64 `json:"seed_score"`
	Closure   bool    `json:"closure"`
}

// Shard is an atomic, immutable fragment of recorded interaction.
type Shard struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Kind           Kind           `json:"kind"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
	Text           string         `json:"text"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Provenance     map[string]any `json:"provenance,omitempty"`
	ParentIDs      []string       `json:"parent_ids,omitempty"`
	ChildIDs       []string       `json:"child_ids,omitempty"`
	Embedding      []float64      `json:"embedding,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Resonance      Resonance      `json:"resonance"`
	ContentHash    string         `json:"content_hash,omitempty"`
	CreatedAt      int64          `json:"created_at,omitempty"`
}

// DuplicatePolicy controls how PutShards treats ids that already exist.
type DuplicatePolicy string

const (
	OnDuplicateReject DuplicatePolicy = "reject"
	OnDuplicateSkip   DuplicatePolicy = "skip"
)

// ShardFilter narrows QueryShards and shard-kind searches.
type ShardFilter struct {
	Kinds   []Kind     `json:"kinds,omitempty"`
	Sources []string   `json:"sources,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewID returns a fresh lexically sortable id.
func NewID() string {
	return ulid.Make().String()
}

// ContentHash returns the hex sha256 of the given parts joined by NUL.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PutShard stores a single shard. Returns ErrDuplicate if the id exists.
func (db *DB) PutShard(ctx context.Context, s *Shard) error {
	_, _, err := db.PutShards(ctx, []*Shard{s}, OnDuplicateReject)
	return err
}

// PutShards stores a batch of shards in one transaction. Under
// OnDuplicateReject any existing id aborts the whole batch; under
// OnDuplicateSkip existing ids are skipped and counted.
func (db *DB) PutShards(ctx context.Context, shards []*Shard, policy DuplicatePolicy) (inserted, skipped int, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin put shards: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	seen := make(map[string]bool, len(shards))
	for _, s := range shards {
		if s.ID == "" {
			s.ID = NewID()
		}

		exists := seen[s.ID]
		if !exists {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM shards WHERE id = ?", s.ID).Scan(&n); err != nil {
				return 0, 0, fmt.Errorf("check shard %s: %w", s.ID, err)
			}
			exists = n > 0
		}
		if exists {
			if policy == OnDuplicateSkip {
				skipped++
				continue
			}
			return 0, 0, fmt.Errorf("shard %s: %w", s.ID, ErrDuplicate)
		}
		seen[s.ID] = true

		if err := insertShard(ctx, tx, s, now); err != nil {
			return 0, 0, err
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit put shards: %w", err)
	}
	return inserted, skipped, nil
}

func insertShard(ctx context.Context, tx *sql.Tx, s *Shard, now int64) error {
	if s.ContentHash == "" {
		s.ContentHash = ContentHash(string(s.Kind), s.Text)
	}
	s.CreatedAt = now

	meta, err := marshalMap(s.Metadata)
	if err != nil {
		return fmt.Errorf("shard %s metadata: %w", s.ID, err)
	}
	prov, err := marshalMap(s.Provenance)
	if err != nil {
		return fmt.Errorf("shard %s provenance: %w", s.ID, err)
	}

	var ts *int64
	if s.Timestamp != nil {
		ms := s.Timestamp.UnixMilli()
		ts = &ms
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shards (id, source, kind, conversation_id, actor, ts, text, metadata, provenance,
			content_hash, affect, arousal, momentum, seed_score, closure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Source, string(s.Kind), nullString(s.ConversationID), nullString(s.Actor), ts, s.Text, meta, prov,
		s.ContentHash, s.Resonance.Affect, s.Resonance.Arousal, s.Resonance.Momentum, s.Resonance.SeedScore,
		boolInt(s.Resonance.Closure), now)
	if err != nil {
		return fmt.Errorf("insert shard %s: %w", s.ID, err)
	}

	for _, p := range s.ParentIDs {
		if err := insertEdge(ctx, tx, p, s.ID, EdgeLink, now); err != nil {
			return err
		}
	}
	for _, c := range s.ChildIDs {
		if err := insertEdge(ctx, tx, s.ID, c, EdgeLink, now); err != nil {
			return err
		}
	}

	if len(s.Embedding) > 0 {
		model := s.EmbeddingModel
		if model == "" {
			model = "external"
		}
		if err := saveVector(ctx, tx, s.ID, EntityShard, s.Embedding, model, now); err != nil {
			return err
		}
	}
	return nil
}

const shardColumns = `id, source, kind, conversation_id, actor, ts, text, metadata, provenance,
	content_hash, affect, arousal, momentum, seed_score, closure, created_at`

// GetShard returns a shard by id with its links and embedding.
func (db *DB) GetShard(ctx context.Context, id string) (*Shard, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+shardColumns+" FROM shards WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get shard: %w", err)
	}
	shards, err := scanShards(rows)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("shard %s: %w", id, ErrNotFound)
	}
	s := shards[0]

	if err := db.hydrateLinks(ctx, shards); err != nil {
		return nil, err
	}
	vec, err := db.GetVector(ctx, id)
	if err != nil {
		return nil, err
	}
	if vec != nil {
		s.Embedding = vec.Embedding
		s.EmbeddingModel = vec.Model
	}
	return s, nil
}

// GetShards returns the shards with the given ids, skipping unknown ids.
// Order follows the ids argument.
func (db *DB) GetShards(ctx context.Context, ids []string) ([]*Shard, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+shardColumns+" FROM shards WHERE id IN ("+placeholders(len(ids))+")", stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get shards: %w", err)
	}
	found, err := scanShards(rows)
	if err != nil {
		return nil, err
	}
	if err := db.hydrateLinks(ctx, found); err != nil {
		return nil, err
	}

	byID := make(map[string]*Shard, len(found))
	for _, s := range found {
		byID[s.ID] = s
	}
	out := make([]*Shard, 0, len(found))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
			delete(byID, id)
		}
	}
	return out, nil
}

// QueryShards returns shards matching the filter, newest first.
func (db *DB) QueryShards(ctx context.Context, f ShardFilter) ([]*Shard, error) {
	where, args := f.clause("")
	q := "SELECT " + shardColumns + " FROM shards" + where + " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query shards: %w", err)
	}
	shards, err := scanShards(rows)
	if err != nil {
		return nil, err
	}
	if err := db.hydrateLinks(ctx, shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// CountShards returns the total number of shards.
func (db *DB) CountShards(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM shards").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count shards: %w", err)
	}
	return n, nil
}

// AnnotateResonance replaces the resonance annotations of a shard.
// This and Link are the only mutations a stored shard accepts.
func (db *DB) AnnotateResonance(ctx context.Context, id string, r Resonance) error {
	res, err := db.ExecContext(ctx, `
		UPDATE shards SET affect = ?, arousal = ?, momentum = ?, seed_score = ?, closure = ?
		WHERE id = ?
	`, r.Affect, r.Arousal, r.Momentum, r.SeedScore, boolInt(r.Closure), id)
	if err != nil {
		return fmt.Errorf("annotate resonance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shard %s: %w", id, ErrNotFound)
	}
	return nil
}

// Redact permanently removes a shard, its vector and every edge touching it.
// Codestones left without any source shard are removed as well.
func (db *DB) Redact(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin redact: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM shards WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("redact shard: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shard %s: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE entity_id = ?", id); err != nil {
		return fmt.Errorf("redact vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE src_id = ? OR dst_id = ?", id, id); err != nil {
		return fmt.Errorf("redact edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pass_runs WHERE entity_id = ?", id); err != nil {
		return fmt.Errorf("redact ledger: %w", err)
	}

	if err := deleteOrphanCodestones(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func scanShards(rows *sql.Rows) ([]*Shard, error) {
	defer rows.Close()

	var shards []*Shard
	for rows.Next() {
		var (
			s          Shard
			kind       string
			convID     sql.NullString
			actor      sql.NullString
			ts         sql.NullInt64
			meta, prov string
			closure    int
		)
		if err := rows.Scan(&s.ID, &s.Source, &kind, &convID, &actor, &ts, &s.Text, &meta, &prov,
			&s.ContentHash, &s.Resonance.Affect, &s.Resonance.Arousal, &s.Resonance.Momentum,
			&s.Resonance.SeedScore, &closure, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		s.Kind = Kind(kind)
		s.ConversationID = convID.String
		s.Actor = actor.String
		if ts.Valid {
			t := time.UnixMilli(ts.Int64).UTC()
			s.Timestamp = &t
		}
		s.Resonance.Closure = closure != 0
		if err := json.Unmarshal([]byte(meta), &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode shard %s metadata: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(prov), &s.Provenance); err != nil {
			return nil, fmt.Errorf("decode shard %s provenance: %w", s.ID, err)
		}
		shards = append(shards, &s)
	}
	return shards, rows.Err()
}

// hydrateLinks fills ParentIDs and ChildIDs from link edges.
func (db *DB) hydrateLinks(ctx context.Context, shards []*Shard) error {
	if len(shards) == 0 {
		return nil
	}
	ids := make([]string, len(shards))
	byID := make(map[string]*Shard, len(shards))
	for i, s := range shards {
		ids[i] = s.ID
		byID[s.ID] = s
	}

	ph := placeholders(len(ids))
	args := append(stringArgs(ids), stringArgs(ids)...)
	rows, err := db.QueryContext(ctx, `
		SELECT src_id, dst_id FROM edges
		WHERE kind = 'link' AND (src_id IN (`+ph+`) OR dst_id IN (`+ph+`))
		ORDER BY created_at, src_id, dst_id
	`, args...)
	if err != nil {
		return fmt.Errorf("load links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			return fmt.Errorf("scan link: %w", err)
		}
		if s, ok := byID[dst]; ok {
			s.ParentIDs = append(s.ParentIDs, src)
		}
		if s, ok := byID[src]; ok {
			s.ChildIDs = append(s.ChildIDs, dst)
		}
	}
	return rows.Err()
}

// clause builds a WHERE clause for the filter. prefix qualifies columns
// (e.g. "s.") when the shards table is joined.
func (f ShardFilter) clause(prefix string) (string, []any) {
	var conds []string
	var args []any
	if len(f.Kinds) > 0 {
		conds = append(conds, prefix+"kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if len(f.Sources) > 0 {
		conds = append(conds, prefix+"source IN ("+placeholders(len(f.Sources))+")")
		args = append(args, stringArgs(f.Sources)...)
	}
	if f.Since != nil {
		conds = append(conds, "COALESCE("+prefix+"ts, "+prefix+"created_at) >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		conds = append(conds, "COALESCE("+prefix+"ts, "+prefix+"created_at) < ?")
		args = append(args, f.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// IsZero reports whether the filter has no constraints.
func (f ShardFilter) IsZero() bool {
	return len(f.Kinds) == 0 && len(f.Sources) == 0 && f.Since == nil && f.Until == nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
