package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Codestone is a distilled insight derived from one or more shards.
type Codestone struct {
	ID              string             `json:"id"`
	EssenceText     string             `json:"essence_text"`
	SourceShardIDs  []string           `json:"source_shard_ids"`
	Confidence      float64            `json:"confidence"`
	ArchetypeVector map[string]float64 `json:"archetype_vector,omitempty"`
	ActivationCount int                `json:"activation_count"`
	LastActivatedAt *time.Time         `json:"last_activated_at,omitempty"`
	Embedding       []float64          `json:"-"`
	EmbeddingModel  string             `json:"-"`
	DerivationKey   string             `json:"derivation_key"`
	ContentHash     string             `json:"content_hash"`
}

// Codecell is a cluster of related codestones.
type Codecell struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Archetype          string    `json:"archetype,omitempty"`
	MemberCodestoneIDs []string  `json:"member_codestone_ids"`
	CentroidVector     []float64 `json:"centroid_vector,omitempty"`
	CentroidModel      string    `json:"-"`
	Coherence          float64   `json:"coherence"`
	DerivationKey      string    `json:"derivation_key"`
	ContentHash        string    `json:"content_hash"`
}

// Lineage is a principle-level pattern emerging from recurring codecells.
type Lineage struct {
	ID                string    `json:"id"`
	PrincipleText     string    `json:"principle_text"`
	Archetype         string    `json:"archetype,omitempty"`
	SourceCodecellIDs []string  `json:"source_codecell_ids"`
	Strength          float64   `json:"strength"`
	Embedding         []float64 `json:"-"`
	EmbeddingModel    string    `json:"-"`
	DerivationKey     string    `json:"derivation_key"`
	ContentHash       string    `json:"content_hash"`
}

// Archetype names used as keys of archetype vectors and profile weights.
const (
	ArchetypeBridge    = "Bridge"
	ArchetypeSeed      = "Seed"
	ArchetypeWeaver    = "Weaver"
	ArchetypePhoenix   = "Phoenix"
	ArchetypeMirror    = "Mirror"
	ArchetypeSpiral    = "Spiral"
	ArchetypeThreshold = "Threshold"
)

// Archetypes lists every archetype in a fixed order.
var Archetypes = []string{
	ArchetypeBridge, ArchetypeSeed, ArchetypeWeaver, ArchetypePhoenix,
	ArchetypeMirror, ArchetypeSpiral, ArchetypeThreshold,
}

// UpsertResult reports what an idempotent upsert did.
type UpsertResult struct {
	ID      string
	Created bool
	Changed bool
}

// DerivedID maps a derivation key onto a stable artifact id.
func DerivedID(prefix, key string) string {
	return prefix + ContentHash(key)[:20]
}

// vectorModel is the model a record's vector was made with, "" without one.
func vectorModel(vec []float64, model string) string {
	if len(vec) == 0 {
		return ""
	}
	return model
}

func (c *Codestone) hash() string {
	srcs := sortedCopy(c.SourceShardIDs)
	arch, _ := json.Marshal(c.ArchetypeVector)
	return ContentHash(append([]string{c.EssenceText, fmtFloat(c.Confidence), string(arch),
		vectorModel(c.Embedding, c.EmbeddingModel)}, srcs...)...)
}

func (c *Codecell) hash() string {
	members := sortedCopy(c.MemberCodestoneIDs)
	return ContentHash(append([]string{c.Name, c.Archetype, fmtFloat(c.Coherence),
		vectorModel(c.CentroidVector, c.CentroidModel)}, members...)...)
}

func (l *Lineage) hash() string {
	srcs := sortedCopy(l.SourceCodecellIDs)
	return ContentHash(append([]string{l.PrincipleText, l.Archetype, fmtFloat(l.Strength),
		vectorModel(l.Embedding, l.EmbeddingModel)}, srcs...)...)
}

// UpsertCodestone writes a codestone under its derivation key. Identical
// content under the same key is a no-op. Every source shard must exist.
func (db *DB) UpsertCodestone(ctx context.Context, c *Codestone) (UpsertResult, error) {
	if c.DerivationKey == "" {
		return UpsertResult{}, fmt.Errorf("codestone: empty derivation key")
	}
	if len(c.SourceShardIDs) == 0 {
		return UpsertResult{}, fmt.Errorf("codestone %s has no sources: %w", c.DerivationKey, ErrDanglingSource)
	}
	if c.ID == "" {
		c.ID = DerivedID("cs_", c.DerivationKey)
	}
	c.ContentHash = c.hash()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin upsert codestone: %w", err)
	}
	defer tx.Rollback()

	if err := requireAll(ctx, tx, "shards", c.SourceShardIDs); err != nil {
		return UpsertResult{}, fmt.Errorf("codestone %s: %w", c.ID, err)
	}

	res, err := upsertRow(ctx, tx, "codestones", c.ID, c.DerivationKey, c.ContentHash, func(now int64, exists bool) error {
		arch, err := json.Marshal(c.ArchetypeVector)
		if err != nil {
			return err
		}
		if exists {
			_, err = tx.ExecContext(ctx, `
				UPDATE codestones SET essence_text = ?, confidence = ?, archetype = ?, content_hash = ?, updated_at = ?
				WHERE id = ?
			`, c.EssenceText, c.Confidence, string(arch), c.ContentHash, now, c.ID)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO codestones (id, essence_text, confidence, archetype, derivation_key, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.EssenceText, c.Confidence, string(arch), c.DerivationKey, c.ContentHash, now, now)
		return err
	})
	if err != nil {
		return res, err
	}
	if !res.Changed {
		return res, keepVector(ctx, tx, c.ID, EntityCodestone, c.Embedding, c.EmbeddingModel)
	}

	now := time.Now().UnixMilli()
	if err := replaceSources(ctx, tx, c.ID, EdgeDerivation, c.SourceShardIDs, now); err != nil {
		return res, err
	}
	if err := indexArtifact(ctx, tx, c.ID, EntityCodestone, c.EssenceText); err != nil {
		return res, err
	}
	if len(c.Embedding) > 0 {
		if err := saveVector(ctx, tx, c.ID, EntityCodestone, c.Embedding, c.EmbeddingModel, now); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit codestone: %w", err)
	}
	return res, nil
}

// UpsertCodecell writes a codecell and replaces its membership edges.
func (db *DB) UpsertCodecell(ctx context.Context, c *Codecell) (UpsertResult, error) {
	if c.DerivationKey == "" {
		return UpsertResult{}, fmt.Errorf("codecell: empty derivation key")
	}
	if len(c.MemberCodestoneIDs) == 0 {
		return UpsertResult{}, fmt.Errorf("codecell %s has no members: %w", c.DerivationKey, ErrDanglingSource)
	}
	if c.ID == "" {
		c.ID = DerivedID("cc_", c.DerivationKey)
	}
	c.ContentHash = c.hash()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin upsert codecell: %w", err)
	}
	defer tx.Rollback()

	if err := requireAll(ctx, tx, "codestones", c.MemberCodestoneIDs); err != nil {
		return UpsertResult{}, fmt.Errorf("codecell %s: %w", c.ID, err)
	}

	res, err := upsertRow(ctx, tx, "codecells", c.ID, c.DerivationKey, c.ContentHash, func(now int64, exists bool) error {
		if exists {
			_, err := tx.ExecContext(ctx, `
				UPDATE codecells SET name = ?, archetype = ?, coherence = ?, content_hash = ?, updated_at = ?
				WHERE id = ?
			`, c.Name, c.Archetype, c.Coherence, c.ContentHash, now, c.ID)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO codecells (id, name, archetype, coherence, derivation_key, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.Name, c.Archetype, c.Coherence, c.DerivationKey, c.ContentHash, now, now)
		return err
	})
	if err != nil {
		return res, err
	}
	if !res.Changed {
		return res, keepVector(ctx, tx, c.ID, EntityCodecell, c.CentroidVector, c.CentroidModel)
	}

	now := time.Now().UnixMilli()
	if err := replaceSources(ctx, tx, c.ID, EdgeMembership, c.MemberCodestoneIDs, now); err != nil {
		return res, err
	}
	if err := indexArtifact(ctx, tx, c.ID, EntityCodecell, c.Name+" "+c.Archetype); err != nil {
		return res, err
	}
	if len(c.CentroidVector) > 0 {
		if err := saveVector(ctx, tx, c.ID, EntityCodecell, c.CentroidVector, c.CentroidModel, now); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit codecell: %w", err)
	}
	return res, nil
}

// UpsertLineage writes a lineage and replaces its elevation edges.
func (db *DB) UpsertLineage(ctx context.Context, l *Lineage) (UpsertResult, error) {
	if l.DerivationKey == "" {
		return UpsertResult{}, fmt.Errorf("lineage: empty derivation key")
	}
	if len(l.SourceCodecellIDs) == 0 {
		return UpsertResult{}, fmt.Errorf("lineage %s has no sources: %w", l.DerivationKey, ErrDanglingSource)
	}
	if l.ID == "" {
		l.ID = DerivedID("ln_", l.DerivationKey)
	}
	l.ContentHash = l.hash()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin upsert lineage: %w", err)
	}
	defer tx.Rollback()

	if err := requireAll(ctx, tx, "codecells", l.SourceCodecellIDs); err != nil {
		return UpsertResult{}, fmt.Errorf("lineage %s: %w", l.ID, err)
	}

	res, err := upsertRow(ctx, tx, "lineages", l.ID, l.DerivationKey, l.ContentHash, func(now int64, exists bool) error {
		if exists {
			_, err := tx.ExecContext(ctx, `
				UPDATE lineages SET principle_text = ?, archetype = ?, strength = ?, content_hash = ?, updated_at = ?
				WHERE id = ?
			`, l.PrincipleText, l.Archetype, l.Strength, l.ContentHash, now, l.ID)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lineages (id, principle_text, archetype, strength, derivation_key, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, l.PrincipleText, l.Archetype, l.Strength, l.DerivationKey, l.ContentHash, now, now)
		return err
	})
	if err != nil {
		return res, err
	}
	if !res.Changed {
		return res, keepVector(ctx, tx, l.ID, EntityLineage, l.Embedding, l.EmbeddingModel)
	}

	now := time.Now().UnixMilli()
	if err := replaceSources(ctx, tx, l.ID, EdgeElevation, l.SourceCodecellIDs, now); err != nil {
		return res, err
	}
	if err := indexArtifact(ctx, tx, l.ID, EntityLineage, l.PrincipleText); err != nil {
		return res, err
	}
	if len(l.Embedding) > 0 {
		if err := saveVector(ctx, tx, l.ID, EntityLineage, l.Embedding, l.EmbeddingModel, now); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit lineage: %w", err)
	}
	return res, nil
}

// upsertRow compares the stored content hash for key against hash and
// runs write when they differ. Unchanged content commits nothing.
func upsertRow(ctx context.Context, tx *sql.Tx, table, id, key, hash string, write func(now int64, exists bool) error) (UpsertResult, error) {
	res := UpsertResult{ID: id}

	var stored string
	err := tx.QueryRowContext(ctx, "SELECT content_hash FROM "+table+" WHERE derivation_key = ?", key).Scan(&stored)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return res, fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	if exists && stored == hash {
		return res, nil
	}

	if err := write(time.Now().UnixMilli(), exists); err != nil {
		return res, fmt.Errorf("write %s %s: %w", table, id, err)
	}
	res.Created = !exists
	res.Changed = true
	return res, nil
}

// keepVector stores vec when id has no vector under model yet, committing
// tx only when it wrote.
func keepVector(ctx context.Context, tx *sql.Tx, id string, kind EntityKind, vec []float64, model string) error {
	if len(vec) == 0 {
		return nil
	}
	var stored string
	err := tx.QueryRowContext(ctx, "SELECT model FROM vectors WHERE entity_id = ?", id).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup vector %s: %w", id, err)
	}
	if err == nil && stored == model {
		return nil
	}
	if err := saveVector(ctx, tx, id, kind, vec, model, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vector %s: %w", id, err)
	}
	return nil
}

func requireAll(ctx context.Context, tx *sql.Tx, table string, ids []string) error {
	uniq := sortedCopy(ids)
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE id IN ("+placeholders(len(uniq))+")", stringArgs(uniq)...).Scan(&n)
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if n != len(uniq) {
		return fmt.Errorf("%d of %d %s missing: %w", len(uniq)-n, len(uniq), table, ErrDanglingSource)
	}
	return nil
}

func indexArtifact(ctx context.Context, tx *sql.Tx, id string, kind EntityKind, text string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts_fts WHERE id = ?", id); err != nil {
		return fmt.Errorf("unindex %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO artifacts_fts (id, kind, text) VALUES (?, ?, ?)", id, string(kind), text); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	return nil
}

// GetCodestones returns codestones by id with their sources, in id order.
// Pass no ids to list every codestone.
func (db *DB) GetCodestones(ctx context.Context, ids ...string) ([]*Codestone, error) {
	q := `SELECT id, essence_text, confidence, archetype, activation_count, last_activated_at,
		derivation_key, content_hash FROM codestones`
	var args []any
	if len(ids) > 0 {
		q += " WHERE id IN (" + placeholders(len(ids)) + ")"
		args = stringArgs(ids)
	}
	q += " ORDER BY id"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get codestones: %w", err)
	}
	var out []*Codestone
	func() {
		defer rows.Close()
		for rows.Next() {
			var c Codestone
			var arch string
			var last sql.NullInt64
			if err = rows.Scan(&c.ID, &c.EssenceText, &c.Confidence, &arch, &c.ActivationCount, &last,
				&c.DerivationKey, &c.ContentHash); err != nil {
				return
			}
			if err = json.Unmarshal([]byte(arch), &c.ArchetypeVector); err != nil {
				return
			}
			if last.Valid {
				t := time.UnixMilli(last.Int64).UTC()
				c.LastActivatedAt = &t
			}
			out = append(out, &c)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, fmt.Errorf("scan codestone: %w", err)
	}

	srcs, err := db.sourcesOf(ctx, EdgeDerivation, idsOf(out, func(c *Codestone) string { return c.ID }))
	if err != nil {
		return nil, err
	}
	for _, c := range out {
		c.SourceShardIDs = srcs[c.ID]
	}
	return out, nil
}

// GetCodestone returns one codestone or ErrNotFound.
func (db *DB) GetCodestone(ctx context.Context, id string) (*Codestone, error) {
	cs, err := db.GetCodestones(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("codestone %s: %w", id, ErrNotFound)
	}
	return cs[0], nil
}

// GetCodecells returns codecells by id with members and centroids.
// Pass no ids to list every codecell.
func (db *DB) GetCodecells(ctx context.Context, ids ...string) ([]*Codecell, error) {
	q := "SELECT id, name, archetype, coherence, derivation_key, content_hash FROM codecells"
	var args []any
	if len(ids) > 0 {
		q += " WHERE id IN (" + placeholders(len(ids)) + ")"
		args = stringArgs(ids)
	}
	q += " ORDER BY id"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get codecells: %w", err)
	}
	var out []*Codecell
	func() {
		defer rows.Close()
		for rows.Next() {
			var c Codecell
			if err = rows.Scan(&c.ID, &c.Name, &c.Archetype, &c.Coherence, &c.DerivationKey, &c.ContentHash); err != nil {
				return
			}
			out = append(out, &c)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, fmt.Errorf("scan codecell: %w", err)
	}

	members, err := db.sourcesOf(ctx, EdgeMembership, idsOf(out, func(c *Codecell) string { return c.ID }))
	if err != nil {
		return nil, err
	}
	for _, c := range out {
		c.MemberCodestoneIDs = members[c.ID]
		vec, err := db.GetVector(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if vec != nil {
			c.CentroidVector = vec.Embedding
			c.CentroidModel = vec.Model
		}
	}
	return out, nil
}

// GetLineages returns lineages by id with their source codecells.
// Pass no ids to list every lineage.
func (db *DB) GetLineages(ctx context.Context, ids ...string) ([]*Lineage, error) {
	q := "SELECT id, principle_text, archetype, strength, derivation_key, content_hash FROM lineages"
	var args []any
	if len(ids) > 0 {
		q += " WHERE id IN (" + placeholders(len(ids)) + ")"
		args = stringArgs(ids)
	}
	q += " ORDER BY id"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get lineages: %w", err)
	}
	var out []*Lineage
	func() {
		defer rows.Close()
		for rows.Next() {
			var l Lineage
			if err = rows.Scan(&l.ID, &l.PrincipleText, &l.Archetype, &l.Strength, &l.DerivationKey, &l.ContentHash); err != nil {
				return
			}
			out = append(out, &l)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, fmt.Errorf("scan lineage: %w", err)
	}

	srcs, err := db.sourcesOf(ctx, EdgeElevation, idsOf(out, func(l *Lineage) string { return l.ID }))
	if err != nil {
		return nil, err
	}
	for _, l := range out {
		l.SourceCodecellIDs = srcs[l.ID]
	}
	return out, nil
}

// CountCodestones returns the number of stored codestones.
func (db *DB) CountCodestones(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM codestones").Scan(&n); err != nil {
		return 0, fmt.Errorf("count codestones: %w", err)
	}
	return n, nil
}

// TouchCodestones bumps activation statistics for the given codestones.
// Ids that are not codestones are ignored.
func (db *DB) TouchCodestones(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{at.UnixMilli()}, stringArgs(ids)...)
	_, err := db.ExecContext(ctx, `
		UPDATE codestones SET activation_count = activation_count + 1, last_activated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("touch codestones: %w", err)
	}
	return nil
}

// PruneCodecells deletes codecells not in keep, then any lineage that loses
// all of its codecells.
func (db *DB) PruneCodecells(ctx context.Context, keep []string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	q := "SELECT id FROM codecells"
	var args []any
	if len(keep) > 0 {
		q += " WHERE id NOT IN (" + placeholders(len(keep)) + ")"
		args = stringArgs(keep)
	}
	stale, err := collectIDs(ctx, tx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("find stale codecells: %w", err)
	}
	for _, id := range stale {
		if err := deleteArtifact(ctx, tx, "codecells", id); err != nil {
			return 0, err
		}
	}
	if err := deleteOrphanCodestones(ctx, tx); err != nil {
		return 0, err
	}
	return len(stale), tx.Commit()
}

// PruneLineages deletes lineages not in keep.
func (db *DB) PruneLineages(ctx context.Context, keep []string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	q := "SELECT id FROM lineages"
	var args []any
	if len(keep) > 0 {
		q += " WHERE id NOT IN (" + placeholders(len(keep)) + ")"
		args = stringArgs(keep)
	}
	stale, err := collectIDs(ctx, tx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("find stale lineages: %w", err)
	}
	for _, id := range stale {
		if err := deleteArtifact(ctx, tx, "lineages", id); err != nil {
			return 0, err
		}
	}
	return len(stale), tx.Commit()
}

// sourcesOf returns, per destination id, the sources of kind-typed edges.
func (db *DB) sourcesOf(ctx context.Context, kind EdgeKind, dsts []string) (map[string][]string, error) {
	out := make(map[string][]string, len(dsts))
	if len(dsts) == 0 {
		return out, nil
	}
	args := append([]any{string(kind)}, stringArgs(dsts)...)
	rows, err := db.QueryContext(ctx, `
		SELECT dst_id, src_id FROM edges
		WHERE kind = ? AND dst_id IN (`+placeholders(len(dsts))+`)
		ORDER BY dst_id, src_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("sources of %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var dst, src string
		if err := rows.Scan(&dst, &src); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out[dst] = append(out[dst], src)
	}
	return out, rows.Err()
}

func idsOf[T any](items []T, id func(T) string) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = id(it)
	}
	return ids
}

func sortedCopy(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}
