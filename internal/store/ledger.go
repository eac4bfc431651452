package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PassKey identifies one reflection pass applied to one entity.
type PassKey struct {
	EntityID string `json:"entity_id"`
	Pass     string `json:"pass"`
	Version  int    `json:"version"`
}

func (k PassKey) String() string {
	return fmt.Sprintf("%s|%s|v%d", k.EntityID, k.Pass, k.Version)
}

// DeadLetter is an entity whose pass exhausted its retries.
type DeadLetter struct {
	PassKey
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
	CreatedAt int64  `json:"created_at"`
}

// PassHash returns the input hash recorded for key, and whether one exists.
func (db *DB) PassHash(ctx context.Context, key PassKey) (string, bool, error) {
	var hash string
	err := db.QueryRowContext(ctx, `
		SELECT content_hash FROM pass_runs WHERE entity_id = ? AND pass = ? AND version = ?
	`, key.EntityID, key.Pass, key.Version).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pass hash %s: %w", key, err)
	}
	return hash, true, nil
}

// RecordPass stores the input hash a pass completed against. variant names
// the configuration the pass ran under, such as the embedding model.
func (db *DB) RecordPass(ctx context.Context, key PassKey, hash, variant string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO pass_runs (entity_id, pass, version, content_hash, variant, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, pass, version) DO UPDATE SET
			content_hash = excluded.content_hash, variant = excluded.variant,
			completed_at = excluded.completed_at
	`, key.EntityID, key.Pass, key.Version, hash, variant, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record pass %s: %w", key, err)
	}
	return nil
}

// PendingShards returns shards the pass has not completed against under
// variant and that are not dead-lettered for it, oldest first. A run
// recorded under another variant is stale.
func (db *DB) PendingShards(ctx context.Context, pass string, version int, variant string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := collectIDs(ctx, db, `
		SELECT s.id FROM shards s
		WHERE NOT EXISTS (
			SELECT 1 FROM pass_runs r
			WHERE r.entity_id = s.id AND r.pass = ? AND r.version = ? AND r.variant = ?)
		AND NOT EXISTS (
			SELECT 1 FROM dead_letters d WHERE d.entity_id = s.id AND d.pass = ? AND d.version = ?)
		ORDER BY s.created_at, s.id
		LIMIT ?
	`, pass, version, variant, pass, version, limit)
	if err != nil {
		return nil, fmt.Errorf("pending shards: %w", err)
	}
	return ids, nil
}

// RecordDeadLetter parks an entity after its retries are exhausted.
func (db *DB) RecordDeadLetter(ctx context.Context, key PassKey, attempts int, lastErr string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dead_letters (entity_id, pass, version, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, pass, version) DO UPDATE SET
			attempts = dead_letters.attempts + excluded.attempts, last_error = excluded.last_error
	`, key.EntityID, key.Pass, key.Version, attempts, lastErr, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", key, err)
	}
	return nil
}

// IsDeadLettered reports whether key is parked.
func (db *DB) IsDeadLettered(ctx context.Context, key PassKey) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE entity_id = ? AND pass = ? AND version = ?
	`, key.EntityID, key.Pass, key.Version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dead letter: %w", err)
	}
	return n > 0, nil
}

// DeadLetters lists parked entities, newest first.
func (db *DB) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT entity_id, pass, version, attempts, last_error, created_at
		FROM dead_letters ORDER BY created_at DESC, entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.EntityID, &d.Pass, &d.Version, &d.Attempts, &d.LastError, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClearDeadLetter releases a parked entity so the next pass retries it.
func (db *DB) ClearDeadLetter(ctx context.Context, key PassKey) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM dead_letters WHERE entity_id = ? AND pass = ? AND version = ?
	`, key.EntityID, key.Pass, key.Version)
	if err != nil {
		return fmt.Errorf("clear dead letter: %w", err)
	}
	return nil
}
