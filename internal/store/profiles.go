package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProfileRecord is the stored form of a personalization profile.
// The store treats Data as opaque; the personal package owns its shape.
type ProfileRecord struct {
	UserID    string
	Version   int
	Data      []byte
	UpdatedAt int64
}

// GetProfile returns the stored profile for a user or ErrNotFound.
func (db *DB) GetProfile(ctx context.Context, userID string) (*ProfileRecord, error) {
	var p ProfileRecord
	var data string
	err := db.QueryRowContext(ctx, `
		SELECT user_id, version, data, updated_at FROM profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Version, &data, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.Data = []byte(data)
	return &p, nil
}

// SaveProfile writes version expect+1 of a profile. It fails with
// ErrConflict if the stored version is not expect (0 means "no row yet").
func (db *DB) SaveProfile(ctx context.Context, userID string, expect int, data []byte) error {
	now := time.Now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	if expect == 0 {
		res, err = db.ExecContext(ctx, `
			INSERT INTO profiles (user_id, version, data, updated_at) VALUES (?, 1, ?, ?)
			ON CONFLICT(user_id) DO NOTHING
		`, userID, string(data), now)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE profiles SET version = version + 1, data = ?, updated_at = ?
			WHERE user_id = ? AND version = ?
		`, string(data), now, userID, expect)
	}
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s at version %d: %w", userID, expect, ErrConflict)
	}
	return nil
}
