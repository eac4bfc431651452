package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sessionIdleGap is how long a recall session may sit idle before the next
// turn stops counting towards its cadence.
const sessionIdleGap = 30 * time.Minute

// Session tracks the rhythm of recall turns within one conversation.
type Session struct {
	SessionID   string
	UserID      string
	StartedAt   int64
	LastEventAt int64
	TurnCount   int
	CadenceMs   *int64 // gap before the latest turn; nil on the first turn or after idling
}

// TouchSession records a recall turn at the given time, creating the session
// on first use, and returns its updated state.
func (db *DB) TouchSession(ctx context.Context, sessionID, userID string, at time.Time) (*Session, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin touch session: %w", err)
	}
	defer tx.Rollback()

	now := at.UnixMilli()
	var s Session
	var cadence sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT session_id, user_id, started_at, last_event_at, turn_count, cadence_ms
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&s.SessionID, &s.UserID, &s.StartedAt, &s.LastEventAt, &s.TurnCount, &cadence)

	switch {
	case err == sql.ErrNoRows:
		s = Session{SessionID: sessionID, UserID: userID, StartedAt: now, LastEventAt: now, TurnCount: 1}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, user_id, started_at, last_event_at, turn_count)
			VALUES (?, ?, ?, ?, 1)
		`, sessionID, userID, now, now); err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("get session: %w", err)
	default:
		gap := now - s.LastEventAt
		s.CadenceMs = nil
		if gap >= 0 && gap < sessionIdleGap.Milliseconds() {
			s.CadenceMs = &gap
		}
		s.LastEventAt = now
		s.TurnCount++
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET last_event_at = ?, turn_count = ?, cadence_ms = ? WHERE session_id = ?
		`, now, s.TurnCount, s.CadenceMs, sessionID); err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return &s, nil
}

// GetSession returns a session by id, or nil if unknown.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	var cadence sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT session_id, user_id, started_at, last_event_at, turn_count, cadence_ms
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&s.SessionID, &s.UserID, &s.StartedAt, &s.LastEventAt, &s.TurnCount, &cadence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if cadence.Valid {
		s.CadenceMs = &cadence.Int64
	}
	return &s, nil
}
