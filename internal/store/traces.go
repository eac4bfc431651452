package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// maxSurfaced caps how many surfaced entries a single trace stores.
const maxSurfaced = 200

// Outcome is the user-reported result of acting on a recall.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// ValidOutcomes lists accepted outcomes.
var ValidOutcomes = map[Outcome]bool{
	OutcomeSuccess: true,
	OutcomePartial: true,
	OutcomeFailure: true,
}

// Surfaced is one item shown to the user for a recall.
type Surfaced struct {
	ID    string     `json:"id"`
	Kind  EntityKind `json:"kind,omitempty"`
	Score float64    `json:"score"`
}

// ActivationTrace records what was surfaced for a query and what the user did.
type ActivationTrace struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	EventID   string         `json:"event_id"`
	Surfaced  []Surfaced     `json:"surfaced"`
	ChosenIDs []string       `json:"chosen_ids,omitempty"`
	DwellMs   int64          `json:"dwell_ms,omitempty"`
	Feedback  map[string]any `json:"feedback,omitempty"`
	Outcome   Outcome        `json:"outcome,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// AppendTrace stores a trace. Traces are never updated.
func (db *DB) AppendTrace(ctx context.Context, t *ActivationTrace) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if len(t.Surfaced) > maxSurfaced {
		t.Surfaced = t.Surfaced[:maxSurfaced]
	}
	t.CreatedAt = time.Now().UnixMilli()

	surfaced, err := json.Marshal(orEmpty(t.Surfaced))
	if err != nil {
		return fmt.Errorf("encode surfaced: %w", err)
	}
	chosen, err := json.Marshal(orEmpty(t.ChosenIDs))
	if err != nil {
		return fmt.Errorf("encode chosen: %w", err)
	}
	var feedback any
	if t.Feedback != nil {
		b, err := json.Marshal(t.Feedback)
		if err != nil {
			return fmt.Errorf("encode feedback: %w", err)
		}
		feedback = string(b)
	}
	ctxJSON, err := marshalMap(t.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO activation_traces (id, user_id, event_id, surfaced, chosen, dwell_ms, feedback, outcome, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.EventID, string(surfaced), string(chosen), t.DwellMs, feedback,
		nullString(string(t.Outcome)), ctxJSON, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// TracesForEvent returns every trace of a recall event, oldest first.
func (db *DB) TracesForEvent(ctx context.Context, eventID string) ([]ActivationTrace, error) {
	return db.queryTraces(ctx, `
		SELECT id, user_id, event_id, surfaced, chosen, dwell_ms, feedback, outcome, context, created_at
		FROM activation_traces WHERE event_id = ? ORDER BY created_at, id
	`, eventID)
}

// RecentTraces returns the latest traces of a user.
func (db *DB) RecentTraces(ctx context.Context, userID string, limit int) ([]ActivationTrace, error) {
	return db.queryTraces(ctx, `
		SELECT id, user_id, event_id, surfaced, chosen, dwell_ms, feedback, outcome, context, created_at
		FROM activation_traces WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, userID, limit)
}

func (db *DB) queryTraces(ctx context.Context, q string, args ...any) ([]ActivationTrace, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var traces []ActivationTrace
	for rows.Next() {
		var (
			t                         ActivationTrace
			surfaced, chosen, ctxJSON string
			feedback, outcome         sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.EventID, &surfaced, &chosen, &t.DwellMs, &feedback,
			&outcome, &ctxJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if err := json.Unmarshal([]byte(surfaced), &t.Surfaced); err != nil {
			return nil, fmt.Errorf("decode surfaced: %w", err)
		}
		if err := json.Unmarshal([]byte(chosen), &t.ChosenIDs); err != nil {
			return nil, fmt.Errorf("decode chosen: %w", err)
		}
		if feedback.Valid {
			if err := json.Unmarshal([]byte(feedback.String), &t.Feedback); err != nil {
				return nil, fmt.Errorf("decode feedback: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
			return nil, fmt.Errorf("decode trace context: %w", err)
		}
		t.Outcome = Outcome(outcome.String)
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
