package engine

import (
	"context"
	"fmt"

	"github.com/lazypower/mnemos/internal/personal"
	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/store"
)

// ActionFeedback is the policy action checked before a profile update.
const ActionFeedback = "feedback"

// Feedback applies a user's reaction to a recall event and returns the
// updated profile. The event must exist; when the caller omits what was
// surfaced, the recall trace supplies it.
func (e *Engine) Feedback(ctx context.Context, actor policy.Actor, fb personal.Feedback) (*personal.Profile, error) {
	ctx, span := tracer.Start(ctx, "engine.Feedback")
	defer span.End()

	if err := validateFeedback(fb); err != nil {
		return nil, err
	}

	traces, err := e.db.TracesForEvent(ctx, fb.EventID)
	if err != nil {
		return nil, fmt.Errorf("feedback: %w", err)
	}
	if len(traces) == 0 {
		return nil, invalid("event_id", "unknown event %q", fb.EventID)
	}
	if len(fb.Surfaced) == 0 {
		fb.Surfaced = traces[0].Surfaced
	}

	payload := map[string]any{"user_id": fb.UserID, "event_id": fb.EventID, "outcome": string(fb.Outcome)}
	if _, err := e.authorize(ctx, ActionFeedback, payload, actor); err != nil {
		return nil, err
	}
	return e.profiles.ApplyFeedback(ctx, fb)
}

func validateFeedback(fb personal.Feedback) error {
	switch {
	case fb.UserID == "" || len(fb.UserID) > maxIDChars:
		return invalid("user_id", "required, at most %d bytes", maxIDChars)
	case fb.EventID == "":
		return invalid("event_id", "required")
	case fb.Rating < 0 || fb.Rating > 1:
		return invalid("rating", "must be within [0,1]")
	case fb.Outcome != "" && !store.ValidOutcomes[fb.Outcome]:
		return invalid("outcome", "unknown outcome %q", fb.Outcome)
	case fb.DwellMs != nil && *fb.DwellMs < 0:
		return invalid("dwell_ms", "must not be negative")
	}
	for dim, r := range fb.Ratings {
		if r < 0 || r > 1 {
			return invalid("ratings."+dim, "must be within [0,1]")
		}
	}
	return nil
}

// Profile returns the user's profile, or the default one for unknown users.
func (e *Engine) Profile(ctx context.Context, actor policy.Actor, userID string) (*personal.Profile, error) {
	if userID == "" || len(userID) > maxIDChars {
		return nil, invalid("user_id", "required, at most %d bytes", maxIDChars)
	}
	if _, err := e.authorize(ctx, policy.ActionRead, map[string]any{"kind": "profile", "user_id": userID}, actor); err != nil {
		return nil, err
	}
	p, err := e.profiles.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", userID, err)
	}
	return p, nil
}
