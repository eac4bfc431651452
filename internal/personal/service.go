package personal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/keylock"
	"github.com/lazypower/mnemos/internal/logging"
	"github.com/lazypower/mnemos/internal/store"
)

const saveAttempts = 3

// Service loads and updates profiles. Updates for one user run one at a
// time; readers may see the previous version.
type Service struct {
	db     *store.DB
	lambda float64
	locks  *keylock.Map
	log    *zap.Logger
	now    func() time.Time
}

// NewService creates a profile service using learning rate lambda.
func NewService(db *store.DB, lambda float64, log *zap.Logger) *Service {
	if lambda <= 0 || lambda > 1 {
		lambda = 0.2
	}
	return &Service{
		db:     db,
		lambda: lambda,
		locks:  keylock.New(),
		log:    logging.OrNop(log),
		now:    time.Now,
	}
}

// Get returns the stored profile or a default one for unknown users.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	rec, err := s.db.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Default(userID), nil
	}
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	p.UserID = userID
	p.Version = rec.Version
	return p.Clone(), nil
}

// ApplyFeedback updates the user's profile from fb, bumps activation stats
// of the chosen codestones and appends a feedback trace.
func (s *Service) ApplyFeedback(ctx context.Context, fb Feedback) (*Profile, error) {
	unlock := s.locks.Lock(fb.UserID)
	defer unlock()

	now := s.now()
	ev, err := s.evidence(ctx, fb)
	if err != nil {
		return nil, err
	}

	var updated *Profile
	for attempt := 1; ; attempt++ {
		current, err := s.Get(ctx, fb.UserID)
		if err != nil {
			return nil, err
		}
		updated = Update(current, fb, ev, s.lambda, now)

		data, err := json.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("encode profile: %w", err)
		}
		err = s.db.SaveProfile(ctx, fb.UserID, current.Version, data)
		if err == nil {
			updated.Version = current.Version + 1
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= saveAttempts {
			return nil, err
		}
		s.log.Debug("profile version conflict, retrying", zap.String("user", fb.UserID), zap.Int("attempt", attempt))
	}

	if err := s.db.TouchCodestones(ctx, fb.ChosenIDs, now); err != nil {
		return nil, err
	}

	trace := &store.ActivationTrace{
		UserID:    fb.UserID,
		EventID:   fb.EventID,
		Surfaced:  fb.Surfaced,
		ChosenIDs: fb.ChosenIDs,
		Outcome:   fb.Outcome,
		Feedback:  map[string]any{"rating": fb.Rating},
	}
	if fb.DwellMs != nil {
		trace.DwellMs = *fb.DwellMs
	}
	if len(fb.Ratings) > 0 {
		trace.Feedback["ratings"] = fb.Ratings
	}
	if len(fb.SeedForms) > 0 {
		trace.Feedback["seed_forms"] = fb.SeedForms
	}
	if err := s.db.AppendTrace(ctx, trace); err != nil {
		return nil, err
	}

	s.log.Debug("profile updated",
		zap.String("user", fb.UserID),
		zap.Int("version", updated.Version),
		zap.String("outcome", string(fb.Outcome)))
	return updated, nil
}

// evidence resolves the archetypes and kinds of the chosen items, falling
// back to everything surfaced when nothing was chosen.
func (s *Service) evidence(ctx context.Context, fb Feedback) (Evidence, error) {
	targets := fb.ChosenIDs
	if len(targets) == 0 {
		for _, it := range fb.Surfaced {
			targets = append(targets, it.ID)
		}
	}
	if len(targets) == 0 {
		return Evidence{}, nil
	}

	var ev Evidence
	stones, err := s.db.GetCodestones(ctx, targets...)
	if err != nil {
		return ev, err
	}
	for _, c := range stones {
		if len(c.ArchetypeVector) > 0 {
			ev.Archetypes = append(ev.Archetypes, c.ArchetypeVector)
		}
	}

	kinds := make(map[string]store.EntityKind, len(fb.Surfaced))
	for _, it := range fb.Surfaced {
		if it.Kind != "" {
			kinds[it.ID] = it.Kind
		}
	}
	for _, id := range targets {
		kind, ok := kinds[id]
		if !ok {
			kind, err = s.db.KindOf(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return ev, err
			}
		}
		ev.Kinds = append(ev.Kinds, kind)
	}
	return ev, nil
}
