package personal

import (
	"slices"
	"strings"
	"time"

	"github.com/lazypower/mnemos/internal/store"
)

// Feedback is a user's reaction to one recall.
type Feedback struct {
	UserID    string             `json:"user_id"`
	EventID   string             `json:"event_id"`
	Surfaced  []store.Surfaced   `json:"surfaced"`
	ChosenIDs []string           `json:"chosen_ids,omitempty"`
	Rating    float64            `json:"rating"`
	Outcome   store.Outcome      `json:"outcome"`
	DwellMs   *int64             `json:"dwell_ms,omitempty"`
	Ratings   map[string]float64 `json:"ratings,omitempty"`
	SeedForms []string           `json:"seed_forms,omitempty"`
}

// Evidence is what the store knows about the artifacts feedback refers to.
type Evidence struct {
	// Archetypes holds the archetype vectors of the rated codestones.
	Archetypes []map[string]float64
	// Kinds are the entity kinds whose rerank bias the outcome moves.
	Kinds []store.EntityKind
}

var outcomeTarget = map[store.Outcome]float64{
	store.OutcomeSuccess: 1,
	store.OutcomePartial: 0.5,
	store.OutcomeFailure: 0,
}

// Update applies feedback to a copy of p with the bounded EWMA rule
// w = (1-lambda)*w + lambda*r and renormalizes archetype weights. It is the
// only way a profile changes.
func Update(p *Profile, fb Feedback, ev Evidence, lambda float64, now time.Time) *Profile {
	next := p.Clone()

	for dim, r := range ratedDimensions(fb, ev) {
		next.ArchetypeWeights[dim] = ewma(next.ArchetypeWeights[dim], r, lambda)
	}
	next.normalize()

	if target, ok := outcomeTarget[fb.Outcome]; ok {
		seen := map[store.EntityKind]bool{}
		for _, kind := range ev.Kinds {
			if seen[kind] {
				continue
			}
			seen[kind] = true
			prev, ok := next.RerankBias[string(kind)]
			if !ok {
				prev = 0.5
			}
			next.RerankBias[string(kind)] = ewma(prev, target, lambda)
		}
	}

	if fb.DwellMs != nil && *fb.DwellMs >= 0 {
		dwell := float64(*fb.DwellMs)
		tempo, ok := next.CadenceProfile[TempoKey]
		if !ok {
			tempo = 0.5
		}
		next.CadenceProfile[TempoKey] = ewma(tempo, 1-min(1, dwell/60000), lambda)
		if prev, ok := next.CadenceProfile[DwellKey]; ok {
			next.CadenceProfile[DwellKey] = (1-lambda)*prev + lambda*dwell
		} else {
			next.CadenceProfile[DwellKey] = dwell
		}
	}

	for _, sf := range fb.SeedForms {
		sf = strings.ToLower(strings.TrimSpace(sf))
		if sf == "" || slices.Contains(next.SeedForms, sf) {
			continue
		}
		next.SeedForms = append(next.SeedForms, sf)
	}
	if over := len(next.SeedForms) - maxSeedForms; over > 0 {
		next.SeedForms = next.SeedForms[over:]
	}

	next.UpdatedAt = now.UTC()
	return next
}

// ratedDimensions picks explicit ratings when present, otherwise every
// archetype the rated codestones carry, each rated with the overall rating.
// Unknown archetypes are ignored.
func ratedDimensions(fb Feedback, ev Evidence) map[string]float64 {
	known := map[string]bool{}
	for _, a := range store.Archetypes {
		known[a] = true
	}

	rated := map[string]float64{}
	if len(fb.Ratings) > 0 {
		for dim, r := range fb.Ratings {
			if known[dim] {
				rated[dim] = r
			}
		}
		return rated
	}
	for _, vec := range ev.Archetypes {
		for dim, v := range vec {
			if v > 0 && known[dim] {
				rated[dim] = fb.Rating
			}
		}
	}
	return rated
}
