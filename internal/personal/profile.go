// Package personal owns per-user personalization profiles and the single
// rule allowed to change them.
package personal

import (
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/lazypower/mnemos/internal/store"
)

const (
	maxSeedForms = 16
	epsilon      = 1e-6

	// TempoKey holds the learned pace preference in [0,1], 1 being fast.
	TempoKey = "tempo"
	// DwellKey holds the smoothed dwell time in milliseconds.
	DwellKey = "dwell_ms"
)

// Profile is a user's learned state.
type Profile struct {
	UserID           string             `json:"user_id"`
	Version          int                `json:"version"`
	ArchetypeWeights map[string]float64 `json:"archetype_weights"`
	CadenceProfile   map[string]float64 `json:"cadence_profile"`
	SeedForms        []string           `json:"seed_forms"`
	RerankBias       map[string]float64 `json:"rerank_bias"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// DefaultWeights are the archetype priors of a new profile.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		store.ArchetypeBridge:    0.20,
		store.ArchetypeSeed:      0.20,
		store.ArchetypeWeaver:    0.20,
		store.ArchetypePhoenix:   0.20,
		store.ArchetypeMirror:    0.10,
		store.ArchetypeSpiral:    0.05,
		store.ArchetypeThreshold: 0.05,
	}
}

// Default returns a fresh profile for userID.
func Default(userID string) *Profile {
	return &Profile{
		UserID:           userID,
		ArchetypeWeights: DefaultWeights(),
		CadenceProfile:   map[string]float64{},
		SeedForms:        []string{"what if", "maybe", "seed", "bridge", "weave"},
		RerankBias:       map[string]float64{},
	}
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.ArchetypeWeights = maps.Clone(p.ArchetypeWeights)
	c.CadenceProfile = maps.Clone(p.CadenceProfile)
	c.RerankBias = maps.Clone(p.RerankBias)
	c.SeedForms = slices.Clone(p.SeedForms)
	if c.ArchetypeWeights == nil {
		c.ArchetypeWeights = map[string]float64{}
	}
	if c.CadenceProfile == nil {
		c.CadenceProfile = map[string]float64{}
	}
	if c.RerankBias == nil {
		c.RerankBias = map[string]float64{}
	}
	return &c
}

// WeightSum returns the sum of archetype weights.
func (p *Profile) WeightSum() float64 {
	var sum float64
	for _, w := range p.ArchetypeWeights {
		sum += w
	}
	return sum
}

// Tempo returns the learned tempo, if any.
func (p *Profile) Tempo() (float64, bool) {
	if p == nil {
		return 0, false
	}
	v, ok := p.CadenceProfile[TempoKey]
	return v, ok
}

// Bias returns the learned rerank bias for kind, if any.
func (p *Profile) Bias(kind store.EntityKind) (float64, bool) {
	if p == nil {
		return 0, false
	}
	v, ok := p.RerankBias[string(kind)]
	return v, ok
}

// SeedHits counts how many seed forms occur in text, case-insensitively.
func (p *Profile) SeedHits(text string) int {
	if p == nil || text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	n := 0
	for _, sf := range p.SeedForms {
		if sf != "" && strings.Contains(lower, sf) {
			n++
		}
	}
	return n
}

// normalize rescales archetype weights to sum to 1. A degenerate profile
// (all weights ~0) falls back to the defaults.
func (p *Profile) normalize() {
	sum := p.WeightSum()
	if sum <= epsilon {
		p.ArchetypeWeights = DefaultWeights()
		return
	}
	for k, w := range p.ArchetypeWeights {
		p.ArchetypeWeights[k] = w / sum
	}
}

func ewma(prev, r, lambda float64) float64 {
	return (1-lambda)*prev + lambda*clamp01(r)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
