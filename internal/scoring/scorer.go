package scoring

import (
	"math"
	"time"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/embed"
	"github.com/lazypower/mnemos/internal/personal"
	"github.com/lazypower/mnemos/internal/store"
)

// Features are the candidate properties the scorer reads.
type Features struct {
	ID              string
	Kind            store.EntityKind
	Text            string
	Resonance       store.Resonance
	Archetypes      map[string]float64
	ActivationCount int
	LastActivatedAt *time.Time
}

// Breakdown is an explainable final score.
type Breakdown struct {
	Fused           float64 `json:"fused"`
	Resonance       float64 `json:"resonance"`
	Personalization float64 `json:"personalization"`
	Final           float64 `json:"final"`
}

// Scorer combines fused retrieval scores with resonance and personalization:
// final = alpha*fused + beta*resonance + gamma*personalization.
type Scorer struct {
	alpha, beta, gamma float64
	halfLife           time.Duration
	now                func() time.Time
}

// New creates a scorer from config. Weights are validated by config.
func New(cfg config.ScoringConfig) *Scorer {
	hl := cfg.HalfLife
	if hl <= 0 {
		hl = 14 * 24 * time.Hour
	}
	return &Scorer{alpha: cfg.Alpha, beta: cfg.Beta, gamma: cfg.Gamma, halfLife: hl, now: time.Now}
}

// Score computes the full breakdown for one candidate. A nil profile scores
// as a fresh default profile.
func (s *Scorer) Score(ev ContextEvent, fused float64, f Features, p *personal.Profile) Breakdown {
	if p == nil {
		p = personal.Default("")
	}
	b := Breakdown{
		Fused:           fused,
		Resonance:       s.Resonance(ev, f, p),
		Personalization: s.Personalization(f, p),
	}
	b.Final = s.alpha*b.Fused + s.beta*b.Resonance + s.gamma*b.Personalization
	return b
}

// Resonance scores how well a candidate fits the query's moment, in [0,1].
func (s *Scorer) Resonance(ev ContextEvent, f Features, p *personal.Profile) float64 {
	r := f.Resonance

	emotion := (embed.Cosine([]float64{ev.Sentiment, ev.Arousal}, []float64{r.Affect, r.Arousal}) + 1) / 2

	cadence := 0.5
	if ev.CadenceMs != nil {
		cadence = 1 - math.Min(1, float64(*ev.CadenceMs)/60000)
	} else if tempo, ok := p.Tempo(); ok {
		cadence = tempo
	}

	seed := 0.3 * r.SeedScore
	if p.SeedHits(f.Text) > 0 {
		seed += 0.7
	}

	momentum := 1 - math.Abs(r.Momentum-ev.Momentum)

	conflict := 0.0
	if r.Closure && ev.IntentHints[HintExplore] {
		conflict = 0.2
	}

	return clamp01(0.35*emotion + 0.25*cadence + 0.25*seed + 0.15*momentum - conflict)
}

// Personalization scores how well a candidate fits the user, in [0,1].
func (s *Scorer) Personalization(f Features, p *personal.Profile) float64 {
	var affinity float64
	for k, v := range f.Archetypes {
		affinity += v * p.ArchetypeWeights[k]
	}

	signature := 0.1 * math.Min(1, float64(p.SeedHits(f.Text)))
	if bias, ok := p.Bias(f.Kind); ok {
		signature += math.Max(0, math.Min(0.1, 0.1*bias))
	}

	return clamp01(0.6*affinity + 0.3*s.RecencyBoost(f.ActivationCount, f.LastActivatedAt) + signature)
}

// RecencyBoost saturates with activation count and halves every half-life
// since the last activation.
func (s *Scorer) RecencyBoost(count int, last *time.Time) float64 {
	if count <= 0 {
		return 0
	}
	decay := 1.0
	if last != nil {
		if age := s.now().Sub(*last); age > 0 {
			decay = math.Pow(0.5, float64(age)/float64(s.halfLife))
		}
	}
	return math.Min(1, math.Log1p(float64(count))/5*decay)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
