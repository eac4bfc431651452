package engine

import (
	"strings"

	"github.com/lazypower/mnemos/internal/embed"
	"github.com/lazypower/mnemos/internal/scoring"
)

// Mode is one of the three ranking channels a query is blended over.
type Mode string

const (
	ModePrecision Mode = "precision"
	ModeIntuition Mode = "intuition"
	ModeMyth      Mode = "myth"
)

// Priors is a probability distribution over modes.
type Priors struct {
	Precision float64 `json:"precision"`
	Intuition float64 `json:"intuition"`
	Myth      float64 `json:"myth"`
}

// Of returns the prior of m, or 0 for an unknown mode.
func (p Priors) Of(m Mode) float64 {
	switch m {
	case ModePrecision:
		return p.Precision
	case ModeIntuition:
		return p.Intuition
	case ModeMyth:
		return p.Myth
	}
	return 0
}

func (p Priors) normalize() Priors {
	sum := p.Precision + p.Intuition + p.Myth
	if sum <= 0 {
		return Priors{Precision: 1.0 / 3, Intuition: 1.0 / 3, Myth: 1.0 / 3}
	}
	return Priors{Precision: p.Precision / sum, Intuition: p.Intuition / sum, Myth: p.Myth / sum}
}

// Classifier estimates which modes a query is asking for. Implementations
// must return priors summing to 1.
type Classifier interface {
	Classify(ev scoring.ContextEvent) Priors
}

// HeuristicClassifier scores modes from keyword cues and the inferred
// affect of the query.
type HeuristicClassifier struct{}

var (
	interrogatives = wordSet("what", "when", "where", "who", "which", "how", "why", "did", "does", "is", "are")
	creativeVerbs  = wordSet("imagine", "create", "design", "invent", "brainstorm", "dream", "explore", "compose", "weave")
	mythCues       = wordSet("meaning", "principle", "principles", "guidance", "archetype", "archetypes", "myth", "threshold", "rebirth")
)

func (HeuristicClassifier) Classify(ev scoring.ContextEvent) Priors {
	p := Priors{Precision: 0.34, Intuition: 0.33, Myth: 0.33}

	tokens := embed.Tokenize(ev.Text)
	question := strings.Contains(ev.Text, "?") || (len(tokens) > 0 && interrogatives[tokens[0]])
	var creative, myth bool
	for _, t := range tokens {
		creative = creative || creativeVerbs[t]
		myth = myth || mythCues[t]
	}

	if question {
		p.Precision += 0.2
	}
	if creative {
		p.Intuition += 0.2
	}
	if ev.Arousal >= 0.6 && ev.Entropy < 0.7 {
		p.Intuition += 0.1
	}
	if myth {
		p.Myth += 0.2
	}
	if ev.TimeOfDay == scoring.Night || ev.TimeOfDay == scoring.Dawn {
		p.Intuition += 0.05
		p.Myth += 0.05
	}
	return p.normalize()
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
