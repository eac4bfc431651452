// Package scoring re-ranks candidates by how well they fit the moment of
// the query (resonance) and the user asking it (personalization).
package scoring

import (
	"strings"
	"time"

	"github.com/lazypower/mnemos/internal/embed"
)

// TimeOfDay buckets the local hour of a query.
type TimeOfDay string

const (
	Dawn  TimeOfDay = "dawn"
	Day   TimeOfDay = "day"
	Dusk  TimeOfDay = "dusk"
	Night TimeOfDay = "night"
)

// Intent hints recognized by the scorer and classifier.
const (
	HintExplore = "explore"
	HintRecall  = "recall"
)

// DefaultMomentum is assumed for queries with no momentum signal.
const DefaultMomentum = 0.3

// ContextEvent describes the moment a query was asked. It is never stored;
// its inferred values are copied into the activation trace.
type ContextEvent struct {
	Text        string          `json:"-"`
	Timestamp   time.Time       `json:"timestamp"`
	SessionID   string          `json:"session_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Sentiment   float64         `json:"sentiment"`
	Arousal     float64         `json:"arousal"`
	Entropy     float64         `json:"entropy"`
	Momentum    float64         `json:"momentum"`
	CadenceMs   *int64          `json:"cadence_ms,omitempty"`
	TimeOfDay   TimeOfDay       `json:"time_of_day"`
	IntentHints map[string]bool `json:"intent_hints,omitempty"`
}

var (
	positiveWords = wordSet("good", "great", "love", "excellent", "happy", "glad", "awesome",
		"nice", "thanks", "win", "works", "clear", "hope", "excited", "better")
	negativeWords = wordSet("bad", "hate", "awful", "terrible", "sad", "angry", "broken",
		"fail", "failed", "stuck", "worse", "worried", "confused", "lost", "bug")
	exploreWords = wordSet("explore", "brainstorm", "imagine", "wonder", "possibilities", "ideas")
	recallWords  = wordSet("remember", "recall", "when", "where", "find", "lookup")
)

// Infer builds a ContextEvent from query text and the moment it was asked.
// Explicit hints are kept and merged with inferred ones.
func Infer(text string, at time.Time, cadenceMs *int64, hints map[string]bool) ContextEvent {
	tokens := embed.Tokenize(text)

	var pos, neg int
	inferred := map[string]bool{}
	unique := map[string]bool{}
	for _, tok := range tokens {
		unique[tok] = true
		if positiveWords[tok] {
			pos++
		}
		if negativeWords[tok] {
			neg++
		}
		if exploreWords[tok] {
			inferred[HintExplore] = true
		}
		if recallWords[tok] {
			inferred[HintRecall] = true
		}
	}
	if strings.Contains(strings.ToLower(text), "what if") {
		inferred[HintExplore] = true
	}
	for k, v := range hints {
		inferred[k] = v
	}

	sentiment := float64(pos-neg) / float64(max(1, pos+neg))
	exclaims := strings.Count(text, "!")
	arousal := min(1, 0.2+0.15*float64(exclaims)+0.6*abs(sentiment))

	entropy := 0.0
	if len(tokens) > 0 {
		entropy = float64(len(unique)) / float64(len(tokens))
	}

	return ContextEvent{
		Text:        text,
		Timestamp:   at,
		Sentiment:   sentiment,
		Arousal:     arousal,
		Entropy:     entropy,
		Momentum:    DefaultMomentum,
		CadenceMs:   cadenceMs,
		TimeOfDay:   BucketHour(at.Hour()),
		IntentHints: inferred,
	}
}

// BucketHour maps an hour to its time-of-day bucket.
func BucketHour(h int) TimeOfDay {
	switch {
	case h >= 5 && h < 11:
		return Dawn
	case h >= 11 && h < 17:
		return Day
	case h >= 17 && h < 21:
		return Dusk
	default:
		return Night
	}
}

// Fields flattens the event for storage in a trace.
func (ev ContextEvent) Fields() map[string]any {
	m := map[string]any{
		"sentiment":   ev.Sentiment,
		"arousal":     ev.Arousal,
		"entropy":     ev.Entropy,
		"momentum":    ev.Momentum,
		"time_of_day": string(ev.TimeOfDay),
	}
	if ev.CadenceMs != nil {
		m["cadence_ms"] = *ev.CadenceMs
	}
	if ev.SessionID != "" {
		m["session_id"] = ev.SessionID
	}
	if len(ev.IntentHints) > 0 {
		m["intent_hints"] = ev.IntentHints
	}
	return m
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
