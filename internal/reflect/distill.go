package reflect

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/embed"
	"github.com/lazypower/mnemos/internal/llm"
	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/scoring"
	"github.com/lazypower/mnemos/internal/store"
)

// Essence limits.
const (
	maxEssenceChars  = 280
	essenceSentences = 2
	baseConfidence   = 0.5
	llmConfidence    = 0.2
	cueConfidence    = 0.1
	maxCueConfidence = 0.3
	distillVersion   = 1
)

// archetypeCues maps lexicon stems onto archetypes. A token matches a cue
// when it starts with it, so "reflecting" counts for "reflect".
var archetypeCues = []struct {
	stem      string
	archetype string
}{
	{"phoenix", store.ArchetypePhoenix},
	{"rebirth", store.ArchetypePhoenix},
	{"reborn", store.ArchetypePhoenix},
	{"bridge", store.ArchetypeBridge},
	{"connect", store.ArchetypeBridge},
	{"weave", store.ArchetypeWeaver},
	{"weaver", store.ArchetypeWeaver},
	{"weaving", store.ArchetypeWeaver},
	{"mirror", store.ArchetypeMirror},
	{"reflect", store.ArchetypeMirror},
	{"spiral", store.ArchetypeSpiral},
	{"cycle", store.ArchetypeSpiral},
	{"threshold", store.ArchetypeThreshold},
	{"seed", store.ArchetypeSeed},
}

type distillPass struct{ p *Pipeline }

func (d *distillPass) Name() string { return PassDistill }
func (d *distillPass) Version() int { return distillVersion }

// Variant is the embedding model essences are embedded with.
func (d *distillPass) Variant() string { return d.p.gen.Model() }

func (d *distillPass) Entities(ctx context.Context) ([]string, error) {
	return d.p.db.PendingShards(ctx, PassDistill, distillVersion, d.Variant(), d.p.opts.BatchSize)
}

func (d *distillPass) InputHash(ctx context.Context, id string) (string, error) {
	s, err := d.p.db.GetShard(ctx, id)
	if err != nil {
		return "", err
	}
	return store.ContentHash(s.ContentHash, d.p.gen.Model()), nil
}

func (d *distillPass) Apply(ctx context.Context, id string) error {
	s, err := d.p.db.GetShard(ctx, id)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(s.Text)
	if text == "" {
		return fmt.Errorf("shard %s: empty text: %w", id, ErrPoison)
	}

	essence, fromLLM := d.essence(ctx, text)
	arch, cues := Archetypes(text)

	confidence := baseConfidence
	if fromLLM {
		confidence += llmConfidence
	}
	confidence += min(maxCueConfidence, cueConfidence*float64(cues))

	cs := &store.Codestone{
		EssenceText:     essence,
		SourceShardIDs:  []string{id},
		Confidence:      confidence,
		ArchetypeVector: arch,
		DerivationKey:   store.PassKey{EntityID: id, Pass: PassDistill, Version: distillVersion}.String(),
	}
	if d.p.gen.Available() {
		vec, err := d.p.gen.Embed(ctx, essence)
		if err != nil {
			return fmt.Errorf("embed essence of %s: %w", id, err)
		}
		cs.Embedding = vec
		cs.EmbeddingModel = d.p.gen.Model()
	}

	res, err := d.p.db.UpsertCodestone(ctx, cs)
	if err != nil {
		return err
	}

	if s.Resonance == (store.Resonance{}) {
		ev := scoring.Infer(text, timeOf(s), nil, nil)
		r := store.Resonance{
			Affect:    ev.Sentiment,
			Arousal:   ev.Arousal,
			Momentum:  ev.Momentum,
			SeedScore: min(1, float64(cues)/3),
		}
		if err := d.p.db.AnnotateResonance(ctx, id, r); err != nil {
			return err
		}
	}

	d.p.log.Debug("distilled",
		zap.String("shard", id),
		zap.String("codestone", res.ID),
		zap.Bool("changed", res.Changed),
		zap.Bool("llm", fromLLM))
	return nil
}

// essence asks the LLM for an essence and falls back to the extractive one
// when no client is configured or the completion fails.
func (d *distillPass) essence(ctx context.Context, text string) (string, bool) {
	if d.p.llm != nil {
		resp, err := d.p.llm.Complete(ctx, llm.EssencePrompt(policy.ScrubString(text)))
		if err != nil {
			d.p.log.Warn("essence completion failed, using extractive", zap.Error(err))
		} else if out := llm.Clean(resp.Content, maxEssenceChars); out != "" {
			return out, true
		}
	}
	return Extract(text, essenceSentences, maxEssenceChars), false
}

// Extract returns the first n sentences of text, cut at a word boundary so
// the result is at most limit runes.
func Extract(text string, n, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)

	end := len(runes)
	found := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		found++
		if found == n {
			end = i + 1
			break
		}
	}
	out := runes[:end]
	if len(out) <= limit {
		return string(out)
	}

	cut := out[:limit]
	for i := len(cut) - 1; i > limit/2; i-- {
		if unicode.IsSpace(cut[i]) {
			cut = cut[:i]
			break
		}
	}
	return strings.TrimSpace(string(cut))
}

// Archetypes scores text against the cue lexicon. The vector is
// L1-normalized and empty when no cue matched; cues counts the matches.
func Archetypes(text string) (map[string]float64, int) {
	counts := make(map[string]float64)
	cues := 0
	for _, tok := range embed.Tokenize(text) {
		for _, c := range archetypeCues {
			if strings.HasPrefix(tok, c.stem) {
				counts[c.archetype]++
				cues++
				break
			}
		}
	}
	if cues == 0 {
		return map[string]float64{}, 0
	}
	for k := range counts {
		counts[k] /= float64(cues)
	}
	return counts, cues
}

func timeOf(s *store.Shard) time.Time {
	if s.Timestamp != nil {
		return *s.Timestamp
	}
	return time.UnixMilli(s.CreatedAt)
}

// dominant returns the highest weighted archetype, ties going to the
// earlier entry of store.Archetypes.
func dominant(vec map[string]float64) string {
	best, bestW := "", 0.0
	for _, a := range store.Archetypes {
		if w := vec[a]; w > bestW {
			best, bestW = a, w
		}
	}
	return best
}
