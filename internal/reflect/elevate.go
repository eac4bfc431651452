package reflect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/llm"
	"github.com/lazypower/mnemos/internal/store"
)

// CorpusCodecells is the entity the elevate pass runs against.
const CorpusCodecells = "corpus:codecells"

const (
	elevateVersion     = 1
	maxPrincipleChars  = 200
	strengthSaturation = 5.0
)

// principles is the fallback principle text per archetype.
var principles = map[string]string{
	store.ArchetypeBridge:    "Connect what is separated before trying to improve either side.",
	store.ArchetypeSeed:      "Start small and protect what is beginning to grow.",
	store.ArchetypeWeaver:    "Bind scattered threads into one pattern before adding new ones.",
	store.ArchetypePhoenix:   "Let the failed form burn down so the next one can rise from it.",
	store.ArchetypeMirror:    "Look at what the situation reflects back before acting on it.",
	store.ArchetypeSpiral:    "Expect to return to the same place at a higher level.",
	store.ArchetypeThreshold: "Name the crossing you are standing at before you step through it.",
}

type elevatePass struct{ p *Pipeline }

func (e *elevatePass) Name() string { return PassElevate }
func (e *elevatePass) Version() int { return elevateVersion }

func (e *elevatePass) Entities(context.Context) ([]string, error) {
	return []string{CorpusCodecells}, nil
}

func (e *elevatePass) InputHash(ctx context.Context, _ string) (string, error) {
	cells, err := e.p.db.GetCodecells(ctx)
	if err != nil {
		return "", err
	}
	parts := []string{fmtParams(0, e.p.opts.MinRecurrence), e.p.gen.Model()}
	for _, c := range cells {
		parts = append(parts, c.ID, c.ContentHash)
	}
	return store.ContentHash(parts...), nil
}

func (e *elevatePass) Apply(ctx context.Context, _ string) error {
	cells, err := e.p.db.GetCodecells(ctx)
	if err != nil {
		return err
	}

	byArchetype := make(map[string][]*store.Codecell)
	for _, c := range cells {
		if c.Archetype == "" {
			continue
		}
		byArchetype[c.Archetype] = append(byArchetype[c.Archetype], c)
	}

	var keep []string
	for _, archetype := range store.Archetypes {
		group := byArchetype[archetype]
		if len(group) < e.p.opts.MinRecurrence {
			continue
		}
		l, err := e.lineage(ctx, archetype, group)
		if err != nil {
			return err
		}
		res, err := e.p.db.UpsertLineage(ctx, l)
		if err != nil {
			return err
		}
		keep = append(keep, res.ID)
	}

	pruned, err := e.p.db.PruneLineages(ctx, keep)
	if err != nil {
		return err
	}
	e.p.log.Info("elevated",
		zap.Int("codecells", len(cells)),
		zap.Int("lineages", len(keep)),
		zap.Int("pruned", pruned))
	return nil
}

func (e *elevatePass) lineage(ctx context.Context, archetype string, group []*store.Codecell) (*store.Lineage, error) {
	ids := make([]string, len(group))
	var coh float64
	for i, c := range group {
		ids[i] = c.ID
		coh += c.Coherence
	}
	sort.Strings(ids)

	l := &store.Lineage{
		PrincipleText:     e.principle(ctx, archetype, group),
		Archetype:         archetype,
		SourceCodecellIDs: ids,
		Strength:          min(1, float64(len(group))/strengthSaturation) * coh / float64(len(group)),
		DerivationKey:     store.PassKey{EntityID: "archetype:" + archetype, Pass: PassElevate, Version: elevateVersion}.String(),
	}
	if e.p.gen.Available() {
		vec, err := e.p.gen.Embed(ctx, l.PrincipleText)
		if err != nil {
			return nil, fmt.Errorf("embed principle for %s: %w", archetype, err)
		}
		l.Embedding = vec
		l.EmbeddingModel = e.p.gen.Model()
	}
	return l, nil
}

// principle asks the LLM to phrase what the clusters share and falls back
// to the archetype table.
func (e *elevatePass) principle(ctx context.Context, archetype string, group []*store.Codecell) string {
	fallback := principles[archetype]
	if e.p.llm == nil {
		return fallback
	}

	summaries, err := e.summaries(ctx, group)
	if err != nil {
		e.p.log.Warn("load cluster essences", zap.Error(err))
		return fallback
	}
	resp, err := e.p.llm.Complete(ctx, llm.PrinciplePrompt(archetype, summaries))
	if err != nil {
		e.p.log.Warn("principle completion failed, using table", zap.String("archetype", archetype), zap.Error(err))
		return fallback
	}
	if out := llm.Clean(resp.Content, maxPrincipleChars); out != "" {
		return out
	}
	return fallback
}

// summaries renders each codecell as its name and up to three member
// essences.
func (e *elevatePass) summaries(ctx context.Context, group []*store.Codecell) ([]string, error) {
	out := make([]string, 0, len(group))
	for _, c := range group {
		ids := c.MemberCodestoneIDs
		if len(ids) > 3 {
			ids = ids[:3]
		}
		stones, err := e.p.db.GetCodestones(ctx, ids...)
		if err != nil {
			return nil, err
		}
		essences := make([]string, len(stones))
		for i, s := range stones {
			essences[i] = s.EssenceText
		}
		out = append(out, c.Name+": "+strings.Join(essences, " / "))
	}
	return out, nil
}
