package personal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDefaultProfileSumsToOne(t *testing.T) {
	p := Default("u")
	assert.InDelta(t, 1.0, p.WeightSum(), epsilon)
	assert.Contains(t, p.SeedForms, "what if")
}

// Scenario B: prior 0.3 on the rated dimension, lambda 0.2, rating 1.
func TestUpdateScenarioB(t *testing.T) {
	p := Default("u")
	p.ArchetypeWeights = map[string]float64{
		store.ArchetypeBridge: 0.3,
		store.ArchetypeSeed:   0.3,
		store.ArchetypeWeaver: 0.4,
	}
	fb := Feedback{UserID: "u", Rating: 1, Outcome: store.OutcomeSuccess}
	ev := Evidence{Archetypes: []map[string]float64{{store.ArchetypeBridge: 1}}}

	next := Update(p, fb, ev, 0.2, now)

	raw := 0.3*0.8 + 1.0*0.2
	assert.InDelta(t, 0.44, raw, 1e-12)
	sum := raw + 0.3 + 0.4
	assert.InDelta(t, raw/sum, next.ArchetypeWeights[store.ArchetypeBridge], 1e-9)
	assert.InDelta(t, 0.3/sum, next.ArchetypeWeights[store.ArchetypeSeed], 1e-9)
	assert.InDelta(t, 1.0, next.WeightSum(), epsilon)

	assert.Equal(t, 0.3, p.ArchetypeWeights[store.ArchetypeBridge], "input profile untouched")
}

func TestUpdateKeepsWeightsNormalized(t *testing.T) {
	p := Default("u")
	ratings := []float64{0, 1, 0.5, 1, 0, 0.25, 0.9}
	for i, r := range ratings {
		fb := Feedback{UserID: "u", Rating: r, Outcome: store.OutcomePartial}
		ev := Evidence{Archetypes: []map[string]float64{{store.Archetypes[i%len(store.Archetypes)]: 1}}}
		p = Update(p, fb, ev, 0.2, now)
		assert.InDelta(t, 1.0, p.WeightSum(), epsilon, "after update %d", i)
		for k, w := range p.ArchetypeWeights {
			assert.GreaterOrEqual(t, w, 0.0, k)
			assert.LessOrEqual(t, w, 1.0, k)
		}
	}
}

func TestUpdateExplicitRatingsWin(t *testing.T) {
	p := Default("u")
	fb := Feedback{
		Rating:  1,
		Ratings: map[string]float64{store.ArchetypeSpiral: 1, "Unknown": 1},
	}
	ev := Evidence{Archetypes: []map[string]float64{{store.ArchetypeBridge: 1}}}
	next := Update(p, fb, ev, 0.2, now)

	assert.Greater(t, next.ArchetypeWeights[store.ArchetypeSpiral], p.ArchetypeWeights[store.ArchetypeSpiral])
	assert.Less(t, next.ArchetypeWeights[store.ArchetypeBridge], p.ArchetypeWeights[store.ArchetypeBridge],
		"bridge not rated, shrinks under renormalization")
	assert.NotContains(t, next.ArchetypeWeights, "Unknown")
}

func TestUpdateClampsRating(t *testing.T) {
	p := Default("u")
	fb := Feedback{Ratings: map[string]float64{store.ArchetypeSeed: 7}}
	next := Update(p, fb, Evidence{}, 0.2, now)
	clamped := Update(p, Feedback{Ratings: map[string]float64{store.ArchetypeSeed: 1}}, Evidence{}, 0.2, now)
	assert.InDelta(t, clamped.ArchetypeWeights[store.ArchetypeSeed], next.ArchetypeWeights[store.ArchetypeSeed], 1e-12)
}

func TestUpdateRerankBias(t *testing.T) {
	p := Default("u")
	ev := Evidence{Kinds: []store.EntityKind{store.EntityCodestone, store.EntityCodestone}}

	up := Update(p, Feedback{Outcome: store.OutcomeSuccess}, ev, 0.2, now)
	assert.InDelta(t, 0.6, up.RerankBias["codestone"], 1e-9, "0.8*0.5 + 0.2*1, applied once")

	down := Update(up, Feedback{Outcome: store.OutcomeFailure}, ev, 0.2, now)
	assert.InDelta(t, 0.48, down.RerankBias["codestone"], 1e-9)

	b, ok := down.Bias(store.EntityCodestone)
	assert.True(t, ok)
	assert.InDelta(t, 0.48, b, 1e-9)
	_, ok = down.Bias(store.EntityLineage)
	assert.False(t, ok)
}

func TestUpdateDwellAndSeedForms(t *testing.T) {
	p := Default("u")
	dwell := int64(15000)
	next := Update(p, Feedback{DwellMs: &dwell, SeedForms: []string{"  Phoenix Rising ", "maybe", ""}}, Evidence{}, 0.2, now)

	tempo, ok := next.Tempo()
	require.True(t, ok)
	assert.InDelta(t, 0.8*0.5+0.2*0.75, tempo, 1e-9)
	assert.Equal(t, 15000.0, next.CadenceProfile[DwellKey])
	assert.Equal(t, "phoenix rising", next.SeedForms[len(next.SeedForms)-1])
	assert.Len(t, next.SeedForms, 6, "duplicate and blank forms skipped")
	assert.Equal(t, now, next.UpdatedAt)
}

func TestSeedFormsBounded(t *testing.T) {
	p := Default("u")
	var forms []string
	for i := 0; i < 30; i++ {
		forms = append(forms, fmt.Sprintf("form %d", i))
	}
	next := Update(p, Feedback{SeedForms: forms}, Evidence{}, 0.2, now)
	assert.Len(t, next.SeedForms, maxSeedForms)
	assert.Equal(t, "form 29", next.SeedForms[maxSeedForms-1])
}

func TestSeedHits(t *testing.T) {
	p := Default("u")
	assert.Equal(t, 2, p.SeedHits("What if we BRIDGE the two teams?"))
	assert.Equal(t, 0, p.SeedHits("nothing here"))
	var nilProfile *Profile
	assert.Equal(t, 0, nilProfile.SeedHits("maybe"))
}

func testService(t *testing.T) (*Service, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, 0.2, zap.NewNop()), db
}

func seedCodestone(t *testing.T, db *store.DB, archetype string) string {
	t.Helper()
	ctx := context.Background()
	shardID := "s-" + archetype
	require.NoError(t, db.PutShard(ctx, &store.Shard{ID: shardID, Source: "t", Kind: store.KindNote, Text: archetype + " text"}))
	res, err := db.UpsertCodestone(ctx, &store.Codestone{
		EssenceText:     archetype + " text",
		SourceShardIDs:  []string{shardID},
		Confidence:      0.6,
		ArchetypeVector: map[string]float64{archetype: 1},
		DerivationKey:   shardID + "|distill|v1",
	})
	require.NoError(t, err)
	return res.ID
}

func TestServiceGetDefault(t *testing.T) {
	svc, _ := testService(t)
	p, err := svc.Get(context.Background(), "newcomer")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Version)
	assert.Equal(t, DefaultWeights(), p.ArchetypeWeights)
}

func TestServiceApplyFeedback(t *testing.T) {
	svc, db := testService(t)
	ctx := context.Background()
	svc.now = func() time.Time { return now }
	csID := seedCodestone(t, db, store.ArchetypeMirror)

	dwell := int64(2000)
	fb := Feedback{
		UserID:    "ana",
		EventID:   "evt-1",
		Surfaced:  []store.Surfaced{{ID: csID, Kind: store.EntityCodestone, Score: 0.8}},
		ChosenIDs: []string{csID},
		Rating:    1,
		Outcome:   store.OutcomeSuccess,
		DwellMs:   &dwell,
	}
	p, err := svc.ApplyFeedback(ctx, fb)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Greater(t, p.ArchetypeWeights[store.ArchetypeMirror], 0.1)
	assert.InDelta(t, 1.0, p.WeightSum(), epsilon)

	stored, err := svc.Get(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.InDelta(t, p.ArchetypeWeights[store.ArchetypeMirror], stored.ArchetypeWeights[store.ArchetypeMirror], 1e-12)

	cs, err := db.GetCodestone(ctx, csID)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.ActivationCount)
	require.NotNil(t, cs.LastActivatedAt)
	assert.True(t, cs.LastActivatedAt.Equal(now))

	traces, err := db.TracesForEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, store.OutcomeSuccess, traces[0].Outcome)
	assert.Equal(t, int64(2000), traces[0].DwellMs)
}

func TestServiceConcurrentFeedbackSerializes(t *testing.T) {
	svc, db := testService(t)
	ctx := context.Background()
	csID := seedCodestone(t, db, store.ArchetypeSeed)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyFeedback(ctx, Feedback{
				UserID:    "bo",
				EventID:   "evt",
				ChosenIDs: []string{csID},
				Rating:    1,
				Outcome:   store.OutcomeSuccess,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := svc.Get(ctx, "bo")
	require.NoError(t, err)
	assert.Equal(t, n, p.Version, "every update applied exactly once")
	assert.InDelta(t, 1.0, p.WeightSum(), epsilon)

	cs, err := db.GetCodestone(ctx, csID)
	require.NoError(t, err)
	assert.Equal(t, n, cs.ActivationCount)
}
