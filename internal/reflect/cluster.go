package reflect

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/embed"
	"github.com/lazypower/mnemos/internal/store"
)

// CorpusCodestones is the entity the cluster pass runs against.
const CorpusCodestones = "corpus:codestones"

const clusterVersion = 1

type clusterPass struct{ p *Pipeline }

func (c *clusterPass) Name() string { return PassCluster }
func (c *clusterPass) Version() int { return clusterVersion }

func (c *clusterPass) Entities(context.Context) ([]string, error) {
	return []string{CorpusCodestones}, nil
}

func (c *clusterPass) InputHash(ctx context.Context, _ string) (string, error) {
	stones, vecs, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	parts := []string{fmtParams(c.p.opts.ClusterThreshold, c.p.opts.MinMembers)}
	for _, s := range stones {
		model := ""
		if v, ok := vecs[s.ID]; ok {
			model = v.Model
		}
		parts = append(parts, s.ID, s.ContentHash, model)
	}
	return store.ContentHash(parts...), nil
}

func (c *clusterPass) load(ctx context.Context) ([]*store.Codestone, map[string]store.VectorRecord, error) {
	stones, err := c.p.db.GetCodestones(ctx)
	if err != nil {
		return nil, nil, err
	}
	recs, err := c.p.db.Vectors(ctx, store.EntityCodestone, store.ShardFilter{})
	if err != nil {
		return nil, nil, err
	}
	vecs := make(map[string]store.VectorRecord, len(recs))
	for _, r := range recs {
		vecs[r.EntityID] = r
	}
	return stones, vecs, nil
}

// group is a cluster under construction. key seeds its derivation key so
// the same seed yields the same codecell across runs.
type group struct {
	key     string
	seed    []float64
	members []*store.Codestone
	vecs    [][]float64
}

func (c *clusterPass) Apply(ctx context.Context, _ string) error {
	stones, vecs, err := c.load(ctx)
	if err != nil {
		return err
	}

	groups := clusterStones(stones, vecs, c.p.opts.ClusterThreshold)

	var keep []string
	for _, g := range groups {
		if len(g.members) < c.p.opts.MinMembers {
			continue
		}
		cell := buildCodecell(g)
		if cell.CentroidVector != nil {
			cell.CentroidModel = vecs[g.members[0].ID].Model
		}
		res, err := c.p.db.UpsertCodecell(ctx, cell)
		if err != nil {
			return err
		}
		keep = append(keep, res.ID)
	}

	pruned, err := c.p.db.PruneCodecells(ctx, keep)
	if err != nil {
		return err
	}
	c.p.log.Info("clustered",
		zap.Int("codestones", len(stones)),
		zap.Int("codecells", len(keep)),
		zap.Int("pruned", pruned))
	return nil
}

// clusterStones groups codestones. Codestones with a vector join every existing
// cluster whose seed is within threshold, or seed a new one; codestones
// without a vector are grouped by dominant archetype. Input is walked in id
// order so the result is deterministic.
func clusterStones(stones []*store.Codestone, vecs map[string]store.VectorRecord, threshold float64) []*group {
	sorted := append([]*store.Codestone(nil), stones...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var byVector []*group
	byArchetype := make(map[string]*group)
	for _, s := range sorted {
		rec, ok := vecs[s.ID]
		if !ok || len(rec.Embedding) == 0 {
			a := dominant(s.ArchetypeVector)
			if a == "" {
				continue
			}
			g, ok := byArchetype[a]
			if !ok {
				g = &group{key: "archetype:" + a}
				byArchetype[a] = g
			}
			g.members = append(g.members, s)
			continue
		}

		joined := false
		for _, g := range byVector {
			if embed.Cosine(g.seed, rec.Embedding) >= threshold {
				g.members = append(g.members, s)
				g.vecs = append(g.vecs, rec.Embedding)
				joined = true
			}
		}
		if !joined {
			byVector = append(byVector, &group{
				key:     "seed:" + s.ID,
				seed:    rec.Embedding,
				members: []*store.Codestone{s},
				vecs:    [][]float64{rec.Embedding},
			})
		}
	}

	out := byVector
	for _, a := range store.Archetypes {
		if g, ok := byArchetype[a]; ok {
			out = append(out, g)
		}
	}
	return out
}

func buildCodecell(g *group) *store.Codecell {
	ids := make([]string, len(g.members))
	arch := make(map[string]float64)
	for i, m := range g.members {
		ids[i] = m.ID
		for a, w := range m.ArchetypeVector {
			arch[a] += w
		}
	}
	archetype := dominant(arch)
	if archetype == "" {
		archetype = store.ArchetypeWeaver
	}

	cell := &store.Codecell{
		Name:               "Constellation: " + archetype,
		Archetype:          archetype,
		MemberCodestoneIDs: ids,
		DerivationKey:      store.PassKey{EntityID: g.key, Pass: PassCluster, Version: clusterVersion}.String(),
	}

	if len(g.vecs) > 0 {
		cell.CentroidVector = embed.Mean(g.vecs)
		cell.Coherence = coherence(g.vecs, cell.CentroidVector)
	} else {
		vs := make([][]float64, len(g.members))
		for i, m := range g.members {
			vs[i] = archetypeDense(m.ArchetypeVector)
		}
		cell.Coherence = coherence(vs, embed.Mean(vs))
	}
	return cell
}

// coherence is the mean cosine between each vector and the centroid.
func coherence(vecs [][]float64, centroid []float64) float64 {
	if len(vecs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vecs {
		sum += embed.Cosine(v, centroid)
	}
	return sum / float64(len(vecs))
}

func archetypeDense(vec map[string]float64) []float64 {
	out := make([]float64, len(store.Archetypes))
	for i, a := range store.Archetypes {
		out[i] = vec[a]
	}
	return out
}

func fmtParams(threshold float64, n int) string {
	return fmt.Sprintf("%.4f/%d", threshold, n)
}
