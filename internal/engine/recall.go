package engine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/mnemos/internal/federation"
	"github.com/lazypower/mnemos/internal/personal"
	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/retrieval"
	"github.com/lazypower/mnemos/internal/scoring"
	"github.com/lazypower/mnemos/internal/store"
)

// Which layer leads a response.
const (
	LeadSummary  = "summary"
	LeadEvidence = "evidence"
)

// RecallRequest is a layered recall query.
type RecallRequest struct {
	Text      string            `json:"text"`
	Filters   store.ShardFilter `json:"filters"`
	K         int               `json:"k,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Hints     map[string]bool   `json:"hints,omitempty"`
	CadenceMs *int64            `json:"cadence_ms,omitempty"`
	Actor     policy.Actor      `json:"-"`
}

// RecallResponse is the layered answer. Layers are never nil.
type RecallResponse struct {
	EventID    string                  `json:"event_id"`
	Precision  []Item                  `json:"precision_layer"`
	Evidence   []Item                  `json:"evidence_layer"`
	Intuition  []Item                  `json:"intuition_layer"`
	Myth       []Item                  `json:"myth_layer"`
	Confidence float64                 `json:"confidence"`
	Lead       string                  `json:"lead"`
	Priors     Priors                  `json:"priors"`
	Code       string                  `json:"code,omitempty"`
	Degraded   []string                `json:"degraded,omitempty"`
	Peers      []federation.PeerStatus `json:"peers,omitempty"`
}

func newResponse() *RecallResponse {
	return &RecallResponse{Precision: []Item{}, Evidence: []Item{}, Intuition: []Item{}, Myth: []Item{}}
}

// Layers returns every layer keyed by its name.
func (r *RecallResponse) Layers() map[string][]Item {
	return map[string][]Item{
		federation.LayerPrecision: r.Precision,
		federation.LayerEvidence:  r.Evidence,
		federation.LayerIntuition: r.Intuition,
		federation.LayerMyth:      r.Myth,
	}
}

func (r *RecallResponse) layer(name string) *[]Item {
	switch name {
	case federation.LayerPrecision:
		return &r.Precision
	case federation.LayerIntuition:
		return &r.Intuition
	case federation.LayerMyth:
		return &r.Myth
	default:
		return &r.Evidence
	}
}

func (r *RecallResponse) empty() bool {
	return len(r.Precision)+len(r.Evidence)+len(r.Intuition)+len(r.Myth) == 0
}

// decisions caches policy answers per item for one request.
type decisions map[string]policy.Decision

// Recall classifies the query, runs every channel concurrently, blends and
// layers the results, masks them through the policy gate and records an
// activation trace. It fails only on invalid input or when every channel
// failed.
func (e *Engine) Recall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	if err := validateRecall(&req, e.cfg.Recall.DefaultK, e.cfg.Recall.MaxK); err != nil {
		return nil, err
	}
	if e.cfg.Recall.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Recall.Timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "engine.Recall")
	defer span.End()

	now := e.now()
	cadence := req.CadenceMs
	if req.SessionID != "" {
		sess, err := e.db.TouchSession(ctx, req.SessionID, req.UserID, now)
		if err != nil {
			e.log.Warn("touch session", zap.String("session", req.SessionID), zap.Error(err))
		} else if cadence == nil {
			cadence = sess.CadenceMs
		}
	}

	ev := scoring.Infer(req.Text, now, cadence, req.Hints)
	ev.SessionID, ev.UserID = req.SessionID, req.UserID
	priors := e.classifier.Classify(ev)
	profile := e.profile(ctx, req.UserID)

	results, degraded, err := e.runChannels(ctx, &req, ev, profile)
	if err != nil {
		return nil, err
	}

	resp := e.assemble(ctx, &req, ev, profile, priors, results)
	resp.Degraded = degraded
	resp.EventID = uuid.NewString()
	if resp.empty() {
		resp.Code = CodeEmptyResult
	}
	span.SetAttributes(
		attribute.String("recall.lead", resp.Lead),
		attribute.Float64("recall.confidence", resp.Confidence),
	)

	e.trace(ctx, &req, ev, resp)
	return resp, nil
}

func (e *Engine) profile(ctx context.Context, userID string) *personal.Profile {
	if userID == "" {
		return personal.Default("")
	}
	p, err := e.profiles.Get(ctx, userID)
	if err != nil {
		e.log.Warn("load profile, using defaults", zap.String("user", userID), zap.Error(err))
		return personal.Default(userID)
	}
	return p
}

// runChannels fans out over the channel table. Results are indexed like
// Channels; a failed channel leaves a nil slot and is reported as degraded.
func (e *Engine) runChannels(ctx context.Context, req *RecallRequest, ev scoring.ContextEvent, profile *personal.Profile) ([][]Item, []string, error) {
	query := e.retr.Prefetch(ctx, req.Text, e.cfg.Recall.Timeout/3)

	results := make([][]Item, len(Channels))
	var (
		mu       sync.Mutex
		degraded = map[string]bool{}
		failed   int
	)
	var g errgroup.Group
	for i, ch := range Channels {
		g.Go(func() error {
			items, deg, err := e.runChannel(ctx, ch, req, ev, profile, query)
			mu.Lock()
			defer mu.Unlock()
			for _, d := range deg {
				degraded[d] = true
			}
			if err != nil {
				e.log.Warn("recall channel failed", zap.String("channel", ch.Layer), zap.Error(err))
				degraded["channel:"+ch.Layer] = true
				failed++
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(Channels) {
		return nil, nil, fmt.Errorf("recall: %w", ErrRetrievalUnavailable)
	}
	var out []string
	for d := range degraded {
		out = append(out, d)
	}
	sort.Strings(out)
	return results, out, nil
}

func (e *Engine) runChannel(ctx context.Context, ch Channel, req *RecallRequest, ev scoring.ContextEvent, profile *personal.Profile, query *retrieval.PendingVector) ([]Item, []string, error) {
	ctx, span := tracer.Start(ctx, "engine.channel")
	defer span.End()
	span.SetAttributes(attribute.String("channel", ch.Layer))

	res, err := e.retr.Retrieve(ctx, retrieval.Request{
		Text:   req.Text,
		Kind:   ch.Kind,
		Filter: req.Filters,
		Query:  query,
	})
	if err != nil {
		return nil, nil, err
	}

	cands := res.Candidates
	if limit := e.cfg.Recall.ChannelLimit; limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	fused := make(map[string]float64, len(cands))
	ids := make([]string, len(cands))
	for i, c := range cands {
		fused[c.ID] = c.Fused
		ids[i] = c.ID
	}

	items, err := e.load(ctx, ch.Kind, ids, fused, ev, profile)
	if err != nil {
		return nil, res.Degraded, err
	}
	for i := range items {
		items[i].Mode = ch.Mode
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return items, res.Degraded, nil
}

// load builds scored items for ids of one kind. Unknown ids are skipped.
// Derived artifacts carry metadata.sensitive when any shard they trace back
// to is sensitive.
func (e *Engine) load(ctx context.Context, kind store.EntityKind, ids []string, fused map[string]float64, ev scoring.ContextEvent, profile *personal.Profile) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	type loaded struct {
		f    scoring.Features
		meta map[string]any
	}
	var recs []loaded

	switch kind {
	case store.EntityShard:
		shards, err := e.db.GetShards(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, s := range shards {
			meta := maps.Clone(s.Metadata)
			if meta == nil {
				meta = map[string]any{}
			}
			recs = append(recs, loaded{
				f:    scoring.Features{ID: s.ID, Kind: kind, Text: s.Text, Resonance: s.Resonance},
				meta: meta,
			})
		}

	case store.EntityCodestone:
		stones, err := e.db.GetCodestones(ctx, ids...)
		if err != nil {
			return nil, err
		}
		var firsts []string
		for _, c := range stones {
			if len(c.SourceShardIDs) > 0 {
				firsts = append(firsts, c.SourceShardIDs[0])
			}
		}
		sources, err := e.db.GetShards(ctx, firsts)
		if err != nil {
			return nil, err
		}
		resonance := make(map[string]store.Resonance, len(sources))
		for _, s := range sources {
			resonance[s.ID] = s.Resonance
		}
		for _, c := range stones {
			f := scoring.Features{
				ID:              c.ID,
				Kind:            kind,
				Text:            c.EssenceText,
				Archetypes:      c.ArchetypeVector,
				ActivationCount: c.ActivationCount,
				LastActivatedAt: c.LastActivatedAt,
			}
			if len(c.SourceShardIDs) > 0 {
				f.Resonance = resonance[c.SourceShardIDs[0]]
			}
			recs = append(recs, loaded{f: f, meta: map[string]any{
				"confidence":       c.Confidence,
				"source_shard_ids": c.SourceShardIDs,
			}})
		}

	case store.EntityCodecell:
		cells, err := e.db.GetCodecells(ctx, ids...)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			recs = append(recs, loaded{
				f: scoring.Features{ID: c.ID, Kind: kind, Text: c.Name, Archetypes: oneHot(c.Archetype)},
				meta: map[string]any{
					"archetype":            c.Archetype,
					"coherence":            c.Coherence,
					"member_codestone_ids": c.MemberCodestoneIDs,
				},
			})
		}

	case store.EntityLineage:
		lineages, err := e.db.GetLineages(ctx, ids...)
		if err != nil {
			return nil, err
		}
		for _, l := range lineages {
			recs = append(recs, loaded{
				f: scoring.Features{ID: l.ID, Kind: kind, Text: l.PrincipleText, Archetypes: oneHot(l.Archetype)},
				meta: map[string]any{
					"archetype":           l.Archetype,
					"strength":            l.Strength,
					"source_codecell_ids": l.SourceCodecellIDs,
				},
			})
		}

	default:
		return nil, fmt.Errorf("load: unknown kind %q", kind)
	}

	items := make([]Item, 0, len(recs))
	for _, r := range recs {
		if kind != store.EntityShard {
			sensitive, err := e.inheritsSensitive(ctx, r.f.ID)
			if err != nil {
				return nil, err
			}
			if sensitive {
				r.meta["sensitive"] = true
			}
		}
		b := e.scorer.Score(ev, fused[r.f.ID], r.f, profile)
		items = append(items, Item{
			ID:       r.f.ID,
			Kind:     kind,
			Text:     truncateClean(r.f.Text, maxItemChars),
			Score:    b.Final,
			Scores:   b,
			Metadata: r.meta,
		})
	}
	return items, nil
}

func (e *Engine) inheritsSensitive(ctx context.Context, id string) (bool, error) {
	prov, err := e.db.Provenance(ctx, id)
	if err != nil {
		return false, err
	}
	shards, err := e.db.GetShards(ctx, prov)
	if err != nil {
		return false, err
	}
	for _, s := range shards {
		if isSensitive(s.Metadata) {
			return true, nil
		}
	}
	return false, nil
}

func isSensitive(meta map[string]any) bool {
	v, _ := meta["sensitive"].(bool)
	return v
}

func oneHot(archetype string) map[string]float64 {
	if archetype == "" {
		return nil
	}
	return map[string]float64{archetype: 1}
}

// gateTimeout bounds masking once the recall deadline has passed, so
// results retrieved in time are still judged by the rules.
const gateTimeout = 2 * time.Second

// visible drops items the actor may not read and applies redactions. A
// gate error applies the read fail mode.
func (e *Engine) visible(ctx context.Context, actor policy.Actor, items []Item, cache decisions) []Item {
	if len(items) == 0 {
		return []Item{}
	}
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gateTimeout)
	defer cancel()

	out := make([]Item, 0, len(items))
	for _, it := range items {
		key := it.Origin + "/" + it.ID
		d, ok := cache[key]
		if !ok {
			var err error
			d, err = e.gate.Evaluate(gctx, policy.ActionRead, itemPayload(it), actor)
			if err != nil {
				e.log.Warn("read policy unavailable", zap.String("item", it.ID), zap.Error(err))
				d = e.gate.FailDecision(policy.ActionRead, err.Error())
			}
			cache[key] = d
		}
		if !d.Allow {
			continue
		}
		it.Metadata = policy.RedactMetadata(it.Metadata, d.RedactFields)
		out = append(out, it)
	}
	return out
}

func itemPayload(it Item) map[string]any {
	p := map[string]any{
		"id":       it.ID,
		"kind":     string(it.Kind),
		"metadata": it.Metadata,
	}
	if it.Origin != "" {
		p["origin"] = it.Origin
	}
	return p
}

// assemble blends the mode channels, picks the lead and fills the layers.
func (e *Engine) assemble(ctx context.Context, req *RecallRequest, ev scoring.ContextEvent, profile *personal.Profile, priors Priors, results [][]Item) *RecallResponse {
	cache := decisions{}
	var blended, evidence []Item
	for i, ch := range Channels {
		items := e.visible(ctx, req.Actor, results[i], cache)
		if !ch.Blended() {
			evidence = append(evidence, items...)
			continue
		}
		for _, it := range items {
			it.Score = priors.Of(ch.Mode) * it.Scores.Final
			blended = append(blended, it)
		}
	}
	normalize(blended)
	sortItems(blended)
	sortItems(evidence)

	resp := newResponse()
	resp.Priors = priors
	byMode := map[Mode][]Item{}
	for _, it := range blended {
		byMode[it.Mode] = append(byMode[it.Mode], it)
	}
	precision, intuition, myth := byMode[ModePrecision], byMode[ModeIntuition], byMode[ModeMyth]

	if len(blended) > 0 {
		resp.Confidence = blended[0].Scores.Final
	}
	if len(blended) > 0 && resp.Confidence >= e.cfg.Recall.ConfidenceThreshold {
		resp.Lead = LeadSummary
		if len(precision) > 0 {
			top := precision[0].ID
			sources := e.support(ctx, req, ev, profile, cache, top, store.EdgeDerivation, store.EntityShard, "")
			evidence = mergeFront(sources, evidence)
			siblings := e.support(ctx, req, ev, profile, cache, top, store.EdgeMembership, store.EntityCodecell, ModeIntuition)
			intuition = mergeFront(siblings, intuition)
		}
	} else {
		resp.Lead = LeadEvidence
		for i := range precision {
			precision[i].Tentative = true
		}
		for i := range myth {
			myth[i].Tentative = true
		}
	}

	resp.Precision = truncate(precision, req.K)
	resp.Evidence = truncate(evidence, req.K)
	resp.Intuition = truncate(intuition, req.K)
	resp.Myth = truncate(myth, req.K)
	return resp
}

// support loads the neighbors of id across edge kind, either its sources
// (derivation) or its targets (membership), as visible items.
func (e *Engine) support(ctx context.Context, req *RecallRequest, ev scoring.ContextEvent, profile *personal.Profile, cache decisions, id string, edge store.EdgeKind, kind store.EntityKind, mode Mode) []Item {
	var (
		ids []string
		err error
	)
	if edge == store.EdgeDerivation {
		ids, err = e.db.Sources(ctx, id, edge)
	} else {
		ids, err = e.db.Targets(ctx, id, edge)
	}
	if err != nil {
		e.log.Warn("load supporting artifacts", zap.String("id", id), zap.String("edge", string(edge)), zap.Error(err))
		return nil
	}
	items, err := e.load(ctx, kind, ids, nil, ev, profile)
	if err != nil {
		e.log.Warn("load supporting artifacts", zap.String("id", id), zap.String("edge", string(edge)), zap.Error(err))
		return nil
	}
	for i := range items {
		items[i].Mode = mode
	}
	return e.visible(ctx, req.Actor, items, cache)
}

// normalize divides every score by the maximum.
func normalize(items []Item) {
	hi := 0.0
	for _, it := range items {
		hi = max(hi, it.Score)
	}
	if hi <= 0 {
		return
	}
	for i := range items {
		items[i].Score /= hi
	}
}

// sortItems orders by score desc, then id asc.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
}

// mergeFront puts front first, preferring the ranked copy from rest when an
// item appears in both, then the remainder of rest in order.
func mergeFront(front, rest []Item) []Item {
	ranked := make(map[string]Item, len(rest))
	for _, it := range rest {
		ranked[it.ID] = it
	}
	out := make([]Item, 0, len(front)+len(rest))
	seen := make(map[string]bool, len(front))
	for _, it := range front {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		if r, ok := ranked[it.ID]; ok {
			it = r
		}
		out = append(out, it)
	}
	for _, it := range rest {
		if !seen[it.ID] {
			out = append(out, it)
		}
	}
	return out
}

func truncate(items []Item, k int) []Item {
	if items == nil {
		return []Item{}
	}
	if k > 0 && len(items) > k {
		return items[:k]
	}
	return items
}

// trace appends the activation trace for a recall. Failures are logged.
func (e *Engine) trace(ctx context.Context, req *RecallRequest, ev scoring.ContextEvent, resp *RecallResponse) {
	var surfaced []store.Surfaced
	for _, layer := range [][]Item{resp.Precision, resp.Evidence, resp.Intuition, resp.Myth} {
		for _, it := range layer {
			surfaced = append(surfaced, store.Surfaced{ID: it.ID, Kind: it.Kind, Score: it.Score})
		}
	}

	fields := ev.Fields()
	fields["priors"] = map[string]float64{
		string(ModePrecision): resp.Priors.Precision,
		string(ModeIntuition): resp.Priors.Intuition,
		string(ModeMyth):      resp.Priors.Myth,
	}
	fields["lead"] = resp.Lead
	fields["confidence"] = resp.Confidence
	fields["k"] = req.K

	t := &store.ActivationTrace{
		UserID:   req.UserID,
		EventID:  resp.EventID,
		Surfaced: surfaced,
		Context:  fields,
	}
	if err := e.db.AppendTrace(context.WithoutCancel(ctx), t); err != nil {
		e.log.Warn("append activation trace", zap.String("event", resp.EventID), zap.Error(err))
	}
}
