package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPutAndGetShard(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Shard{
		ID:             "s1",
		Source:         "chat",
		Kind:           KindMessage,
		ConversationID: "conv-1",
		Actor:          "user",
		Timestamp:      &ts,
		Text:           "what if we bridge the two services",
		Metadata:       map[string]any{"sensitive": true, "topic": "infra"},
		Provenance:     map[string]any{"job": "import-7"},
		Embedding:      []float64{0.6, 0.8},
		Resonance:      Resonance{Affect: 0.2, SeedScore: 0.5},
	}
	if err := db.PutShard(ctx, s); err != nil {
		t.Fatalf("PutShard: %v", err)
	}
	if s.ContentHash == "" {
		t.Error("ContentHash not set")
	}

	got, err := db.GetShard(ctx, "s1")
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if got.Text != s.Text || got.Kind != KindMessage || got.ConversationID != "conv-1" {
		t.Errorf("GetShard = %+v", got)
	}
	if got.Timestamp == nil || !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.Metadata["sensitive"] != true {
		t.Errorf("Metadata = %v, want sensitive=true", got.Metadata)
	}
	if got.Provenance["job"] != "import-7" {
		t.Errorf("Provenance = %v", got.Provenance)
	}
	if len(got.Embedding) != 2 || got.EmbeddingModel != "external" {
		t.Errorf("Embedding = %v (%s)", got.Embedding, got.EmbeddingModel)
	}
	if got.Resonance.SeedScore != 0.5 {
		t.Errorf("SeedScore = %f, want 0.5", got.Resonance.SeedScore)
	}
}

func TestPutShardAssignsID(t *testing.T) {
	db := testDB(t)

	s := &Shard{Source: "test", Kind: KindNote, Text: "no id"}
	if err := db.PutShard(context.Background(), s); err != nil {
		t.Fatalf("PutShard: %v", err)
	}
	if len(s.ID) != 26 {
		t.Errorf("ID = %q, want a ULID", s.ID)
	}
}

func TestPutShardDuplicateRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "s1", KindNote, "original")

	err := db.PutShard(ctx, &Shard{ID: "s1", Source: "test", Kind: KindNote, Text: "rewrite"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("PutShard duplicate err = %v, want ErrDuplicate", err)
	}

	got, err := db.GetShard(ctx, "s1")
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if got.Text != "original" {
		t.Errorf("Text = %q, shard must be immutable", got.Text)
	}
}

func TestPutShardsBatchPolicies(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "s1", KindNote, "existing")

	batch := func() []*Shard {
		return []*Shard{
			{ID: "s1", Source: "test", Kind: KindNote, Text: "dup"},
			{ID: "s2", Source: "test", Kind: KindNote, Text: "fresh"},
		}
	}

	if _, _, err := db.PutShards(ctx, batch(), OnDuplicateReject); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("reject err = %v, want ErrDuplicate", err)
	}
	if _, err := db.GetShard(ctx, "s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected batch must not be partially applied, got %v", err)
	}

	inserted, skipped, err := db.PutShards(ctx, batch(), OnDuplicateSkip)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if inserted != 1 || skipped != 1 {
		t.Errorf("inserted=%d skipped=%d, want 1/1", inserted, skipped)
	}
}

func TestGetShardNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetShard(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLinkAndHydrate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "p", KindMessage, "parent")
	putShard(t, db, "c", KindMessage, "child")

	if err := db.Link(ctx, "p", "c"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := db.Link(ctx, "p", "c"); err != nil {
		t.Fatalf("Link twice: %v", err)
	}
	if err := db.Link(ctx, "p", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Link to missing = %v, want ErrNotFound", err)
	}

	child, err := db.GetShard(ctx, "c")
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if len(child.ParentIDs) != 1 || child.ParentIDs[0] != "p" {
		t.Errorf("ParentIDs = %v, want [p]", child.ParentIDs)
	}
	parent, err := db.GetShard(ctx, "p")
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if len(parent.ChildIDs) != 1 || parent.ChildIDs[0] != "c" {
		t.Errorf("ChildIDs = %v, want [c]", parent.ChildIDs)
	}
}

func TestQueryShardsFilter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	shards := []*Shard{
		{ID: "a", Source: "chat", Kind: KindMessage, Text: "one", Timestamp: &old},
		{ID: "b", Source: "repo", Kind: KindCode, Text: "two"},
		{ID: "c", Source: "chat", Kind: KindNote, Text: "three"},
	}
	if _, _, err := db.PutShards(ctx, shards, OnDuplicateReject); err != nil {
		t.Fatalf("PutShards: %v", err)
	}

	tests := []struct {
		name   string
		filter ShardFilter
		want   int
	}{
		{"all", ShardFilter{}, 3},
		{"kind", ShardFilter{Kinds: []Kind{KindCode}}, 1},
		{"source", ShardFilter{Sources: []string{"chat"}}, 2},
		{"since", ShardFilter{Since: ptrTime(time.Now().Add(-time.Hour))}, 2},
		{"until", ShardFilter{Until: ptrTime(time.Now().Add(-time.Hour))}, 1},
		{"limit", ShardFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.QueryShards(ctx, tt.filter)
			if err != nil {
				t.Fatalf("QueryShards: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d shards, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAnnotateResonance(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "s1", KindNote, "text")

	r := Resonance{Affect: -0.4, Arousal: 0.9, Momentum: 0.3, SeedScore: 0.1, Closure: true}
	if err := db.AnnotateResonance(ctx, "s1", r); err != nil {
		t.Fatalf("AnnotateResonance: %v", err)
	}
	got, err := db.GetShard(ctx, "s1")
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if got.Resonance != r {
		t.Errorf("Resonance = %+v, want %+v", got.Resonance, r)
	}
	if err := db.AnnotateResonance(ctx, "nope", r); !IsNotFound(err) {
		t.Errorf("missing shard err = %v", err)
	}
}

func TestLexicalSearchShards(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "a", KindNote, "alpha")
	putShard(t, db, "b", KindNote, "beta")

	hits, err := db.LexicalSearch(ctx, EntityShard, "alpha", ShardFilter{}, 10)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "a" {
		t.Fatalf("hits = %+v, want only a", hits)
	}
	if hits[0].Score <= 0 {
		t.Errorf("score = %f, want > 0", hits[0].Score)
	}

	hits, err = db.LexicalSearch(ctx, EntityShard, "alpha", ShardFilter{Kinds: []Kind{KindCode}}, 10)
	if err != nil {
		t.Fatalf("LexicalSearch filtered: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("filtered hits = %+v, want none", hits)
	}
}

func TestLexicalSearchOddInput(t *testing.T) {
	db := testDB(t)
	putShard(t, db, "a", KindNote, "quoted \"thing\" here")

	for _, q := range []string{"", "   ", "!!!", `"thing`, "thing AND OR NOT"} {
		if _, err := db.LexicalSearch(context.Background(), EntityShard, q, ShardFilter{}, 5); err != nil {
			t.Errorf("LexicalSearch(%q): %v", q, err)
		}
	}
}

func TestMatchExpr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alpha", `"alpha"`},
		{"Alpha beta alpha", `"alpha" OR "beta"`},
		{"what's up?", `"what" OR "s" OR "up"`},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := MatchExpr(tt.in); got != tt.want {
			t.Errorf("MatchExpr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "s1", KindNote, "secret thing")

	res, err := db.UpsertCodestone(ctx, &Codestone{
		EssenceText:    "secret thing",
		SourceShardIDs: []string{"s1"},
		DerivationKey:  "s1|distill|v1",
	})
	if err != nil {
		t.Fatalf("UpsertCodestone: %v", err)
	}

	if err := db.Redact(ctx, "s1"); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if _, err := db.GetShard(ctx, "s1"); !IsNotFound(err) {
		t.Errorf("shard still present: %v", err)
	}
	if _, err := db.GetCodestone(ctx, res.ID); !IsNotFound(err) {
		t.Errorf("codestone survived redaction: %v", err)
	}
	hits, err := db.LexicalSearch(ctx, EntityShard, "secret", ShardFilter{}, 5)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("redacted shard still indexed: %+v", hits)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
