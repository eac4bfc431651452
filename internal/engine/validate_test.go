package engine

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/mnemos/internal/store"
)

func TestValidID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"s1", true},
		{"01J9ZQ3K5V8X", true},
		{"slack:C123.456", true},
		{"a_b-c", true},
		{"", false},
		{"has space", false},
		{"../../etc/passwd", false},
		{"'; DROP TABLE", false},
		{"café", false},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		if got := validID(tt.input); got != tt.want {
			t.Errorf("validID(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func shard(id string, kind store.Kind, text string) *store.Shard {
	return &store.Shard{ID: id, Kind: kind, Text: text}
}

func TestValidateShards_Valid(t *testing.T) {
	batch := []*store.Shard{
		shard("s1", store.KindMessage, "hello"),
		shard("s2", store.KindEvent, ""),
	}
	batch[1].ParentIDs = []string{"s1"}

	if err := validateShards("slack", batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch[0].Source != "slack" {
		t.Errorf("Source = %q, want inherited %q", batch[0].Source, "slack")
	}
}

func TestValidateShards_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		batch []*store.Shard
		field string
	}{
		{"empty batch", nil, "shards"},
		{"null shard", []*store.Shard{nil}, "shards[0]"},
		{"bad id", []*store.Shard{shard("a b", store.KindNote, "x")}, "shards[0].id"},
		{"duplicate id", []*store.Shard{shard("s1", store.KindNote, "x"), shard("s1", store.KindNote, "y")}, "shards[1].id"},
		{"unknown kind", []*store.Shard{shard("s1", "tweet", "x")}, "shards[0].kind"},
		{"empty note", []*store.Shard{shard("s1", store.KindNote, "  ")}, "shards[0].text"},
		{"oversized", []*store.Shard{shard("s1", store.KindNote, strings.Repeat("x", maxShardChars+1))}, "shards[0].text"},
		{"self link", []*store.Shard{{ID: "s1", Kind: store.KindNote, Text: "x", ParentIDs: []string{"s1"}}}, "shards[0].parent_ids"},
		{"nan embedding", []*store.Shard{{ID: "s1", Kind: store.KindNote, Text: "x", Embedding: []float64{math.NaN()}}}, "shards[0].embedding"},
	}

	for _, tt := range tests {
		err := validateShards("src", tt.batch)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: err = %v, want ValidationError", tt.name, err)
			continue
		}
		if ve.Field != tt.field {
			t.Errorf("%s: field = %q, want %q", tt.name, ve.Field, tt.field)
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err does not unwrap to ErrValidation", tt.name)
		}
	}
}

func TestValidateShards_RequiresSource(t *testing.T) {
	err := validateShards("", []*store.Shard{shard("s1", store.KindNote, "x")})
	if err == nil || !strings.Contains(err.Error(), "source") {
		t.Errorf("err = %v, want source error", err)
	}
}

func TestValidateShards_BatchLimit(t *testing.T) {
	batch := make([]*store.Shard, maxBatch+1)
	for i := range batch {
		batch[i] = shard("s", store.KindNote, "x")
	}
	if err := validateShards("src", batch); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestValidateRecall(t *testing.T) {
	req := RecallRequest{Text: "  bridge  "}
	if err := validateRecall(&req, 10, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.K != 10 || req.Text != "bridge" {
		t.Errorf("normalized request = %+v", req)
	}

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(-time.Hour)
	bad := []RecallRequest{
		{Text: ""},
		{Text: strings.Repeat("q", maxQueryChars+1)},
		{Text: "q", K: -1},
		{Text: "q", K: 101},
		{Text: "q", Filters: store.ShardFilter{Kinds: []store.Kind{"tweet"}}},
		{Text: "q", Filters: store.ShardFilter{Since: &since, Until: &until}},
	}
	for i, r := range bad {
		if err := validateRecall(&r, 10, 100); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: err = %v, want ErrValidation", i, err)
		}
	}
}

func TestTruncateClean(t *testing.T) {
	if got := truncateClean("short", 10); got != "short" {
		t.Errorf("truncateClean(short) = %q", got)
	}
	if got := truncateClean("the quick brown fox", 12); got != "the quick" {
		t.Errorf("truncateClean = %q, want %q", got, "the quick")
	}
}
