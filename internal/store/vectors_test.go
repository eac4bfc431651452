package store

import (
	"context"
	"math"
	"testing"
)

func TestEncodeDecodeEmbedding(t *testing.T) {
	original := []float64{1.0, -0.5, 0.333, math.Pi, 0.0}
	blob := encodeEmbedding(original)
	decoded := decodeEmbedding(blob)

	if len(decoded) != len(original) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("index %d: got %f, want %f", i, decoded[i], original[i])
		}
	}
}

func TestSaveAndGetVector(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "s1", KindNote, "coding style notes")

	embedding := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	if err := db.SaveVector(ctx, "s1", EntityShard, embedding, "test-model"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	v, err := db.GetVector(ctx, "s1")
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if v == nil {
		t.Fatal("expected vector, got nil")
	}
	if v.Model != "test-model" {
		t.Errorf("model = %q, want %q", v.Model, "test-model")
	}
	if v.Dimensions != 5 {
		t.Errorf("dimensions = %d, want 5", v.Dimensions)
	}
	for i := range embedding {
		if v.Embedding[i] != embedding[i] {
			t.Errorf("embedding[%d] = %f, want %f", i, v.Embedding[i], embedding[i])
		}
	}
}

func TestGetVectorMissing(t *testing.T) {
	db := testDB(t)

	v, err := db.GetVector(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil, got %+v", v)
	}
}

func TestSaveVectorUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveVector(ctx, "x", EntityCodestone, []float64{1, 2}, "m1"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}
	if err := db.SaveVector(ctx, "x", EntityCodestone, []float64{3, 4, 5}, "m2"); err != nil {
		t.Fatalf("SaveVector (update): %v", err)
	}

	v, err := db.GetVector(ctx, "x")
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if v.Model != "m2" || v.Dimensions != 3 {
		t.Errorf("got model %q dims %d, want m2/3", v.Model, v.Dimensions)
	}
}

func TestVectorsByKindAndFilter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	putShard(t, db, "n1", KindNote, "first")
	putShard(t, db, "c1", KindCode, "second")
	for _, id := range []string{"n1", "c1"} {
		if err := db.SaveVector(ctx, id, EntityShard, []float64{1, 0}, "m"); err != nil {
			t.Fatalf("SaveVector: %v", err)
		}
	}
	if err := db.SaveVector(ctx, "cs_1", EntityCodestone, []float64{0, 1}, "m"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	all, err := db.Vectors(ctx, EntityShard, ShardFilter{})
	if err != nil {
		t.Fatalf("Vectors: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("shard vectors = %d, want 2", len(all))
	}

	notes, err := db.Vectors(ctx, EntityShard, ShardFilter{Kinds: []Kind{KindNote}})
	if err != nil {
		t.Fatalf("Vectors filtered: %v", err)
	}
	if len(notes) != 1 || notes[0].EntityID != "n1" {
		t.Errorf("filtered vectors = %+v, want only n1", notes)
	}

	stones, err := db.Vectors(ctx, EntityCodestone, ShardFilter{})
	if err != nil {
		t.Fatalf("Vectors codestone: %v", err)
	}
	if len(stones) != 1 {
		t.Errorf("codestone vectors = %d, want 1", len(stones))
	}
}

func TestMissingVectors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	putShard(t, db, "a", KindNote, "one")
	putShard(t, db, "b", KindNote, "two")
	if err := db.SaveVector(ctx, "a", EntityShard, []float64{1}, "m"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	ids, err := db.MissingVectors(ctx, 10)
	if err != nil {
		t.Fatalf("MissingVectors: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("MissingVectors = %v, want [b]", ids)
	}
}

func TestVectorSearch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	vecs := map[string][]float64{
		"near":  {1, 0.1},
		"far":   {0, 1},
		"mid":   {1, 1},
		"other": {1, 0, 0}, // different dimension, skipped
	}
	for id, v := range vecs {
		if err := db.SaveVector(ctx, id, EntityCodestone, v, "m"); err != nil {
			t.Fatalf("SaveVector: %v", err)
		}
	}

	hits, err := db.VectorSearch(ctx, EntityCodestone, []float64{1, 0}, ShardFilter{}, 2)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].ID != "near" || hits[1].ID != "mid" {
		t.Errorf("order = %s, %s; want near, mid", hits[0].ID, hits[1].ID)
	}

	none, err := db.VectorSearch(ctx, EntityCodestone, nil, ShardFilter{}, 5)
	if err != nil || none != nil {
		t.Errorf("empty query vector: hits=%v err=%v", none, err)
	}
}

func TestNeighbors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	putShard(t, db, "p", KindNote, "parent")
	putShard(t, db, "c", KindNote, "child")
	if err := db.Link(ctx, "p", "c"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	out, err := db.Neighbors(ctx, "p", Outgoing, EdgeLink)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(out) != 1 || out[0].To != "c" {
		t.Errorf("outgoing = %+v, want p->c", out)
	}

	in, err := db.Neighbors(ctx, "p", Incoming)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(in) != 0 {
		t.Errorf("incoming = %+v, want none", in)
	}

	derivations, err := db.Neighbors(ctx, "c", Incoming, EdgeDerivation)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(derivations) != 0 {
		t.Errorf("derivation edges = %+v, want none", derivations)
	}
}
