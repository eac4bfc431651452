package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/config"
)

// countingProvider records batch sizes and returns a one-hot vector per text length.
type countingProvider struct {
	mu      sync.Mutex
	batches []int
	err     error
}

func (c *countingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.batches = append(c.batches, len(texts))
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{float64(len(t)), 1}
	}
	return out, nil
}

func (c *countingProvider) Model() string   { return "counting" }
func (c *countingProvider) Dimensions() int { return 2 }

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Hello World", 2},
		{"Go developer, prefers minimal dependencies.", 5},
		{"a b c", 0}, // single chars skipped
		{"SQLite WAL mode", 3},
		{"", 0},
	}

	for _, tt := range tests {
		tokens := Tokenize(tt.input)
		if len(tokens) != tt.want {
			t.Errorf("Tokenize(%q) = %d tokens %v, want %d", tt.input, len(tokens), tokens, tt.want)
		}
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 0, 0}, []float64{1, 0, 0}), 1e-10)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-10)
	assert.InDelta(t, -1.0, Cosine([]float64{1, 0}, []float64{-1, 0}), 1e-10)
	assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 0}), "length mismatch")
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestNormalizeAndMean(t *testing.T) {
	vec := []float64{3, 4}
	Normalize(vec)
	assert.InDelta(t, 1.0, math.Hypot(vec[0], vec[1]), 1e-10)

	zero := []float64{0, 0}
	Normalize(zero)
	assert.Equal(t, []float64{0, 0}, zero)

	m := Mean([][]float64{{1, 0}, {0, 1}})
	assert.InDelta(t, math.Sqrt2/2, m[0], 1e-10)
	assert.InDelta(t, math.Sqrt2/2, m[1], 1e-10)
	assert.Nil(t, Mean(nil))
}

func TestHashProviderSimilarity(t *testing.T) {
	h := NewHashProvider(128)
	vecs, err := h.EmbedBatch(context.Background(), []string{
		"bridge the billing and search services",
		"bridge the search and billing services",
		"completely unrelated gardening advice",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 128)

	same := Cosine(vecs[0], vecs[1])
	other := Cosine(vecs[0], vecs[2])
	assert.InDelta(t, 1.0, same, 1e-9, "same bag of words")
	assert.Less(t, other, same)
}

func TestGeneratorBatchesAndCaches(t *testing.T) {
	p := &countingProvider{}
	g, err := NewGenerator(p, Options{BatchSize: 2, CacheSize: 16}, zap.NewNop())
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "bb", "dddd"}
	vecs, err := g.EmbedMany(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.Equal(t, []int{2, 2}, p.batches, "4 distinct texts in batches of 2")
	assert.Equal(t, 2.0, vecs[1][0])
	assert.Equal(t, vecs[1], vecs[3])

	_, err = g.Embed(context.Background(), "ccc")
	require.NoError(t, err)
	assert.Len(t, p.batches, 2, "cached text must not reach the provider")
	assert.Equal(t, 4, g.CacheLen())
}

func TestGeneratorCacheEvicts(t *testing.T) {
	p := &countingProvider{}
	g, err := NewGenerator(p, Options{BatchSize: 8, CacheSize: 2}, nil)
	require.NoError(t, err)

	_, err = g.EmbedMany(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Equal(t, 2, g.CacheLen())
}

func TestGeneratorReturnsCopies(t *testing.T) {
	p := &countingProvider{}
	g, err := NewGenerator(p, Options{}, nil)
	require.NoError(t, err)

	vecs, err := g.EmbedMany(context.Background(), []string{"abc", "abc"})
	require.NoError(t, err)
	vecs[0][0] = -1
	assert.Equal(t, 3.0, vecs[1][0], "duplicate texts must not share a slice")

	cached, err := g.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1}, cached)
	cached[1] = 99

	again, err := g.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1}, again, "callers must not corrupt the cache")
	assert.Len(t, p.batches, 1)
}

func TestGeneratorUnavailable(t *testing.T) {
	var nilGen *Generator
	assert.False(t, nilGen.Available())
	_, err := nilGen.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)

	g, err := NewGenerator(&countingProvider{err: errors.New("connection refused")}, Options{}, nil)
	require.NoError(t, err)
	_, err = g.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOllamaProviderBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n := 1
		if list, ok := req.Input.([]any); ok {
			n = len(list)
		}
		out := make([][]float64, n)
		for i := range out {
			out[i] = []float64{float64(i), 1, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 768)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, p.Dimensions())
	assert.Equal(t, "ollama:nomic-embed-text", p.Model())
	assert.True(t, ProbeOllama(srv.URL, "nomic-embed-text"))
}

func TestOllamaProviderConcurrentEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{1, 0, 0, 0}}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 768)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.EmbedBatch(context.Background(), []string{"x"})
			assert.NoError(t, err)
			_ = p.Dimensions()
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, p.Dimensions())
}

func TestOpenAIProviderReorders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"index": 1, "embedding": []float64{2, 2}},
			{"index": 0, "embedding": []float64{1, 1}},
		}})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "text-embedding-3-small", 1536)
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, vecs[0])
	assert.Equal(t, []float64{2, 2}, vecs[1])
}

func TestProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "missing", 0).EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
	assert.False(t, ProbeOllama(srv.URL, "missing"))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Embedding

	cfg.Provider = "none"
	g, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.False(t, g.Available())

	cfg.Provider = "hash"
	g, err = FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "hash", g.Model())

	cfg.Provider = "openai"
	cfg.OpenAIKey = ""
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)

	cfg.Provider = "telepathy"
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}
