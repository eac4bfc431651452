// Package embed converts text into dense vectors for similarity search.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/logging"
)

// ErrUnavailable means no embedding backend could serve the request.
// Callers degrade to lexical-only scoring.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Options tune batching, caching and throttling.
type Options struct {
	BatchSize     int
	CacheSize     int
	RatePerSecond float64
	Burst         int
}

// Generator fronts a Provider with an LRU cache keyed by content hash,
// fixed-size batching and a rate limiter. A Generator without a provider
// is valid and reports itself unavailable.
type Generator struct {
	provider  Provider
	cache     *lru.Cache[string, []float64]
	limiter   *rate.Limiter
	batchSize int
	log       *zap.Logger
}

// NewGenerator wraps p. A nil p yields an always-unavailable generator.
func NewGenerator(p Provider, opts Options, log *zap.Logger) (*Generator, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	cache, err := lru.New[string, []float64](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Generator{
		provider:  p,
		cache:     cache,
		limiter:   rate.NewLimiter(limit, burst),
		batchSize: opts.BatchSize,
		log:       logging.OrNop(log),
	}, nil
}

// FromConfig selects a provider per cfg.Provider. "auto" probes Ollama and
// falls back to the local hashing provider; "none" disables embeddings.
func FromConfig(cfg config.EmbeddingConfig, log *zap.Logger) (*Generator, error) {
	log = logging.OrNop(log)

	var p Provider
	switch cfg.Provider {
	case "none", "":
	case "hash":
		p = NewHashProvider(cfg.HashDimensions)
	case "ollama":
		p = NewOllamaProvider(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires OPENAI_API_KEY or config")
		}
		p = NewOpenAIProvider(cfg.OpenAIURL, cfg.OpenAIKey, cfg.Model, cfg.Dimensions)
	case "auto":
		if ProbeOllama(cfg.OllamaURL, cfg.Model) {
			p = NewOllamaProvider(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
		} else {
			log.Info("ollama not reachable, using hash embeddings", zap.String("url", cfg.OllamaURL))
			p = NewHashProvider(cfg.HashDimensions)
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}

	return NewGenerator(p, Options{
		BatchSize:     cfg.BatchSize,
		CacheSize:     cfg.CacheSize,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}, log)
}

// Available reports whether a provider is configured.
func (g *Generator) Available() bool {
	return g != nil && g.provider != nil
}

// Model names the backing model, or "" when unavailable.
func (g *Generator) Model() string {
	if !g.Available() {
		return ""
	}
	return g.provider.Model()
}

// Embed returns the vector for one text.
func (g *Generator) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := g.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany returns one vector per text. Cached texts are served from the
// LRU; the rest go to the provider in batches of at most BatchSize.
func (g *Generator) EmbedMany(ctx context.Context, texts []string) ([][]float64, error) {
	if !g.Available() {
		return nil, ErrUnavailable
	}

	out := make([][]float64, len(texts))
	model := g.provider.Model()

	// Distinct uncached texts, each mapped to every position it fills.
	var pending []string
	slots := make(map[string][]int)
	for i, t := range texts {
		key := cacheKey(model, t)
		if v, ok := g.cache.Get(key); ok {
			out[i] = slices.Clone(v)
			continue
		}
		if _, seen := slots[t]; !seen {
			pending = append(pending, t)
		}
		slots[t] = append(slots[t], i)
	}

	for start := 0; start < len(pending); start += g.batchSize {
		end := min(start+g.batchSize, len(pending))
		batch := pending[start:end]

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		vecs, err := g.provider.EmbedBatch(ctx, batch)
		if err != nil {
			g.log.Warn("embedding batch failed", zap.String("model", model), zap.Int("size", len(batch)), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for j, t := range batch {
			g.cache.Add(cacheKey(model, t), slices.Clone(vecs[j]))
			for n, i := range slots[t] {
				if n == 0 {
					out[i] = vecs[j]
				} else {
					out[i] = slices.Clone(vecs[j])
				}
			}
		}
	}
	return out, nil
}

// CacheLen reports how many vectors are cached.
func (g *Generator) CacheLen() int {
	if g == nil || g.cache == nil {
		return 0
	}
	return g.cache.Len()
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
