package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashProvider embeds text locally with signed feature hashing over word
// tokens. Vectors have a fixed size, so they stay comparable as the corpus
// grows, and texts sharing words land close together.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hashing provider with dims buckets.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

func (h *HashProvider) Model() string   { return "hash" }
func (h *HashProvider) Dimensions() int { return h.dims }

// EmbedBatch never fails.
func (h *HashProvider) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashProvider) vector(text string) []float64 {
	vec := make([]float64, h.dims)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return vec
	}

	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		if tf[tok] > maxTF {
			maxTF = tf[tok]
		}
	}

	for term, count := range tf {
		hasher := fnv.New64a()
		hasher.Write([]byte(term))
		sum := hasher.Sum64()
		idx := int(sum % uint64(h.dims))
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1.0
		}
		// Augmented TF to prevent bias towards longer documents
		vec[idx] += sign * (0.5 + 0.5*float64(count)/float64(maxTF))
	}

	Normalize(vec)
	return vec
}

// Tokenize splits text into lowercase tokens, stripping punctuation.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// Normalize performs in-place L2 normalization.
func Normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine computes the cosine similarity between two vectors. Vectors of
// different length (from different models) score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Mean returns the L2-normalized mean of equally sized vectors.
func Mean(vecs [][]float64) []float64 {
	if len(vecs) == 0 {
		return nil
	}
	out := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		if len(v) != len(out) {
			continue
		}
		for i := range v {
			out[i] += v[i]
		}
	}
	Normalize(out)
	return out
}
