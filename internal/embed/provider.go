package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Provider turns a batch of texts into vectors, one per text, in order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Model() string
	Dimensions() int
}

// OllamaProvider uses Ollama's batch embedding API.
type OllamaProvider struct {
	url    string
	model  string
	dims   atomic.Int64
	client *http.Client
}

// NewOllamaProvider creates a provider backed by Ollama's /api/embed.
func NewOllamaProvider(url, model string, dims int) *OllamaProvider {
	o := &OllamaProvider{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	o.dims.Store(int64(dims))
	return o
}

func (o *OllamaProvider) Model() string { return "ollama:" + o.model }

// Dimensions is the configured size until the first reply reports the real one.
func (o *OllamaProvider) Dimensions() int { return int(o.dims.Load()) }

// EmbedBatch sends all texts in one request.
func (o *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	err := postJSON(ctx, o.client, o.url+"/api/embed", nil, map[string]any{
		"model": o.model,
		"input": texts,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	o.dims.Store(int64(len(result.Embeddings[0])))
	return result.Embeddings, nil
}

// ProbeOllama checks if Ollama is reachable and the embedding model is available.
func ProbeOllama(url, model string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	reqBody, _ := json.Marshal(map[string]any{
		"model": model,
		"input": "test",
	})
	resp, err := client.Post(strings.TrimRight(url, "/")+"/api/embed", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// OpenAIProvider uses any OpenAI-compatible /embeddings endpoint.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	dims    atomic.Int64
	client  *http.Client
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible API.
func NewOpenAIProvider(baseURL, apiKey, model string, dims int) *OpenAIProvider {
	p := &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	p.dims.Store(int64(dims))
	return p
}

func (p *OpenAIProvider) Model() string   { return "openai:" + p.model }
func (p *OpenAIProvider) Dimensions() int { return int(p.dims.Load()) }

// EmbedBatch sends all texts in one request and reorders the reply by index.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	err := postJSON(ctx, p.client, p.baseURL+"/embeddings", headers, map[string]any{
		"model": p.model,
		"input": texts,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}

	out := make([][]float64, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embed: missing embedding %d", i)
		}
	}
	p.dims.Store(int64(len(out[0])))
	return out, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
