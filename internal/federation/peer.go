package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultPeerTimeout = 5 * time.Second

// Client talks to another mnemos node over its HTTP API.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a client for the node at baseURL. The per-call
// deadline comes from the caller's context.
func NewClient(baseURL string) *Client {
	return &Client{
		http:    &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Post sends body as JSON and returns the response body.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Get sends a GET request and returns the response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, data)
	}
	return data, nil
}

// Healthy checks if the node is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultPeerTimeout)
	defer cancel()
	_, err := c.Get(ctx, "/api/health")
	return err == nil
}

// Recall runs a recall on the node and flattens its layers into items.
func (c *Client) Recall(ctx context.Context, req Request) ([]Item, error) {
	body := recallBody{Text: req.Text, K: req.K}
	if len(req.Kinds) > 0 || len(req.Sources) > 0 {
		body.Filters = &filters{Kinds: req.Kinds, Sources: req.Sources}
	}
	data, err := c.Post(ctx, "/api/recall", body)
	if err != nil {
		return nil, err
	}

	var resp layeredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode recall response: %w", err)
	}
	return resp.flatten(), nil
}

type filters struct {
	Kinds   []string `json:"kinds,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

type recallBody struct {
	Text    string   `json:"text"`
	K       int      `json:"k,omitempty"`
	Filters *filters `json:"filters,omitempty"`
}

// layeredResponse is the part of a recall response federation reads.
type layeredResponse struct {
	Precision []Item `json:"precision_layer"`
	Evidence  []Item `json:"evidence_layer"`
	Intuition []Item `json:"intuition_layer"`
	Myth      []Item `json:"myth_layer"`
}

func (r layeredResponse) flatten() []Item {
	var out []Item
	for _, l := range []struct {
		name  string
		items []Item
	}{
		{LayerPrecision, r.Precision},
		{LayerEvidence, r.Evidence},
		{LayerIntuition, r.Intuition},
		{LayerMyth, r.Myth},
	} {
		for _, it := range l.items {
			if it.Layer == "" {
				it.Layer = l.name
			}
			out = append(out, it)
		}
	}
	return out
}
