package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/mnemos/internal/config"
)

func TestNewClientEmpty(t *testing.T) {
	client, err := NewClient(config.LLMConfig{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client != nil {
		t.Errorf("expected nil client, got %T", client)
	}
}

func TestNewClientAnthropic(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", AnthropicKey: "test-key", Model: "claude-haiku-4-5-20251001"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}
}

func TestNewClientAnthropicMissingKey(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic"}
	_, err := NewClient(cfg)
	if err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestNewClientOllama(t *testing.T) {
	cfg := config.LLMConfig{Provider: "ollama", Model: "llama3.2"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", client)
	}
}

func TestNewClientUnknown(t *testing.T) {
	cfg := config.LLMConfig{Provider: "gpt"}
	_, err := NewClient(cfg)
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"text": "Bridges unite."}},
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 3},
		})
	}))
	defer srv.Close()

	a := NewAnthropic("k", "m")
	a.endpoint = srv.URL
	resp, err := a.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Bridges unite." || resp.TokensUsed != 13 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaCompleteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "m").Complete(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestPromptsCarryInput(t *testing.T) {
	if p := EssencePrompt("the spiral returns"); !strings.Contains(p, "the spiral returns") {
		t.Error("essence prompt missing fragment")
	}
	p := PrinciplePrompt("Bridge", []string{"Constellation: Bridge", "payments meets search"})
	if !strings.Contains(p, `"Bridge"`) || !strings.Contains(p, "- payments meets search") {
		t.Errorf("principle prompt = %q", p)
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"  \"Unite the two.\"  ", 0, "Unite the two."},
		{"NONE", 0, ""},
		{"none\n", 0, ""},
		{"line one\nline two", 0, "line one line two"},
		{"abcdefghij", 4, "abcd"},
		{"", 10, ""},
	}
	for _, tt := range tests {
		if got := Clean(tt.in, tt.limit); got != tt.want {
			t.Errorf("Clean(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{
		Response: &Response{Content: "test response", Provider: "mock"},
	}

	resp, err := mock.Complete(context.Background(), "test prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "test response" {
		t.Errorf("content = %q, want %q", resp.Content, "test response")
	}
	calls := mock.Calls()
	if len(calls) != 1 || calls[0] != "test prompt" {
		t.Errorf("calls = %v", calls)
	}

	mock.Func = func(p string) (*Response, error) { return &Response{Content: strings.ToUpper(p)}, nil }
	resp, _ = mock.Complete(context.Background(), "hi")
	if resp.Content != "HI" {
		t.Errorf("func content = %q", resp.Content)
	}
}
