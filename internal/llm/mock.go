package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface. It is safe for
// concurrent use by reflection workers.
type MockClient struct {
	Response *Response
	Err      error
	// Func, when set, answers instead of Response/Err.
	Func func(prompt string) (*Response, error)

	mu    sync.Mutex
	calls []string
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	m.mu.Unlock()
	if m.Func != nil {
		return m.Func(prompt)
	}
	return m.Response, m.Err
}

// Calls returns the prompts sent so far.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
