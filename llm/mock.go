package llm

import (
	"context"
	"sync"
)

// MockClient is a deterministic Client for tests. Responses are scripted
// per provider; unscripted providers echo a canned reply. Every call is
// recorded for assertions.
type MockClient struct {
	mu sync.Mutex

	// responses queues scripted completions per provider, consumed in order.
	responses map[string][]Completion

	// errs queues scripted errors per provider, consumed before responses.
	errs map[string][]error

	calls []Request
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		responses: make(map[string][]Completion),
		errs:      make(map[string][]error),
	}
}

// Script queues a completion for a provider.
func (m *MockClient) Script(provider string, c Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[provider] = append(m.responses[provider], c)
}

// ScriptText queues a plain text completion with fixed token counts.
func (m *MockClient) ScriptText(provider, model, text string) {
	m.Script(provider, Completion{
		Text:             text,
		Provider:         provider,
		Model:            model,
		TokensPrompt:     10,
		TokensCompletion: 20,
	})
}

// Fail queues an error for a provider. Errors are served before any
// scripted completions, so Fail-then-Script models "fails once, then
// recovers".
func (m *MockClient) Fail(provider string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[provider] = append(m.errs[provider], err)
}

// Complete serves the next scripted error or completion for the provider.
func (m *MockClient) Complete(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if queue := m.errs[req.Provider]; len(queue) > 0 {
		err := queue[0]
		m.errs[req.Provider] = queue[1:]
		return Completion{}, err
	}
	if queue := m.responses[req.Provider]; len(queue) > 0 {
		c := queue[0]
		m.responses[req.Provider] = queue[1:]
		return c, nil
	}
	return Completion{
		Text:             "mock response",
		Provider:         req.Provider,
		Model:            req.Model,
		TokensPrompt:     10,
		TokensCompletion: 20,
	}, nil
}

// Calls returns a copy of every request seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many requests targeted the given provider; empty
// provider counts all.
func (m *MockClient) CallCount(provider string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if provider == "" {
		return len(m.calls)
	}
	n := 0
	for _, c := range m.calls {
		if c.Provider == provider {
			n++
		}
	}
	return n
}
