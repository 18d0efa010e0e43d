// Package llm defines the provider-client boundary of the orchestrator.
//
// The execution core never talks to a vendor SDK directly; it calls a
// Client supplied by the host process. This package holds the interface,
// the wire-neutral request/response types, and a deterministic mock for
// tests.
package llm

import (
	"context"
	"fmt"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Request describes a single completion call.
type Request struct {
	Provider string
	Model    string
	Messages []Message

	// MaxTokens caps the completion length; zero lets the provider decide.
	MaxTokens int

	// Temperature in the provider's native range; zero means default.
	Temperature float64
}

// Completion is a successful provider response plus its token accounting.
type Completion struct {
	Text             string
	Provider         string
	Model            string
	TokensPrompt     int
	TokensCompletion int
}

// TotalTokens is the combined prompt and completion token count.
func (c Completion) TotalTokens() int {
	return c.TokensPrompt + c.TokensCompletion
}

// Client is implemented by provider adapters in the outer layer.
//
// Complete must honor ctx cancellation and return an *APIError for HTTP
// failures so the gateway can classify them for failover and breaker
// accounting.
type Client interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// APIError is a provider HTTP failure with enough structure for the
// gateway to decide whether failover applies.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the failure class warrants trying another
// provider: rate limiting (429) and server errors (5xx). Client errors
// like 400/401 surface immediately.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
