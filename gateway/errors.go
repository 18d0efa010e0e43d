// Package gateway mediates every LLM call: quota check, provider routing,
// token-bucket rate limiting, per-provider circuit breaking, bounded
// retry, and usage recording, layered in that order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/calebh/agentflow-go/llm"
)

var (
	// ErrRateLimitTimeout means the token bucket did not yield capacity
	// within the acquire timeout. Counts as a failover trigger.
	ErrRateLimitTimeout = errors.New("gateway: rate limit acquire timed out")

	// ErrCircuitOpen means the provider's breaker rejected the call
	// without attempting it.
	ErrCircuitOpen = errors.New("gateway: circuit open")

	// ErrNoProviders means routing produced an empty candidate list.
	ErrNoProviders = errors.New("gateway: no providers configured")
)

// QuotaExceededError is a hard-enforcement quota rejection. The reserve
// that triggered it was not recorded.
type QuotaExceededError struct {
	WorkflowID string
	TenantID   string
	Used       int
	Limit      int
	Requested  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("gateway: quota exceeded for workflow=%q tenant=%q: used %d + requested %d > limit %d",
		e.WorkflowID, e.TenantID, e.Used, e.Requested, e.Limit)
}

// AllProvidersFailedError aggregates the terminal error of every provider
// attempted before the call gave up.
type AllProvidersFailedError struct {
	Attempts map[string]error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for provider, err := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", provider, err))
	}
	return "gateway: all providers failed: " + strings.Join(parts, "; ")
}

// failoverWorthy reports whether the error class justifies trying the
// next provider: rate-limit acquire timeouts, open breakers, provider
// 429/5xx responses, and call timeouts. Client errors (4xx other than
// 429) and cancellations surface immediately.
func failoverWorthy(err error) bool {
	if errors.Is(err, ErrRateLimitTimeout) || errors.Is(err, ErrCircuitOpen) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Unknown transport failures (connection refused etc.) are treated
	// as provider trouble.
	return true
}
