package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/calebh/agentflow-go/config"
)

// BreakerStatus is the queryable view of one provider's circuit.
type BreakerStatus struct {
	Provider      string    `json:"provider"`
	State         string    `json:"state"` // closed, open, half-open
	Failures      uint32    `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// BreakerSet holds one circuit breaker per provider, created lazily.
//
// The machine: closed until the configured number of consecutive
// failures, then open (calls rejected) for the recovery timeout, then
// half-open admitting a single probe — success closes, failure reopens.
type BreakerSet struct {
	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	lastFailure map[string]time.Time
	cfg         config.BreakerConfig
}

// NewBreakerSet creates an empty set with the given policy.
func NewBreakerSet(cfg config.BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		lastFailure: make(map[string]time.Time),
		cfg:         cfg,
	}
}

func (bs *BreakerSet) breaker(provider string) *gobreaker.CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if cb, ok := bs.breakers[provider]; ok {
		return cb
	}
	threshold := bs.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1, // single half-open probe
		Timeout:     bs.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	bs.breakers[provider] = cb
	return cb
}

// Execute runs fn under the provider's breaker. An open circuit returns
// ErrCircuitOpen without calling fn.
func (bs *BreakerSet) Execute(provider string, fn func() error) error {
	cb := bs.breaker(provider)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	bs.mu.Lock()
	bs.lastFailure[provider] = time.Now().UTC()
	bs.mu.Unlock()
	return err
}

// Status reports the provider's circuit.
func (bs *BreakerSet) Status(provider string) BreakerStatus {
	cb := bs.breaker(provider)
	bs.mu.Lock()
	last := bs.lastFailure[provider]
	bs.mu.Unlock()
	return BreakerStatus{
		Provider:      provider,
		State:         stateName(cb.State()),
		Failures:      cb.Counts().ConsecutiveFailures,
		LastFailureAt: last,
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
