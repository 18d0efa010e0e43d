package gateway

import (
	"context"
	"sync"
	"time"
)

// acquirePollInterval is how often a blocked Acquire re-checks the bucket.
const acquirePollInterval = 100 * time.Millisecond

// BucketStatus is a point-in-time view of one provider's token bucket.
type BucketStatus struct {
	Provider  string  `json:"provider"`
	Tokens    float64 `json:"tokens"`
	Capacity  float64 `json:"capacity"`
	RatePerSec float64 `json:"rate_per_sec"`
}

// LimiterBackend is a token-bucket store. Buckets refill continuously at
// the provider's configured rate; capacity equals the rate (a one-second
// burst).
type LimiterBackend interface {
	// Acquire blocks until the provider's bucket yields the requested
	// tokens, polling until ctx expires. Returns ErrRateLimitTimeout on
	// expiry.
	Acquire(ctx context.Context, provider string, tokens float64) error

	// Release returns tokens to the bucket, capped at capacity. Used
	// when a call fails after acquiring.
	Release(ctx context.Context, provider string, tokens float64) error

	// Status reports the bucket's current fill.
	Status(ctx context.Context, provider string) (BucketStatus, error)

	// Reset clears all buckets. Tests only.
	Reset(ctx context.Context) error
}

// rateFunc resolves a provider's refill rate.
type rateFunc func(provider string) float64

type memBucket struct {
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
}

// MemoryLimiter is the in-process LimiterBackend used when no Redis URL
// is configured. Not shared across processes.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	rate    rateFunc
	now     func() time.Time
}

// NewMemoryLimiter creates a limiter resolving rates through rate.
func NewMemoryLimiter(rate func(provider string) float64) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*memBucket),
		rate:    rate,
		now:     time.Now,
	}
}

func (m *MemoryLimiter) bucket(provider string) *memBucket {
	b, ok := m.buckets[provider]
	if !ok {
		rate := m.rate(provider)
		b = &memBucket{tokens: rate, capacity: rate, rate: rate, last: m.now()}
		m.buckets[provider] = b
	}
	return b
}

func (b *memBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
}

// tryAcquire refills then takes tokens if available.
func (m *MemoryLimiter) tryAcquire(provider string, tokens float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(provider)
	b.refill(m.now())
	if b.tokens >= tokens {
		b.tokens -= tokens
		return true
	}
	return false
}

// Acquire polls the bucket until it yields or ctx expires.
func (m *MemoryLimiter) Acquire(ctx context.Context, provider string, tokens float64) error {
	for {
		if m.tryAcquire(provider, tokens) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrRateLimitTimeout
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release returns tokens, capped at capacity.
func (m *MemoryLimiter) Release(_ context.Context, provider string, tokens float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(provider)
	b.refill(m.now())
	b.tokens = min(b.capacity, b.tokens+tokens)
	return nil
}

// Status reports the bucket after refill.
func (m *MemoryLimiter) Status(_ context.Context, provider string) (BucketStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(provider)
	b.refill(m.now())
	return BucketStatus{
		Provider:   provider,
		Tokens:     b.tokens,
		Capacity:   b.capacity,
		RatePerSec: b.rate,
	}, nil
}

// Reset drops every bucket.
func (m *MemoryLimiter) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]*memBucket)
	return nil
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
