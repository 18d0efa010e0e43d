package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript refills a bucket from its elapsed time and takes the
// requested tokens if available, atomically. Returns 1 on success.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate
if tokens > capacity then tokens = capacity end

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, 3600)
return allowed
`)

// releaseScript returns tokens to a bucket, capped at capacity.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local returned = tonumber(ARGV[2])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
if tokens == nil then tokens = capacity end
tokens = tokens + returned
if tokens > capacity then tokens = capacity end
redis.call('HSET', key, 'tokens', tokens)
return tokens
`)

// RedisLimiter is the shared LimiterBackend. Multiple workers pointed at
// the same Redis enforce one global rate per provider; refill-and-acquire
// runs as a single Lua script so concurrent acquires never double-spend.
type RedisLimiter struct {
	client *redis.Client
	rate   rateFunc
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter over an existing Redis client.
func NewRedisLimiter(client *redis.Client, rate func(provider string) float64) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		rate:   rate,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

func (r *RedisLimiter) key(provider string) string {
	return r.prefix + provider
}

func (r *RedisLimiter) tryAcquire(ctx context.Context, provider string, tokens float64) (bool, error) {
	rate := r.rate(provider)
	now := float64(r.now().UnixMilli()) / 1000.0
	res, err := acquireScript.Run(ctx, r.client,
		[]string{r.key(provider)}, rate, rate, tokens, now).Int()
	if err != nil {
		return false, fmt.Errorf("gateway: redis acquire: %w", err)
	}
	return res == 1, nil
}

// Acquire polls the shared bucket until it yields or ctx expires.
func (r *RedisLimiter) Acquire(ctx context.Context, provider string, tokens float64) error {
	for {
		ok, err := r.tryAcquire(ctx, provider, tokens)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrRateLimitTimeout
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release returns tokens to the shared bucket, capped at capacity.
func (r *RedisLimiter) Release(ctx context.Context, provider string, tokens float64) error {
	rate := r.rate(provider)
	if err := releaseScript.Run(ctx, r.client,
		[]string{r.key(provider)}, rate, tokens).Err(); err != nil {
		return fmt.Errorf("gateway: redis release: %w", err)
	}
	return nil
}

// Status reads the bucket without mutating it. A missing bucket reports
// full.
func (r *RedisLimiter) Status(ctx context.Context, provider string) (BucketStatus, error) {
	rate := r.rate(provider)
	st := BucketStatus{Provider: provider, Capacity: rate, RatePerSec: rate, Tokens: rate}

	vals, err := r.client.HMGet(ctx, r.key(provider), "tokens", "ts").Result()
	if err != nil {
		return st, fmt.Errorf("gateway: redis status: %w", err)
	}
	tokens, ok1 := parseFloat(vals[0])
	ts, ok2 := parseFloat(vals[1])
	if !ok1 || !ok2 {
		return st, nil
	}
	elapsed := float64(r.now().UnixMilli())/1000.0 - ts
	if elapsed < 0 {
		elapsed = 0
	}
	st.Tokens = min(rate, tokens+elapsed*rate)
	return st, nil
}

// Reset deletes every bucket under the limiter's prefix. Tests only.
func (r *RedisLimiter) Reset(ctx context.Context) error {
	keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func parseFloat(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, false
	}
	return f, true
}
