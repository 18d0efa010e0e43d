package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/calebh/agentflow-go/config"
)

// backoffDelay computes the delay before retry attempt k (1-based):
// initial * factor^(k-1), capped at max, with an optional jitter
// multiplier drawn from [0.5, 1.5).
func backoffDelay(cfg config.RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Factor
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// retryDo runs fn up to cfg.MaxAttempts times, sleeping with exponential
// backoff between attempts. Only transient failures are retried;
// non-transient errors and context expiry surface immediately.
func retryDo(ctx context.Context, cfg config.RetryConfig, transient func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}
	return lastErr
}
