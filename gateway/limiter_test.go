package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func flatRate(rate float64) func(string) float64 {
	return func(string) float64 { return rate }
}

func TestMemoryLimiter(t *testing.T) {
	t.Run("full bucket yields immediately", func(t *testing.T) {
		lim := NewMemoryLimiter(flatRate(10))
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lim.Acquire(ctx, "groq", 10); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		st, _ := lim.Status(ctx, "groq")
		if st.Tokens > 0.01 {
			t.Errorf("tokens = %f, want ~0", st.Tokens)
		}
	})

	t.Run("times out when empty", func(t *testing.T) {
		lim := NewMemoryLimiter(flatRate(1))
		ctx := context.Background()
		if err := lim.Acquire(ctx, "groq", 1); err != nil {
			t.Fatal(err)
		}
		shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		err := lim.Acquire(shortCtx, "groq", 1)
		if !errors.Is(err, ErrRateLimitTimeout) {
			t.Errorf("got %v, want ErrRateLimitTimeout", err)
		}
	})

	t.Run("refills with elapsed time", func(t *testing.T) {
		lim := NewMemoryLimiter(flatRate(10))
		base := time.Now()
		lim.now = func() time.Time { return base }
		ctx := context.Background()
		if err := lim.Acquire(ctx, "groq", 10); err != nil {
			t.Fatal(err)
		}
		// Half a second refills half the bucket.
		lim.now = func() time.Time { return base.Add(500 * time.Millisecond) }
		st, _ := lim.Status(ctx, "groq")
		if st.Tokens < 4.9 || st.Tokens > 5.1 {
			t.Errorf("tokens after refill = %f, want ~5", st.Tokens)
		}
	})

	t.Run("release caps at capacity", func(t *testing.T) {
		lim := NewMemoryLimiter(flatRate(10))
		ctx := context.Background()
		if err := lim.Release(ctx, "groq", 100); err != nil {
			t.Fatal(err)
		}
		st, _ := lim.Status(ctx, "groq")
		if st.Tokens > 10.01 {
			t.Errorf("tokens = %f, want <= capacity 10", st.Tokens)
		}
	})
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	t.Run("atomic acquire and exhaustion", func(t *testing.T) {
		lim := NewRedisLimiter(client, flatRate(5))
		t.Cleanup(func() { lim.Reset(ctx) })

		if err := lim.Acquire(ctx, "groq", 5); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		if err := lim.Acquire(shortCtx, "groq", 1); !errors.Is(err, ErrRateLimitTimeout) {
			t.Errorf("got %v, want ErrRateLimitTimeout", err)
		}
	})

	t.Run("release then acquire succeeds", func(t *testing.T) {
		lim := NewRedisLimiter(client, flatRate(5))
		t.Cleanup(func() { lim.Reset(ctx) })

		base := time.Now()
		lim.now = func() time.Time { return base }
		if err := lim.Acquire(ctx, "openai", 5); err != nil {
			t.Fatal(err)
		}
		if err := lim.Release(ctx, "openai", 3); err != nil {
			t.Fatal(err)
		}
		if err := lim.Acquire(ctx, "openai", 3); err != nil {
			t.Errorf("acquire after release: %v", err)
		}
	})

	t.Run("buckets are per provider", func(t *testing.T) {
		lim := NewRedisLimiter(client, flatRate(2))
		t.Cleanup(func() { lim.Reset(ctx) })

		if err := lim.Acquire(ctx, "a", 2); err != nil {
			t.Fatal(err)
		}
		if err := lim.Acquire(ctx, "b", 2); err != nil {
			t.Errorf("provider b should have its own bucket: %v", err)
		}
	})
}
