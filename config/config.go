// Package config loads orchestrator configuration from the environment.
//
// Every tunable documented in the external configuration surface maps to a
// single environment variable with a sensible default, so a zero-config
// process comes up with working local behavior (in-memory rate limiting,
// soft quotas, SQLite persistence, no Redis).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config is the full configuration for the execution core.
type Config struct {
	// DatabasePath is the SQLite database location. ":memory:" is valid
	// for tests.
	DatabasePath string

	// RedisURL enables the shared backends (rate limiter, event bus, task
	// queue) when non-empty. Empty means in-process fallbacks everywhere.
	RedisURL string

	// SnapshotDir is the root directory for versioning snapshot archives.
	SnapshotDir string

	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	HITL      HITLConfig
	Shadow    ShadowConfig
	Worker    WorkerConfig
}

// RateLimitConfig controls the token-bucket limiter and provider routing.
type RateLimitConfig struct {
	Enabled bool

	// ProviderRates maps provider name to bucket refill rate (tokens/sec).
	// Bucket capacity equals the rate, matching a one-second burst.
	ProviderRates map[string]float64

	// DefaultRate applies to providers absent from ProviderRates.
	DefaultRate float64

	// AcquireTimeout bounds how long a call waits for bucket tokens.
	AcquireTimeout time.Duration

	// Policy selects providers: primary, cost_weighted or latency_weighted.
	Policy string

	// ProviderCooldown is how long a provider stays degraded after a
	// retryable failure.
	ProviderCooldown time.Duration

	// MaxProviderAttempts caps how many distinct providers a single call
	// may try before surfacing an aggregated error.
	MaxProviderAttempts int

	// DefaultTokensPerRequest is the reservation size when the caller
	// supplies no estimate.
	DefaultTokensPerRequest int
}

// QuotaConfig controls the per-(workflow, tenant) token quota.
type QuotaConfig struct {
	Enabled bool

	// WindowDays selects the window shape: 1 = calendar day (UTC),
	// 30 = calendar month (UTC), anything else = rolling N days.
	WindowDays int

	// DefaultLimit is the token limit applied to newly created windows.
	DefaultLimit int

	// Enforcement is "soft" (log and continue) or "hard" (reject).
	Enforcement string
}

// RetryConfig is the exponential backoff policy for provider calls.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// BreakerConfig is the per-provider circuit breaker policy.
type BreakerConfig struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// HITLConfig controls human approval gates.
type HITLConfig struct {
	// DefaultTimeout is the review expiry applied when a gate does not
	// declare its own.
	DefaultTimeout time.Duration

	// SweepInterval is how often the expiry sweeper scans pending reviews.
	SweepInterval time.Duration
}

// ShadowConfig controls shadow execution and divergence monitoring.
type ShadowConfig struct {
	SampleRate          float64
	DivergenceThreshold float64
	Window              int
	MinSamples          int
	AlertFailureRate    float64
	AutoRollback        bool
}

// WorkerConfig bounds run execution.
type WorkerConfig struct {
	// CallTimeout is the per provider-call deadline.
	CallTimeout time.Duration

	// LocalStartDelay is applied before a locally scheduled run starts
	// when the broker is unavailable.
	LocalStartDelay time.Duration

	// LocalRunDeadline is the overall wall-clock budget of a locally
	// scheduled run.
	LocalRunDeadline time.Duration

	// MaxSteps caps graph traversal per run.
	MaxSteps int
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func FromEnv() Config {
	cfg := Config{
		DatabasePath: envStr("DATABASE_PATH", "./agentflow.db"),
		RedisURL:     os.Getenv("REDIS_URL"),
		SnapshotDir:  envStr("SNAPSHOT_DIR", "storage/snapshots"),
		RateLimit: RateLimitConfig{
			Enabled: envBool("RATE_LIMIT_ENABLED", true),
			ProviderRates: map[string]float64{
				"groq":   envFloat("PROVIDER_GROQ_RATE_PER_SEC", 50),
				"openai": envFloat("PROVIDER_OPENAI_RATE_PER_SEC", 20),
			},
			DefaultRate:             envFloat("PROVIDER_DEFAULT_RATE_PER_SEC", 10),
			AcquireTimeout:          envDuration("RATE_LIMIT_ACQUIRE_TIMEOUT", 5*time.Second),
			Policy:                  envStr("ROUTING_POLICY", "primary"),
			ProviderCooldown:        envDuration("PROVIDER_COOLDOWN", 60*time.Second),
			MaxProviderAttempts:     envInt("MAX_PROVIDER_ATTEMPTS", 3),
			DefaultTokensPerRequest: envInt("DEFAULT_TOKENS_PER_REQUEST", 1),
		},
		Quota: QuotaConfig{
			Enabled:      envBool("QUOTA_ENABLED", true),
			WindowDays:   envInt("QUOTA_WINDOW_DAYS", 30),
			DefaultLimit: envInt("DEFAULT_QUOTA_TOKENS", 100000),
			Enforcement:  strings.ToLower(envStr("QUOTA_ENFORCEMENT", "soft")),
		},
		Retry: RetryConfig{
			MaxAttempts:  envInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: envDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
			MaxDelay:     envDuration("RETRY_MAX_DELAY", 10*time.Second),
			Factor:       envFloat("RETRY_FACTOR", 2.0),
			Jitter:       envBool("RETRY_JITTER", true),
		},
		Breaker: BreakerConfig{
			FailureThreshold: uint32(envInt("BREAKER_FAILURE_THRESHOLD", 5)),
			RecoveryTimeout:  envDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		},
		HITL: HITLConfig{
			DefaultTimeout: envDuration("HITL_DEFAULT_TIMEOUT", time.Hour),
			SweepInterval:  envDuration("HITL_SWEEP_INTERVAL", 30*time.Second),
		},
		Shadow: ShadowConfig{
			SampleRate:          envFloat("SHADOW_SAMPLE_RATE", 0.05),
			DivergenceThreshold: envFloat("SHADOW_DIVERGENCE_THRESHOLD", 0.85),
			Window:              envInt("SHADOW_WINDOW", 50),
			MinSamples:          envInt("SHADOW_MIN_SAMPLES", 5),
			AlertFailureRate:    envFloat("SHADOW_ALERT_FAILURE_RATE", 0.20),
			AutoRollback:        envBool("SHADOW_AUTO_ROLLBACK", false),
		},
		Worker: WorkerConfig{
			CallTimeout:      envDuration("PROVIDER_CALL_TIMEOUT", 60*time.Second),
			LocalStartDelay:  envDuration("LOCAL_START_DELAY", 2*time.Second),
			LocalRunDeadline: envDuration("LOCAL_RUN_DEADLINE", 300*time.Second),
			MaxSteps:         envInt("WORKFLOW_MAX_STEPS", 100),
		},
	}
	return cfg
}

// Validate checks cross-field constraints. Zero values that FromEnv never
// produces (for callers building a Config by hand) are rejected too.
func (c Config) Validate() error {
	switch c.Quota.Enforcement {
	case "soft", "hard":
	default:
		return fmt.Errorf("invalid quota enforcement %q (want soft or hard)", c.Quota.Enforcement)
	}
	switch c.RateLimit.Policy {
	case "primary", "cost_weighted", "latency_weighted":
	default:
		return fmt.Errorf("invalid routing policy %q", c.RateLimit.Policy)
	}
	if c.Quota.WindowDays <= 0 {
		return fmt.Errorf("quota window days must be positive, got %d", c.Quota.WindowDays)
	}
	if c.RateLimit.ProviderCooldown < 0 {
		return fmt.Errorf("provider cooldown must be non-negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry initial delay exceeds max delay")
	}
	if c.Shadow.SampleRate < 0 || c.Shadow.SampleRate > 1 {
		return fmt.Errorf("shadow sample rate must be in [0,1], got %f", c.Shadow.SampleRate)
	}
	return nil
}

// ProviderRate returns the bucket refill rate for a provider.
func (r RateLimitConfig) ProviderRate(provider string) float64 {
	if rate, ok := r.ProviderRates[strings.ToLower(provider)]; ok {
		return rate
	}
	return r.DefaultRate
}

var (
	loadMu sync.Mutex
	loaded *Config
)

// Load returns the process-wide configuration, reading the environment on
// first use.
func Load() Config {
	loadMu.Lock()
	defer loadMu.Unlock()
	if loaded == nil {
		cfg := FromEnv()
		loaded = &cfg
	}
	return *loaded
}

// Reset clears the cached configuration so the next Load re-reads the
// environment. Tests use this instead of relying on process restart.
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	loaded = nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept both a bare number of seconds and a Go duration string.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
