package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	noop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/config"
	"github.com/calebh/agentflow-go/llm"
)

// Request is one completion call routed through the gateway.
type Request struct {
	RunID      string
	WorkflowID string
	TenantID   string
	AgentID    string

	// Provider is the preferred provider; routing falls back to the
	// policy order when it is empty or degraded.
	Provider string

	// Model overrides the selected provider's default model.
	Model string

	Messages []llm.Message

	// TokensEstimate sizes the rate-limit and quota reservation; zero
	// falls back to the configured default.
	TokensEstimate int

	MaxTokens   int
	Temperature float64
}

// UsageRecord is the accounting row the gateway hands to its recorder
// after each successful call.
type UsageRecord struct {
	RunID      string
	WorkflowID string
	AgentID    string
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
}

// UsageRecorder receives exactly one record per successful call.
type UsageRecorder interface {
	Record(ctx context.Context, rec UsageRecord) error
}

// Gateway layers quota, routing, rate limiting, circuit breaking and
// retry around an llm.Client.
type Gateway struct {
	client   llm.Client
	limiter  LimiterBackend
	quota    *QuotaManager
	registry *Registry
	router   *Router
	breakers *BreakerSet
	recorder UsageRecorder
	metrics  *Metrics
	tracer   trace.Tracer
	log      *zap.Logger

	rateCfg  config.RateLimitConfig
	retryCfg config.RetryConfig
	callTime time.Duration
}

// GatewayOption configures optional collaborators.
type GatewayOption func(*Gateway)

// WithQuota installs quota enforcement.
func WithQuota(q *QuotaManager) GatewayOption {
	return func(g *Gateway) { g.quota = q }
}

// WithRecorder installs the usage recorder.
func WithRecorder(r UsageRecorder) GatewayOption {
	return func(g *Gateway) { g.recorder = r }
}

// WithMetrics installs Prometheus instrumentation.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer installs a tracer; each attempted provider call becomes one
// span.
func WithTracer(t trace.Tracer) GatewayOption {
	return func(g *Gateway) { g.tracer = t }
}

// WithLogger installs structured logging.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithCallTimeout bounds each individual provider call.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.callTime = d
		}
	}
}

// NewGateway wires the mandatory collaborators. The limiter may be nil
// when rate limiting is disabled in cfg.
func NewGateway(client llm.Client, limiter LimiterBackend, registry *Registry, cfg config.Config, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		client:   client,
		limiter:  limiter,
		registry: registry,
		router:   NewRouter(registry, cfg.RateLimit.Policy),
		breakers: NewBreakerSet(cfg.Breaker),
		tracer:   noop.NewTracerProvider().Tracer("gateway"),
		log:      zap.NewNop(),
		rateCfg:  cfg.RateLimit,
		retryCfg: cfg.Retry,
		callTime: cfg.Worker.CallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breakers exposes breaker status for introspection endpoints.
func (g *Gateway) Breakers() *BreakerSet { return g.breakers }

// Registry exposes the provider registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// LimiterStatus reports the provider's bucket, when rate limiting is on.
func (g *Gateway) LimiterStatus(ctx context.Context, provider string) (BucketStatus, error) {
	if g.limiter == nil {
		return BucketStatus{Provider: provider}, nil
	}
	return g.limiter.Status(ctx, provider)
}

// Complete runs one completion through the full call path. Providers are
// attempted in routing order; each failed attempt releases its reserved
// bucket tokens and degrades the provider before moving on. Exactly one
// usage record is written, on the successful attempt.
func (g *Gateway) Complete(ctx context.Context, req Request) (llm.Completion, error) {
	tokens := req.TokensEstimate
	if tokens <= 0 {
		tokens = g.rateCfg.DefaultTokensPerRequest
	}
	scope := Scope{WorkflowID: req.WorkflowID, TenantID: req.TenantID}

	if g.quota != nil {
		if err := g.quota.CheckAndReserve(ctx, scope, tokens); err != nil {
			var quotaErr *QuotaExceededError
			if errors.As(err, &quotaErr) && g.metrics != nil {
				g.metrics.QuotaRejects.Inc()
			}
			return llm.Completion{}, err
		}
	}

	candidates := g.router.Candidates(req.Provider, g.rateCfg.MaxProviderAttempts)
	if len(candidates) == 0 {
		return llm.Completion{}, ErrNoProviders
	}

	attempts := make(map[string]error, len(candidates))
	for i, provider := range candidates {
		completion, err := g.attempt(ctx, req, provider, tokens)
		if err == nil {
			if g.quota != nil {
				if qerr := g.quota.RecordUsage(ctx, scope); qerr != nil {
					g.log.Warn("record quota usage failed", zap.Error(qerr))
				}
			}
			if g.recorder != nil {
				rec := UsageRecord{
					RunID:      req.RunID,
					WorkflowID: req.WorkflowID,
					AgentID:    req.AgentID,
					Provider:   completion.Provider,
					Model:      completion.Model,
					TokensIn:   completion.TokensPrompt,
					TokensOut:  completion.TokensCompletion,
				}
				if rerr := g.recorder.Record(ctx, rec); rerr != nil {
					g.log.Warn("record usage failed", zap.Error(rerr))
				}
			}
			return completion, nil
		}

		attempts[provider.Name] = err
		if !failoverWorthy(err) {
			return llm.Completion{}, err
		}
		g.registry.MarkDegraded(provider.Name)
		if g.metrics != nil && i < len(candidates)-1 {
			g.metrics.Failovers.WithLabelValues(provider.Name).Inc()
		}
		g.log.Warn("provider attempt failed, failing over",
			zap.String("provider", provider.Name),
			zap.String("run_id", req.RunID),
			zap.Error(err))
	}
	return llm.Completion{}, &AllProvidersFailedError{Attempts: attempts}
}

// attempt runs the limiter, breaker, retry and call layers for one
// provider.
func (g *Gateway) attempt(ctx context.Context, req Request, provider Provider, tokens int) (llm.Completion, error) {
	model := req.Model
	if model == "" {
		model = provider.DefaultModel
	}

	if g.rateCfg.Enabled && g.limiter != nil {
		acquireCtx, cancel := context.WithTimeout(ctx, g.rateCfg.AcquireTimeout)
		err := g.limiter.Acquire(acquireCtx, provider.Name, float64(tokens))
		cancel()
		if err != nil {
			if g.metrics != nil {
				g.metrics.RateLimited.WithLabelValues(provider.Name).Inc()
			}
			return llm.Completion{}, err
		}
	}

	var completion llm.Completion
	started := time.Now()
	err := g.breakers.Execute(provider.Name, func() error {
		return retryDo(ctx, g.retryCfg, failoverWorthy, func() error {
			return g.callOnce(ctx, req, provider, model, &completion)
		})
	})
	elapsed := time.Since(started)

	status := "ok"
	if err != nil {
		status = "error"
		if g.rateCfg.Enabled && g.limiter != nil {
			if rerr := g.limiter.Release(ctx, provider.Name, float64(tokens)); rerr != nil {
				g.log.Warn("release rate tokens failed", zap.Error(rerr))
			}
		}
	}
	if g.metrics != nil {
		g.metrics.Requests.WithLabelValues(provider.Name, status).Inc()
		g.metrics.Duration.WithLabelValues(provider.Name).Observe(elapsed.Seconds())
	}
	return completion, err
}

// callOnce is a single provider call under its own span and timeout.
func (g *Gateway) callOnce(ctx context.Context, req Request, provider Provider, model string, out *llm.Completion) error {
	callCtx := ctx
	var cancel context.CancelFunc
	if g.callTime > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.callTime)
		defer cancel()
	}

	spanCtx, span := g.tracer.Start(callCtx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("agentflow.run_id", req.RunID),
		attribute.String("agentflow.agent_id", req.AgentID),
		attribute.String("agentflow.provider", provider.Name),
		attribute.String("agentflow.model", model),
	)

	started := time.Now()
	completion, err := g.client.Complete(spanCtx, llm.Request{
		Provider:    provider.Name,
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	span.SetAttributes(attribute.Int64("agentflow.latency_ms", time.Since(started).Milliseconds()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	span.SetAttributes(
		attribute.Int("agentflow.tokens_in", completion.TokensPrompt),
		attribute.Int("agentflow.tokens_out", completion.TokensCompletion),
	)
	if completion.Provider == "" {
		completion.Provider = provider.Name
	}
	if completion.Model == "" {
		completion.Model = model
	}
	*out = completion
	return nil
}
