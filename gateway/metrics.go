package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's Prometheus instrumentation. Register one per
// registry; tests pass a fresh prometheus.NewRegistry to keep collectors
// isolated.
type Metrics struct {
	Requests     *prometheus.CounterVec
	RateLimited  *prometheus.CounterVec
	Failovers    *prometheus.CounterVec
	QuotaRejects prometheus.Counter
	Duration     *prometheus.HistogramVec
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_gateway_requests_total",
			Help: "Provider calls by terminal status.",
		}, []string{"provider", "status"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_gateway_rate_limited_total",
			Help: "Rate-limit acquire timeouts per provider.",
		}, []string{"provider"}),
		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_gateway_failovers_total",
			Help: "Failovers from one provider to the next.",
		}, []string{"from"}),
		QuotaRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_gateway_quota_rejections_total",
			Help: "Hard-enforcement quota rejections.",
		}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentflow_gateway_request_duration_seconds",
			Help:    "Provider call latency, successful and failed.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
	}
}
