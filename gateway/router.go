package gateway

import (
	"sort"
	"sync"
	"time"
)

// Provider describes one LLM backend for routing purposes.
type Provider struct {
	Name string

	// Priority orders providers under the primary policy; lower wins.
	Priority int

	// CostPerMToken is the blended USD price per million tokens, used by
	// the cost_weighted policy; lower wins.
	CostPerMToken float64

	// AvgLatencyMS is the observed average latency, used by the
	// latency_weighted policy; lower wins.
	AvgLatencyMS float64

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// Registry holds the provider table and their degradation state. A
// provider marked degraded is skipped by routing until its cooldown
// elapses; if every candidate is degraded, routing falls back to the
// full list so calls still get a best-effort attempt.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	degraded  map[string]time.Time // provider -> cooldown expiry
	cooldown  time.Duration
	now       func() time.Time
}

// NewRegistry creates a registry with the given cooldown.
func NewRegistry(providers []Provider, cooldown time.Duration) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name] = p
	}
	return &Registry{
		providers: m,
		degraded:  make(map[string]time.Time),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Get looks a provider up by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// All returns every registered provider.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// MarkDegraded starts (or restarts) the provider's cooldown.
func (r *Registry) MarkDegraded(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded[name] = r.now().Add(r.cooldown)
}

// MarkAvailable clears the provider's degradation early.
func (r *Registry) MarkAvailable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.degraded, name)
}

// IsDegraded reports whether the provider is inside its cooldown.
func (r *Registry) IsDegraded(name string) bool {
	r.mu.RLock()
	expiry, ok := r.degraded[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		r.MarkAvailable(name)
		return false
	}
	return true
}

// Router orders providers for a call according to the configured policy.
type Router struct {
	registry *Registry
	policy   string
}

// NewRouter creates a router. Policy is one of primary, cost_weighted,
// latency_weighted.
func NewRouter(registry *Registry, policy string) *Router {
	return &Router{registry: registry, policy: policy}
}

// Candidates returns providers in attempt order, capped at max. A
// non-degraded preferred provider goes first; the rest follow in policy
// order with degraded providers pushed behind healthy ones.
func (rt *Router) Candidates(preferred string, max int) []Provider {
	all := rt.registry.All()
	rt.sortByPolicy(all)

	var healthy, cooling []Provider
	for _, p := range all {
		if p.Name == preferred {
			continue
		}
		if rt.registry.IsDegraded(p.Name) {
			cooling = append(cooling, p)
		} else {
			healthy = append(healthy, p)
		}
	}

	out := make([]Provider, 0, len(all))
	if preferred != "" {
		if p, ok := rt.registry.Get(preferred); ok {
			if !rt.registry.IsDegraded(preferred) {
				out = append(out, p)
			} else {
				cooling = append([]Provider{p}, cooling...)
			}
		}
	}
	out = append(out, healthy...)
	out = append(out, cooling...)

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func (rt *Router) sortByPolicy(providers []Provider) {
	less := func(a, b Provider) bool { return a.Priority < b.Priority }
	switch rt.policy {
	case "cost_weighted":
		less = func(a, b Provider) bool {
			if a.CostPerMToken != b.CostPerMToken {
				return a.CostPerMToken < b.CostPerMToken
			}
			return a.Priority < b.Priority
		}
	case "latency_weighted":
		less = func(a, b Provider) bool {
			if a.AvgLatencyMS != b.AvgLatencyMS {
				return a.AvgLatencyMS < b.AvgLatencyMS
			}
			return a.Priority < b.Priority
		}
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return less(providers[i], providers[j])
	})
}
