// Package hitl pauses workflow runs at approval gates and turns human
// decisions (or their timeouts) back into run progress.
package hitl

import "time"

// Decision outcomes for a gate.
const (
	OnRejectAbort    = "abort"
	OnRejectFallback = "fallback"
	OnTimeoutReject  = "reject"
	OnTimeoutApprove = "approve"
)

// Gate is an approval requirement attached to one workflow step.
type Gate struct {
	// Step is the node the gate guards.
	Step string `json:"step"`

	// RiskLevel is informational: low, medium, high.
	RiskLevel string `json:"risk_level"`

	// Timeout bounds how long a review may stay pending.
	Timeout time.Duration `json:"-"`

	// OnReject says what a rejection does: abort the run or reroute to
	// the fallback node.
	OnReject string `json:"on_reject"`

	// OnTimeout says what expiry does: treat as rejected or approved.
	OnTimeout string `json:"on_timeout"`

	// FallbackNode is where a fallback reroutes to; empty uses the
	// workflow's terminal synthesis node.
	FallbackNode string `json:"fallback_node,omitempty"`
}

// GateTable maps guarded steps to their gates.
type GateTable map[string]Gate

// DefaultGates is the built-in policy: execution is high risk, code
// generation medium. Both abort on rejection and reject on timeout.
func DefaultGates(timeout time.Duration) GateTable {
	return GateTable{
		"executor": {
			Step:      "executor",
			RiskLevel: "high",
			Timeout:   timeout,
			OnReject:  OnRejectAbort,
			OnTimeout: OnTimeoutReject,
		},
		"coder": {
			Step:      "coder",
			RiskLevel: "medium",
			Timeout:   timeout,
			OnReject:  OnRejectAbort,
			OnTimeout: OnTimeoutReject,
		},
	}
}

// GatesFromConfig parses per-run gate overrides out of the run's stored
// workflow config. Shape: {"gates": [{"step": ..., "risk_level": ...,
// "timeout_seconds": N, "on_reject": ..., "on_timeout": ...,
// "fallback_node": ...}]}. Absent or empty config means no gates.
func GatesFromConfig(cfg map[string]any, defaultTimeout time.Duration) GateTable {
	raw, ok := cfg["gates"].([]any)
	if !ok {
		return GateTable{}
	}
	table := make(GateTable, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		step, _ := m["step"].(string)
		if step == "" {
			continue
		}
		g := Gate{
			Step:      step,
			RiskLevel: strOr(m, "risk_level", "medium"),
			Timeout:   defaultTimeout,
			OnReject:  strOr(m, "on_reject", OnRejectAbort),
			OnTimeout: strOr(m, "on_timeout", OnTimeoutReject),
		}
		if fb, ok := m["fallback_node"].(string); ok {
			g.FallbackNode = fb
		}
		if secs, ok := m["timeout_seconds"].(float64); ok && secs > 0 {
			g.Timeout = time.Duration(secs) * time.Second
		}
		table[step] = g
	}
	return table
}

// Steps returns the guarded step names.
func (t GateTable) Steps() []string {
	out := make([]string, 0, len(t))
	for step := range t {
		out = append(out, step)
	}
	return out
}

func strOr(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}
