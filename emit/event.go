// Package emit provides the observability seam for the workflow executor.
//
// The executor and gateway never log directly; they describe what happened
// through Emitter, and the host process decides whether that becomes log
// lines, OpenTelemetry spans, or nothing at all.
package emit

import "time"

// Event is a single observable moment in a run: a node starting or
// finishing, a checkpoint being saved, an interrupt, a provider call.
type Event struct {
	// RunID identifies the workflow run (also the checkpoint thread).
	RunID string

	// Step is the zero-based superstep counter within the run.
	Step int

	// NodeID names the graph node the event concerns, if any.
	NodeID string

	// Msg is the event kind: "node_start", "node_end", "interrupt",
	// "checkpoint_saved", "provider_call", "run_complete", "run_failed".
	Msg string

	// At is when the event happened.
	At time.Time

	// Meta carries event-specific fields (latency_ms, error, provider,
	// model, tokens_in, tokens_out, cost_usd, next_nodes...).
	Meta map[string]any
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(runID string, step int, nodeID, msg string, meta map[string]any) Event {
	return Event{
		RunID:  runID,
		Step:   step,
		NodeID: nodeID,
		Msg:    msg,
		At:     time.Now().UTC(),
		Meta:   meta,
	}
}
