package event

import (
	"context"

	"github.com/calebh/agentflow-go/emit"
)

// Bridge adapts the executor's emitter stream onto the run event
// channel, translating engine vocabulary into the dotted wire types the
// observers expect.
type Bridge struct {
	bus Bus

	// order maps node ID to its 1-based position for progress
	// reporting; nil disables progress.
	order map[string]int
	total int
}

var _ emit.Emitter = (*Bridge)(nil)

// NewBridge creates a bridge. agentOrder lists the workflow's nodes in
// nominal execution order for progress fractions; it may be nil.
func NewBridge(bus Bus, agentOrder []string) *Bridge {
	order := make(map[string]int, len(agentOrder))
	for i, id := range agentOrder {
		order[id] = i + 1
	}
	return &Bridge{bus: bus, order: order, total: len(agentOrder)}
}

// Emit translates and publishes one executor event. Publish errors are
// swallowed: observability must never fail the run.
func (b *Bridge) Emit(ev emit.Event) {
	out, ok := b.translate(ev)
	if !ok {
		return
	}
	_ = b.bus.Publish(context.Background(), out)
}

func (b *Bridge) translate(ev emit.Event) (Event, bool) {
	switch ev.Msg {
	case "node_start":
		return New(ev.RunID, TypeAgentStarted).WithAgent(ev.NodeID), true
	case "node_end":
		out := New(ev.RunID, TypeAgentCompleted).WithAgent(ev.NodeID)
		if pos, ok := b.order[ev.NodeID]; ok && b.total > 0 {
			out = out.WithProgress(float64(pos) / float64(b.total))
		}
		return out, true
	case "run_complete":
		return New(ev.RunID, TypeWorkflowCompleted), true
	case "run_failed":
		out := New(ev.RunID, TypeWorkflowFailed)
		if msg, ok := ev.Meta["error"].(string); ok {
			out = out.WithPayload("error", msg)
		}
		return out, true
	default:
		// checkpoint_saved stays off the wire, and interrupt is owned by
		// the approval coordinator, which publishes it with the review ID.
		return Event{}, false
	}
}
