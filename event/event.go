// Package event carries run progress from the worker to live observers.
//
// Each run has its own channel, workflow:events:{run_id}. Redis pub/sub
// is the cross-process transport; an in-memory bus mirrors every publish
// so a process without Redis (or a test) can still drain the stream.
package event

import (
	"encoding/json"
	"time"
)

// Channel event types.
const (
	TypeWorkflowStarted   = "workflow.started"
	TypeAgentStarted      = "workflow.agent.started"
	TypeAgentCompleted    = "workflow.agent.completed"
	TypeProgress          = "workflow.progress"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"
	TypeCostUpdate        = "workflow.cost.update"
	TypeApprovalRequired  = "workflow.approval.required"
	TypeShadowHint        = "shadow.hint"
	TypePresenceUpdate    = "presence.update"
	TypePing              = "ping"
)

// Event is the wire format delivered to subscribers.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	EventType string         `json:"event_type"`
	AgentName string         `json:"agent_name,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	CostSoFar float64        `json:"cost_so_far,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(runID, eventType string) Event {
	return Event{Timestamp: time.Now().UTC(), RunID: runID, EventType: eventType}
}

// WithAgent sets the agent name.
func (e Event) WithAgent(name string) Event {
	e.AgentName = name
	return e
}

// WithProgress sets the completion fraction in [0, 1].
func (e Event) WithProgress(p float64) Event {
	e.Progress = p
	return e
}

// WithCost sets the running cost in USD.
func (e Event) WithCost(usd float64) Event {
	e.CostSoFar = usd
	return e
}

// WithPayload sets one payload field, copying as needed so shared events
// stay independent.
func (e Event) WithPayload(key string, value any) Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// ChannelFor is the per-run channel name.
func ChannelFor(runID string) string {
	return "workflow:events:" + runID
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
