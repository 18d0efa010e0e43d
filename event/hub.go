package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscriber roles. Drivers own the run, approvers decide reviews,
// shadows watch read-only.
const (
	RoleDriver   = "driver"
	RoleApprover = "approver"
	RoleShadow   = "shadow"
)

// Conn is the transport half of a subscriber, implemented by the WS
// layer. Send must be safe for concurrent use; an error marks the
// subscriber dead.
type Conn interface {
	Send(ev Event) error
	Close() error
}

type subscriber struct {
	conn   Conn
	runID  string
	userID string
	role   string
}

// Hub fans one run's event stream out to its connected observers.
//
// Joining and leaving broadcast presence.update to the remaining
// subscribers. shadow.hint events are delivered only to drivers and
// approvers; the shadow deployment's existence stays invisible to
// shadow-role observers. A failed Send evicts the subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscriber // runID -> id -> subscriber
	next int

	heartbeat time.Duration
	log       *zap.Logger
}

// NewHub creates a hub. heartbeat <= 0 disables the ping loop.
func NewHub(heartbeat time.Duration, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:      make(map[string]map[int]*subscriber),
		heartbeat: heartbeat,
		log:       log,
	}
}

// Join registers a connection for a run and broadcasts presence. The
// returned leave function deregisters and broadcasts again.
func (h *Hub) Join(runID, userID, role string, conn Conn) (leave func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[int]*subscriber)
	}
	h.subs[runID][id] = &subscriber{conn: conn, runID: runID, userID: userID, role: role}
	h.mu.Unlock()

	h.broadcastPresence(runID)

	return func() {
		h.mu.Lock()
		delete(h.subs[runID], id)
		h.mu.Unlock()
		h.broadcastPresence(runID)
	}
}

// Broadcast delivers the event to the run's subscribers, applying role
// filtering and evicting dead connections.
func (h *Hub) Broadcast(ev Event) {
	h.deliver(ev, func(s *subscriber) bool {
		if ev.EventType == TypeShadowHint {
			return s.role == RoleDriver || s.role == RoleApprover
		}
		return true
	})
}

// Presence lists the run's current subscribers as user/role pairs.
func (h *Hub) Presence(runID string) []map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]string, 0, len(h.subs[runID]))
	for _, s := range h.subs[runID] {
		out = append(out, map[string]string{"user_id": s.userID, "role": s.role})
	}
	return out
}

// Run pumps a bus subscription into the hub until ctx ends, pinging
// subscribers on the heartbeat interval.
func (h *Hub) Run(ctx context.Context, bus Bus, runID string) error {
	events, cancel, err := bus.Subscribe(ctx, runID)
	if err != nil {
		return err
	}
	defer cancel()

	var ticker *time.Ticker
	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker = time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Broadcast(ev)
		case <-tick:
			h.Broadcast(New(runID, TypePing))
		}
	}
}

func (h *Hub) broadcastPresence(runID string) {
	ev := New(runID, TypePresenceUpdate).WithPayload("subscribers", h.Presence(runID))
	h.deliver(ev, func(*subscriber) bool { return true })
}

func (h *Hub) deliver(ev Event, allow func(*subscriber) bool) {
	h.mu.Lock()
	targets := make(map[int]*subscriber, len(h.subs[ev.RunID]))
	for id, s := range h.subs[ev.RunID] {
		if allow(s) {
			targets[id] = s
		}
	}
	h.mu.Unlock()

	var dead []int
	for id, s := range targets {
		if err := s.conn.Send(ev); err != nil {
			h.log.Debug("evicting dead subscriber",
				zap.String("run_id", ev.RunID),
				zap.String("user_id", s.userID),
				zap.Error(err))
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range dead {
		if s, ok := h.subs[ev.RunID][id]; ok {
			delete(h.subs[ev.RunID], id)
			s.conn.Close()
		}
	}
	h.mu.Unlock()
	if ev.EventType != TypePresenceUpdate {
		h.broadcastPresence(ev.RunID)
	}
}
