package event

import (
	"context"
	"sync"
)

// Bus publishes run events and fans them out to subscribers.
type Bus interface {
	// Publish delivers the event to the run's channel.
	Publish(ctx context.Context, ev Event) error

	// Subscribe streams the run's events from now on. The returned
	// cancel releases the subscription; the channel closes after cancel.
	Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error)
}

// subscriberBuffer bounds each subscriber channel. A subscriber that
// falls this far behind starts losing events rather than blocking the
// publisher.
const subscriberBuffer = 64

// MemoryBus is the in-process Bus. It retains each run's events in a
// FIFO until drained, so a poller that attaches after the run started
// still sees the full stream.
type MemoryBus struct {
	mu      sync.Mutex
	pending map[string][]Event
	subs    map[string]map[int]chan Event
	nextSub int
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		pending: make(map[string][]Event),
		subs:    make(map[string]map[int]chan Event),
	}
}

// Publish appends to the run's FIFO and notifies live subscribers.
// A full subscriber drops the event instead of blocking.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[ev.RunID] = append(b.pending[ev.RunID], ev)
	for _, ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe attaches a live channel for the run.
func (b *MemoryBus) Subscribe(_ context.Context, runID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, subscriberBuffer)
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan Event)
	}
	b.subs[runID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[runID][id]; ok {
			delete(b.subs[runID], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// PopEvents drains and returns the run's retained events atomically.
// Polling consumers call this; each event is returned exactly once.
func (b *MemoryBus) PopEvents(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.pending[runID]
	delete(b.pending, runID)
	return events
}

// Pending reports how many undrained events a run has.
func (b *MemoryBus) Pending(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[runID])
}

// Reset drops all retained events and closes all subscribers. Tests only.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string][]Event)
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string]map[int]chan Event)
}
