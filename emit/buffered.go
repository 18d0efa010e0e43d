package emit

import "sync"

// BufferedEmitter retains events in memory up to a capacity. Tests and
// debugging sessions use it to assert on the exact event stream a run
// produced.
type BufferedEmitter struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// NewBufferedEmitter creates a buffer holding at most capacity events.
// capacity <= 0 means unbounded.
func NewBufferedEmitter(capacity int) *BufferedEmitter {
	return &BufferedEmitter{cap: capacity}
}

// Emit appends the event, evicting the oldest when full.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	if b.cap > 0 && len(b.events) > b.cap {
		b.events = b.events[len(b.events)-b.cap:]
	}
}

// Events returns a copy of the buffered events in emission order.
func (b *BufferedEmitter) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Drain returns the buffered events and clears the buffer atomically.
func (b *BufferedEmitter) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// Len reports how many events are buffered.
func (b *BufferedEmitter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
