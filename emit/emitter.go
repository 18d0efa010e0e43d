package emit

// Emitter receives execution events. Implementations must be safe for
// concurrent use; the executor may emit from multiple runs at once.
//
// Emit must not block on slow sinks. Implementations that buffer or ship
// events elsewhere should drop or spill rather than stall the executor.
type Emitter interface {
	Emit(event Event)
}

// NullEmitter discards every event. It is the default when no emitter is
// configured.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (*NullEmitter) Emit(Event) {}

// MultiEmitter fans a single event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit forwards the event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
