package emit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestBufferedEmitter(t *testing.T) {
	t.Run("retains events in order", func(t *testing.T) {
		b := NewBufferedEmitter(0)
		for i := 0; i < 5; i++ {
			b.Emit(NewEvent("run-1", i, "node", "node_start", nil))
		}
		events := b.Events()
		if len(events) != 5 {
			t.Fatalf("got %d events, want 5", len(events))
		}
		for i, ev := range events {
			if ev.Step != i {
				t.Errorf("event %d has step %d", i, ev.Step)
			}
		}
	})

	t.Run("evicts oldest when full", func(t *testing.T) {
		b := NewBufferedEmitter(3)
		for i := 0; i < 5; i++ {
			b.Emit(NewEvent("run-1", i, "node", "node_start", nil))
		}
		events := b.Events()
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3", len(events))
		}
		if events[0].Step != 2 {
			t.Errorf("oldest retained step = %d, want 2", events[0].Step)
		}
	})

	t.Run("drain clears atomically", func(t *testing.T) {
		b := NewBufferedEmitter(0)
		b.Emit(NewEvent("run-1", 0, "node", "node_start", nil))
		if got := len(b.Drain()); got != 1 {
			t.Fatalf("drained %d events, want 1", got)
		}
		if b.Len() != 0 {
			t.Errorf("buffer not empty after drain")
		}
	})

	t.Run("concurrent emit is safe", func(t *testing.T) {
		b := NewBufferedEmitter(0)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					b.Emit(NewEvent(fmt.Sprintf("run-%d", n), j, "node", "node_start", nil))
				}
			}(i)
		}
		wg.Wait()
		if b.Len() != 1000 {
			t.Errorf("got %d events, want 1000", b.Len())
		}
	})
}

func TestMultiEmitter(t *testing.T) {
	a := NewBufferedEmitter(0)
	b := NewBufferedEmitter(0)
	m := NewMultiEmitter(a, nil, b)
	m.Emit(NewEvent("run-1", 0, "node", "node_end", nil))
	if a.Len() != 1 || b.Len() != 1 {
		t.Errorf("fan-out missed a sink: a=%d b=%d", a.Len(), b.Len())
	}
}

func TestOTelEmitter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	em := NewOTelEmitter(tp.Tracer("test"))
	em.Emit(NewEvent("run-1", 2, "planner", "node_end", map[string]any{
		"latency_ms": int64(42),
		"error":      "boom",
	}))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "node_end" {
		t.Errorf("span name = %q, want node_end", spans[0].Name())
	}
}
