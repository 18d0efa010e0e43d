package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/calebh/agentflow-go/config"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	bs := NewBreakerSet(config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := bs.Execute("groq", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	err := bs.Execute("groq", func() error {
		t.Fatal("call must not run through an open circuit")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}

	st := bs.Status("groq")
	if st.State != "open" {
		t.Errorf("state = %s, want open", st.State)
	}
	if st.LastFailureAt.IsZero() {
		t.Error("last failure not recorded")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	bs := NewBreakerSet(config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	boom := errors.New("boom")

	bs.Execute("groq", func() error { return boom })
	bs.Execute("groq", func() error { return boom })
	if err := bs.Execute("groq", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	// Two more failures stay under the consecutive threshold.
	bs.Execute("groq", func() error { return boom })
	bs.Execute("groq", func() error { return boom })
	if err := bs.Execute("groq", func() error { return nil }); err != nil {
		t.Errorf("circuit tripped despite reset: %v", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	bs := NewBreakerSet(config.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})
	boom := errors.New("boom")

	bs.Execute("groq", func() error { return boom })
	if err := bs.Execute("groq", func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	t.Run("successful probe closes", func(t *testing.T) {
		if err := bs.Execute("groq", func() error { return nil }); err != nil {
			t.Fatalf("half-open probe: %v", err)
		}
		if st := bs.Status("groq"); st.State != "closed" {
			t.Errorf("state = %s, want closed", st.State)
		}
	})
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	bs := NewBreakerSet(config.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})
	boom := errors.New("boom")

	bs.Execute("groq", func() error { return boom })
	time.Sleep(80 * time.Millisecond)

	if err := bs.Execute("groq", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("probe error = %v", err)
	}
	if err := bs.Execute("groq", func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("circuit should reopen after failed probe, got %v", err)
	}
}

func TestBreakersArePerProvider(t *testing.T) {
	bs := NewBreakerSet(config.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	bs.Execute("groq", func() error { return errors.New("boom") })

	if err := bs.Execute("openai", func() error { return nil }); err != nil {
		t.Errorf("openai circuit affected by groq failures: %v", err)
	}
}
