package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calebh/agentflow-go/config"
	"github.com/calebh/agentflow-go/storage"
)

func newQuota(t *testing.T, cfg config.QuotaConfig) *QuotaManager {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewQuotaManager(db, cfg, nil)
}

func TestQuotaSoftEnforcement(t *testing.T) {
	q := newQuota(t, config.QuotaConfig{
		Enabled: true, WindowDays: 30, DefaultLimit: 100, Enforcement: "soft",
	})
	ctx := context.Background()
	scope := Scope{WorkflowID: "wf-1", TenantID: "t-1"}

	if err := q.CheckAndReserve(ctx, scope, 90); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	// Over the limit, but soft mode allows and records.
	if err := q.CheckAndReserve(ctx, scope, 50); err != nil {
		t.Fatalf("soft breach should allow: %v", err)
	}
	st, err := q.Status(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if st.Used != 140 {
		t.Errorf("used = %d, want 140 (soft breach still recorded)", st.Used)
	}
	if st.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", st.Remaining)
	}
}

func TestQuotaHardEnforcement(t *testing.T) {
	q := newQuota(t, config.QuotaConfig{
		Enabled: true, WindowDays: 30, DefaultLimit: 100, Enforcement: "hard",
	})
	ctx := context.Background()
	scope := Scope{WorkflowID: "wf-1"}

	if err := q.CheckAndReserve(ctx, scope, 80); err != nil {
		t.Fatal(err)
	}

	err := q.CheckAndReserve(ctx, scope, 30)
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("got %v, want QuotaExceededError", err)
	}
	if quotaErr.Used != 80 || quotaErr.Limit != 100 || quotaErr.Requested != 30 {
		t.Errorf("error detail = %+v", quotaErr)
	}

	// The rejected reserve must not be recorded.
	st, _ := q.Status(ctx, scope)
	if st.Used != 80 {
		t.Errorf("used = %d, want 80 after hard rejection", st.Used)
	}

	// A fitting request still passes.
	if err := q.CheckAndReserve(ctx, scope, 20); err != nil {
		t.Errorf("fitting reserve rejected: %v", err)
	}
}

func TestQuotaWindows(t *testing.T) {
	t.Run("daily window is the UTC calendar day", func(t *testing.T) {
		q := newQuota(t, config.QuotaConfig{
			Enabled: true, WindowDays: 1, DefaultLimit: 100, Enforcement: "hard",
		})
		fixed := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
		q.now = func() time.Time { return fixed }
		ctx := context.Background()
		scope := Scope{WorkflowID: "wf"}

		if err := q.CheckAndReserve(ctx, scope, 100); err != nil {
			t.Fatal(err)
		}
		if err := q.CheckAndReserve(ctx, scope, 1); err == nil {
			t.Fatal("same-day reserve should hit the limit")
		}

		// Next day gets a fresh window.
		q.now = func() time.Time { return fixed.AddDate(0, 0, 1) }
		if err := q.CheckAndReserve(ctx, scope, 100); err != nil {
			t.Errorf("next-day reserve: %v", err)
		}
	})

	t.Run("monthly window is the UTC calendar month", func(t *testing.T) {
		q := newQuota(t, config.QuotaConfig{
			Enabled: true, WindowDays: 30, DefaultLimit: 100, Enforcement: "hard",
		})
		q.now = func() time.Time { return time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC) }
		st, err := q.Status(context.Background(), Scope{WorkflowID: "wf"})
		if err != nil {
			t.Fatal(err)
		}
		wantStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		if !st.WindowStart.Equal(wantStart) {
			t.Errorf("window start = %v, want %v", st.WindowStart, wantStart)
		}
		if !st.WindowEnd.Equal(wantStart.AddDate(0, 1, 0)) {
			t.Errorf("window end = %v", st.WindowEnd)
		}
	})

	t.Run("rolling window anchors at first use", func(t *testing.T) {
		q := newQuota(t, config.QuotaConfig{
			Enabled: true, WindowDays: 7, DefaultLimit: 100, Enforcement: "hard",
		})
		first := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
		q.now = func() time.Time { return first }
		ctx := context.Background()
		scope := Scope{TenantID: "t"}

		if err := q.CheckAndReserve(ctx, scope, 60); err != nil {
			t.Fatal(err)
		}
		// Three days later, same window.
		q.now = func() time.Time { return first.AddDate(0, 0, 3) }
		st, _ := q.Status(ctx, scope)
		if st.Used != 60 {
			t.Errorf("used = %d inside rolling window, want 60", st.Used)
		}
		// Eight days later, new window.
		q.now = func() time.Time { return first.AddDate(0, 0, 8) }
		st, _ = q.Status(ctx, scope)
		if st.Used != 0 {
			t.Errorf("used = %d after window expiry, want 0", st.Used)
		}
	})
}

func TestQuotaDisabled(t *testing.T) {
	q := newQuota(t, config.QuotaConfig{Enabled: false, WindowDays: 30, DefaultLimit: 1, Enforcement: "hard"})
	if err := q.CheckAndReserve(context.Background(), Scope{}, 1000); err != nil {
		t.Errorf("disabled quota rejected: %v", err)
	}
}

func TestQuotaSetLimit(t *testing.T) {
	q := newQuota(t, config.QuotaConfig{Enabled: true, WindowDays: 30, DefaultLimit: 10, Enforcement: "hard"})
	ctx := context.Background()
	scope := Scope{WorkflowID: "wf"}

	if err := q.SetLimit(ctx, scope, 500); err != nil {
		t.Fatal(err)
	}
	if err := q.CheckAndReserve(ctx, scope, 400); err != nil {
		t.Errorf("reserve under raised limit: %v", err)
	}
}
