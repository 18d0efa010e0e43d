package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calebh/agentflow-go/graph/checkpoint"
	"github.com/calebh/agentflow-go/storage"
	"github.com/google/uuid"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStoreLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r := &Run{
		ID:         "run-1",
		WorkflowID: "wf-1",
		Input:      map[string]any{"query": "hello"},
		Config:     map[string]any{"gates": []any{}},
	}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("created pending", func(t *testing.T) {
		got, err := s.Get(ctx, "run-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusPending {
			t.Errorf("status = %s", got.Status)
		}
		if got.Input["query"] != "hello" {
			t.Errorf("input = %+v", got.Input)
		}
	})

	t.Run("running stamps started_at", func(t *testing.T) {
		if err := s.MarkRunning(ctx, "run-1"); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, "run-1")
		if got.Status != StatusRunning || got.StartedAt == nil {
			t.Errorf("run = %+v", got)
		}
	})

	t.Run("complete stores output and result", func(t *testing.T) {
		out := map[string]any{"final_output": "answer", "research": "notes"}
		if err := s.Complete(ctx, "run-1", out); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, "run-1")
		if got.Status != StatusCompleted || got.CompletedAt == nil {
			t.Errorf("run = %+v", got)
		}
		if got.Result() != "answer" {
			t.Errorf("result = %v, want synthesized final_output", got.Result())
		}
	})

	t.Run("missing run", func(t *testing.T) {
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v", err)
		}
		if err := s.MarkRunning(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v", err)
		}
	})
}

func TestStoreFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, &Run{ID: "run-1", WorkflowID: "wf"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Fail(ctx, "run-1", "node exploded"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "run-1")
	if got.Status != StatusFailed || got.Error != "node exploded" {
		t.Errorf("run = %+v", got)
	}
	if got.Result() != nil {
		t.Errorf("failed run result = %v, want nil", got.Result())
	}
}

func TestStoreHistoryAndStale(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		id := uuid.NewString()
		if err := s.Create(ctx, &Run{ID: id, WorkflowID: "wf-1"}); err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if err := s.Complete(ctx, id, nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	t.Run("history newest first", func(t *testing.T) {
		runs, err := s.ListByWorkflow(ctx, "wf-1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 3 {
			t.Fatalf("got %d runs", len(runs))
		}
		if !runs[0].CreatedAt.After(runs[2].CreatedAt) {
			t.Error("not newest first")
		}
	})

	t.Run("limit respected", func(t *testing.T) {
		runs, _ := s.ListByWorkflow(ctx, "wf-1", 1)
		if len(runs) != 1 {
			t.Errorf("got %d runs, want 1", len(runs))
		}
	})

	t.Run("stale count", func(t *testing.T) {
		n, err := s.CountStale(ctx, base.AddDate(0, 0, 1))
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("stale = %d, want 2 terminal runs", n)
		}
	})
}

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, runID string) error {
	f.scheduled = append(f.scheduled, runID)
	return nil
}

func TestServiceForkAndExecute(t *testing.T) {
	store := newStore(t)
	saver := checkpoint.NewMemSaver()
	sched := &fakeScheduler{}
	svc := NewService(store, saver, sched, nil)
	ctx := context.Background()

	src, err := svc.Create(ctx, "wf-1", "t-1", map[string]any{"query": "q"}, map[string]any{"mode": "full"})
	if err != nil {
		t.Fatal(err)
	}

	ckptID, _ := uuid.NewV7()
	if err := saver.Put(ctx, checkpoint.Tuple{
		ThreadID:     src.ID,
		CheckpointID: ckptID.String(),
		Payload:      []byte(`{"input":"q"}`),
		Metadata:     map[string]any{"step": float64(1), "next": []any{"planner"}},
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("execute schedules", func(t *testing.T) {
		if err := svc.Execute(ctx, src.ID); err != nil {
			t.Fatal(err)
		}
		if len(sched.scheduled) != 1 || sched.scheduled[0] != src.ID {
			t.Errorf("scheduled = %v", sched.scheduled)
		}
	})

	t.Run("fork creates independent run", func(t *testing.T) {
		forked, err := svc.Fork(ctx, src.ID, ckptID.String())
		if err != nil {
			t.Fatal(err)
		}
		if forked.ID == src.ID {
			t.Error("fork reused the source ID")
		}
		if forked.Status != StatusPending || forked.Config["mode"] != "full" {
			t.Errorf("forked = %+v", forked)
		}
		tup, err := saver.GetTuple(ctx, forked.ID, "")
		if err != nil {
			t.Fatalf("forked thread checkpoint: %v", err)
		}
		if tup.ParentCheckpointID != "" {
			t.Error("forked checkpoint should have no parent")
		}
	})

	t.Run("execute terminal run rejected", func(t *testing.T) {
		if err := store.Complete(ctx, src.ID, nil); err != nil {
			t.Fatal(err)
		}
		if err := svc.Execute(ctx, src.ID); err == nil {
			t.Error("terminal run scheduled")
		}
	})
}
