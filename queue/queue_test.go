package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/calebh/agentflow-go/agents"
	"github.com/calebh/agentflow-go/config"
	"github.com/calebh/agentflow-go/cost"
	"github.com/calebh/agentflow-go/event"
	"github.com/calebh/agentflow-go/gateway"
	"github.com/calebh/agentflow-go/graph/checkpoint"
	"github.com/calebh/agentflow-go/hitl"
	"github.com/calebh/agentflow-go/llm"
	"github.com/calebh/agentflow-go/run"
	"github.com/calebh/agentflow-go/storage"
	"github.com/calebh/agentflow-go/version"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func testConfig() config.Config {
	cfg := config.FromEnv()
	cfg.RateLimit.Enabled = false
	cfg.Retry = config.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2}
	cfg.Quota.Enabled = false
	return cfg
}

type fixture struct {
	db     *sqlx.DB
	runs   *run.Store
	saver  checkpoint.Saver
	bus    *event.MemoryBus
	mock   *llm.MockClient
	worker *Worker
	costs  *cost.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig()
	mock := llm.NewMockClient()
	reg := gateway.NewRegistry([]gateway.Provider{
		{Name: "groq", Priority: 0, DefaultModel: "llama-3.3-70b"},
	}, time.Minute)

	runs := run.NewStore(db)
	saver := checkpoint.NewMemSaver()
	bus := event.NewMemoryBus()
	costs := cost.NewTracker(db, nil)
	gw := gateway.NewGateway(mock, nil, reg, cfg, gateway.WithRecorder(costs))

	worker := NewWorker(runs, saver, gw, hitl.NewReviewStore(db), bus, cfg,
		WithCostTracker(costs))
	return &fixture{db: db, runs: runs, saver: saver, bus: bus, mock: mock, worker: worker, costs: costs}
}

func (f *fixture) createRun(t *testing.T, id string, input, cfg map[string]any) {
	t.Helper()
	err := f.runs.Create(context.Background(), &run.Run{
		ID: id, WorkflowID: "wf-1", Input: input, Config: cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func eventTypes(events []event.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

func hasType(events []event.Event, ty string) bool {
	for _, ev := range events {
		if ev.EventType == ty {
			return true
		}
	}
	return false
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := NewRedisQueue(testRedis(t))
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{TaskID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, Task{TaskID: "run-2"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("len = %d, want 2", n)
	}

	// FIFO: first in, first out.
	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.TaskID != "run-1" {
		t.Errorf("task = %s, want run-1", first.TaskID)
	}
	second, _ := q.Dequeue(ctx)
	if second.TaskID != "run-2" {
		t.Errorf("task = %s, want run-2", second.TaskID)
	}
}

func TestWorkerProcessCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mock.ScriptText("groq", "llama-3.3-70b", "Python is a programming language.")
	f.createRun(t, "run-1", map[string]any{"input": "What is Python?", "mode": "full"}, nil)

	if err := f.worker.Process(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}

	r, err := f.runs.Get(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != run.StatusCompleted {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Result() != "Python is a programming language." {
		t.Errorf("result = %v", r.Result())
	}
	if r.Output["research"] != "Python is a programming language." {
		t.Errorf("output = %+v", r.Output)
	}

	events := f.bus.PopEvents("run-1")
	for _, want := range []string{
		event.TypeWorkflowStarted, event.TypeAgentStarted, event.TypeAgentCompleted,
		event.TypeWorkflowCompleted, event.TypeCostUpdate,
	} {
		if !hasType(events, want) {
			t.Errorf("missing %s in %v", want, eventTypes(events))
		}
	}

	total, err := f.costs.RunTotal(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if total.Calls != 1 || total.CostUSD <= 0 {
		t.Errorf("cost = %+v", total)
	}
}

func TestWorkerIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "run-1", map[string]any{"input": "What is Go?"}, nil)

	if err := f.worker.Process(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := f.mock.CallCount("")
	f.bus.PopEvents("run-1")

	// Duplicate delivery: no re-execution, no events.
	if err := f.worker.Process(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	if f.mock.CallCount("") != callsAfterFirst {
		t.Error("completed run was re-executed")
	}
	if events := f.bus.PopEvents("run-1"); len(events) != 0 {
		t.Errorf("events = %v", eventTypes(events))
	}

	t.Run("unknown run", func(t *testing.T) {
		if err := f.worker.Process(ctx, "ghost"); err == nil {
			t.Error("expected error for unknown run")
		}
	})
}

func gatedConfig() map[string]any {
	return map[string]any{
		"gates": []any{
			map[string]any{
				"step":       "executor",
				"risk_level": "high",
				"on_reject":  "abort",
				"on_timeout": "reject",
			},
		},
	}
}

func complexInput() map[string]any {
	return map[string]any{
		"input": "Design and implement a caching layer for our read-heavy product catalog service",
		"mode":  "full",
	}
}

func TestWorkerApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "run-1", complexInput(), gatedConfig())

	if err := f.worker.Process(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}

	r, _ := f.runs.Get(ctx, "run-1")
	if r.Status != run.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", r.Status)
	}

	reviews, err := hitl.NewReviewStore(f.db).ListPending(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 || reviews[0].Step != "executor" {
		t.Fatalf("reviews = %+v", reviews)
	}

	events := f.bus.PopEvents("run-1")
	if !hasType(events, event.TypeApprovalRequired) {
		t.Errorf("missing approval event in %v", eventTypes(events))
	}

	// Approving drives the run through the gated node to completion.
	if err := f.worker.Coordinator().Approve(ctx, reviews[0].ID, "alice", "ok"); err != nil {
		t.Fatal(err)
	}
	r, _ = f.runs.Get(ctx, "run-1")
	if r.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", r.Status)
	}
	if s, _ := r.Output["final_output"].(string); s == "" {
		t.Error("final_output empty")
	}

	// The gated node ran exactly once.
	started := 0
	for _, ev := range f.bus.PopEvents("run-1") {
		if ev.EventType == event.TypeAgentStarted && ev.AgentName == agents.NodeExecutor {
			started++
		}
	}
	if started != 1 {
		t.Errorf("executor started %d times, want 1", started)
	}
}

func TestWorkerRejectionFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := map[string]any{
		"gates": []any{
			map[string]any{
				"step":          "executor",
				"on_reject":     "fallback",
				"fallback_node": "finalizer",
			},
		},
	}
	f.createRun(t, "run-1", complexInput(), cfg)

	if err := f.worker.Process(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	reviews, _ := hitl.NewReviewStore(f.db).ListPending(ctx, "run-1")
	if len(reviews) != 1 {
		t.Fatalf("reviews = %+v", reviews)
	}

	gates := hitl.GatesFromConfig(cfg, time.Hour)
	if err := f.worker.Coordinator().Reject(ctx, reviews[0].ID, "bob", "too risky", gates); err != nil {
		t.Fatal(err)
	}

	r, _ := f.runs.Get(ctx, "run-1")
	if r.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed via fallback", r.Status)
	}
	// Fallback skipped straight to the finalizer: no execution output.
	if r.Output["execution"] != nil {
		t.Errorf("execution = %v, want nil", r.Output["execution"])
	}
	if s, _ := r.Output["final_output"].(string); s == "" {
		t.Error("final_output empty")
	}
}

func TestWorkerRejectionAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRun(t, "run-1", complexInput(), gatedConfig())

	if err := f.worker.Process(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	reviews, _ := hitl.NewReviewStore(f.db).ListPending(ctx, "run-1")
	gates := hitl.GatesFromConfig(gatedConfig(), time.Hour)
	if err := f.worker.Coordinator().Reject(ctx, reviews[0].ID, "bob", "no", gates); err != nil {
		t.Fatal(err)
	}

	r, _ := f.runs.Get(ctx, "run-1")
	if r.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Error == "" {
		t.Error("error message empty")
	}
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("broker path", func(t *testing.T) {
		q := NewRedisQueue(testRedis(t))
		d := NewDispatcher(q, nil, nil)
		if err := d.Schedule(ctx, "run-1"); err != nil {
			t.Fatal(err)
		}
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if task.TaskID != "run-1" {
			t.Errorf("task = %+v", task)
		}
	})

	t.Run("local fallback executes the run", func(t *testing.T) {
		f := newFixture(t)
		f.createRun(t, "run-1", map[string]any{"input": "What is Go?"}, nil)

		local := NewLocalRunner(f.worker, time.Millisecond, time.Minute, nil)
		d := NewDispatcher(nil, local, nil)
		if err := d.Schedule(ctx, "run-1"); err != nil {
			t.Fatal(err)
		}
		local.Wait()

		r, _ := f.runs.Get(ctx, "run-1")
		if r.Status != run.StatusCompleted {
			t.Errorf("status = %s", r.Status)
		}
	})

	t.Run("no transport", func(t *testing.T) {
		d := NewDispatcher(nil, nil, nil)
		if err := d.Schedule(ctx, "run-1"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestServiceExecuteThroughDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local := NewLocalRunner(f.worker, time.Millisecond, time.Minute, nil)
	svc := run.NewService(f.runs, f.saver, NewDispatcher(nil, local, nil), nil)

	r, err := svc.Create(ctx, "wf-1", "", map[string]any{"input": "What is Zig?"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Execute(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	local.Wait()

	got, _ := svc.Get(ctx, r.ID)
	if got.Status != run.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestWorkerShadowIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	audit := version.NewAuditStore(f.db)
	snapshots, err := version.NewSnapshotter(f.db, t.TempDir(), audit)
	if err != nil {
		t.Fatal(err)
	}
	registry := version.NewRegistry(f.db)
	snap, err := snapshots.Create(ctx, "wf-1", "v2", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Deploy(ctx, "wf-1", snap.ID, version.RoleShadow); err != nil {
		t.Fatal(err)
	}

	shadowCfg := testConfig().Shadow
	shadowCfg.SampleRate = 1.0 // always sampled in
	comparator := version.NewComparator(f.db, shadowCfg.DivergenceThreshold)
	monitor := version.NewMonitor(comparator, audit, nil, shadowCfg, nil)
	f.worker.AttachShadow(version.NewShadowRunner(
		registry, snapshots, comparator, monitor, f.worker.ShadowExec, f.bus, shadowCfg, nil))

	f.createRun(t, "run-1", map[string]any{"input": "What is Python?"}, nil)
	if err := f.worker.Process(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}

	// Baseline and shadow use the same deterministic mock, so the
	// comparison passes and a hint reaches the stream.
	recent, err := comparator.Recent(ctx, "wf-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || !recent[0].Passed {
		t.Fatalf("comparisons = %+v", recent)
	}
	if !hasType(f.bus.PopEvents("run-1"), event.TypeShadowHint) {
		t.Error("missing shadow hint event")
	}

	r, _ := f.runs.Get(ctx, "run-1")
	if r.Status != run.StatusCompleted {
		t.Errorf("shadow must not affect the baseline, status = %s", r.Status)
	}
}
