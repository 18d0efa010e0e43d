package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/agents"
	"github.com/calebh/agentflow-go/config"
	"github.com/calebh/agentflow-go/cost"
	"github.com/calebh/agentflow-go/event"
	"github.com/calebh/agentflow-go/gateway"
	"github.com/calebh/agentflow-go/graph"
	"github.com/calebh/agentflow-go/graph/checkpoint"
	"github.com/calebh/agentflow-go/hitl"
	"github.com/calebh/agentflow-go/run"
	"github.com/calebh/agentflow-go/version"
)

// agentOrder is the pipeline's nominal execution order, used for
// progress fractions.
var agentOrder = []string{
	agents.NodeResearcher, agents.NodePlanner, agents.NodeExecutor,
	agents.NodeCoder, agents.NodeFinalizer,
}

// Worker executes queued runs: it drives the graph engine, pauses runs
// at approval gates, records results and costs, and replays sampled runs
// against the shadow deployment.
type Worker struct {
	runs        *run.Store
	saver       checkpoint.Saver
	gateway     *gateway.Gateway
	bus         event.Bus
	coordinator *hitl.Coordinator
	costs       *cost.Tracker
	shadow      *version.ShadowRunner
	cfg         config.Config
	log         *zap.Logger
}

var _ hitl.Resumer = (*Worker)(nil)

// WorkerOption configures optional collaborators.
type WorkerOption func(*Worker)

// WithCostTracker enables cost recording and cost_update events.
func WithCostTracker(t *cost.Tracker) WorkerOption {
	return func(w *Worker) { w.costs = t }
}

// WithWorkerLogger installs structured logging.
func WithWorkerLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWorker wires the execution side. The worker builds its own approval
// coordinator because it is the coordinator's resumer.
func NewWorker(runs *run.Store, saver checkpoint.Saver, gw *gateway.Gateway, reviews *hitl.ReviewStore, bus event.Bus, cfg config.Config, opts ...WorkerOption) *Worker {
	w := &Worker{
		runs:    runs,
		saver:   saver,
		gateway: gw,
		bus:     bus,
		cfg:     cfg,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.coordinator = hitl.NewCoordinator(reviews, runs, w, bus, w.log)
	return w
}

// Coordinator exposes the approval coordinator for the decision surface.
func (w *Worker) Coordinator() *hitl.Coordinator { return w.coordinator }

// AttachShadow installs the shadow runner. Set after construction
// because the shadow runner's executor is this worker.
func (w *Worker) AttachShadow(sr *version.ShadowRunner) { w.shadow = sr }

// Run consumes the broker queue until ctx ends. Task failures are logged
// and recorded on the run row; the loop keeps going.
func (w *Worker) Run(ctx context.Context, broker *RedisQueue) error {
	for {
		task, err := broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if err := w.Process(ctx, task.TaskID); err != nil {
			w.log.Error("task failed", zap.String("run_id", task.TaskID), zap.Error(err))
		}
	}
}

// Process executes one run end to end. Reprocessing a completed run is a
// no-op, so duplicate deliveries are harmless.
func (w *Worker) Process(ctx context.Context, runID string) error {
	r, err := w.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status == run.StatusCompleted {
		w.log.Info("run already completed, skipping", zap.String("run_id", runID))
		return nil
	}
	if err := w.runs.MarkRunning(ctx, runID); err != nil {
		return err
	}

	input := initialState(r)
	w.publish(ctx, event.New(runID, event.TypeWorkflowStarted).
		WithPayload("mode", input[agents.SlotMode]))
	w.log.Info("processing run",
		zap.String("run_id", runID),
		zap.String("workflow_id", r.WorkflowID))

	eng, gates, err := w.buildEngine(r)
	if err != nil {
		return w.fail(ctx, r, err)
	}
	res, err := eng.Invoke(ctx, graph.Config{ThreadID: runID}, input)
	return w.settle(ctx, r, gates, res, err)
}

// Resume continues a run after an approval, re-entering the gated node.
func (w *Worker) Resume(ctx context.Context, runID string) error {
	r, err := w.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := w.runs.MarkRunning(ctx, runID); err != nil {
		return err
	}
	eng, gates, err := w.buildEngine(r)
	if err != nil {
		return w.fail(ctx, r, err)
	}
	res, err := eng.Resume(ctx, graph.Config{ThreadID: runID})
	return w.settle(ctx, r, gates, res, err)
}

// ResumeFallback reroutes a rejected run to the gate's fallback node.
func (w *Worker) ResumeFallback(ctx context.Context, runID, node string) error {
	r, err := w.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := w.runs.MarkRunning(ctx, runID); err != nil {
		return err
	}
	eng, gates, err := w.buildEngine(r)
	if err != nil {
		return w.fail(ctx, r, err)
	}
	res, err := eng.ResumeFrom(ctx, graph.Config{ThreadID: runID}, node)
	return w.settle(ctx, r, gates, res, err)
}

// buildEngine rebuilds the run's graph from its captured config so a
// resume sees the same gates the original invocation did.
func (w *Worker) buildEngine(r *run.Run) (*graph.Engine, hitl.GateTable, error) {
	gates := hitl.GatesFromConfig(r.Config, w.cfg.HITL.DefaultTimeout)
	pipeline := &agents.Pipeline{
		Gateway:    w.gateway,
		RunID:      r.ID,
		WorkflowID: r.WorkflowID,
		TenantID:   r.TenantID,
	}
	g, err := agents.BuildWorkflow(pipeline, gates)
	if err != nil {
		return nil, nil, err
	}
	eng := graph.New(g, w.saver,
		graph.WithEmitter(event.NewBridge(w.bus, agentOrder)),
		graph.WithMaxSteps(w.cfg.Worker.MaxSteps))
	return eng, gates, nil
}

// settle applies the outcome of an invoke or resume to the run row.
func (w *Worker) settle(ctx context.Context, r *run.Run, gates hitl.GateTable, res *graph.Result, err error) error {
	if err != nil {
		return w.fail(ctx, r, err)
	}
	if res.Interrupted {
		return w.pause(ctx, r, gates, res)
	}

	output := map[string]any{
		"research":     res.State[agents.SlotResearchData],
		"plan":         res.State[agents.SlotPlanData],
		"execution":    res.State[agents.SlotExecutionData],
		"code":         res.State[agents.SlotCodeData],
		"final_output": res.State[agents.SlotFinalOutput],
	}
	if err := w.runs.Complete(ctx, r.ID, output); err != nil {
		return err
	}
	w.publishCost(ctx, r)
	w.log.Info("run completed", zap.String("run_id", r.ID))

	if w.shadow != nil {
		final, _ := res.State[agents.SlotFinalOutput].(string)
		w.shadow.MaybeRun(ctx, r.WorkflowID, r.ID, r.Input, final)
	}
	return nil
}

// pause opens a review for the gated node and leaves the run awaiting
// approval.
func (w *Worker) pause(ctx context.Context, r *run.Run, gates hitl.GateTable, res *graph.Result) error {
	step := res.NextNodes[0]
	gate, ok := gates[step]
	if !ok {
		gate = hitl.Gate{
			Step:      step,
			RiskLevel: "medium",
			Timeout:   w.cfg.HITL.DefaultTimeout,
			OnReject:  hitl.OnRejectAbort,
			OnTimeout: hitl.OnTimeoutReject,
		}
	}
	payload := map[string]any{
		"step":       step,
		"complexity": res.State[agents.SlotComplexity],
		"plan":       res.State[agents.SlotPlanData],
	}
	_, err := w.coordinator.RequestApproval(ctx, r.ID, res.CheckpointID, gate, payload)
	return err
}

func (w *Worker) fail(ctx context.Context, r *run.Run, cause error) error {
	if err := w.runs.Fail(ctx, r.ID, cause.Error()); err != nil {
		w.log.Error("mark failed errored", zap.String("run_id", r.ID), zap.Error(err))
	}
	w.log.Error("run failed", zap.String("run_id", r.ID), zap.Error(cause))
	return cause
}

func (w *Worker) publishCost(ctx context.Context, r *run.Run) {
	if w.costs == nil {
		return
	}
	total, err := w.costs.RunTotal(ctx, r.ID)
	if err != nil {
		w.log.Warn("run cost lookup failed", zap.String("run_id", r.ID), zap.Error(err))
		return
	}
	w.publish(ctx, event.New(r.ID, event.TypeCostUpdate).
		WithCost(total.CostUSD).
		WithPayload("tokens_in", total.TokensIn).
		WithPayload("tokens_out", total.TokensOut))
}

func (w *Worker) publish(ctx context.Context, ev event.Event) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, ev); err != nil {
		w.log.Warn("publish failed", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

// ShadowExec replays the pipeline for the shadow runner on a disposable
// in-memory thread, so shadow checkpoints never touch the real saver.
func (w *Worker) ShadowExec(ctx context.Context, snap *version.Snapshot, _ *version.Archive, input map[string]any) (string, error) {
	pipeline := &agents.Pipeline{
		Gateway:    w.gateway,
		RunID:      "shadow:" + snap.ID,
		WorkflowID: snap.AgentID,
	}
	g, err := agents.BuildWorkflow(pipeline, nil)
	if err != nil {
		return "", err
	}
	eng := graph.New(g, checkpoint.NewMemSaver(), graph.WithMaxSteps(w.cfg.Worker.MaxSteps))
	res, err := eng.Invoke(ctx, graph.Config{ThreadID: "shadow:" + snap.ID}, initialStateFromInput(input))
	if err != nil {
		return "", err
	}
	final, _ := res.State[agents.SlotFinalOutput].(string)
	return final, nil
}

// initialState builds the graph input from the run row.
func initialState(r *run.Run) graph.State {
	return initialStateFromInput(r.Input)
}

func initialStateFromInput(input map[string]any) graph.State {
	query, _ := input["input"].(string)
	if query == "" {
		query, _ = input["query"].(string)
	}
	mode, _ := input["mode"].(string)
	if mode == "" {
		mode = agents.ModeFull
	}
	language, _ := input["language"].(string)
	if language == "" {
		language = "python"
	}
	return graph.State{
		agents.SlotInput:    query,
		agents.SlotMode:     mode,
		agents.SlotLanguage: language,
	}
}
