package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/calebh/agentflow-go/emit"
	"github.com/calebh/agentflow-go/graph/checkpoint"
)

// Engine executes a compiled Graph with durable checkpointing.
//
// Execution is strictly sequential per thread: one node per superstep,
// one checkpoint per superstep. The node's output delta is committed as
// pending writes on the previous checkpoint before the new checkpoint is
// saved, so a crash between the two leaves a recoverable record of the
// completed step.
type Engine struct {
	graph    *Graph
	saver    checkpoint.Saver
	emitter  emit.Emitter
	maxSteps int
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter installs an observability emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) {
		if e != nil {
			eng.emitter = e
		}
	}
}

// WithMaxSteps caps supersteps per run.
func WithMaxSteps(n int) Option {
	return func(eng *Engine) {
		if n > 0 {
			eng.maxSteps = n
		}
	}
}

// New creates an Engine over a compiled graph and a checkpoint saver.
func New(g *Graph, saver checkpoint.Saver, opts ...Option) *Engine {
	eng := &Engine{
		graph:    g,
		saver:    saver,
		emitter:  emit.NewNullEmitter(),
		maxSteps: 100,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// Config addresses a run for invoke/resume/inspect operations.
type Config struct {
	// ThreadID is the run's checkpoint thread. Required.
	ThreadID string

	// CheckpointID pins a specific checkpoint; empty means latest.
	CheckpointID string
}

// Result is the outcome of an invoke or resume.
type Result struct {
	// State is the workflow state at the returned checkpoint.
	State State

	// Interrupted is true when the run paused before an approval-gated
	// node instead of finishing.
	Interrupted bool

	// NextNodes is what runs next: the gated node when interrupted,
	// empty when the run reached End.
	NextNodes []string

	// CheckpointID is the checkpoint the result describes.
	CheckpointID string

	// Step is the superstep count at that checkpoint.
	Step int
}

// Invoke starts a fresh run on the thread: the input becomes checkpoint
// zero and traversal proceeds from the entry node until End or an
// interrupt.
func (e *Engine) Invoke(ctx context.Context, cfg Config, input State) (*Result, error) {
	if cfg.ThreadID == "" {
		return nil, errors.New("graph: thread id required")
	}
	state, err := e.graph.schema.Merge(State{}, input)
	if err != nil {
		return nil, err
	}
	ckptID, err := e.saveCheckpoint(ctx, cfg.ThreadID, "", state, 0, "input", []string{e.graph.entry})
	if err != nil {
		return nil, err
	}
	return e.loop(ctx, cfg.ThreadID, state, ckptID, 0, e.graph.entry, false)
}

// Resume continues a paused run from its latest checkpoint (or the one
// named in cfg). The first pending node runs without re-checking its
// interrupt: resuming is the approval.
func (e *Engine) Resume(ctx context.Context, cfg Config) (*Result, error) {
	return e.resume(ctx, cfg, "")
}

// ResumeFrom continues a paused run at an explicitly chosen node instead
// of the checkpoint's recorded next node. Fallback handling after a
// rejected approval uses this to re-route the run.
func (e *Engine) ResumeFrom(ctx context.Context, cfg Config, startNode string) (*Result, error) {
	if startNode != End {
		if _, ok := e.graph.nodes[startNode]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoNextNode, startNode)
		}
	}
	return e.resume(ctx, cfg, startNode)
}

func (e *Engine) resume(ctx context.Context, cfg Config, override string) (*Result, error) {
	tuple, err := e.saver.GetTuple(ctx, cfg.ThreadID, cfg.CheckpointID)
	if err != nil {
		return nil, err
	}
	state, err := unmarshalState(tuple.Payload)
	if err != nil {
		return nil, err
	}
	step := metaStep(tuple.Metadata)
	next := override
	if next == "" {
		nodes := metaNext(tuple.Metadata)
		if len(nodes) == 0 {
			return e.finished(state, tuple.CheckpointID, step), nil
		}
		next = nodes[0]
	}
	if next == End {
		return e.finished(state, tuple.CheckpointID, step), nil
	}
	return e.loop(ctx, cfg.ThreadID, state, tuple.CheckpointID, step, next, true)
}

// GetState inspects a run without executing anything.
func (e *Engine) GetState(ctx context.Context, cfg Config) (*Result, error) {
	tuple, err := e.saver.GetTuple(ctx, cfg.ThreadID, cfg.CheckpointID)
	if err != nil {
		return nil, err
	}
	state, err := unmarshalState(tuple.Payload)
	if err != nil {
		return nil, err
	}
	next := metaNext(tuple.Metadata)
	res := &Result{
		State:        state,
		NextNodes:    next,
		CheckpointID: tuple.CheckpointID,
		Step:         metaStep(tuple.Metadata),
	}
	if len(next) > 0 && next[0] != End && e.graph.Interrupts(next[0]) {
		res.Interrupted = true
	}
	if len(next) == 1 && next[0] == End {
		res.NextNodes = nil
	}
	return res, nil
}

// Fork copies a checkpoint onto a new thread so an alternate path can be
// explored without touching the source run.
func (e *Engine) Fork(ctx context.Context, threadID, checkpointID, newThreadID string) (*Result, error) {
	tuple, err := e.saver.Fork(ctx, threadID, checkpointID, newThreadID)
	if err != nil {
		return nil, err
	}
	state, err := unmarshalState(tuple.Payload)
	if err != nil {
		return nil, err
	}
	return &Result{
		State:        state,
		NextNodes:    metaNext(tuple.Metadata),
		CheckpointID: tuple.CheckpointID,
		Step:         metaStep(tuple.Metadata),
	}, nil
}

// History lists the thread's checkpoints, newest first.
func (e *Engine) History(ctx context.Context, threadID string, limit int) ([]checkpoint.Tuple, error) {
	return e.saver.List(ctx, threadID, limit)
}

// loop runs nodes until End, an interrupt, or an error. skipInterrupt
// suppresses the interrupt check for the first node only.
func (e *Engine) loop(ctx context.Context, threadID string, state State, ckptID string, step int, next string, skipInterrupt bool) (*Result, error) {
	for iter := 0; ; iter++ {
		if next == End {
			e.emitter.Emit(emit.NewEvent(threadID, step, "", "run_complete", nil))
			return e.finished(state, ckptID, step), nil
		}
		if iter >= e.maxSteps {
			return nil, fmt.Errorf("%w: %d", ErrMaxSteps, e.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if e.graph.Interrupts(next) && !skipInterrupt {
			e.emitter.Emit(emit.NewEvent(threadID, step, next, "interrupt", nil))
			return &Result{
				State:        state,
				Interrupted:  true,
				NextNodes:    []string{next},
				CheckpointID: ckptID,
				Step:         step,
			}, nil
		}
		skipInterrupt = false

		fn, ok := e.graph.nodes[next]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoNextNode, next)
		}

		e.emitter.Emit(emit.NewEvent(threadID, step, next, "node_start", nil))
		started := time.Now()
		delta, err := fn(ctx, state.Clone())
		latency := time.Since(started)
		if err != nil {
			nodeErr := &NodeError{Node: next, Step: step, Err: err}
			e.emitter.Emit(emit.NewEvent(threadID, step, next, "run_failed", map[string]any{
				"error":      nodeErr.Error(),
				"latency_ms": latency.Milliseconds(),
			}))
			return nil, nodeErr
		}

		if err := e.commitWrites(ctx, threadID, ckptID, next, step, delta); err != nil {
			return nil, err
		}
		merged, err := e.graph.schema.Merge(state, delta)
		if err != nil {
			return nil, &NodeError{Node: next, Step: step, Err: err}
		}

		following, err := e.route(next, merged)
		if err != nil {
			return nil, err
		}

		newCkpt, err := e.saveCheckpoint(ctx, threadID, ckptID, merged, step+1, "loop", []string{following})
		if err != nil {
			return nil, err
		}
		e.emitter.Emit(emit.NewEvent(threadID, step, next, "node_end", map[string]any{
			"latency_ms": latency.Milliseconds(),
			"next":       following,
		}))
		e.emitter.Emit(emit.NewEvent(threadID, step+1, next, "checkpoint_saved", map[string]any{
			"checkpoint_id": newCkpt,
		}))

		state = merged
		ckptID = newCkpt
		step++
		next = following
	}
}

func (e *Engine) route(from string, s State) (string, error) {
	r, ok := e.graph.routes[from]
	if !ok {
		return "", fmt.Errorf("%w: no route from %s", ErrNoNextNode, from)
	}
	if r.selector == nil {
		return r.target, nil
	}
	picked := r.selector(s)
	for _, t := range r.targets {
		if t == picked {
			return picked, nil
		}
	}
	return "", fmt.Errorf("%w: selector at %s picked %q", ErrNoNextNode, from, picked)
}

// commitWrites attaches the node's delta to the checkpoint that preceded
// the step, one write per slot in deterministic order.
func (e *Engine) commitWrites(ctx context.Context, threadID, ckptID, node string, step int, delta State) error {
	if len(delta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]checkpoint.PendingWrite, 0, len(keys))
	taskID := fmt.Sprintf("%s:%d", node, step)
	for i, k := range keys {
		val, err := json.Marshal(delta[k])
		if err != nil {
			return fmt.Errorf("graph: encode write %s: %w", k, err)
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  taskID,
			Idx:     i,
			Channel: k,
			Value:   val,
		})
	}
	return e.saver.PutWrites(ctx, threadID, ckptID, writes)
}

// saveCheckpoint persists the post-step state. On an ID collision it
// retries once with a fresh ID.
func (e *Engine) saveCheckpoint(ctx context.Context, threadID, parent string, state State, step int, source string, next []string) (string, error) {
	payload, err := marshalState(state)
	if err != nil {
		return "", err
	}
	meta := map[string]any{"step": step, "source": source, "next": next}
	for attempt := 0; attempt < 2; attempt++ {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		err = e.saver.Put(ctx, checkpoint.Tuple{
			ThreadID:           threadID,
			CheckpointID:       id.String(),
			ParentCheckpointID: parent,
			Payload:            payload,
			Metadata:           meta,
		})
		if err == nil {
			return id.String(), nil
		}
		if !errors.Is(err, checkpoint.ErrConflict) {
			return "", err
		}
	}
	return "", checkpoint.ErrConflict
}

func (e *Engine) finished(state State, ckptID string, step int) *Result {
	return &Result{State: state, CheckpointID: ckptID, Step: step}
}

func metaStep(meta map[string]any) int {
	switch v := meta["step"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func metaNext(meta map[string]any) []string {
	raw, ok := meta["next"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
