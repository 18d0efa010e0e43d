package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/run"
)

// Dispatcher schedules runs onto the broker, falling back to in-process
// execution when the broker is missing or rejects the push.
type Dispatcher struct {
	broker *RedisQueue // nil when no broker is configured
	local  *LocalRunner
	log    *zap.Logger
}

var _ run.Scheduler = (*Dispatcher)(nil)

// NewDispatcher wires the scheduling path. Either transport may be nil,
// but not both.
func NewDispatcher(broker *RedisQueue, local *LocalRunner, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{broker: broker, local: local, log: log}
}

// Schedule enqueues the run for a worker, or launches it locally when
// the broker path is unavailable.
func (d *Dispatcher) Schedule(ctx context.Context, runID string) error {
	if d.broker != nil {
		err := d.broker.Enqueue(ctx, Task{TaskID: runID})
		if err == nil {
			d.log.Info("run enqueued", zap.String("run_id", runID))
			return nil
		}
		d.log.Warn("broker enqueue failed, falling back to local execution",
			zap.String("run_id", runID), zap.Error(err))
	}
	if d.local == nil {
		return errors.New("queue: no broker and no local runner configured")
	}
	d.local.Launch(runID)
	return nil
}

// LocalRunner executes runs in-process when no broker is available. A
// short start delay lets the caller's transaction settle; a wall-clock
// deadline bounds each run.
type LocalRunner struct {
	worker     *Worker
	startDelay time.Duration
	deadline   time.Duration
	log        *zap.Logger
	wg         sync.WaitGroup
}

// NewLocalRunner creates a runner over the worker.
func NewLocalRunner(worker *Worker, startDelay, deadline time.Duration, log *zap.Logger) *LocalRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalRunner{worker: worker, startDelay: startDelay, deadline: deadline, log: log}
}

// Launch starts the run in a background goroutine.
func (l *LocalRunner) Launch(runID string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		time.Sleep(l.startDelay)
		ctx, cancel := context.WithTimeout(context.Background(), l.deadline)
		defer cancel()
		if err := l.worker.Process(ctx, runID); err != nil {
			l.log.Error("local run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

// Wait blocks until every launched run has finished. Tests and shutdown
// paths use it.
func (l *LocalRunner) Wait() {
	l.wg.Wait()
}
