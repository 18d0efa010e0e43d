package hitl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/event"
	"github.com/calebh/agentflow-go/run"
)

// Resumer continues a paused run after a decision. The worker implements
// it: Resume re-runs from the recorded next node, ResumeFallback reroutes
// to an explicit node.
type Resumer interface {
	Resume(ctx context.Context, runID string) error
	ResumeFallback(ctx context.Context, runID, node string) error
}

// Coordinator applies gate policy to review decisions and expirations.
type Coordinator struct {
	reviews *ReviewStore
	runs    *run.Store
	resumer Resumer
	bus     event.Bus
	log     *zap.Logger
}

// NewCoordinator wires the decision path.
func NewCoordinator(reviews *ReviewStore, runs *run.Store, resumer Resumer, bus event.Bus, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{reviews: reviews, runs: runs, resumer: resumer, bus: bus, log: log}
}

// RequestApproval opens a review for a paused run and moves the run to
// awaiting_approval.
func (c *Coordinator) RequestApproval(ctx context.Context, runID, checkpointID string, gate Gate, payload map[string]any) (*ReviewRequest, error) {
	review, err := c.reviews.Create(ctx, runID, checkpointID, gate, payload)
	if err != nil {
		return nil, err
	}
	if err := c.runs.MarkAwaitingApproval(ctx, runID); err != nil {
		return nil, err
	}
	c.publish(ctx, event.New(runID, event.TypeApprovalRequired).
		WithAgent(gate.Step).
		WithPayload("review_id", review.ID).
		WithPayload("risk_level", gate.RiskLevel))
	c.log.Info("approval requested",
		zap.String("run_id", runID),
		zap.String("step", gate.Step),
		zap.String("review_id", review.ID))
	return review, nil
}

// Approve settles the review as approved and resumes the run.
func (c *Coordinator) Approve(ctx context.Context, reviewID, decidedBy, note string) error {
	review, err := c.reviews.Decide(ctx, reviewID, ReviewApproved, decidedBy, note)
	if err != nil {
		return err
	}
	c.log.Info("review approved",
		zap.String("review_id", reviewID),
		zap.String("run_id", review.RunID),
		zap.String("decided_by", decidedBy))
	return c.resumer.Resume(ctx, review.RunID)
}

// Reject settles the review as rejected and applies the gate's
// on_reject policy.
func (c *Coordinator) Reject(ctx context.Context, reviewID, decidedBy, note string, gates GateTable) error {
	review, err := c.reviews.Decide(ctx, reviewID, ReviewRejected, decidedBy, note)
	if err != nil {
		return err
	}
	c.log.Info("review rejected",
		zap.String("review_id", reviewID),
		zap.String("run_id", review.RunID),
		zap.String("decided_by", decidedBy))
	return c.applyRejection(ctx, review, gates)
}

// SweepExpired settles overdue reviews per their gates' on_timeout
// policy. Returns how many reviews were expired.
func (c *Coordinator) SweepExpired(ctx context.Context, gates GateTable) (int, error) {
	expired, err := c.reviews.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}
	for _, review := range expired {
		gate := gates[review.Step]
		c.log.Info("review expired",
			zap.String("review_id", review.ID),
			zap.String("run_id", review.RunID),
			zap.String("on_timeout", gate.OnTimeout))
		if gate.OnTimeout == OnTimeoutApprove {
			if err := c.resumer.Resume(ctx, review.RunID); err != nil {
				c.log.Error("timeout-approve resume failed",
					zap.String("run_id", review.RunID), zap.Error(err))
			}
			continue
		}
		if err := c.applyRejection(ctx, review, gates); err != nil {
			c.log.Error("timeout rejection failed",
				zap.String("run_id", review.RunID), zap.Error(err))
		}
	}
	return len(expired), nil
}

func (c *Coordinator) applyRejection(ctx context.Context, review *ReviewRequest, gates GateTable) error {
	gate, ok := gates[review.Step]
	if !ok {
		gate = Gate{Step: review.Step, OnReject: OnRejectAbort}
	}
	if gate.OnReject == OnRejectFallback {
		node := gate.FallbackNode
		if node == "" {
			node = "finalizer"
		}
		return c.resumer.ResumeFallback(ctx, review.RunID, node)
	}
	msg := fmt.Sprintf("rejected at step %s", review.Step)
	if err := c.runs.Fail(ctx, review.RunID, msg); err != nil {
		return err
	}
	c.publish(ctx, event.New(review.RunID, event.TypeWorkflowFailed).WithPayload("error", msg))
	return nil
}

func (c *Coordinator) publish(ctx context.Context, ev event.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.log.Warn("publish failed", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

// Sweeper periodically expires overdue reviews under a static gate
// table. Per-run gate overrides apply to decisions; the sweeper covers
// the default policy.
type Sweeper struct {
	coordinator *Coordinator
	gates       GateTable
	interval    time.Duration
	log         *zap.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(c *Coordinator, gates GateTable, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{coordinator: c, gates: gates, interval: interval, log: log}
}

// Run sweeps until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.coordinator.SweepExpired(ctx, s.gates)
			if err != nil {
				s.log.Error("sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expired reviews settled", zap.Int("count", n))
			}
		}
	}
}
