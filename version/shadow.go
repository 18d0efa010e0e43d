package version

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/config"
	"github.com/calebh/agentflow-go/event"
)

// ShadowExec produces the shadow deployment's output for a run's input.
// The worker supplies one backed by the graph engine.
type ShadowExec func(ctx context.Context, snapshot *Snapshot, archive *Archive, input map[string]any) (string, error)

// ShadowRunner probabilistically replays runs against the shadow
// deployment and scores the divergence. Shadow execution never affects
// the baseline result: every failure is logged and swallowed.
type ShadowRunner struct {
	registry   *Registry
	snapshots  *Snapshotter
	comparator *Comparator
	monitor    *Monitor
	exec       ShadowExec
	bus        event.Bus
	cfg        config.ShadowConfig
	log        *zap.Logger
	sample     func() float64
}

// NewShadowRunner wires the shadow path. bus may be nil.
func NewShadowRunner(registry *Registry, snapshots *Snapshotter, comparator *Comparator, monitor *Monitor, exec ShadowExec, bus event.Bus, cfg config.ShadowConfig, log *zap.Logger) *ShadowRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &ShadowRunner{
		registry:   registry,
		snapshots:  snapshots,
		comparator: comparator,
		monitor:    monitor,
		exec:       exec,
		bus:        bus,
		cfg:        cfg,
		log:        log,
		sample:     rand.Float64,
	}
}

// MaybeRun shadow-executes the run when it is sampled in and a shadow
// deployment exists for the agent. The returned result is nil when the
// run was not sampled, no shadow is deployed, or the shadow failed.
func (s *ShadowRunner) MaybeRun(ctx context.Context, agentID, runID string, input map[string]any, baseline string) *ComparisonResult {
	if s.sample() >= s.cfg.SampleRate {
		return nil
	}
	dep, err := s.registry.ActiveDeployment(ctx, agentID, RoleShadow)
	if err != nil {
		if err != ErrNotFound {
			s.log.Warn("shadow deployment lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		return nil
	}
	snap, archive, err := s.snapshots.Load(ctx, dep.SnapshotID)
	if err != nil {
		s.log.Warn("shadow snapshot load failed", zap.String("snapshot_id", dep.SnapshotID), zap.Error(err))
		return nil
	}

	output, err := s.exec(ctx, snap, archive, input)
	if err != nil {
		s.log.Warn("shadow execution failed",
			zap.String("agent_id", agentID),
			zap.String("run_id", runID),
			zap.Error(err))
		return nil
	}

	result, err := s.comparator.Compare(ctx, agentID, runID, baseline, output)
	if err != nil {
		s.log.Warn("shadow comparison failed", zap.String("run_id", runID), zap.Error(err))
		return nil
	}
	s.publishHint(ctx, runID, snap, result)

	if _, err := s.monitor.Evaluate(ctx, agentID); err != nil {
		s.log.Warn("divergence evaluation failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	return result
}

func (s *ShadowRunner) publishHint(ctx context.Context, runID string, snap *Snapshot, result *ComparisonResult) {
	if s.bus == nil {
		return
	}
	ev := event.New(runID, event.TypeShadowHint).
		WithAgent(snap.AgentID).
		WithPayload("shadow_version", snap.Version).
		WithPayload("similarity", result.Similarity).
		WithPayload("passed", result.Passed)
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("shadow hint publish failed", zap.String("run_id", runID), zap.Error(err))
	}
}
