package version

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EvalRunner validates a snapshot before it goes live. A non-nil error
// means the candidate failed evaluation and must not deploy.
type EvalRunner interface {
	Evaluate(ctx context.Context, snapshot *Snapshot, archive *Archive) error
}

// EvalFunc adapts a function to EvalRunner.
type EvalFunc func(ctx context.Context, snapshot *Snapshot, archive *Archive) error

// Evaluate calls f.
func (f EvalFunc) Evaluate(ctx context.Context, snapshot *Snapshot, archive *Archive) error {
	return f(ctx, snapshot, archive)
}

// Deployer promotes snapshots through evaluation into the registry.
type Deployer struct {
	snapshots *Snapshotter
	registry  *Registry
	audit     *AuditStore
	eval      EvalRunner // nil skips evaluation
	log       *zap.Logger
}

// NewDeployer wires the deploy path. eval may be nil.
func NewDeployer(snapshots *Snapshotter, registry *Registry, audit *AuditStore, eval EvalRunner, log *zap.Logger) *Deployer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Deployer{snapshots: snapshots, registry: registry, audit: audit, eval: eval, log: log}
}

// Deploy evaluates the snapshot and, on success, makes it the live
// deployment for (agent, role). A failed evaluation is audited as
// DEPLOY_REJECTED and returned as an error.
func (d *Deployer) Deploy(ctx context.Context, snapshotID, role string) (*Deployment, error) {
	snap, archive, err := d.snapshots.Load(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	if d.eval != nil {
		if evalErr := d.eval.Evaluate(ctx, snap, archive); evalErr != nil {
			_ = d.audit.Log(ctx, ActionDeployRejected, snap.AgentID, snap.ID, map[string]any{
				"version": snap.Version,
				"role":    role,
				"reason":  evalErr.Error(),
			})
			d.log.Warn("deployment rejected by evaluation",
				zap.String("agent_id", snap.AgentID),
				zap.String("snapshot_id", snap.ID),
				zap.Error(evalErr))
			return nil, fmt.Errorf("version: evaluation failed for %s/%s: %w", snap.AgentID, snap.Version, evalErr)
		}
	}

	dep, err := d.registry.Deploy(ctx, snap.AgentID, snap.ID, role)
	if err != nil {
		return nil, err
	}
	_ = d.audit.Log(ctx, ActionDeploy, snap.AgentID, snap.ID, map[string]any{
		"version":       snap.Version,
		"role":          role,
		"deployment_id": dep.ID,
	})
	d.log.Info("snapshot deployed",
		zap.String("agent_id", snap.AgentID),
		zap.String("version", snap.Version),
		zap.String("role", role))
	return dep, nil
}

// Rollback redeploys an earlier snapshot as the active version and
// records the reversal.
func (d *Deployer) Rollback(ctx context.Context, snapshotID, reason string) (*Deployment, error) {
	snap, err := d.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	dep, err := d.registry.Deploy(ctx, snap.AgentID, snap.ID, RoleActive)
	if err != nil {
		return nil, err
	}
	_ = d.audit.Log(ctx, ActionRollback, snap.AgentID, snap.ID, map[string]any{
		"version": snap.Version,
		"reason":  reason,
	})
	d.log.Warn("rolled back",
		zap.String("agent_id", snap.AgentID),
		zap.String("version", snap.Version),
		zap.String("reason", reason))
	return dep, nil
}
