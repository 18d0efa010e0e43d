package version

import (
	"context"

	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/config"
)

// Verdict summarizes an agent's recent divergence behavior.
type Verdict struct {
	AgentID     string
	Samples     int
	Failures    int
	FailureRate float64
	Alerted     bool
}

// Monitor watches the rolling comparison window and raises alerts when
// shadow outputs diverge too often.
type Monitor struct {
	comparator *Comparator
	audit      *AuditStore
	deployer   *Deployer // used only when auto-rollback is enabled
	cfg        config.ShadowConfig
	log        *zap.Logger
}

// NewMonitor creates a monitor. deployer may be nil when AutoRollback
// is off.
func NewMonitor(comparator *Comparator, audit *AuditStore, deployer *Deployer, cfg config.ShadowConfig, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{comparator: comparator, audit: audit, deployer: deployer, cfg: cfg, log: log}
}

// Evaluate checks the agent's last Window comparisons. Below MinSamples
// it reports without judging. When the failure rate crosses the alert
// line it audits an ALERT and, if auto-rollback is enabled, redeploys
// the previous active snapshot.
func (m *Monitor) Evaluate(ctx context.Context, agentID string) (*Verdict, error) {
	recent, err := m.comparator.Recent(ctx, agentID, m.cfg.Window)
	if err != nil {
		return nil, err
	}
	v := &Verdict{AgentID: agentID, Samples: len(recent)}
	for _, r := range recent {
		if !r.Passed {
			v.Failures++
		}
	}
	if v.Samples > 0 {
		v.FailureRate = float64(v.Failures) / float64(v.Samples)
	}
	if v.Samples < m.cfg.MinSamples || v.FailureRate <= m.cfg.AlertFailureRate {
		return v, nil
	}

	v.Alerted = true
	_ = m.audit.Log(ctx, ActionAlert, agentID, "", map[string]any{
		"samples":      v.Samples,
		"failures":     v.Failures,
		"failure_rate": v.FailureRate,
		"threshold":    m.cfg.AlertFailureRate,
	})
	m.log.Warn("shadow divergence alert",
		zap.String("agent_id", agentID),
		zap.Int("samples", v.Samples),
		zap.Float64("failure_rate", v.FailureRate))

	if m.cfg.AutoRollback && m.deployer != nil {
		if err := m.rollbackToPrevious(ctx, agentID); err != nil {
			m.log.Error("auto-rollback failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return v, nil
}

// rollbackToPrevious finds the snapshot that was active before the
// current one and redeploys it.
func (m *Monitor) rollbackToPrevious(ctx context.Context, agentID string) error {
	history, err := m.deployer.registry.List(ctx, agentID)
	if err != nil {
		return err
	}
	current, err := m.deployer.registry.ActiveDeployment(ctx, agentID, RoleActive)
	if err != nil {
		return err
	}
	for _, d := range history {
		if d.Role == RoleActive && d.SnapshotID != current.SnapshotID {
			_, err := m.deployer.Rollback(ctx, d.SnapshotID, "divergence alert")
			return err
		}
	}
	return ErrNotFound
}
