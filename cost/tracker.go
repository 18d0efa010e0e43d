package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/gateway"
)

// Tracker records one usage row per successful LLM call and answers
// cost summary queries. It plugs into the gateway as its UsageRecorder.
type Tracker struct {
	db  *sqlx.DB
	log *zap.Logger
	now func() time.Time
}

// NewTracker creates a tracker over the shared database.
func NewTracker(db *sqlx.DB, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{db: db, log: log, now: time.Now}
}

var _ gateway.UsageRecorder = (*Tracker)(nil)

// Record prices and persists one call's usage.
func (t *Tracker) Record(ctx context.Context, rec gateway.UsageRecord) error {
	cost := Estimate(rec.Model, rec.TokensIn, rec.TokensOut)
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO usage_records (run_id, workflow_id, agent_id, provider, model, tokens_in, tokens_out, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.WorkflowID, rec.AgentID, rec.Provider, rec.Model,
		rec.TokensIn, rec.TokensOut, cost, t.now().UTC())
	if err != nil {
		return fmt.Errorf("cost: record usage: %w", err)
	}
	t.log.Debug("usage recorded",
		zap.String("run_id", rec.RunID),
		zap.String("agent_id", rec.AgentID),
		zap.String("model", rec.Model),
		zap.Float64("cost_usd", cost))
	return nil
}

// RunCost is the running total for one workflow run.
type RunCost struct {
	RunID     string  `db:"run_id" json:"run_id"`
	Calls     int     `db:"calls" json:"calls"`
	TokensIn  int     `db:"tokens_in" json:"tokens_in"`
	TokensOut int     `db:"tokens_out" json:"tokens_out"`
	CostUSD   float64 `db:"cost_usd" json:"cost_usd"`
}

// RunTotal sums a run's usage. A run with no usage reports zeros.
func (t *Tracker) RunTotal(ctx context.Context, runID string) (RunCost, error) {
	var rc RunCost
	err := t.db.GetContext(ctx, &rc, `
		SELECT ? AS run_id,
		       COUNT(*) AS calls,
		       COALESCE(SUM(tokens_in), 0) AS tokens_in,
		       COALESCE(SUM(tokens_out), 0) AS tokens_out,
		       COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM usage_records WHERE run_id = ?`, runID, runID)
	if err != nil {
		return RunCost{}, fmt.Errorf("cost: run total: %w", err)
	}
	return rc, nil
}

// AgentCost is one agent's share of a summary.
type AgentCost struct {
	AgentID   string  `db:"agent_id" json:"agent_id"`
	Calls     int     `db:"calls" json:"calls"`
	TokensIn  int     `db:"tokens_in" json:"tokens_in"`
	TokensOut int     `db:"tokens_out" json:"tokens_out"`
	CostUSD   float64 `db:"cost_usd" json:"cost_usd"`
}

// WorkflowSummary aggregates a workflow's usage across runs.
type WorkflowSummary struct {
	WorkflowID string      `json:"workflow_id"`
	TotalUSD   float64     `json:"total_usd"`
	ByAgent    []AgentCost `json:"by_agent"`
}

// WorkflowTotal aggregates all runs of a workflow, broken down by agent.
func (t *Tracker) WorkflowTotal(ctx context.Context, workflowID string) (WorkflowSummary, error) {
	var agents []AgentCost
	err := t.db.SelectContext(ctx, &agents, `
		SELECT agent_id,
		       COUNT(*) AS calls,
		       COALESCE(SUM(tokens_in), 0) AS tokens_in,
		       COALESCE(SUM(tokens_out), 0) AS tokens_out,
		       COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM usage_records WHERE workflow_id = ?
		GROUP BY agent_id ORDER BY cost_usd DESC`, workflowID)
	if err != nil {
		return WorkflowSummary{}, fmt.Errorf("cost: workflow total: %w", err)
	}
	sum := WorkflowSummary{WorkflowID: workflowID, ByAgent: agents}
	for _, a := range agents {
		sum.TotalUSD += a.CostUSD
	}
	return sum, nil
}

// RunAgents breaks one run's usage down by agent.
func (t *Tracker) RunAgents(ctx context.Context, runID string) ([]AgentCost, error) {
	var agents []AgentCost
	err := t.db.SelectContext(ctx, &agents, `
		SELECT agent_id,
		       COUNT(*) AS calls,
		       COALESCE(SUM(tokens_in), 0) AS tokens_in,
		       COALESCE(SUM(tokens_out), 0) AS tokens_out,
		       COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM usage_records WHERE run_id = ?
		GROUP BY agent_id ORDER BY cost_usd DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("cost: run agents: %w", err)
	}
	return agents, nil
}
