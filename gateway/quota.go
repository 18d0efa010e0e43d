package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/calebh/agentflow-go/config"
)

// Scope identifies a quota bucket. Either axis may be empty; the empty
// string is the stored sentinel so (workflow, tenant, window) stays a
// usable composite key.
type Scope struct {
	WorkflowID string
	TenantID   string
}

// QuotaStatus is the queryable view of a scope's current window.
type QuotaStatus struct {
	WorkflowID  string    `json:"workflow_id"`
	TenantID    string    `json:"tenant_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	Enforcement string    `json:"enforcement"`
}

// QuotaManager tracks token usage per scope in fixed windows.
//
// Enforcement is soft (log the breach, record the usage, allow the call)
// or hard (reject without recording). RecordUsage intentionally does not
// reconcile reserved tokens against actual usage; the reservation made
// at check time is the accounted figure, and RecordUsage only freshens
// the row. Actual per-call token counts live in usage_records.
type QuotaManager struct {
	db  *sqlx.DB
	cfg config.QuotaConfig
	log *zap.Logger
	now func() time.Time
}

// NewQuotaManager creates a manager over the shared database.
func NewQuotaManager(db *sqlx.DB, cfg config.QuotaConfig, log *zap.Logger) *QuotaManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuotaManager{db: db, cfg: cfg, log: log, now: time.Now}
}

type quotaRow struct {
	WorkflowID  string    `db:"workflow_id"`
	TenantID    string    `db:"tenant_id"`
	WindowStart time.Time `db:"window_start"`
	WindowEnd   time.Time `db:"window_end"`
	TokenLimit  int       `db:"token_limit"`
	TokensUsed  int       `db:"tokens_used"`
}

// window computes the current window bounds: 1 day = calendar day (UTC),
// 30 days = calendar month (UTC), anything else = rolling window
// anchored at first use.
func (q *QuotaManager) window(now time.Time) (time.Time, time.Time, bool) {
	now = now.UTC()
	switch q.cfg.WindowDays {
	case 1:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), true
	case 30:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), true
	default:
		// Rolling window: bounds depend on first use, so the caller
		// anchors at now when no current row exists.
		return now, now.AddDate(0, 0, q.cfg.WindowDays), false
	}
}

// currentRow loads the scope's row for the current window, creating it
// inside the transaction if absent.
func (q *QuotaManager) currentRow(ctx context.Context, tx *sqlx.Tx, scope Scope) (*quotaRow, error) {
	now := q.now().UTC()
	start, end, calendar := q.window(now)

	var row quotaRow
	var err error
	if calendar {
		err = tx.GetContext(ctx, &row, `
			SELECT workflow_id, tenant_id, window_start, window_end, token_limit, tokens_used
			FROM usage_quota
			WHERE workflow_id = ? AND tenant_id = ? AND window_start = ?`,
			scope.WorkflowID, scope.TenantID, start)
	} else {
		// Rolling: the latest window still covering now.
		err = tx.GetContext(ctx, &row, `
			SELECT workflow_id, tenant_id, window_start, window_end, token_limit, tokens_used
			FROM usage_quota
			WHERE workflow_id = ? AND tenant_id = ? AND window_end > ?
			ORDER BY window_start DESC LIMIT 1`,
			scope.WorkflowID, scope.TenantID, now)
	}
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gateway: load quota: %w", err)
	}

	row = quotaRow{
		WorkflowID:  scope.WorkflowID,
		TenantID:    scope.TenantID,
		WindowStart: start,
		WindowEnd:   end,
		TokenLimit:  q.cfg.DefaultLimit,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_quota (workflow_id, tenant_id, window_start, window_end, token_limit, tokens_used, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		row.WorkflowID, row.TenantID, row.WindowStart, row.WindowEnd, row.TokenLimit, now)
	if err != nil {
		return nil, fmt.Errorf("gateway: create quota window: %w", err)
	}
	return &row, nil
}

// CheckAndReserve accounts the estimated tokens against the scope's
// current window. Hard enforcement rejects a breach without recording
// it; soft enforcement logs and records.
func (q *QuotaManager) CheckAndReserve(ctx context.Context, scope Scope, tokens int) error {
	if !q.cfg.Enabled {
		return nil
	}
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gateway: quota begin: %w", err)
	}
	defer tx.Rollback()

	row, err := q.currentRow(ctx, tx, scope)
	if err != nil {
		return err
	}
	if row.TokensUsed+tokens > row.TokenLimit {
		if q.cfg.Enforcement == "hard" {
			return &QuotaExceededError{
				WorkflowID: scope.WorkflowID,
				TenantID:   scope.TenantID,
				Used:       row.TokensUsed,
				Limit:      row.TokenLimit,
				Requested:  tokens,
			}
		}
		q.log.Warn("quota exceeded (soft enforcement, allowing)",
			zap.String("workflow_id", scope.WorkflowID),
			zap.String("tenant_id", scope.TenantID),
			zap.Int("used", row.TokensUsed),
			zap.Int("requested", tokens),
			zap.Int("limit", row.TokenLimit))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE usage_quota SET tokens_used = tokens_used + ?, updated_at = ?
		WHERE workflow_id = ? AND tenant_id = ? AND window_start = ?`,
		tokens, q.now().UTC(), row.WorkflowID, row.TenantID, row.WindowStart)
	if err != nil {
		return fmt.Errorf("gateway: reserve quota: %w", err)
	}
	return tx.Commit()
}

// RecordUsage marks the window fresh after a successful call. The
// reserved figure stands as-is; see the type doc for why.
func (q *QuotaManager) RecordUsage(ctx context.Context, scope Scope) error {
	if !q.cfg.Enabled {
		return nil
	}
	now := q.now().UTC()
	_, err := q.db.ExecContext(ctx, `
		UPDATE usage_quota SET updated_at = ?
		WHERE workflow_id = ? AND tenant_id = ? AND window_end > ?`,
		now, scope.WorkflowID, scope.TenantID, now)
	if err != nil {
		return fmt.Errorf("gateway: record usage: %w", err)
	}
	return nil
}

// Status reports the scope's current window, creating it if absent.
func (q *QuotaManager) Status(ctx context.Context, scope Scope) (QuotaStatus, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("gateway: quota begin: %w", err)
	}
	defer tx.Rollback()

	row, err := q.currentRow(ctx, tx, scope)
	if err != nil {
		return QuotaStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return QuotaStatus{}, err
	}
	remaining := row.TokenLimit - row.TokensUsed
	if remaining < 0 {
		remaining = 0
	}
	return QuotaStatus{
		WorkflowID:  row.WorkflowID,
		TenantID:    row.TenantID,
		WindowStart: row.WindowStart,
		WindowEnd:   row.WindowEnd,
		Limit:       row.TokenLimit,
		Used:        row.TokensUsed,
		Remaining:   remaining,
		Enforcement: q.cfg.Enforcement,
	}, nil
}

// SetLimit overrides the scope's current window limit.
func (q *QuotaManager) SetLimit(ctx context.Context, scope Scope, limit int) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row, err := q.currentRow(ctx, tx, scope)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE usage_quota SET token_limit = ?, updated_at = ?
		WHERE workflow_id = ? AND tenant_id = ? AND window_start = ?`,
		limit, q.now().UTC(), row.WorkflowID, row.TenantID, row.WindowStart)
	if err != nil {
		return fmt.Errorf("gateway: set limit: %w", err)
	}
	return tx.Commit()
}
