// Package version manages agent versions: snapshot archives, active and
// shadow deployments, probabilistic shadow execution with divergence
// monitoring, and manual rollback — with an immutable audit trail for
// every versioning action.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Audit actions.
const (
	ActionSnapshot       = "SNAPSHOT"
	ActionDeploy         = "DEPLOY"
	ActionDeployRejected = "DEPLOY_REJECTED"
	ActionRollback       = "ROLLBACK"
	ActionAlert          = "ALERT"
)

// AuditEntry is one immutable audit row.
type AuditEntry struct {
	ID        int64          `db:"id" json:"id"`
	Action    string         `db:"action" json:"action"`
	AgentID   string         `db:"agent_id" json:"agent_id"`
	SubjectID string         `db:"subject_id" json:"subject_id"`
	Detail    map[string]any `db:"-" json:"detail,omitempty"`
	DetailRaw string         `db:"detail" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// AuditStore appends and reads the audit log. Rows are never updated.
type AuditStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewAuditStore creates a store over the shared database.
func NewAuditStore(db *sqlx.DB) *AuditStore {
	return &AuditStore{db: db, now: time.Now}
}

// Log appends one entry.
func (a *AuditStore) Log(ctx context.Context, action, agentID, subjectID string, detail map[string]any) error {
	data, err := json.Marshal(orEmpty(detail))
	if err != nil {
		return fmt.Errorf("version: encode audit detail: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO audit_logs (action, agent_id, subject_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		action, agentID, subjectID, string(data), a.now().UTC())
	if err != nil {
		return fmt.Errorf("version: audit log: %w", err)
	}
	return nil
}

// List returns an agent's entries newest first; empty agentID lists all.
func (a *AuditStore) List(ctx context.Context, agentID string, limit int) ([]AuditEntry, error) {
	q := `SELECT id, action, agent_id, subject_id, detail, created_at FROM audit_logs`
	var args []any
	if agentID != "" {
		q += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	var entries []AuditEntry
	if err := a.db.SelectContext(ctx, &entries, q, args...); err != nil {
		return nil, fmt.Errorf("version: list audit: %w", err)
	}
	for i := range entries {
		if entries[i].DetailRaw != "" {
			if err := json.Unmarshal([]byte(entries[i].DetailRaw), &entries[i].Detail); err != nil {
				return nil, fmt.Errorf("version: decode audit detail: %w", err)
			}
		}
	}
	return entries, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
