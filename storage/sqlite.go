// Package storage opens the shared SQLite database and applies the
// relational schema used by the run, HITL, quota, cost and versioning
// stores. The checkpoint tables live with the checkpoint saver, which
// shares the same handle.
package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	tenant_id     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	input         TEXT NOT NULL DEFAULT '{}',
	output        TEXT,
	error         TEXT,
	config        TEXT NOT NULL DEFAULT '{}',
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow
	ON workflow_runs (workflow_id, created_at DESC);

CREATE TABLE IF NOT EXISTS review_requests (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	step            TEXT NOT NULL,
	checkpoint_id   TEXT NOT NULL,
	risk_level      TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	decided_by      TEXT,
	decision_note   TEXT,
	created_at      TIMESTAMP NOT NULL,
	expires_at      TIMESTAMP NOT NULL,
	decided_at      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_reviews_pending
	ON review_requests (status, expires_at);

CREATE TABLE IF NOT EXISTS usage_quota (
	workflow_id   TEXT NOT NULL DEFAULT '',
	tenant_id     TEXT NOT NULL DEFAULT '',
	window_start  TIMESTAMP NOT NULL,
	window_end    TIMESTAMP NOT NULL,
	token_limit   INTEGER NOT NULL,
	tokens_used   INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (workflow_id, tenant_id, window_start)
);

CREATE TABLE IF NOT EXISTS usage_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	workflow_id  TEXT NOT NULL DEFAULT '',
	agent_id     TEXT NOT NULL DEFAULT '',
	provider     TEXT NOT NULL,
	model        TEXT NOT NULL,
	tokens_in    INTEGER NOT NULL,
	tokens_out   INTEGER NOT NULL,
	cost_usd     REAL NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records (run_id);
CREATE INDEX IF NOT EXISTS idx_usage_workflow ON usage_records (workflow_id);

CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	version       TEXT NOT NULL,
	archive_path  TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    TIMESTAMP NOT NULL,
	UNIQUE (agent_id, version)
);

CREATE TABLE IF NOT EXISTS deployments (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	snapshot_id  TEXT NOT NULL,
	role         TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	deployed_at  TIMESTAMP NOT NULL,
	retired_at   TIMESTAMP,
	FOREIGN KEY (snapshot_id) REFERENCES snapshots (id)
);

CREATE INDEX IF NOT EXISTS idx_deployments_active
	ON deployments (agent_id, role, active);

CREATE TABLE IF NOT EXISTS comparison_results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id     TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	similarity   REAL NOT NULL,
	passed       INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comparisons_agent
	ON comparison_results (agent_id, id DESC);

CREATE TABLE IF NOT EXISTS audit_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	action      TEXT NOT NULL,
	agent_id    TEXT NOT NULL DEFAULT '',
	subject_id  TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
`

// Open connects to SQLite at the given path (":memory:" for tests),
// applies WAL-mode pragmas for file-backed databases, and creates the
// schema.
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// Connection-local state in modernc sqlite; keep one connection so
	// pragmas and :memory: databases behave.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("storage: %s: %w", pragma, err)
			}
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return db, nil
}
