package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	class TEXT NOT NULL CHECK(class IN ('lead','coder','builder','oracle','recon','planner','auditor')),
	model TEXT NOT NULL DEFAULT '',
	transport TEXT NOT NULL DEFAULT 'terminal' CHECK(transport IN ('daemon','terminal')),
	status TEXT NOT NULL DEFAULT '',
	context_summary TEXT NOT NULL DEFAULT '',
	last_seen TEXT NOT NULL,
	context_updated_at TEXT NOT NULL,
	hp_input_tokens INTEGER NOT NULL DEFAULT 0,
	hp_output_tokens INTEGER NOT NULL DEFAULT 0,
	hp_turn_input INTEGER NOT NULL DEFAULT 0,
	hp_turn_output INTEGER NOT NULL DEFAULT 0,
	hp_tokens_limit INTEGER,
	hp_mode TEXT NOT NULL DEFAULT 'none' CHECK(hp_mode IN ('daemon','self-reported','none')),
	hp_alerts_fired TEXT NOT NULL DEFAULT '[]',
	current_zone TEXT NOT NULL DEFAULT '',
	current_role TEXT NOT NULL DEFAULT '',
	registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	content_path TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	read_flag INTEGER NOT NULL DEFAULT 0,
	is_cc INTEGER NOT NULL DEFAULT 0,
	cc_original_to TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS messages_recipient_unread
ON messages(to_agent, read_flag, timestamp, id);

CREATE TABLE IF NOT EXISTS broadcast_reads (
	agent_name TEXT NOT NULL,
	message_id INTEGER NOT NULL,
	read_at TEXT NOT NULL,
	PRIMARY KEY(agent_name, message_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	task_file TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	zone TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	blocked_by TEXT NOT NULL DEFAULT '[]',
	assigned_to TEXT,
	created_by TEXT NOT NULL,
	files TEXT NOT NULL DEFAULT '[]',
	progress TEXT NOT NULL DEFAULT '',
	class_required TEXT NOT NULL DEFAULT 'coder' CHECK(class_required IN ('lead','coder','builder','oracle','recon','planner','auditor')),
	task_type TEXT NOT NULL DEFAULT 'base',
	activity_count INTEGER NOT NULL DEFAULT 0,
	result_file TEXT,
	requirement_path TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_status_class
ON tasks(status, class_required);

CREATE INDEX IF NOT EXISTS tasks_assigned
ON tasks(assigned_to, status);

CREATE TABLE IF NOT EXISTS task_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	agent TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS task_history_task
ON task_history(task_id, id);

CREATE TABLE IF NOT EXISTS task_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	agent TEXT NOT NULL,
	phase TEXT NOT NULL,
	comment TEXT NOT NULL,
	files_read TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS file_claims (
	file_path TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS claim_waitlist (
	file_path TEXT NOT NULL,
	agent TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	PRIMARY KEY(file_path, agent)
);

CREATE TABLE IF NOT EXISTS plans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	plan_file TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('active','completed','canceled','superseded','abandoned')),
	set_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS plans_project_status
ON plans(project, status);

CREATE TABLE IF NOT EXISTS raid_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent TEXT NOT NULL,
	entry_file TEXT NOT NULL,
	priority TEXT NOT NULL CHECK(priority IN ('low','normal','high','critical')),
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flags (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT '',
	set_by TEXT NOT NULL,
	set_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fenix_records (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	files TEXT NOT NULL DEFAULT '[]',
	manifest TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	consumed_at TEXT
);

CREATE INDEX IF NOT EXISTS fenix_agent_unconsumed
ON fenix_records(agent, consumed_at);

CREATE TABLE IF NOT EXISTS agent_retire (
	agent TEXT PRIMARY KEY,
	requested_by TEXT NOT NULL,
	requested_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_interrupt (
	agent TEXT PRIMARY KEY,
	requested_by TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	resume_message TEXT
);

CREATE TABLE IF NOT EXISTS invocation_log (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	result TEXT NOT NULL DEFAULT '',
	turn_input INTEGER NOT NULL DEFAULT 0,
	turn_output INTEGER NOT NULL DEFAULT 0,
	message_ids TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS compaction_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent TEXT NOT NULL,
	marker TEXT NOT NULL,
	detected_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS compaction_log;
DROP TABLE IF EXISTS invocation_log;
DROP TABLE IF EXISTS agent_interrupt;
DROP TABLE IF EXISTS agent_retire;
DROP TABLE IF EXISTS fenix_records;
DROP TABLE IF EXISTS flags;
DROP TABLE IF EXISTS raid_log;
DROP TABLE IF EXISTS plans;
DROP TABLE IF EXISTS claim_waitlist;
DROP TABLE IF EXISTS file_claims;
DROP TABLE IF EXISTS task_comments;
DROP TABLE IF EXISTS task_history;
DROP TABLE IF EXISTS tasks;
DROP TABLE IF EXISTS broadcast_reads;
DROP TABLE IF EXISTS messages;
DROP TABLE IF EXISTS agents;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
