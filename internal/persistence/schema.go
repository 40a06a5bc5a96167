package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		feature TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		critical_path TEXT NOT NULL,
		critical_path_minutes INTEGER NOT NULL,
		version INTEGER NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_archived_at ON sessions(archived_at);

	CREATE TABLE IF NOT EXISTS session_tasks (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		owner_patterns TEXT NOT NULL,
		assigned_agent TEXT NOT NULL,
		estimated_minutes INTEGER NOT NULL,
		checks TEXT NOT NULL,
		artifacts TEXT NOT NULL,
		blocked_reason TEXT NOT NULL,
		blocked_by_failure INTEGER NOT NULL,
		error TEXT NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_agents (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		queue TEXT NOT NULL,
		current_task TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		error TEXT NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_workspaces (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		base_reference TEXT NOT NULL,
		base_commit TEXT NOT NULL,
		branch TEXT NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL,
		changed_paths TEXT NOT NULL,
		created_at TEXT NOT NULL,
		error TEXT NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_handoffs (
		session_id TEXT NOT NULL,
		producer TEXT NOT NULL,
		consumer TEXT NOT NULL,
		position INTEGER NOT NULL,
		artifacts TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (session_id, producer, consumer),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
