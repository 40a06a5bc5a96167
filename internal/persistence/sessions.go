package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

const (
	opTimeout = 5 * time.Second
	// Fixed-width UTC timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SaveSession writes a complete session snapshot. Saving the same session
// again replaces the earlier copy.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *registry.Session) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	criticalPath, err := encode(sess.CriticalPath)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, feature, status, started_at, ended_at, critical_path, critical_path_minutes, version, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			feature = excluded.feature,
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			critical_path = excluded.critical_path,
			critical_path_minutes = excluded.critical_path_minutes,
			version = excluded.version,
			archived_at = excluded.archived_at
	`, sess.ID, sess.Feature, sess.Status.String(), formatTime(sess.StartedAt), formatTime(sess.EndedAt),
		criticalPath, sess.CriticalPathMinutes, int64(sess.Version), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	for _, table := range []string{"session_tasks", "session_agents", "session_workspaces", "session_handoffs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", sess.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, t := range sess.Tasks {
		if err := insertTask(ctx, tx, sess.ID, i, t); err != nil {
			return err
		}
	}
	for i, a := range sess.Agents {
		queue, err := encode(a.Queue)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_agents (session_id, id, position, role, status, queue, current_task, workspace_id, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, a.ID, i, a.Role, a.Status.String(), queue, a.CurrentTask, a.WorkspaceID, a.Error); err != nil {
			return fmt.Errorf("failed to insert agent %s: %w", a.ID, err)
		}
	}
	for i, w := range sess.Workspaces {
		paths, err := encode(w.ChangedPaths)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_workspaces (session_id, id, position, agent_id, base_reference, base_commit, branch, path, status, changed_paths, created_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, w.ID, i, w.AgentID, w.BaseReference, w.BaseCommit, w.Branch, w.Path, w.Status.String(),
			paths, formatTime(w.CreatedAt), w.Error); err != nil {
			return fmt.Errorf("failed to insert workspace %s: %w", w.ID, err)
		}
	}
	for i, h := range sess.Handoffs {
		artifacts, err := encode(h.Artifacts)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_handoffs (session_id, producer, consumer, position, artifacts, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, h.Producer, h.Consumer, i, artifacts, h.Status.String(),
			formatTime(h.CreatedAt), formatTime(h.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert handoff %s -> %s: %w", h.Producer, h.Consumer, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, sessionID string, position int, t *scheduler.Task) error {
	cols := make([]string, 0, 4)
	for _, v := range []any{t.DependsOn, t.OwnerPatterns, t.Checks, t.Artifacts} {
		s, err := encode(v)
		if err != nil {
			return err
		}
		cols = append(cols, s)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_tasks (session_id, id, position, description, status, depends_on, owner_patterns,
			assigned_agent, estimated_minutes, checks, artifacts, blocked_reason, blocked_by_failure, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, t.ID, position, t.Description, t.Status.String(), cols[0], cols[1],
		t.AssignedAgent, t.EstimatedMinutes, cols[2], cols[3], t.BlockedReason, t.BlockedByFailure, t.Error)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetSession loads an archived session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*registry.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sess := &registry.Session{ID: id}
	var status, startedAt, endedAt, criticalPath string
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT feature, status, started_at, ended_at, critical_path, critical_path_minutes, version
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.Feature, &status, &startedAt, &endedAt, &criticalPath, &sess.CriticalPathMinutes, &version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	sess.Version = uint64(version)
	if sess.Status, err = registry.ParseSessionStatus(status); err != nil {
		return nil, err
	}
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if sess.EndedAt, err = parseTime(endedAt); err != nil {
		return nil, err
	}
	if err := decode(criticalPath, &sess.CriticalPath); err != nil {
		return nil, err
	}

	if sess.Tasks, err = s.loadTasks(ctx, id); err != nil {
		return nil, err
	}
	if sess.Agents, err = s.loadAgents(ctx, id); err != nil {
		return nil, err
	}
	if sess.Workspaces, err = s.loadWorkspaces(ctx, id); err != nil {
		return nil, err
	}
	if sess.Handoffs, err = s.loadHandoffs(ctx, id); err != nil {
		return nil, err
	}
	return sess, nil
}

// LatestSession loads the most recently archived session.
func (s *SQLiteStore) LatestSession(ctx context.Context) (*registry.Session, error) {
	summaries, err := s.ListSessions(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, ErrSessionNotFound
	}
	return s.GetSession(ctx, summaries[0].ID)
}

// ListSessions returns archived sessions, newest first. limit <= 0 returns all.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.feature, s.status, s.started_at, s.ended_at, s.archived_at,
			COUNT(t.id),
			COALESCE(SUM(CASE WHEN t.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM sessions s
		LEFT JOIN session_tasks t ON t.session_id = s.id
		GROUP BY s.id
		ORDER BY s.archived_at DESC, s.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	summaries := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var startedAt, endedAt, archivedAt string
		if err := rows.Scan(&sum.ID, &sum.Feature, &sum.Status, &startedAt, &endedAt, &archivedAt,
			&sum.Tasks, &sum.Completed, &sum.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if sum.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if sum.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, err
		}
		if sum.ArchivedAt, err = parseTime(archivedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return summaries, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, sessionID string) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, status, depends_on, owner_patterns, assigned_agent, estimated_minutes,
			checks, artifacts, blocked_reason, blocked_by_failure, error
		FROM session_tasks WHERE session_id = ? ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		t := &scheduler.Task{}
		var status, dependsOn, patterns, checks, artifacts string
		if err := rows.Scan(&t.ID, &t.Description, &status, &dependsOn, &patterns, &t.AssignedAgent,
			&t.EstimatedMinutes, &checks, &artifacts, &t.BlockedReason, &t.BlockedByFailure, &t.Error); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if t.Status, err = scheduler.ParseTaskStatus(status); err != nil {
			return nil, err
		}
		for _, col := range []struct {
			data string
			into any
		}{{dependsOn, &t.DependsOn}, {patterns, &t.OwnerPatterns}, {checks, &t.Checks}, {artifacts, &t.Artifacts}} {
			if err := decode(col.data, col.into); err != nil {
				return nil, fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) loadAgents(ctx context.Context, sessionID string) ([]*registry.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, status, queue, current_task, workspace_id, error
		FROM session_agents WHERE session_id = ? ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*registry.Agent
	for rows.Next() {
		a := &registry.Agent{}
		var status, queue string
		if err := rows.Scan(&a.ID, &a.Role, &status, &queue, &a.CurrentTask, &a.WorkspaceID, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		if a.Status, err = registry.ParseAgentStatus(status); err != nil {
			return nil, err
		}
		if err := decode(queue, &a.Queue); err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

func (s *SQLiteStore) loadWorkspaces(ctx context.Context, sessionID string) ([]*worktree.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, base_reference, base_commit, branch, path, status, changed_paths, created_at, error
		FROM session_workspaces WHERE session_id = ? ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*worktree.Workspace
	for rows.Next() {
		w := &worktree.Workspace{}
		var status, paths, createdAt string
		if err := rows.Scan(&w.ID, &w.AgentID, &w.BaseReference, &w.BaseCommit, &w.Branch, &w.Path,
			&status, &paths, &createdAt, &w.Error); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		if w.Status, err = worktree.ParseStatus(status); err != nil {
			return nil, err
		}
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if err := decode(paths, &w.ChangedPaths); err != nil {
			return nil, fmt.Errorf("workspace %s: %w", w.ID, err)
		}
		workspaces = append(workspaces, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspaces: %w", err)
	}
	return workspaces, nil
}

func (s *SQLiteStore) loadHandoffs(ctx context.Context, sessionID string) ([]*registry.HandoffRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT producer, consumer, artifacts, status, created_at, updated_at
		FROM session_handoffs WHERE session_id = ? ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query handoffs: %w", err)
	}
	defer rows.Close()

	var handoffs []*registry.HandoffRecord
	for rows.Next() {
		h := &registry.HandoffRecord{}
		var artifacts, status, createdAt, updatedAt string
		if err := rows.Scan(&h.Producer, &h.Consumer, &artifacts, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan handoff: %w", err)
		}
		if h.Status, err = registry.ParseHandoffStatus(status); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if err := decode(artifacts, &h.Artifacts); err != nil {
			return nil, err
		}
		handoffs = append(handoffs, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handoffs: %w", err)
	}
	return handoffs, nil
}

// List and map columns are stored as JSON; nil is stored as "null" and
// decodes back to nil.
func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(data), nil
}

func decode(data string, into any) error {
	if err := json.Unmarshal([]byte(data), into); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
