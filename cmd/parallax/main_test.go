package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/backend"
	"github.com/aristath/parallax/internal/config"
	"github.com/aristath/parallax/internal/persistence"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := backend.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())
	require.NoError(t, pm.KillAll())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		assert.Error(t, err, "process should have been killed")
	case <-time.After(2 * time.Second):
		t.Fatal("process did not terminate after KillAll")
	}

	// KillAll leaves untracking to the executor.
	assert.Equal(t, 1, pm.Count())
	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}

func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not cancel after SIGUSR1")
	}
	assert.Equal(t, context.Canceled, ctx.Err())
}

func TestAgentRequest(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Roles = []scheduler.RoleSpec{
		{Name: "backend", Focus: []string{"api/**"}},
		{Name: "frontend", Focus: []string{"ui/**"}},
	}

	tests := []struct {
		name      string
		count     int
		roles     []string
		serialize bool
		want      scheduler.AgentRequest
	}{
		{
			name: "configured defaults",
			want: scheduler.AgentRequest{Count: 2, Roles: cfg.Agents.Roles},
		},
		{
			name:  "count override keeps roles",
			count: 4,
			want:  scheduler.AgentRequest{Count: 4, Roles: cfg.Agents.Roles},
		},
		{
			name:  "roles keep configured focus",
			roles: []string{"frontend", "docs"},
			want: scheduler.AgentRequest{Count: 2, Roles: []scheduler.RoleSpec{
				{Name: "frontend", Focus: []string{"ui/**"}},
				{Name: "docs"},
			}},
		},
		{
			name:      "serialize flag",
			serialize: true,
			want:      scheduler.AgentRequest{Count: 2, Roles: cfg.Agents.Roles, Serialize: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, agentRequest(cfg, tt.count, tt.roles, tt.serialize))
		})
	}
}

func TestOpenStoreResolvesAgainstRepo(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Repo.Path = t.TempDir()

	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, filepath.Join(cfg.Repo.Path, ".parallax", "sessions.db"))
}

func TestAppShutdownWithoutSession(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Repo.Path = t.TempDir()

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, a.orch.Status())

	a.shutdown("test")
	a.shutdown("test again")
}

func TestProgressLine(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &registry.Session{
		StartedAt: start,
		Status:    registry.SessionRunning,
		Tasks: []*scheduler.Task{
			{ID: "a", Status: scheduler.TaskCompleted},
			{ID: "b", Status: scheduler.TaskActive},
			{ID: "c", Status: scheduler.TaskBlocked},
			{ID: "d", Status: scheduler.TaskPending},
		},
	}
	assert.Equal(t, "[12m5s] 1/4 completed, 1 active, 1 blocked, 0 failed",
		progressLine(s, start.Add(12*time.Minute+5*time.Second+300*time.Millisecond)))
}

func TestStallNotice(t *testing.T) {
	s := &registry.Session{
		Status: registry.SessionRunning,
		Tasks: []*scheduler.Task{
			{ID: "a", Status: scheduler.TaskCompleted},
			{ID: "b", Status: scheduler.TaskFailed},
		},
		Workspaces: []*worktree.Workspace{
			{ID: "ws-1", Status: worktree.StatusReadyToMerge, Error: "merge conflict"},
			{ID: "ws-2", Status: worktree.StatusMerged},
		},
	}
	assert.Equal(t,
		"Session stalled, waiting on task b, workspace ws-1. Press Ctrl+C to abort or rerun with --abort-on-stall.",
		stallNotice(s))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name    string
		session *registry.Session
		wantErr bool
	}{
		{"completed", &registry.Session{Status: registry.SessionCompleted, Tasks: []*scheduler.Task{{ID: "a", Status: scheduler.TaskCompleted}}}, false},
		{"leaf failure", &registry.Session{Status: registry.SessionCompleted, Tasks: []*scheduler.Task{{ID: "a", Status: scheduler.TaskFailed}}}, true},
		{"aborted", &registry.Session{ID: "s", Status: registry.SessionAborted}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := outcome(tt.session)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionTable(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := sessionTable([]persistence.SessionSummary{
		{ID: "sess-2", Feature: "billing", Status: "completed", StartedAt: start, EndedAt: start.Add(42 * time.Minute), Tasks: 5, Completed: 5},
		{ID: "sess-1", Feature: "search", Status: "aborted", StartedAt: start, Tasks: 3, Completed: 1, Failed: 2},
	})
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "sess-2")
	assert.Contains(t, out, "42m0s")
	assert.Contains(t, out, "5/5")
	assert.Contains(t, out, "1/3")
}

func TestDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", duration(start, time.Time{}))
	assert.Equal(t, "1h30m0s", duration(start, start.Add(90*time.Minute)))
}

func TestInitPath(t *testing.T) {
	defer func() { initGlobal = false }()

	assert.Equal(t, projectConfig, mustInitPath(t))

	initGlobal = true
	global, err := config.GlobalPath()
	require.NoError(t, err)
	assert.Equal(t, global, mustInitPath(t))
}

func mustInitPath(t *testing.T) string {
	t.Helper()
	path, err := initPath()
	require.NoError(t, err)
	return path
}
