package merge

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), output)
	return string(output)
}

func setupTestRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	gitRun(t, repo, "init")
	gitRun(t, repo, "config", "user.name", "Test User")
	gitRun(t, repo, "config", "user.email", "test@example.com")
	gitRun(t, repo, "checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Test Repo\n"), 0644))
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "initial commit")
	return repo
}

// gitSession provisions real workspaces for both agents of a finished session.
func gitSession(t *testing.T) (*registry.Registry, *worktree.Manager, string, []*worktree.Workspace) {
	t.Helper()
	repo := setupTestRepo(t)
	mgr := worktree.NewManager(worktree.Config{RepoPath: repo, BaseBranch: "main"}, worktree.NewGitCLI(repo, nil), zap.NewNop())

	g, err := scheduler.Build([]scheduler.TaskSpec{
		{ID: "A", EstimatedMinutes: 10},
		{ID: "B", EstimatedMinutes: 10},
	})
	require.NoError(t, err)
	plan, err := scheduler.NewPlanner(nil).Plan(g, scheduler.AgentRequest{Count: 2})
	require.NoError(t, err)

	reg := registry.New(registry.Options{})
	_, err = reg.Initialize("git", g, plan)
	require.NoError(t, err)
	require.NoError(t, reg.Start())

	var wss []*worktree.Workspace
	for _, agent := range []string{"agent-1", "agent-2"} {
		ws, err := mgr.Provision(context.Background(), agent, "main")
		require.NoError(t, err)
		require.NoError(t, reg.RegisterWorkspace(ws))
		wss = append(wss, ws)
	}
	for _, task := range reg.Snapshot().Tasks {
		require.NoError(t, reg.UpdateTaskStatus(registry.TaskUpdate{TaskID: task.ID, To: scheduler.TaskActive, AgentID: task.AssignedAgent}))
		require.NoError(t, reg.UpdateTaskStatus(registry.TaskUpdate{TaskID: task.ID, To: scheduler.TaskCompleted, AgentID: task.AssignedAgent}))
	}
	return reg, mgr, repo, wss
}

func TestGitMergeDisjointUnion(t *testing.T) {
	reg, mgr, repo, wss := gitSession(t)
	ctx := context.Background()
	c := NewCoordinator(reg, mgr, nil, nil, nil)

	require.NoError(t, os.WriteFile(filepath.Join(wss[0].Path, "a.txt"), []byte("a\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wss[1].Path, "b.txt"), []byte("b\n"), 0644))

	for _, ws := range wss {
		_, err := c.MarkReadyToMerge(ctx, ws.ID)
		require.NoError(t, err)
	}
	for _, ws := range wss {
		require.NoError(t, c.Merge(ctx, ws.ID, Options{}))
	}

	assert.FileExists(t, filepath.Join(repo, "a.txt"))
	assert.FileExists(t, filepath.Join(repo, "b.txt"))
	files := gitRun(t, repo, "ls-tree", "--name-only", "main")
	assert.Contains(t, files, "a.txt")
	assert.Contains(t, files, "b.txt")
}

func TestGitMergeOverlapAppliesNeither(t *testing.T) {
	reg, mgr, repo, wss := gitSession(t)
	ctx := context.Background()
	c := NewCoordinator(reg, mgr, nil, nil, nil)
	before := strings.TrimSpace(gitRun(t, repo, "rev-parse", "main"))

	require.NoError(t, os.WriteFile(filepath.Join(wss[0].Path, "README.md"), []byte("# one\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wss[1].Path, "README.md"), []byte("# two\n"), 0644))

	for _, ws := range wss {
		_, err := c.MarkReadyToMerge(ctx, ws.ID)
		require.NoError(t, err)
	}
	for _, ws := range wss {
		err := c.Merge(ctx, ws.ID, Options{})
		assert.True(t, errors.Is(err, ErrMergeConflict), "got %v", err)
	}

	assert.Equal(t, before, strings.TrimSpace(gitRun(t, repo, "rev-parse", "main")))
}
