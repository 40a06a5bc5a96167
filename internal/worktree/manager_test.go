package worktree

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
)

// setupTestRepo creates a temporary git repository on branch main with one commit.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
		{"checkout", "-b", "main"},
	} {
		gitRun(t, repoPath, args...)
	}

	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644))
	gitRun(t, repoPath, "add", ".")
	gitRun(t, repoPath, "commit", "-m", "initial commit")

	return repoPath
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), output)
	return string(output)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	repoPath := setupTestRepo(t)
	m := NewManager(Config{RepoPath: repoPath, BaseBranch: "main"}, NewGitCLI(repoPath, zap.NewNop()), zap.NewNop())
	return m, repoPath
}

func TestProvision(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Provision(ctx, "agent-1", "")
	require.NoError(t, err)

	assert.Equal(t, StatusActive, ws.Status)
	assert.Equal(t, "agent-1", ws.AgentID)
	assert.Equal(t, "main", ws.BaseReference)
	assert.True(t, strings.HasPrefix(ws.Branch, "parallax/agent-1-"))
	assert.True(t, strings.HasPrefix(ws.Path, filepath.Join(repoPath, ".worktrees")))
	assert.FileExists(t, filepath.Join(ws.Path, "README.md"))

	head := strings.TrimSpace(gitRun(t, ws.Path, "rev-parse", "HEAD"))
	assert.Equal(t, ws.BaseCommit, head)
}

func TestProvisionBaseUnavailable(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Provision(context.Background(), "agent-1", "no-such-branch")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBaseUnavailable))

	var baseErr *BaseUnavailableError
	require.True(t, errors.As(err, &baseErr))
	assert.Equal(t, "agent-1", baseErr.AgentID)
	assert.Equal(t, "no-such-branch", baseErr.Reference)
	assert.True(t, errors.Is(err, ErrUnknownRef))
	assert.Empty(t, m.workspaces, "no workspace should be recorded")
}

// brokenVCS fails every reference lookup with err.
type brokenVCS struct {
	VCS
	err error
}

func (b brokenVCS) ResolveRef(context.Context, string) (string, error) { return "", b.err }

func TestProvisionResolveFailureIsNotBaseUnavailable(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		manager func(t *testing.T) *Manager
		ctx     context.Context
		wantErr error
	}{
		{
			name:    "cancelled context",
			manager: func(t *testing.T) *Manager { m, _ := newTestManager(t); return m },
			ctx:     cancelled,
			wantErr: context.Canceled,
		},
		{
			name: "git not runnable",
			manager: func(t *testing.T) *Manager {
				return NewManager(Config{RepoPath: t.TempDir(), BaseBranch: "main"},
					brokenVCS{err: exec.ErrNotFound}, zap.NewNop())
			},
			ctx:     context.Background(),
			wantErr: exec.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.manager(t)
			_, err := m.Provision(tt.ctx, "agent-1", "main")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, errors.Is(err, ErrBaseUnavailable), "got %v", err)
			assert.Empty(t, m.workspaces)
		})
	}
}

func TestProvisionOnePerAgent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)

	_, err = m.Provision(ctx, "agent-1", "main")
	assert.True(t, errors.Is(err, ErrAgentHasWorkspace))

	// After discard the agent may provision again.
	require.NoError(t, m.Discard(ctx, first.ID))
	second, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)
	assert.NotEqual(t, first.Path, second.Path)
}

func TestWorkspacesAreIsolated(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	a, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)
	b, err := m.Provision(ctx, "agent-2", "main")
	require.NoError(t, err)

	assert.False(t, aliases(a.Path, b.Path))
	writeFile(t, a.Path, "only-a.txt", "a\n")

	assert.NoFileExists(t, filepath.Join(b.Path, "only-a.txt"))
	assert.NoFileExists(t, filepath.Join(repoPath, "only-a.txt"))
}

func TestAliases(t *testing.T) {
	assert.True(t, aliases("/r/.worktrees/a", "/r/.worktrees/a/"))
	assert.True(t, aliases("/r/.worktrees/a", "/r/.worktrees/a/nested"))
	assert.False(t, aliases("/r/.worktrees/a", "/r/.worktrees/ab"))
}

func TestSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)

	paths, err := m.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, paths)

	// Committed, modified, and untracked changes all count.
	writeFile(t, ws.Path, "src/committed.go", "package src\n")
	gitRun(t, ws.Path, "add", ".")
	gitRun(t, ws.Path, "commit", "-m", "work")
	writeFile(t, ws.Path, "README.md", "# Changed\n")
	writeFile(t, ws.Path, "notes/untracked.md", "draft\n")

	paths, err = m.Snapshot(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "notes/untracked.md", "src/committed.go"}, paths)
}

func TestIntegrateAndRelease(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)
	writeFile(t, ws.Path, "feature.txt", "done\n")

	require.NoError(t, m.Integrate(ctx, ws.ID, "merge agent-1"))
	require.NoError(t, m.Release(ctx, ws.ID))

	assert.FileExists(t, filepath.Join(repoPath, "feature.txt"))
	assert.NoDirExists(t, ws.Path)

	got, ok := m.workspaces[ws.ID]
	require.True(t, ok)
	assert.Equal(t, StatusMerged, got.Status)

	branches := gitRun(t, repoPath, "branch", "--list", ws.Branch)
	assert.Empty(t, strings.TrimSpace(branches))
}

func TestIntegrateConflict(t *testing.T) {
	m, repoPath := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)
	writeFile(t, ws.Path, "README.md", "# From workspace\n")

	// Advance main with a conflicting edit.
	writeFile(t, repoPath, "README.md", "# From main\n")
	gitRun(t, repoPath, "commit", "-am", "main edit")
	mainHead := strings.TrimSpace(gitRun(t, repoPath, "rev-parse", "main"))

	err = m.Integrate(ctx, ws.ID, "merge agent-1")
	var conflict *IntegrationConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, []string{"README.md"}, conflict.Paths)

	// Nothing was applied.
	assert.Equal(t, mainHead, strings.TrimSpace(gitRun(t, repoPath, "rev-parse", "main")))
}

func TestDiscard(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)

	require.NoError(t, m.Discard(ctx, ws.ID))
	assert.NoDirExists(t, ws.Path)
	// Idempotent.
	require.NoError(t, m.Discard(ctx, ws.ID))

	assert.True(t, errors.Is(m.Discard(ctx, "ws-missing"), ErrNotFound))

	_, err = m.Snapshot(ctx, ws.ID)
	assert.Error(t, err)
}

func TestDiscardMergedFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)
	require.NoError(t, m.Integrate(ctx, ws.ID, "merge"))
	require.NoError(t, m.Release(ctx, ws.ID))

	assert.True(t, errors.Is(m.Discard(ctx, ws.ID), ErrAlreadyMerged))
}

func TestPruneStale(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()
	vcs := NewGitCLI(repoPath, zap.NewNop())

	// A leftover checkout from an earlier run.
	stale := filepath.Join(repoPath, ".worktrees", "agent-9-dead")
	gitRun(t, repoPath, "worktree", "add", "-b", "parallax/agent-9-dead", stale, "main")

	m := NewManager(Config{RepoPath: repoPath, BaseBranch: "main"}, vcs, zap.NewNop())
	live, err := m.Provision(ctx, "agent-1", "main")
	require.NoError(t, err)

	removed, err := m.PruneStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, live.Path)

	entries, err := vcs.ListWorktrees(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "main checkout plus the live workspace")
}

func TestParseConflictFiles(t *testing.T) {
	output := "4b825dc642cb6eb9a060e54bf8d69288fbee4904\n" +
		"a.txt\n" +
		"dir/b.txt\n" +
		"\n" +
		"Auto-merging a.txt\n" +
		"CONFLICT (content): Merge conflict in a.txt\n" +
		"CONFLICT (modify/delete): dir/b.txt deleted in main and modified in feature\n"

	assert.Equal(t, []string{"a.txt", "dir/b.txt"}, parseConflictFiles(output))
}

func TestStatusNames(t *testing.T) {
	for _, s := range []Status{StatusProvisioning, StatusActive, StatusReadyToMerge, StatusMerged, StatusDiscarded} {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.True(t, StatusMerged.Terminal())
	assert.False(t, StatusReadyToMerge.Terminal())
}
