package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// VCS is the version-control collaborator the isolation manager delegates to.
// It can create an isolated working copy from a named reference, report the
// paths changed in a working copy, and merge a working copy's branch into a
// target reference, reporting conflicts instead of resolving them.
type VCS interface {
	ResolveRef(ctx context.Context, ref string) (string, error)
	AddWorktree(ctx context.Context, path, branch, base string) error
	RemoveWorktree(ctx context.Context, path, branch string) error
	ChangedPaths(ctx context.Context, path, baseCommit string) ([]string, error)
	CommitAll(ctx context.Context, path, message string) (bool, error)
	MergeConflicts(ctx context.Context, target, branch string) ([]string, string, error)
	Merge(ctx context.Context, target, branch, message string) error
	ListWorktrees(ctx context.Context) ([]WorktreeEntry, error)
	Prune(ctx context.Context) error
}

// WorktreeEntry is one record of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Branch string
	Head   string
}

// GitCLI implements VCS by shelling out to git in RepoPath.
type GitCLI struct {
	RepoPath string
	logger   *zap.Logger
	// Bounds retries of commands that fail on a transient ref or index lock.
	lockRetryElapsed time.Duration
}

// NewGitCLI creates a git collaborator for the repository at repoPath.
func NewGitCLI(repoPath string, logger *zap.Logger) *GitCLI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitCLI{
		RepoPath:         repoPath,
		logger:           logger,
		lockRetryElapsed: 5 * time.Second,
	}
}

// run executes git in dir, retrying with backoff while git reports a lock held
// by a concurrent git process. Any other failure is returned immediately.
func (g *GitCLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	var output []byte

	operation := func() error {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		output = out
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if isLockContention(string(out)) {
			g.logger.Debug("git lock contention, retrying",
				zap.Strings("args", args),
				zap.String("output", strings.TrimSpace(string(out))),
			)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = g.lockRetryElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return string(output), fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func isLockContention(output string) bool {
	return strings.Contains(output, "index.lock") ||
		strings.Contains(output, "cannot lock ref") ||
		(strings.Contains(output, "Unable to create") && strings.Contains(output, ".lock"))
}

// ResolveRef returns the commit a reference points at. A reference that does
// not name a commit yields an error matching ErrUnknownRef; any other failure
// (a cancelled context, a missing git binary) is returned as is.
func (g *GitCLI) ResolveRef(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrUnknownRef)
	}
	out, err := g.run(ctx, g.RepoPath, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		// --verify --quiet exits 1 without output for an unknown revision.
		var exitErr *exec.ExitError
		if ctx.Err() == nil && errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", fmt.Errorf("%w: %s", ErrUnknownRef, ref)
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddWorktree creates a checkout at path on a new branch started from base.
func (g *GitCLI) AddWorktree(ctx context.Context, path, branch, base string) error {
	if _, err := g.run(ctx, g.RepoPath, "worktree", "add", "-b", branch, path, base); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	return nil
}

// RemoveWorktree force-removes the checkout and deletes its branch.
// Missing checkouts and branches are not errors.
func (g *GitCLI) RemoveWorktree(ctx context.Context, path, branch string) error {
	var errs []string

	if _, err := g.run(ctx, g.RepoPath, "worktree", "remove", "--force", path); err != nil && !isMissing(err) {
		errs = append(errs, fmt.Sprintf("worktree remove failed: %v", err))
	}
	if branch != "" {
		if _, err := g.run(ctx, g.RepoPath, "branch", "-D", branch); err != nil && !isMissing(err) {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isMissing(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "is not a working tree") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist")
}

// ChangedPaths lists every path that differs from baseCommit in the working
// copy at path: committed, staged, unstaged, and untracked changes. The result
// is sorted and free of duplicates.
func (g *GitCLI) ChangedPaths(ctx context.Context, path, baseCommit string) ([]string, error) {
	diff, err := g.run(ctx, path, "diff", "--name-only", "--no-renames", baseCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to diff workspace: %w", err)
	}
	untracked, err := g.run(ctx, path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("failed to list untracked files: %w", err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, out := range []string{diff, untracked} {
		scanner := bufio.NewScanner(strings.NewReader(out))
		for scanner.Scan() {
			p := strings.TrimSpace(scanner.Text())
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// CommitAll stages and commits everything in the working copy. It reports
// false when there was nothing to commit.
func (g *GitCLI) CommitAll(ctx context.Context, path, message string) (bool, error) {
	if _, err := g.run(ctx, path, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := g.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := g.run(ctx, path, "commit", "--no-verify", "-m", message); err != nil {
		return false, fmt.Errorf("failed to commit changes: %w", err)
	}
	return true, nil
}

// MergeConflicts runs a dry-run merge of branch into target with merge-tree.
// It returns the conflicting paths, if any, and git's raw output.
func (g *GitCLI) MergeConflicts(ctx context.Context, target, branch string) ([]string, string, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-tree", "--write-tree", "--name-only", target, branch)
	cmd.Dir = g.RepoPath
	output, err := cmd.CombinedOutput()
	out := string(output)

	if err != nil {
		var exitErr *exec.ExitError
		// Exit status 1 means conflicts; anything else is a real failure.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return parseConflictFiles(out), out, nil
		}
		return nil, out, fmt.Errorf("merge-tree failed: %w (output: %s)", err, strings.TrimSpace(out))
	}

	// merge-tree may exit 0 but still report conflicts on older git versions.
	if strings.Contains(out, "CONFLICT") {
		return parseConflictFiles(out), out, nil
	}
	return nil, out, nil
}

// Merge checks out target in the main repository and merges branch into it
// with a merge commit.
func (g *GitCLI) Merge(ctx context.Context, target, branch, message string) error {
	if _, err := g.run(ctx, g.RepoPath, "checkout", target); err != nil {
		return fmt.Errorf("failed to checkout base branch: %w", err)
	}
	if _, err := g.run(ctx, g.RepoPath, "merge", "--no-ff", "--no-edit", "-m", message, branch); err != nil {
		// Leave the repository clean for the next merge.
		_, _ = g.run(ctx, g.RepoPath, "merge", "--abort")
		return fmt.Errorf("merge failed: %w", err)
	}
	return nil
}

// parseConflictFiles extracts conflicting file paths from merge-tree output.
// With --name-only, the conflicted paths follow the tree hash, one per line,
// ahead of the informational "CONFLICT (...)" messages.
func parseConflictFiles(output string) []string {
	seen := make(map[string]bool)
	var conflicts []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p != "" && !seen[p] {
			seen[p] = true
			conflicts = append(conflicts, p)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	first := true
	inNames := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			// Tree OID line.
			first = false
			continue
		}
		if line == "" {
			inNames = false
			continue
		}
		// Lines like "CONFLICT (content): Merge conflict in <file>"
		if strings.HasPrefix(line, "CONFLICT") {
			inNames = false
			if idx := strings.Index(line, "Merge conflict in "); idx >= 0 {
				add(line[idx+len("Merge conflict in "):])
			}
			continue
		}
		if inNames && !strings.HasPrefix(line, "Auto-merging") {
			add(line)
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

// ListWorktrees returns all worktrees registered in the repository.
func (g *GitCLI) ListWorktrees(ctx context.Context) ([]WorktreeEntry, error) {
	output, err := g.run(ctx, g.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var entries []WorktreeEntry
	var current WorktreeEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Empty line ends an entry
			if current.Path != "" {
				entries = append(entries, current)
				current = WorktreeEntry{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current.Path != "" {
		entries = append(entries, current)
	}

	return entries, nil
}

// Prune cleans up stale worktree metadata.
func (g *GitCLI) Prune(ctx context.Context) error {
	if _, err := g.run(ctx, g.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
