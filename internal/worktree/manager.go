package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager provisions and tears down one isolated checkout per agent.
// It guarantees at most one live workspace per agent and that no two
// workspace directories alias each other.
type Manager struct {
	config Config
	vcs    VCS
	logger *zap.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace // by workspace ID
	mergeMu    sync.Mutex            // Serializes integrations into the base branch
	now        func() time.Time
}

// NewManager creates an isolation manager backed by the given VCS.
func NewManager(cfg Config, vcs VCS, logger *zap.Logger) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "parallax/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:     cfg,
		vcs:        vcs,
		logger:     logger,
		workspaces: make(map[string]*Workspace),
		now:        time.Now,
	}
}

// Provision creates a workspace for agentID branched from baseRef (the
// configured base branch when empty). The returned workspace is active.
func (m *Manager) Provision(ctx context.Context, agentID, baseRef string) (*Workspace, error) {
	if baseRef == "" {
		baseRef = m.config.BaseBranch
	}

	baseCommit, err := m.vcs.ResolveRef(ctx, baseRef)
	if err != nil {
		if errors.Is(err, ErrUnknownRef) {
			return nil, &BaseUnavailableError{AgentID: agentID, Reference: baseRef, Err: err}
		}
		return nil, fmt.Errorf("provision workspace for agent %s: %w", agentID, err)
	}

	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	name := sanitize(agentID) + "-" + suffix
	ws := &Workspace{
		ID:            "ws-" + name,
		AgentID:       agentID,
		BaseReference: baseRef,
		BaseCommit:    baseCommit,
		Branch:        m.config.BranchPrefix + name,
		Path:          filepath.Join(m.config.RepoPath, m.config.WorktreeDir, name),
		Status:        StatusProvisioning,
		CreatedAt:     m.now(),
	}

	m.mu.Lock()
	for _, other := range m.workspaces {
		if other.Status.Terminal() {
			continue
		}
		if other.AgentID == agentID {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: agent %s owns %s", ErrAgentHasWorkspace, agentID, other.ID)
		}
		if aliases(other.Path, ws.Path) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s and %s", ErrPathAliased, ws.Path, other.Path)
		}
	}
	m.workspaces[ws.ID] = ws
	m.mu.Unlock()

	if err := m.vcs.AddWorktree(ctx, ws.Path, ws.Branch, baseCommit); err != nil {
		m.mu.Lock()
		ws.Status = StatusDiscarded
		ws.Error = err.Error()
		m.mu.Unlock()
		return nil, fmt.Errorf("provision workspace for agent %s: %w", agentID, err)
	}

	m.mu.Lock()
	ws.Status = StatusActive
	out := ws.Clone()
	m.mu.Unlock()

	m.logger.Info("workspace provisioned",
		zap.String("workspace_id", ws.ID),
		zap.String("agent_id", agentID),
		zap.String("base", baseRef),
		zap.String("path", ws.Path),
	)
	return out, nil
}

// aliases reports whether two checkout directories are the same or nested.
func aliases(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}

// Discard removes a workspace's checkout and branch. Discarding an already
// discarded workspace is a no-op; discarding a merged one is an error.
func (m *Manager) Discard(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, workspaceID)
	}
	switch ws.Status {
	case StatusMerged:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyMerged, workspaceID)
	case StatusDiscarded:
		m.mu.Unlock()
		return nil
	}
	path, branch := ws.Path, ws.Branch
	m.mu.Unlock()

	if err := m.vcs.RemoveWorktree(ctx, path, branch); err != nil {
		return fmt.Errorf("discard workspace %s: %w", workspaceID, err)
	}

	m.mu.Lock()
	ws.Status = StatusDiscarded
	m.mu.Unlock()

	m.logger.Info("workspace discarded", zap.String("workspace_id", workspaceID), zap.String("agent_id", ws.AgentID))
	return nil
}

// Snapshot returns the sorted set of paths changed in the workspace relative
// to the commit it was branched from.
func (m *Manager) Snapshot(ctx context.Context, workspaceID string) ([]string, error) {
	ws, err := m.live(workspaceID)
	if err != nil {
		return nil, err
	}
	paths, err := m.vcs.ChangedPaths(ctx, ws.Path, ws.BaseCommit)
	if err != nil {
		return nil, fmt.Errorf("snapshot workspace %s: %w", workspaceID, err)
	}
	return paths, nil
}

// Integrate commits any pending changes in the workspace and merges its branch
// into the base branch. If the merge would conflict nothing is applied and an
// *IntegrationConflictError is returned. Integrations are serialized.
func (m *Manager) Integrate(ctx context.Context, workspaceID, message string) error {
	ws, err := m.live(workspaceID)
	if err != nil {
		return err
	}

	if _, err := m.vcs.CommitAll(ctx, ws.Path, message); err != nil {
		return fmt.Errorf("integrate workspace %s: %w", workspaceID, err)
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	conflicts, output, err := m.vcs.MergeConflicts(ctx, m.config.BaseBranch, ws.Branch)
	if err != nil {
		return fmt.Errorf("integrate workspace %s: %w", workspaceID, err)
	}
	if len(conflicts) > 0 {
		return &IntegrationConflictError{WorkspaceID: workspaceID, Paths: conflicts, Output: output}
	}

	if err := m.vcs.Merge(ctx, m.config.BaseBranch, ws.Branch, message); err != nil {
		return fmt.Errorf("integrate workspace %s: %w", workspaceID, err)
	}

	m.logger.Info("workspace integrated",
		zap.String("workspace_id", workspaceID),
		zap.String("agent_id", ws.AgentID),
		zap.String("base", m.config.BaseBranch),
	)
	return nil
}

// Release removes the checkout of an integrated workspace and marks it merged.
func (m *Manager) Release(ctx context.Context, workspaceID string) error {
	ws, err := m.live(workspaceID)
	if err != nil {
		return err
	}
	if err := m.vcs.RemoveWorktree(ctx, ws.Path, ws.Branch); err != nil {
		return fmt.Errorf("release workspace %s: %w", workspaceID, err)
	}

	m.mu.Lock()
	if stored, ok := m.workspaces[workspaceID]; ok {
		stored.Status = StatusMerged
	}
	m.mu.Unlock()
	return nil
}

// live returns a copy of a workspace that still holds a checkout.
func (m *Manager) live(workspaceID string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workspaceID)
	}
	if ws.Status.Terminal() || ws.Status == StatusProvisioning {
		return nil, fmt.Errorf("workspace %s is %s", workspaceID, ws.Status)
	}
	return ws.Clone(), nil
}

// PruneStale removes checkouts under the worktree directory that this manager
// does not track, left behind by an interrupted session.
func (m *Manager) PruneStale(ctx context.Context) (int, error) {
	if err := m.vcs.Prune(ctx); err != nil {
		return 0, err
	}
	entries, err := m.vcs.ListWorktrees(ctx)
	if err != nil {
		return 0, err
	}

	root := filepath.Join(m.config.RepoPath, m.config.WorktreeDir)
	tracked := make(map[string]bool)
	m.mu.Lock()
	for _, ws := range m.workspaces {
		if !ws.Status.Terminal() {
			tracked[filepath.Clean(ws.Path)] = true
		}
	}
	m.mu.Unlock()

	var removed int
	var errs []error
	for _, e := range entries {
		path := filepath.Clean(e.Path)
		if !aliases(root, path) || path == filepath.Clean(root) || tracked[path] {
			continue
		}
		branch := e.Branch
		if !strings.HasPrefix(branch, m.config.BranchPrefix) {
			branch = ""
		}
		if err := m.vcs.RemoveWorktree(ctx, path, branch); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		m.logger.Warn("removed stale workspace", zap.String("path", path), zap.String("branch", e.Branch))
	}
	return removed, errors.Join(errs...)
}
