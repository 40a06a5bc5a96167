// Package merge integrates finished workspaces back into the integration
// branch. Any overlap in changed paths between workspaces is a hard failure
// that a human resolves; nothing is merged around it.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/worktree"
)

var (
	// ErrMergeConflict is matched by every MergeConflictError.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrConfirmationRequired is returned when a forced merge lacks explicit confirmation.
	ErrConfirmationRequired = errors.New("force merge requires confirmation")
)

// IntegrationBranch names the other side of a conflict reported by the
// version-control system itself rather than by path-set comparison.
const IntegrationBranch = "integration branch"

// MergeConflictError reports the paths that overlap between a workspace and
// another workspace (or the integration branch). The merge was refused.
type MergeConflictError struct {
	WorkspaceID    string
	OtherWorkspace string
	Paths          []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict: workspace %s overlaps %s on %s",
		e.WorkspaceID, e.OtherWorkspace, strings.Join(e.Paths, ", "))
}

func (e *MergeConflictError) Is(target error) bool { return target == ErrMergeConflict }

// Isolation is the part of the isolation manager the coordinator drives.
type Isolation interface {
	Snapshot(ctx context.Context, workspaceID string) ([]string, error)
	Integrate(ctx context.Context, workspaceID, message string) error
	Release(ctx context.Context, workspaceID string) error
}

// Recorder receives merge outcomes for instrumentation.
type Recorder interface {
	MergeAttempt(result string)
}

type nopRecorder struct{}

func (nopRecorder) MergeAttempt(string) {}

// Options controls a single merge attempt.
type Options struct {
	// Force skips the path-set comparison against other workspaces. Conflicts
	// reported by the version-control system are still refused.
	Force bool
	// Confirmation must equal the workspace ID when Force is set.
	Confirmation string
}

// Coordinator validates and merges ready workspaces one at a time.
type Coordinator struct {
	reg      *registry.Registry
	iso      Isolation
	bus      *events.EventBus
	logger   *zap.Logger
	recorder Recorder
	mu       sync.Mutex // One merge at a time
}

// NewCoordinator creates a merge coordinator. bus, logger, and recorder may be nil.
func NewCoordinator(reg *registry.Registry, iso Isolation, bus *events.EventBus, logger *zap.Logger, recorder Recorder) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Coordinator{reg: reg, iso: iso, bus: bus, logger: logger, recorder: recorder}
}

// MarkReadyToMerge snapshots the workspace's changed paths and moves it to
// ready_to_merge. The registry refuses unless every task in the owning
// agent's queue is completed.
func (c *Coordinator) MarkReadyToMerge(ctx context.Context, workspaceID string) ([]string, error) {
	paths, err := c.iso.Snapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if paths == nil {
		paths = []string{}
	}
	if err := c.reg.UpdateWorkspaceStatus(registry.WorkspaceUpdate{
		ID:           workspaceID,
		To:           worktree.StatusReadyToMerge,
		ChangedPaths: paths,
	}); err != nil {
		return nil, err
	}
	return paths, nil
}

// Reopen returns a ready workspace to active so its agent can rework a conflict.
func (c *Coordinator) Reopen(workspaceID string) error {
	return c.reg.UpdateWorkspaceStatus(registry.WorkspaceUpdate{ID: workspaceID, To: worktree.StatusActive})
}

// Merge integrates a ready_to_merge workspace. Its fresh snapshot is compared
// with every other ready_to_merge or merged workspace of the session; any
// shared path refuses the merge with *MergeConflictError and the workspace
// stays ready_to_merge. On success the integration branch advances, the
// checkout is released, and the workspace becomes merged.
func (c *Coordinator) Merge(ctx context.Context, workspaceID string, opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session := c.reg.Snapshot()
	if session == nil {
		return registry.ErrNoSession
	}
	ws, ok := session.Workspace(workspaceID)
	if !ok {
		return fmt.Errorf("workspace %q: %w", workspaceID, registry.ErrNotFound)
	}
	if ws.Status != worktree.StatusReadyToMerge {
		return &registry.InvalidTransitionError{
			Entity: "workspace", ID: workspaceID,
			From: ws.Status.String(), To: worktree.StatusMerged.String(),
			Reason: "only ready_to_merge workspaces can be merged",
		}
	}
	if opts.Force && opts.Confirmation != workspaceID {
		c.recorder.MergeAttempt("refused")
		return fmt.Errorf("workspace %s: %w (confirm with the workspace id)", workspaceID, ErrConfirmationRequired)
	}

	paths, err := c.iso.Snapshot(ctx, workspaceID)
	if err != nil {
		c.recorder.MergeAttempt("error")
		if ctx.Err() == nil {
			_ = c.reg.AnnotateWorkspace(workspaceID, err.Error())
		}
		return err
	}

	if !opts.Force {
		if conflict := findOverlap(workspaceID, paths, session.Workspaces); conflict != nil {
			return c.refuse(ws, conflict)
		}
	}

	message := fmt.Sprintf("Merge %s (%s) for %s", ws.AgentID, workspaceID, session.Feature)
	if err := c.iso.Integrate(ctx, workspaceID, message); err != nil {
		var vcsConflict *worktree.IntegrationConflictError
		if errors.As(err, &vcsConflict) {
			return c.refuse(ws, &MergeConflictError{
				WorkspaceID:    workspaceID,
				OtherWorkspace: IntegrationBranch,
				Paths:          vcsConflict.Paths,
			})
		}
		c.recorder.MergeAttempt("error")
		_ = c.reg.AnnotateWorkspace(workspaceID, err.Error())
		c.publish(events.MergeEvent{WorkspaceID: workspaceID, AgentID: ws.AgentID, Forced: opts.Force, Err: err.Error()})
		return err
	}

	if err := c.iso.Release(ctx, workspaceID); err != nil {
		// The changes are in; only the checkout lingers.
		c.logger.Warn("failed to release merged workspace", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	if err := c.reg.UpdateWorkspaceStatus(registry.WorkspaceUpdate{
		ID:           workspaceID,
		To:           worktree.StatusMerged,
		ChangedPaths: paths,
	}); err != nil {
		// The integration branch already carries the changes.
		c.recorder.MergeAttempt("merged")
		c.publish(events.MergeEvent{WorkspaceID: workspaceID, AgentID: ws.AgentID, Merged: true, Forced: opts.Force, Err: err.Error()})
		c.logger.Error("workspace integrated but not recorded as merged",
			zap.String("workspace_id", workspaceID),
			zap.String("agent_id", ws.AgentID),
			zap.Strings("paths", paths),
			zap.Error(err),
		)
		return fmt.Errorf("workspace %s was integrated but not recorded as merged: %w", workspaceID, err)
	}

	c.recorder.MergeAttempt("merged")
	c.publish(events.MergeEvent{WorkspaceID: workspaceID, AgentID: ws.AgentID, Merged: true, Forced: opts.Force})
	c.logger.Info("workspace merged",
		zap.String("workspace_id", workspaceID),
		zap.String("agent_id", ws.AgentID),
		zap.Int("paths", len(paths)),
		zap.Bool("forced", opts.Force),
	)
	return nil
}

// Exclusive runs fn while no merge is in flight.
func (c *Coordinator) Exclusive(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

func (c *Coordinator) refuse(ws *worktree.Workspace, conflict *MergeConflictError) error {
	c.recorder.MergeAttempt("conflict")
	_ = c.reg.AnnotateWorkspace(ws.ID, conflict.Error())
	c.publish(events.MergeEvent{
		WorkspaceID:    ws.ID,
		AgentID:        ws.AgentID,
		OtherWorkspace: conflict.OtherWorkspace,
		ConflictPaths:  append([]string(nil), conflict.Paths...),
		Err:            conflict.Error(),
	})
	c.logger.Warn("merge refused",
		zap.String("workspace_id", ws.ID),
		zap.String("agent_id", ws.AgentID),
		zap.String("other_workspace", conflict.OtherWorkspace),
		zap.Strings("paths", conflict.Paths),
	)
	return conflict
}

func (c *Coordinator) publish(ev events.MergeEvent) {
	if c.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	c.bus.Publish(events.TopicMerge, ev)
}

// findOverlap compares paths with the snapshots of every other workspace that
// is ready to merge or already merged, in registration order.
func findOverlap(workspaceID string, paths []string, others []*worktree.Workspace) *MergeConflictError {
	for _, other := range others {
		if other.ID == workspaceID {
			continue
		}
		if other.Status != worktree.StatusReadyToMerge && other.Status != worktree.StatusMerged {
			continue
		}
		if shared := intersect(paths, other.ChangedPaths); len(shared) > 0 {
			return &MergeConflictError{WorkspaceID: workspaceID, OtherWorkspace: other.ID, Paths: shared}
		}
	}
	return nil
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, p := range b {
		set[p] = true
	}
	var shared []string
	seen := make(map[string]bool)
	for _, p := range a {
		if set[p] && !seen[p] {
			seen[p] = true
			shared = append(shared, p)
		}
	}
	sort.Strings(shared)
	return shared
}
