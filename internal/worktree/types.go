package worktree

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a workspace.
type Status int

const (
	StatusProvisioning Status = iota // Checkout being created
	StatusActive                     // Owned by its agent, accepting changes
	StatusReadyToMerge               // Every task in the agent's queue completed
	StatusMerged                     // Integrated and released
	StatusDiscarded                  // Removed without integrating
)

var statusNames = [...]string{
	StatusProvisioning: "provisioning",
	StatusActive:       "active",
	StatusReadyToMerge: "ready_to_merge",
	StatusMerged:       "merged",
	StatusDiscarded:    "discarded",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether the workspace no longer holds isolation resources.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusDiscarded
}

// ParseStatus maps a status name back to its Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown workspace status %q", name)
}

// Workspace is an isolated checkout owned by exactly one agent.
type Workspace struct {
	ID            string
	AgentID       string
	BaseReference string // Integration point it was branched from, e.g. "main"
	BaseCommit    string // Commit BaseReference resolved to at provisioning time
	Branch        string // Branch holding the agent's work
	Path          string // Absolute checkout directory
	Status        Status
	ChangedPaths  []string // Snapshot taken when the workspace became ready to merge
	CreatedAt     time.Time
	Error         string
}

// Clone returns a deep copy of the workspace.
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	cp := *w
	if w.ChangedPaths != nil {
		cp.ChangedPaths = append([]string(nil), w.ChangedPaths...)
	}
	return &cp
}

// Config configures the isolation manager.
type Config struct {
	RepoPath     string // Absolute path to the git repository
	BaseBranch   string // Integration branch workspaces branch from and merge into
	WorktreeDir  string // Directory under the repo for checkouts (default ".worktrees")
	BranchPrefix string // Prefix for workspace branches (default "parallax/")
}

var (
	// ErrBaseUnavailable is matched by every BaseUnavailableError.
	ErrBaseUnavailable = errors.New("base reference unavailable")
	// ErrUnknownRef is returned by a VCS when a reference names no commit.
	ErrUnknownRef = errors.New("unknown revision")
	// ErrNotFound is returned for unknown workspace IDs.
	ErrNotFound = errors.New("workspace not found")
	// ErrAlreadyMerged is returned when discarding a merged workspace.
	ErrAlreadyMerged = errors.New("workspace already merged")
	// ErrAgentHasWorkspace is returned when an agent already owns a live workspace.
	ErrAgentHasWorkspace = errors.New("agent already owns an active workspace")
	// ErrPathAliased is returned when a checkout directory would overlap another workspace.
	ErrPathAliased = errors.New("workspace path aliases another workspace")
)

// BaseUnavailableError reports that an agent's workspace could not be branched
// because the requested reference does not exist.
type BaseUnavailableError struct {
	AgentID   string
	Reference string
	Err       error
}

func (e *BaseUnavailableError) Error() string {
	msg := fmt.Sprintf("base reference %q unavailable for agent %s", e.Reference, e.AgentID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BaseUnavailableError) Is(target error) bool { return target == ErrBaseUnavailable }

func (e *BaseUnavailableError) Unwrap() error { return e.Err }

// IntegrationConflictError is returned by Integrate when the version-control
// system reports conflicting paths. Nothing is applied.
type IntegrationConflictError struct {
	WorkspaceID string
	Paths       []string
	Output      string
}

func (e *IntegrationConflictError) Error() string {
	return fmt.Sprintf("workspace %s conflicts with integration branch on %d path(s): %v", e.WorkspaceID, len(e.Paths), e.Paths)
}
