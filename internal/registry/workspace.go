package registry

import (
	"fmt"

	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

// RegisterWorkspace records a workspace provisioned for an agent. The agent
// may not own another workspace that is still live.
func (r *Registry) RegisterWorkspace(ws *worktree.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	agent, ok := r.agents[ws.AgentID]
	if !ok {
		return notFound("agent", ws.AgentID)
	}
	if _, exists := r.workspaces[ws.ID]; exists {
		return fmt.Errorf("workspace %s is already registered", ws.ID)
	}
	if ws.Status != worktree.StatusProvisioning && ws.Status != worktree.StatusActive {
		return fmt.Errorf("workspace %s cannot be registered as %s", ws.ID, ws.Status)
	}
	for _, other := range r.state.Workspaces {
		if other.AgentID == ws.AgentID && !other.Status.Terminal() {
			return fmt.Errorf("%w: agent %s owns %s", worktree.ErrAgentHasWorkspace, ws.AgentID, other.ID)
		}
	}

	stored := ws.Clone()
	r.workspaces[stored.ID] = stored
	r.state.Workspaces = append(r.state.Workspaces, stored)
	agent.WorkspaceID = stored.ID

	r.recorder.Transition("workspace", stored.Status.String())
	r.emit(events.TopicWorkspace, events.WorkspaceStatusEvent{
		ID: stored.ID, AgentID: stored.AgentID, To: stored.Status.String(), Path: stored.Path, Timestamp: r.now(),
	})
	r.commit()
	return nil
}

// WorkspaceUpdate requests a workspace status change.
type WorkspaceUpdate struct {
	ID           string
	To           worktree.Status
	ChangedPaths []string // Replaces the recorded snapshot when non-nil
	Error        string   // Annotation kept on the workspace, e.g. the last merge conflict
}

// UpdateWorkspaceStatus validates and applies one workspace transition.
// Moving to ready_to_merge requires every task in the owning agent's queue to
// be completed.
func (r *Registry) UpdateWorkspaceStatus(u WorkspaceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	ws, ok := r.workspaces[u.ID]
	if !ok {
		return notFound("workspace", u.ID)
	}
	invalid := func(reason string) error {
		return &InvalidTransitionError{Entity: "workspace", ID: ws.ID, From: ws.Status.String(), To: u.To.String(), Reason: reason}
	}
	if !allowed(workspaceTransitions, ws.Status, u.To) {
		return invalid("")
	}
	if u.To == worktree.StatusReadyToMerge {
		for _, id := range r.agents[ws.AgentID].Queue {
			if task := r.tasks[id]; task.Status != scheduler.TaskCompleted {
				return invalid(fmt.Sprintf("task %s is %s", id, task.Status))
			}
		}
	}
	if u.ChangedPaths != nil {
		ws.ChangedPaths = append([]string(nil), u.ChangedPaths...)
	}
	ws.Error = u.Error

	r.setWorkspaceStatus(ws, u.To)
	r.commit()
	return nil
}

// AnnotateWorkspace records an error on a workspace without changing its status.
func (r *Registry) AnnotateWorkspace(workspaceID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return ErrNoSession
	}
	ws, ok := r.workspaces[workspaceID]
	if !ok {
		return notFound("workspace", workspaceID)
	}
	ws.Error = message
	r.commit()
	return nil
}

func (r *Registry) setWorkspaceStatus(ws *worktree.Workspace, to worktree.Status) {
	from := ws.Status
	ws.Status = to
	r.recorder.Transition("workspace", to.String())
	r.emit(events.TopicWorkspace, events.WorkspaceStatusEvent{
		ID: ws.ID, AgentID: ws.AgentID, From: from.String(), To: to.String(), Path: ws.Path, Timestamp: r.now(),
	})
}
