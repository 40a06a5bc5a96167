package registry

import (
	"context"
	"fmt"

	"github.com/aristath/parallax/internal/scheduler"
)

// Snapshot returns a copy of the last committed session, or nil before
// Initialize. It never blocks on writers.
func (r *Registry) Snapshot() *Session {
	c := r.current.Load()
	if c.session == nil {
		return nil
	}
	return c.session.clone()
}

// Changed returns a channel closed by the next commit.
func (r *Registry) Changed() <-chan struct{} {
	return r.current.Load().changed
}

// WaitFor blocks until cond holds for a committed snapshot and returns a copy
// of it. cond must not modify the session.
func (r *Registry) WaitFor(ctx context.Context, cond func(*Session) bool) (*Session, error) {
	for {
		c := r.current.Load()
		if c.session != nil && cond(c.session) {
			return c.session.clone(), nil
		}
		select {
		case <-c.changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitReady blocks until taskID can be acted on by its agent: it is ready (or
// already past ready), it is blocked by a failed dependency, its agent was
// stopped, a replan moved it to another agent, or the session ended. The
// returned task is a copy.
func (r *Registry) WaitReady(ctx context.Context, taskID string) (*scheduler.Task, error) {
	var missing bool
	owner := ""
	s, err := r.WaitFor(ctx, func(s *Session) bool {
		if s.Status.Terminal() {
			return true
		}
		task, ok := s.Task(taskID)
		if !ok {
			missing = true
			return true
		}
		if owner == "" {
			owner = task.AssignedAgent
		}
		if task.BlockedByFailure || task.AssignedAgent != owner {
			return true
		}
		if agent, ok := s.Agent(task.AssignedAgent); ok && agent.Status == AgentDone && agent.Error != "" {
			return true
		}
		switch task.Status {
		case scheduler.TaskPending, scheduler.TaskBlocked:
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, notFound("task", taskID)
	}
	if s.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", s.ID, s.Status, ErrSessionTerminal)
	}
	task, _ := s.Task(taskID)
	return task, nil
}
