package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/backend"
	"github.com/aristath/parallax/internal/merge"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

var (
	// errRetryLater means the registry refused to start the task for now; the
	// worker waits for the next commit and looks again.
	errRetryLater = errors.New("task cannot start yet")
	// errAgentStopped means the agent was marked failed and its worker exits.
	errAgentStopped = errors.New("agent stopped")
)

// runAgent works through one agent's queue in order. While its next task
// waits on a dependency it records why and sleeps in WaitReady; otherwise it
// sleeps on the registry's change channel, so dependency completion, resets,
// and re-plans wake it without polling.
func (o *Orchestrator) runAgent(ctx context.Context, r *run, agentID string) error {
	logger := o.logger.With(zap.String("session_id", r.sessionID), zap.String("agent_id", agentID))

	for {
		changed := o.reg.Changed()
		s := o.reg.Snapshot()
		if s == nil || s.Status.Terminal() {
			return nil
		}
		agent, ok := s.Agent(agentID)
		if !ok || agent.Error != "" {
			return nil
		}

		var err error
		waited := false
		if task := nextTask(s, agent); task != nil {
			switch task.Status {
			case scheduler.TaskReady:
				err = o.runTask(ctx, r, s, agent, task, logger)
			case scheduler.TaskPending, scheduler.TaskBlocked:
				err = o.awaitTask(ctx, s, task, logger)
				waited = true
			}
		} else if s.QueueCompleted(agentID) {
			err = o.finishWorkspace(ctx, r, s, agent, logger)
		}
		switch {
		case err == nil, errors.Is(err, errRetryLater):
		case stopped(ctx, err):
			return nil
		default:
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		if waited {
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}

// awaitTask records what a queued task is waiting for and blocks until the
// registry says it can be acted on.
func (o *Orchestrator) awaitTask(ctx context.Context, s *registry.Session, task *scheduler.Task, logger *zap.Logger) error {
	if dep := waitingOn(s, task); dep != "" {
		reason := fmt.Sprintf("waiting for handoff from %s", dep)
		if task.Status != scheduler.TaskBlocked || task.BlockedReason != reason {
			err := o.reg.RecordBlocking(task.ID, reason)
			if err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
				return err
			}
		}
	}
	if _, err := o.reg.WaitReady(ctx, task.ID); err != nil {
		return err
	}
	logger.Debug("task can proceed", zap.String("task_id", task.ID))
	return nil
}

// waitingOn returns the first dependency of task that has not completed.
func waitingOn(s *registry.Session, task *scheduler.Task) string {
	for _, id := range task.DependsOn {
		if dep, ok := s.Task(id); ok && dep.Status != scheduler.TaskCompleted {
			return id
		}
	}
	return ""
}

// nextTask returns the first queued task that still needs work and is not
// held up by a failed dependency.
func nextTask(s *registry.Session, agent *registry.Agent) *scheduler.Task {
	for _, id := range agent.Queue {
		task, ok := s.Task(id)
		if !ok || task.Status.Terminal() || task.BlockedByFailure {
			continue
		}
		return task
	}
	return nil
}

func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, errAgentStopped) ||
		errors.Is(err, registry.ErrSessionTerminal)
}

func (o *Orchestrator) runTask(ctx context.Context, r *run, s *registry.Session, agent *registry.Agent, task *scheduler.Task, logger *zap.Logger) error {
	logger = logger.With(zap.String("task_id", task.ID))

	ws, err := o.ensureWorkspace(ctx, r, s, agent, logger)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("workspace_id", ws.ID))

	records, err := o.reg.TakeHandoffs(task.ID, agent.ID)
	if err != nil {
		return err
	}
	if err := o.reg.AcknowledgeHandoffs(task.ID, agent.ID); err != nil {
		return err
	}

	release, err := o.locks.Acquire(ctx, r.lockKeys(task.ID))
	if err != nil {
		return err
	}
	defer release()

	if err := o.reg.UpdateTaskStatus(registry.TaskUpdate{
		TaskID:  task.ID,
		To:      scheduler.TaskActive,
		AgentID: agent.ID,
	}); err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			logger.Debug("task not startable", zap.Error(err))
			return errRetryLater
		}
		return err
	}
	logger.Info("task started", zap.Int("handoffs", len(records)))

	req := backend.Request{
		SessionID:   r.sessionID,
		TaskID:      task.ID,
		AgentID:     agent.ID,
		Role:        agent.Role,
		Description: task.Description,
		WorkDir:     ws.Path,
		Checks:      task.Checks,
	}
	for _, h := range records {
		req.Handoffs = append(req.Handoffs, backend.Handoff{Producer: h.Producer, Artifacts: h.Artifacts})
	}

	res, execErr := executeWithRetry(ctx, o.opts.Backend, req, o.breakers.Get(agent.Role), o.opts.Retry)
	if err := ctx.Err(); err != nil {
		return err
	}

	update := registry.TaskUpdate{TaskID: task.ID, AgentID: agent.ID}
	switch {
	case execErr != nil:
		update.To = scheduler.TaskFailed
		update.Reason = execErr.Error()
		logger.Warn("task failed", zap.Error(execErr))
	case !res.ChecksPassed:
		update.To = scheduler.TaskFailed
		update.Reason = fmt.Sprintf("acceptance check %q failed: %s", res.FailedCheck, res.CheckOutput)
		logger.Warn("acceptance check failed", zap.String("check", res.FailedCheck))
	default:
		update.To = scheduler.TaskCompleted
		update.ChecksPassed = true
		update.Artifacts = res.Artifacts
		logger.Info("task completed", zap.Int("artifacts", len(res.Artifacts)))
	}
	return o.reg.UpdateTaskStatus(update)
}

// ensureWorkspace returns the agent's live workspace, reopening one that was
// waiting to merge or provisioning a new one. A provisioning failure stops
// the agent.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, r *run, s *registry.Session, agent *registry.Agent, logger *zap.Logger) (*worktree.Workspace, error) {
	if ws, ok := s.Workspace(agent.WorkspaceID); ok {
		switch ws.Status {
		case worktree.StatusActive:
			r.clearFinished(ws.ID)
			return ws, nil
		case worktree.StatusReadyToMerge:
			if err := o.merger.Reopen(ws.ID); err != nil {
				if errors.Is(err, registry.ErrInvalidTransition) {
					return nil, errRetryLater
				}
				return nil, err
			}
			r.clearFinished(ws.ID)
			ws.Status = worktree.StatusActive
			return ws, nil
		}
	}

	ws, err := o.opts.Workspaces.Provision(ctx, agent.ID, o.opts.BaseRef)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error("workspace provisioning failed", zap.Error(err))
		if markErr := o.reg.MarkAgentFailed(agent.ID, err); markErr != nil {
			return nil, markErr
		}
		return nil, errAgentStopped
	}

	if err := o.reg.RegisterWorkspace(ws); err != nil {
		if discardErr := o.opts.Workspaces.Discard(context.WithoutCancel(ctx), ws.ID); discardErr != nil {
			logger.Warn("failed to discard unregistered workspace", zap.String("workspace_id", ws.ID), zap.Error(discardErr))
		}
		return nil, err
	}
	return ws, nil
}

// finishWorkspace snapshots and merges the workspace of an agent whose queue
// is completed. A refused merge leaves the workspace ready_to_merge for a
// human to resolve; it never stops the session.
func (o *Orchestrator) finishWorkspace(ctx context.Context, r *run, s *registry.Session, agent *registry.Agent, logger *zap.Logger) error {
	ws, ok := s.Workspace(agent.WorkspaceID)
	if !ok || ws.Status != worktree.StatusActive || !r.markFinished(ws.ID) {
		return nil
	}
	logger = logger.With(zap.String("workspace_id", ws.ID))

	var paths []string
	err := retry(ctx, o.opts.Retry, func() error {
		var err error
		paths, err = o.merger.MarkReadyToMerge(ctx, ws.ID)
		if err != nil && (stopped(ctx, err) || errors.Is(err, registry.ErrInvalidTransition)) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Warn("snapshot failed, retrying", zap.Error(err))
		}
		return err
	})
	if err != nil {
		if stopped(ctx, err) {
			return err
		}
		// Left for RetryMerge; the session reports itself stalled meanwhile.
		logger.Error("failed to mark workspace ready to merge", zap.Error(err))
		_ = o.reg.AnnotateWorkspace(ws.ID, err.Error())
		return nil
	}
	logger.Info("workspace ready to merge", zap.Strings("paths", paths))

	if err := o.merger.Merge(ctx, ws.ID, merge.Options{}); err != nil {
		if stopped(ctx, err) {
			return err
		}
		var conflict *merge.MergeConflictError
		if errors.As(err, &conflict) {
			logger.Warn("workspace awaits conflict resolution",
				zap.String("other_workspace", conflict.OtherWorkspace),
				zap.Strings("paths", conflict.Paths),
			)
			return nil
		}
		logger.Error("merge failed", zap.Error(err))
	}
	return nil
}
