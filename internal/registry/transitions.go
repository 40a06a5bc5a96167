package registry

import (
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

// Closed transition tables. Anything not listed is rejected.

var taskTransitions = map[scheduler.TaskStatus][]scheduler.TaskStatus{
	scheduler.TaskPending: {scheduler.TaskReady, scheduler.TaskBlocked, scheduler.TaskFailed},
	scheduler.TaskReady:   {scheduler.TaskActive, scheduler.TaskBlocked, scheduler.TaskFailed, scheduler.TaskPending},
	scheduler.TaskActive:  {scheduler.TaskCompleted, scheduler.TaskFailed, scheduler.TaskBlocked},
	scheduler.TaskBlocked: {scheduler.TaskReady, scheduler.TaskPending, scheduler.TaskFailed},
	scheduler.TaskFailed:  {scheduler.TaskPending},
}

var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentIdle:    {AgentActive, AgentBlocked, AgentDone},
	AgentActive:  {AgentIdle, AgentBlocked, AgentDone},
	AgentBlocked: {AgentActive, AgentIdle, AgentDone},
	AgentDone:    {AgentIdle, AgentBlocked}, // Only through a replan or reset
}

var workspaceTransitions = map[worktree.Status][]worktree.Status{
	worktree.StatusProvisioning: {worktree.StatusActive, worktree.StatusDiscarded},
	worktree.StatusActive:       {worktree.StatusReadyToMerge, worktree.StatusDiscarded},
	worktree.StatusReadyToMerge: {worktree.StatusMerged, worktree.StatusDiscarded, worktree.StatusActive},
}

var handoffTransitions = map[HandoffStatus][]HandoffStatus{
	HandoffPending:   {HandoffDelivered, HandoffAcknowledged},
	HandoffDelivered: {HandoffAcknowledged},
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPlanning: {SessionRunning, SessionAborted},
	SessionRunning:  {SessionCompleted, SessionAborted},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}
