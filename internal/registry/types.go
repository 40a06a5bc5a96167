package registry

import (
	"fmt"
	"time"

	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

// AgentStatus is derived from the state of the agent's queue.
type AgentStatus int

const (
	AgentIdle    AgentStatus = iota // Next task is ready, or nothing started yet
	AgentActive                     // Working on CurrentTask
	AgentBlocked                    // Next task waits on a dependency or handoff
	AgentDone                       // Queue exhausted, failed, or aborted
)

var agentStatusNames = [...]string{
	AgentIdle:    "idle",
	AgentActive:  "active",
	AgentBlocked: "blocked",
	AgentDone:    "done",
}

func (s AgentStatus) String() string {
	if s < 0 || int(s) >= len(agentStatusNames) {
		return fmt.Sprintf("AgentStatus(%d)", int(s))
	}
	return agentStatusNames[s]
}

// ParseAgentStatus maps a status name back to its AgentStatus.
func ParseAgentStatus(name string) (AgentStatus, error) {
	return parseStatus[AgentStatus](agentStatusNames[:], "agent", name)
}

// SessionStatus is the lifecycle state of an orchestration session.
type SessionStatus int

const (
	SessionPlanning SessionStatus = iota
	SessionRunning
	SessionCompleted
	SessionAborted
)

var sessionStatusNames = [...]string{
	SessionPlanning:  "planning",
	SessionRunning:   "running",
	SessionCompleted: "completed",
	SessionAborted:   "aborted",
}

func (s SessionStatus) String() string {
	if s < 0 || int(s) >= len(sessionStatusNames) {
		return fmt.Sprintf("SessionStatus(%d)", int(s))
	}
	return sessionStatusNames[s]
}

// Terminal reports whether the session accepts no further mutation.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// ParseSessionStatus maps a status name back to its SessionStatus.
func ParseSessionStatus(name string) (SessionStatus, error) {
	return parseStatus[SessionStatus](sessionStatusNames[:], "session", name)
}

// HandoffStatus tracks delivery of a producer's artifacts to one consumer.
type HandoffStatus int

const (
	HandoffPending HandoffStatus = iota
	HandoffDelivered
	HandoffAcknowledged
)

var handoffStatusNames = [...]string{
	HandoffPending:      "pending",
	HandoffDelivered:    "delivered",
	HandoffAcknowledged: "acknowledged",
}

func (s HandoffStatus) String() string {
	if s < 0 || int(s) >= len(handoffStatusNames) {
		return fmt.Sprintf("HandoffStatus(%d)", int(s))
	}
	return handoffStatusNames[s]
}

// ParseHandoffStatus maps a status name back to its HandoffStatus.
func ParseHandoffStatus(name string) (HandoffStatus, error) {
	return parseStatus[HandoffStatus](handoffStatusNames[:], "handoff", name)
}

func parseStatus[S ~int](names []string, entity, name string) (S, error) {
	for i, n := range names {
		if n == name {
			return S(i), nil
		}
	}
	return 0, fmt.Errorf("unknown %s status %q", entity, name)
}

// Agent is a worker that exclusively owns the tasks in its queue.
type Agent struct {
	ID          string
	Role        string
	Status      AgentStatus
	Queue       []string // Task IDs in execution order
	CurrentTask string
	WorkspaceID string // Latest workspace provisioned for the agent
	Error       string // Set when the agent was stopped by a failure
}

func (a *Agent) clone() *Agent {
	cp := *a
	cp.Queue = append([]string(nil), a.Queue...)
	return &cp
}

// HandoffRecord makes a completed producer's artifacts available to one consumer.
type HandoffRecord struct {
	Producer  string
	Consumer  string
	Artifacts map[string]string
	Status    HandoffStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (h *HandoffRecord) clone() *HandoffRecord {
	cp := *h
	if h.Artifacts != nil {
		cp.Artifacts = make(map[string]string, len(h.Artifacts))
		for k, v := range h.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	return &cp
}

// Session is a read-only view of the orchestration state at one commit.
// Values returned by Registry.Snapshot are never mutated afterwards.
type Session struct {
	ID                  string
	Feature             string
	Status              SessionStatus
	StartedAt           time.Time
	EndedAt             time.Time
	Tasks               []*scheduler.Task // Input order
	Agents              []*Agent
	Workspaces          []*worktree.Workspace // Registration order
	Handoffs            []*HandoffRecord      // Creation order
	CriticalPath        []string
	CriticalPathMinutes int
	Version             uint64 // Incremented on every commit
}

// Task returns the task with the given ID.
func (s *Session) Task(id string) (*scheduler.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Agent returns the agent with the given ID.
func (s *Session) Agent(id string) (*Agent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// Workspace returns the workspace with the given ID.
func (s *Session) Workspace(id string) (*worktree.Workspace, bool) {
	for _, w := range s.Workspaces {
		if w.ID == id {
			return w, true
		}
	}
	return nil, false
}

// HandoffsFor returns the inbound handoff records of a consumer task.
func (s *Session) HandoffsFor(consumer string) []*HandoffRecord {
	var out []*HandoffRecord
	for _, h := range s.Handoffs {
		if h.Consumer == consumer {
			out = append(out, h)
		}
	}
	return out
}

// Counts tallies tasks by status.
func (s *Session) Counts() map[scheduler.TaskStatus]int {
	counts := make(map[scheduler.TaskStatus]int)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}

// AllTerminal reports whether every task is completed or failed.
func (s *Session) AllTerminal() bool {
	for _, t := range s.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// QueueCompleted reports whether the agent has work and all of it is completed.
func (s *Session) QueueCompleted(agentID string) bool {
	agent, ok := s.Agent(agentID)
	if !ok || len(agent.Queue) == 0 {
		return false
	}
	for _, id := range agent.Queue {
		if task, ok := s.Task(id); !ok || task.Status != scheduler.TaskCompleted {
			return false
		}
	}
	return true
}

// AwaitingHuman returns the workspaces whose queue is finished but whose merge
// was refused or failed. They stay put until a retry or a forced merge.
func (s *Session) AwaitingHuman() []*worktree.Workspace {
	var out []*worktree.Workspace
	for _, ws := range s.Workspaces {
		if ws.Error == "" {
			continue
		}
		switch ws.Status {
		case worktree.StatusReadyToMerge:
			out = append(out, ws)
		case worktree.StatusActive:
			if s.QueueCompleted(ws.AgentID) {
				out = append(out, ws)
			}
		}
	}
	return out
}

// Stalled reports whether the running session can make no further progress
// without human intervention. Before every task is terminal that means nothing
// is active or ready and at least one task is blocked by a failure or owned by
// a stopped agent. Afterwards it means no merge is pending on its own and at
// least one workspace awaits a human.
func (s *Session) Stalled() bool {
	if s.Status != SessionRunning {
		return false
	}
	if s.AllTerminal() {
		return s.mergesStalled()
	}
	for _, t := range s.Tasks {
		switch t.Status {
		case scheduler.TaskActive, scheduler.TaskReady:
			if a, ok := s.Agent(t.AssignedAgent); ok && a.Status != AgentDone {
				return false
			}
		case scheduler.TaskPending, scheduler.TaskBlocked:
			if !t.BlockedByFailure {
				if a, ok := s.Agent(t.AssignedAgent); ok && a.Status != AgentDone {
					return false
				}
			}
		}
	}
	return true
}

func (s *Session) mergesStalled() bool {
	for _, ws := range s.Workspaces {
		if ws.Error != "" || ws.Status.Terminal() {
			continue
		}
		if ws.Status == worktree.StatusReadyToMerge || s.QueueCompleted(ws.AgentID) {
			return false // Still merging
		}
	}
	return len(s.AwaitingHuman()) > 0
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Tasks = make([]*scheduler.Task, len(s.Tasks))
	for i, t := range s.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	cp.Agents = make([]*Agent, len(s.Agents))
	for i, a := range s.Agents {
		cp.Agents[i] = a.clone()
	}
	cp.Workspaces = make([]*worktree.Workspace, len(s.Workspaces))
	for i, w := range s.Workspaces {
		cp.Workspaces[i] = w.Clone()
	}
	cp.Handoffs = make([]*HandoffRecord, len(s.Handoffs))
	for i, h := range s.Handoffs {
		cp.Handoffs[i] = h.clone()
	}
	cp.CriticalPath = append([]string(nil), s.CriticalPath...)
	return &cp
}
