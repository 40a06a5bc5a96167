package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// Subject is the ID of the entity the event is about.
	Subject() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicAgent     = "agent"
	TopicWorkspace = "workspace"
	TopicHandoff   = "handoff"
	TopicMerge     = "merge"
	TopicSession   = "session"
)

// Event type constants
const (
	EventTypeTaskStatus      = "task.status"
	EventTypeTaskOutput      = "task.output"
	EventTypeAgentStatus     = "agent.status"
	EventTypeWorkspaceStatus = "workspace.status"
	EventTypeHandoff         = "handoff.status"
	EventTypeMerge           = "merge.result"
	EventTypeSessionStatus   = "session.status"
	EventTypeProgress        = "session.progress"
)

// TaskStatusEvent is published after a committed task transition.
type TaskStatusEvent struct {
	ID        string
	AgentID   string
	From      string
	To        string
	Reason    string // Blocking reason or failure message
	Timestamp time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) Subject() string   { return e.ID }

// TaskOutputEvent carries one line of executor output for a task.
type TaskOutputEvent struct {
	ID        string
	AgentID   string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) Subject() string   { return e.ID }

// AgentStatusEvent is published when an agent's derived status changes.
type AgentStatusEvent struct {
	ID          string
	From        string
	To          string
	CurrentTask string
	Timestamp   time.Time
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) Subject() string   { return e.ID }

// WorkspaceStatusEvent is published after a committed workspace transition.
type WorkspaceStatusEvent struct {
	ID        string
	AgentID   string
	From      string
	To        string
	Path      string
	Timestamp time.Time
}

func (e WorkspaceStatusEvent) EventType() string { return EventTypeWorkspaceStatus }
func (e WorkspaceStatusEvent) Subject() string   { return e.ID }

// HandoffEvent is published when a handoff record is created or changes status.
type HandoffEvent struct {
	Producer  string
	Consumer  string
	Status    string
	Artifacts map[string]string
	Timestamp time.Time
}

func (e HandoffEvent) EventType() string { return EventTypeHandoff }
func (e HandoffEvent) Subject() string   { return e.Consumer }

// MergeEvent reports the outcome of one merge attempt.
type MergeEvent struct {
	WorkspaceID    string
	AgentID        string
	Merged         bool
	Forced         bool
	OtherWorkspace string   // Set on conflict
	ConflictPaths  []string // Set on conflict
	Err            string
	Timestamp      time.Time
}

func (e MergeEvent) EventType() string { return EventTypeMerge }
func (e MergeEvent) Subject() string   { return e.WorkspaceID }

// SessionStatusEvent is published when the session moves between lifecycle states.
type SessionStatusEvent struct {
	ID        string
	Feature   string
	From      string
	To        string
	Timestamp time.Time
}

func (e SessionStatusEvent) EventType() string { return EventTypeSessionStatus }
func (e SessionStatusEvent) Subject() string   { return e.ID }

// ProgressEvent summarizes task counts after every task transition.
type ProgressEvent struct {
	SessionID string
	Total     int
	Pending   int
	Ready     int
	Active    int
	Blocked   int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) Subject() string   { return e.SessionID }
