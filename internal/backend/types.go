package backend

import "time"

// Handoff is the set of artifacts one completed producer passed to the task.
type Handoff struct {
	Producer  string            `json:"producer"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// Request describes one task execution inside an agent's workspace.
type Request struct {
	SessionID   string
	TaskID      string
	AgentID     string
	Role        string
	Description string
	WorkDir     string    // Workspace checkout the command runs in
	Checks      []string  // Task acceptance checks, run after the executor succeeds
	Handoffs    []Handoff // Inbound artifacts from completed dependencies
}

// Result is the outcome of a successful execution. A failed check is not an
// error: ChecksPassed is false and CheckOutput holds the failing output.
type Result struct {
	Output       string
	ChecksPassed bool
	FailedCheck  string
	CheckOutput  string
	Artifacts    map[string]string
}

// Config configures the command backend.
type Config struct {
	Command    string
	Args       []string // May contain {task_id}, {agent_id}, {role}, {description}, {workdir}
	Timeout    time.Duration
	Acceptance []string // Checks run for every task after the task's own checks
	Env        []string
}
