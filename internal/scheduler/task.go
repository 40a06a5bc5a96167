package scheduler

import "fmt"

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies completed and handed off
	TaskActive                      // Being worked on by its agent
	TaskBlocked                     // Waiting on a handoff or on a failed dependency
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with error, or aborted
)

var taskStatusNames = [...]string{
	TaskPending:   "pending",
	TaskReady:     "ready",
	TaskActive:    "active",
	TaskBlocked:   "blocked",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(taskStatusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return taskStatusNames[s]
}

// Terminal reports whether no further transition is expected without a manual reset.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus maps a status name back to its TaskStatus.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for i, n := range taskStatusNames {
		if n == name {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", name)
}

// TaskSpec is one record of the task list input.
type TaskSpec struct {
	ID               string            `yaml:"id" json:"id"`
	Description      string            `yaml:"description" json:"description"`
	DependsOn        []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OwnerPatterns    []string          `yaml:"owner_patterns,omitempty" json:"owner_patterns,omitempty"`
	EstimatedMinutes int               `yaml:"estimated_minutes,omitempty" json:"estimated_minutes,omitempty"`
	Checks           []string          `yaml:"checks,omitempty" json:"checks,omitempty"`
	Outputs          map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Task represents a unit of work in the graph.
type Task struct {
	ID               string
	Description      string
	Status           TaskStatus
	DependsOn        []string          // Task IDs this task depends on
	OwnerPatterns    []string          // Path globs this task may modify
	AssignedAgent    string            // Empty until planned
	EstimatedMinutes int
	Checks           []string          // Acceptance checks that must pass before completion
	Artifacts        map[string]string // Named outputs published to dependents
	BlockedReason    string
	BlockedByFailure bool // Blocked because an upstream task failed
	Error            string
}

func newTask(spec TaskSpec) *Task {
	t := &Task{
		ID:               spec.ID,
		Description:      spec.Description,
		Status:           TaskPending,
		DependsOn:        append([]string(nil), spec.DependsOn...),
		OwnerPatterns:    append([]string(nil), spec.OwnerPatterns...),
		EstimatedMinutes: spec.EstimatedMinutes,
		Checks:           append([]string(nil), spec.Checks...),
	}
	if len(spec.Outputs) > 0 {
		t.Artifacts = make(map[string]string, len(spec.Outputs))
		for k, v := range spec.Outputs {
			t.Artifacts[k] = v
		}
	}
	if len(t.DependsOn) == 0 {
		t.Status = TaskReady
	}
	return t
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.OwnerPatterns != nil {
		cp.OwnerPatterns = append([]string(nil), t.OwnerPatterns...)
	}
	if t.Checks != nil {
		cp.Checks = append([]string(nil), t.Checks...)
	}
	if t.Artifacts != nil {
		cp.Artifacts = make(map[string]string, len(t.Artifacts))
		for k, v := range t.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	return &cp
}

// duration is the planning weight of a task.
func (t *Task) duration() int {
	if t.EstimatedMinutes < 0 {
		return 0
	}
	return t.EstimatedMinutes
}
