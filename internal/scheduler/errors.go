package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleDetected is matched by every CycleDetectedError.
	ErrCycleDetected = errors.New("dependency cycle detected")
	// ErrInsufficientAgents is matched by every InsufficientAgentsError.
	ErrInsufficientAgents = errors.New("insufficient agents")
	// ErrInvalidTaskList reports malformed input (empty or duplicate IDs, unknown dependencies).
	ErrInvalidTaskList = errors.New("invalid task list")
)

// CycleDetectedError names the dependency cycle found while building the graph.
// Path starts and ends with the same task ID.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleDetectedError) Is(target error) bool { return target == ErrCycleDetected }

// InsufficientAgentsError is returned when fewer agents were requested than
// there are mutually exclusive ownership groups.
type InsufficientAgentsError struct {
	Required  int
	Requested int
}

func (e *InsufficientAgentsError) Error() string {
	return fmt.Sprintf("insufficient agents: %d ownership groups need their own agent but only %d agents were requested", e.Required, e.Requested)
}

func (e *InsufficientAgentsError) Is(target error) bool { return target == ErrInsufficientAgents }
