package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound is returned for unknown task, agent, or workspace IDs.
	ErrNotFound = errors.New("not found")
	// ErrSessionTerminal is returned when mutating a completed or aborted session.
	ErrSessionTerminal = errors.New("session is no longer running")
	// ErrNoSession is returned before Initialize.
	ErrNoSession = errors.New("no session initialized")
)

// InvalidTransitionError reports a requested state change that the state
// machine of Entity does not allow. The change is never applied.
type InvalidTransitionError struct {
	Entity string // "task", "agent", "workspace", "handoff", "session"
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func notFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// ErrNotStarted is returned when mutating a session that is still planning.
var ErrNotStarted = errors.New("session has not started")
