// Package backend runs tasks through an external coding assistant command.
package backend

import (
	"context"
	"errors"
)

// ErrNoCommand is returned when the command backend has nothing to run.
var ErrNoCommand = errors.New("no executor command configured")

// Backend executes a single task in a workspace.
type Backend interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Backend interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
