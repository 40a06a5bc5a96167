package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/events"
)

// ArtifactPrefix marks an executor output line that publishes an artifact to
// dependent tasks: "::artifact name=value".
const ArtifactPrefix = "::artifact "

// CommandBackend runs the configured executor command in the workspace, then
// the acceptance checks. Output lines are published as task output events.
type CommandBackend struct {
	cfg    Config
	pm     *ProcessManager
	bus    *events.EventBus
	logger *zap.Logger
}

// NewCommand creates a command backend. pm, bus, and logger may be nil.
func NewCommand(cfg Config, pm *ProcessManager, bus *events.EventBus, logger *zap.Logger) *CommandBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandBackend{cfg: cfg, pm: pm, bus: bus, logger: logger}
}

// Execute runs one task. A non-zero executor exit is an error; a failing
// check is reported through Result.ChecksPassed.
func (b *CommandBackend) Execute(ctx context.Context, req Request) (Result, error) {
	if b.cfg.Command == "" {
		return Result{}, ErrNoCommand
	}
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	env, err := b.environ(req)
	if err != nil {
		return Result{}, err
	}

	replacer := strings.NewReplacer(
		"{task_id}", req.TaskID,
		"{agent_id}", req.AgentID,
		"{role}", req.Role,
		"{description}", req.Description,
		"{workdir}", req.WorkDir,
	)
	args := make([]string, len(b.cfg.Args))
	for i, a := range b.cfg.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := newCommand(ctx, b.cfg.Command, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = env
	cmd.Stdin = strings.NewReader(req.Description)

	start := time.Now()
	artifacts := make(map[string]string)
	stdout, _, err := executeCommand(cmd, b.pm, func(line string) {
		if rest, ok := strings.CutPrefix(line, ArtifactPrefix); ok {
			if name, value, ok := strings.Cut(rest, "="); ok && strings.TrimSpace(name) != "" {
				artifacts[strings.TrimSpace(name)] = strings.TrimSpace(value)
			}
		}
		b.publish(req, line)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Output: string(stdout)}, fmt.Errorf("task %s: executor stopped: %w", req.TaskID, ctx.Err())
		}
		return Result{Output: string(stdout)}, fmt.Errorf("task %s: %w", req.TaskID, err)
	}

	b.logger.Debug("executor finished",
		zap.String("task_id", req.TaskID),
		zap.String("agent_id", req.AgentID),
		zap.Duration("duration", time.Since(start)),
	)

	result := Result{Output: string(stdout), ChecksPassed: true}
	if len(artifacts) > 0 {
		result.Artifacts = artifacts
	}

	checks := append(append([]string(nil), req.Checks...), b.cfg.Acceptance...)
	for _, check := range checks {
		out, err := b.runCheck(ctx, req, env, check)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("task %s: check %q stopped: %w", req.TaskID, check, ctx.Err())
		}
		result.ChecksPassed = false
		result.FailedCheck = check
		result.CheckOutput = out
		b.logger.Info("acceptance check failed",
			zap.String("task_id", req.TaskID),
			zap.String("check", check),
			zap.Error(err),
		)
		break
	}
	return result, nil
}

func (b *CommandBackend) runCheck(ctx context.Context, req Request, env []string, check string) (string, error) {
	cmd := newCommand(ctx, "sh", "-c", check)
	cmd.Dir = req.WorkDir
	cmd.Env = env
	stdout, stderr, err := executeCommand(cmd, b.pm, func(line string) { b.publish(req, line) })
	return strings.TrimSpace(string(stdout) + string(stderr)), err
}

// environ exposes the task to the executor through PARALLAX_* variables.
func (b *CommandBackend) environ(req Request) ([]string, error) {
	handoffs, err := json.Marshal(req.Handoffs)
	if err != nil {
		return nil, fmt.Errorf("encode handoffs: %w", err)
	}
	env := append(os.Environ(), b.cfg.Env...)
	return append(env,
		"PARALLAX_SESSION_ID="+req.SessionID,
		"PARALLAX_TASK_ID="+req.TaskID,
		"PARALLAX_AGENT_ID="+req.AgentID,
		"PARALLAX_ROLE="+req.Role,
		"PARALLAX_WORKSPACE="+req.WorkDir,
		"PARALLAX_HANDOFFS="+string(handoffs),
	), nil
}

func (b *CommandBackend) publish(req Request, line string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.TopicTask, events.TaskOutputEvent{
		ID: req.TaskID, AgentID: req.AgentID, Line: line, Timestamp: time.Now(),
	})
}
