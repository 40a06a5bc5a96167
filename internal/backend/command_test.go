package backend

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/parallax/internal/events"
)

func shell(script string) Config {
	return Config{Command: "sh", Args: []string{"-c", script}}
}

func TestCommandBackend_RunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	b := NewCommand(shell("echo \"$PARALLAX_TASK_ID:{agent_id}\" > out.txt; cat"), nil, nil, nil)

	res, err := b.Execute(context.Background(), Request{
		TaskID: "T1", AgentID: "agent-1", Description: "build the thing", WorkDir: dir,
	})
	require.NoError(t, err)
	assert.True(t, res.ChecksPassed)
	assert.Contains(t, res.Output, "build the thing", "description arrives on stdin")

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "T1:agent-1\n", string(data))
}

func TestCommandBackend_Artifacts(t *testing.T) {
	b := NewCommand(shell("echo '::artifact api = openapi.yaml'; echo '::artifact broken'; echo done"), nil, nil, nil)

	res, err := b.Execute(context.Background(), Request{TaskID: "T1", WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api": "openapi.yaml"}, res.Artifacts)
}

func TestCommandBackend_Handoffs(t *testing.T) {
	b := NewCommand(shell("printf '%s' \"$PARALLAX_HANDOFFS\""), nil, nil, nil)

	res, err := b.Execute(context.Background(), Request{
		TaskID:   "T2",
		WorkDir:  t.TempDir(),
		Handoffs: []Handoff{{Producer: "T1", Artifacts: map[string]string{"schema": "db.sql"}}},
	})
	require.NoError(t, err)

	var got []Handoff
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(res.Output)), &got))
	assert.Equal(t, []Handoff{{Producer: "T1", Artifacts: map[string]string{"schema": "db.sql"}}}, got)
}

func TestCommandBackend_Checks(t *testing.T) {
	tests := []struct {
		name       string
		checks     []string
		acceptance []string
		passed     bool
		failed     string
	}{
		{name: "no checks", passed: true},
		{name: "passing", checks: []string{"test -f out.txt"}, acceptance: []string{"true"}, passed: true},
		{name: "task check fails", checks: []string{"echo missing; test -f nope.txt"}, passed: false, failed: "echo missing; test -f nope.txt"},
		{name: "acceptance fails", checks: []string{"true"}, acceptance: []string{"false"}, passed: false, failed: "false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := shell("touch out.txt")
			cfg.Acceptance = tt.acceptance
			b := NewCommand(cfg, nil, nil, nil)

			res, err := b.Execute(context.Background(), Request{TaskID: "T1", WorkDir: t.TempDir(), Checks: tt.checks})
			require.NoError(t, err)
			assert.Equal(t, tt.passed, res.ChecksPassed)
			assert.Equal(t, tt.failed, res.FailedCheck)
		})
	}
}

func TestCommandBackend_CheckOutput(t *testing.T) {
	b := NewCommand(shell("true"), nil, nil, nil)
	res, err := b.Execute(context.Background(), Request{
		TaskID: "T1", WorkDir: t.TempDir(), Checks: []string{"echo 2 tests failed; exit 1"},
	})
	require.NoError(t, err)
	assert.False(t, res.ChecksPassed)
	assert.Equal(t, "2 tests failed", res.CheckOutput)
}

func TestCommandBackend_ExecutorFailure(t *testing.T) {
	b := NewCommand(shell("echo nope >&2; exit 1"), nil, nil, nil)
	_, err := b.Execute(context.Background(), Request{TaskID: "T1", WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T1")
	assert.Contains(t, err.Error(), "nope")
}

func TestCommandBackend_Timeout(t *testing.T) {
	cfg := shell("sleep 30")
	cfg.Timeout = 100 * time.Millisecond
	b := NewCommand(cfg, nil, nil, nil)

	_, err := b.Execute(context.Background(), Request{TaskID: "T1", WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCommandBackend_NoCommand(t *testing.T) {
	_, err := NewCommand(Config{}, nil, nil, nil).Execute(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestCommandBackend_PublishesOutput(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 10)

	b := NewCommand(shell("echo working"), nil, bus, nil)
	_, err := b.Execute(context.Background(), Request{TaskID: "T1", AgentID: "agent-1", WorkDir: t.TempDir()})
	require.NoError(t, err)

	select {
	case ev := <-sub:
		out, ok := ev.(events.TaskOutputEvent)
		require.True(t, ok)
		assert.Equal(t, "T1", out.ID)
		assert.Equal(t, "agent-1", out.AgentID)
		assert.Equal(t, "working", out.Line)
	case <-time.After(time.Second):
		t.Fatal("no output event")
	}
}

func TestFunc(t *testing.T) {
	var b Backend = Func(func(_ context.Context, req Request) (Result, error) {
		return Result{Output: req.TaskID, ChecksPassed: true}, nil
	})
	res, err := b.Execute(context.Background(), Request{TaskID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Output)
}
