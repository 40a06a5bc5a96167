package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/parallax/internal/merge"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/tasklist"
)

type fakeSessions struct {
	started    *tasklist.Document
	request    scheduler.AgentRequest
	startErr   error
	status     *registry.Session
	abortedFor string
	forced     [2]string
	retried    string
	reset      string
	plan       *scheduler.Plan
}

func (f *fakeSessions) Start(ctx context.Context, doc *tasklist.Document, req scheduler.AgentRequest) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started, f.request = doc, req
	return "sess-1", nil
}

func (f *fakeSessions) Status() *registry.Session { return f.status }

func (f *fakeSessions) Abort(ctx context.Context, reason string) error {
	if f.status == nil {
		return registry.ErrNoSession
	}
	f.abortedFor = reason
	return nil
}

func (f *fakeSessions) ForceMerge(ctx context.Context, workspaceID, confirm string) error {
	if confirm != workspaceID {
		return merge.ErrConfirmationRequired
	}
	f.forced = [2]string{workspaceID, confirm}
	return nil
}

func (f *fakeSessions) RetryMerge(ctx context.Context, workspaceID string) error {
	f.retried = workspaceID
	return nil
}

func (f *fakeSessions) ResetTask(taskID string) error {
	f.reset = taskID
	return nil
}

func (f *fakeSessions) Replan(ctx context.Context) (*scheduler.Plan, error) {
	return f.plan, nil
}

func call(t *testing.T, s *server.MCPServer, tool string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	handler := s.GetTool(tool)
	require.NotNil(t, handler, tool)

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	result, err := handler.Handler(context.Background(), req)
	require.NoError(t, err)
	return result
}

func text(result *mcp.CallToolResult) string {
	return result.Content[0].(mcp.TextContent).Text
}

func writeTasks(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  - id: schema
    owner_patterns: ["db/**"]
  - id: api
    depends_on: [schema]
`), 0o644))
	return path
}

func runningSession() *registry.Session {
	return &registry.Session{
		ID:        "sess-1",
		Feature:   "billing",
		Status:    registry.SessionRunning,
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Tasks: []*scheduler.Task{
			{ID: "schema", Status: scheduler.TaskActive, AssignedAgent: "agent-1"},
		},
		Agents: []*registry.Agent{
			{ID: "agent-1", Role: "backend", Queue: []string{"schema"}, CurrentTask: "schema"},
		},
	}
}

func TestToolsRegistered(t *testing.T) {
	s := NewServer(&fakeSessions{}, Options{})
	for _, name := range []string{"start_session", "get_status", "abort_session", "force_merge", "retry_merge", "reset_task", "replan"} {
		assert.NotNil(t, s.GetTool(name), name)
	}
}

func TestStartSession(t *testing.T) {
	sessions := &fakeSessions{}
	s := NewServer(sessions, Options{Defaults: scheduler.AgentRequest{Count: 2, Roles: []scheduler.RoleSpec{{Name: "backend"}}}})

	result := call(t, s, "start_session", map[string]interface{}{"tasks_file": writeTasks(t), "agents": float64(3)})
	require.False(t, result.IsError, text(result))
	assert.Contains(t, text(result), "sess-1")
	assert.Contains(t, text(result), `"billing"`)

	require.NotNil(t, sessions.started)
	assert.Len(t, sessions.started.Tasks, 2)
	assert.Equal(t, 3, sessions.request.Count)
	assert.Equal(t, []scheduler.RoleSpec{{Name: "backend"}}, sessions.request.Roles)
	assert.False(t, sessions.request.Serialize)
}

func TestStartSessionErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]interface{}
		startErr error
		want     string
	}{
		{"missing file argument", map[string]interface{}{}, nil, "tasks_file is required"},
		{"unreadable file", map[string]interface{}{"tasks_file": "/nonexistent/tasks.yaml"}, nil, "failed to read task list"},
		{"too few agents", nil, &scheduler.InsufficientAgentsError{Required: 3, Requested: 1}, "pass agents=3 or serialize=true"},
		{"cycle", nil, &scheduler.CycleDetectedError{Path: []string{"a", "b", "a"}}, "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if args == nil {
				args = map[string]interface{}{"tasks_file": writeTasks(t)}
			}
			s := NewServer(&fakeSessions{startErr: tt.startErr}, Options{})
			result := call(t, s, "start_session", args)
			assert.True(t, result.IsError)
			assert.Contains(t, text(result), tt.want)
		})
	}
}

func TestGetStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	sessions := &fakeSessions{status: runningSession()}
	s := NewServer(sessions, Options{Now: func() time.Time { return now }})

	result := call(t, s, "get_status", map[string]interface{}{})
	require.False(t, result.IsError)
	assert.Contains(t, text(result), "schema")
	assert.Contains(t, text(result), "elapsed 30m0s")

	result = call(t, s, "get_status", map[string]interface{}{"format": "json"})
	require.False(t, result.IsError)
	var decoded struct {
		SessionID string `json:"session_id"`
		Agents    []struct {
			ID          string `json:"id"`
			CurrentTask string `json:"current_task"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(result)), &decoded))
	assert.Equal(t, "sess-1", decoded.SessionID)
	require.Len(t, decoded.Agents, 1)
	assert.Equal(t, "schema", decoded.Agents[0].CurrentTask)

	result = call(t, s, "get_status", map[string]interface{}{"format": "xml"})
	assert.True(t, result.IsError)
}

func TestGetStatusWithoutSession(t *testing.T) {
	s := NewServer(&fakeSessions{}, Options{})
	result := call(t, s, "get_status", map[string]interface{}{})
	assert.True(t, result.IsError)
	assert.Contains(t, text(result), "no session")
}

func TestAbortSession(t *testing.T) {
	sessions := &fakeSessions{}
	s := NewServer(sessions, Options{})

	result := call(t, s, "abort_session", map[string]interface{}{})
	assert.True(t, result.IsError)
	assert.Equal(t, "no session has been started", text(result))

	sessions.status = runningSession()
	result = call(t, s, "abort_session", map[string]interface{}{"reason": "wrong branch"})
	require.False(t, result.IsError)
	assert.Equal(t, "wrong branch", sessions.abortedFor)
}

func TestForceMergeRequiresConfirmation(t *testing.T) {
	sessions := &fakeSessions{}
	s := NewServer(sessions, Options{})

	result := call(t, s, "force_merge", map[string]interface{}{"workspace_id": "ws-1", "confirm": "yes"})
	assert.True(t, result.IsError)
	assert.Contains(t, text(result), "confirmation")
	assert.Empty(t, sessions.forced[0])

	result = call(t, s, "force_merge", map[string]interface{}{"workspace_id": "ws-1", "confirm": "ws-1"})
	require.False(t, result.IsError)
	assert.Equal(t, [2]string{"ws-1", "ws-1"}, sessions.forced)
}

func TestRecoveryTools(t *testing.T) {
	sessions := &fakeSessions{plan: &scheduler.Plan{Agents: []scheduler.AgentPlan{
		{ID: "agent-2", Queue: []string{"b", "c"}},
	}}}
	s := NewServer(sessions, Options{})

	result := call(t, s, "retry_merge", map[string]interface{}{"workspace_id": "ws-3"})
	require.False(t, result.IsError)
	assert.Equal(t, "ws-3", sessions.retried)

	result = call(t, s, "reset_task", map[string]interface{}{"task_id": "b"})
	require.False(t, result.IsError)
	assert.Equal(t, "b", sessions.reset)

	result = call(t, s, "replan", map[string]interface{}{})
	require.False(t, result.IsError)
	assert.Contains(t, text(result), "agent-2: b, c")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "boom", describe(errors.New("boom")))
	assert.Equal(t, "no session has been started", describe(registry.ErrNoSession))
}
