// Package mcpserver exposes session control as MCP tools so a coding
// assistant can start, watch, and steer a session.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/report"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/tasklist"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Sessions is the session control surface the tools call into.
type Sessions interface {
	Start(ctx context.Context, doc *tasklist.Document, req scheduler.AgentRequest) (string, error)
	Status() *registry.Session
	Abort(ctx context.Context, reason string) error
	ForceMerge(ctx context.Context, workspaceID, confirm string) error
	RetryMerge(ctx context.Context, workspaceID string) error
	ResetTask(taskID string) error
	Replan(ctx context.Context) (*scheduler.Plan, error)
}

// Options configures the server.
type Options struct {
	// Defaults is the agent request used when start_session gives no count.
	Defaults scheduler.AgentRequest
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewServer creates a new MCP server.
func NewServer(sessions Sessions, opts Options) *server.MCPServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := server.NewMCPServer("parallax", Version)

	s.AddTool(mcp.NewTool("start_session",
		mcp.WithDescription("Plan a task list and start a session. Planning errors such as dependency cycles or too few agents are returned before any workspace is created."),
		mcp.WithString("tasks_file", mcp.Description("Path to a YAML or JSON task list"), mcp.Required()),
		mcp.WithNumber("agents", mcp.Description("Number of agents (defaults to the configured count)")),
		mcp.WithBoolean("serialize", mcp.Description("Queue extra ownership groups behind others instead of failing the plan")),
	), startSessionHandler(sessions, opts))

	s.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Get the progress report of the current or last session."),
		mcp.WithString("format", mcp.Description("text (default) or json")),
	), getStatusHandler(sessions, opts))

	s.AddTool(mcp.NewTool("abort_session",
		mcp.WithDescription("Abort the session: fail every unfinished task and discard every workspace that was not merged. This cannot be undone."),
		mcp.WithString("reason", mcp.Description("Recorded on every failed task")),
	), abortSessionHandler(sessions, opts))

	s.AddTool(mcp.NewTool("force_merge",
		mcp.WithDescription("Merge a ready workspace without the conflict check. Requires explicit human confirmation: confirm must repeat the workspace id."),
		mcp.WithString("workspace_id", mcp.Description("Workspace to merge"), mcp.Required()),
		mcp.WithString("confirm", mcp.Description("The workspace id again, typed by a human"), mcp.Required()),
	), forceMergeHandler(sessions, opts))

	s.AddTool(mcp.NewTool("retry_merge",
		mcp.WithDescription("Retry the merge of a workspace after its conflict was resolved."),
		mcp.WithString("workspace_id", mcp.Description("Workspace to merge"), mcp.Required()),
	), retryMergeHandler(sessions, opts))

	s.AddTool(mcp.NewTool("reset_task",
		mcp.WithDescription("Return a failed task to pending so it runs again. Its blocked dependents are released."),
		mcp.WithString("task_id", mcp.Description("Failed task"), mcp.Required()),
	), resetTaskHandler(sessions, opts))

	s.AddTool(mcp.NewTool("replan",
		mcp.WithDescription("Recompute the queues of unfinished tasks over the agents that have not failed."),
	), replanHandler(sessions, opts))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func startSessionHandler(sessions Sessions, opts Options) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := mcp.ParseString(request, "tasks_file", "")
		if path == "" {
			return mcp.NewToolResultError("tasks_file is required"), nil
		}
		doc, err := tasklist.Load(path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		req := opts.Defaults
		if n := mcp.ParseInt(request, "agents", 0); n > 0 {
			req.Count = n
		}
		req.Serialize = mcp.ParseBoolean(request, "serialize", req.Serialize)

		id, err := sessions.Start(ctx, doc, req)
		if err != nil {
			opts.Logger.Warn("start_session refused", zap.String("tasks_file", path), zap.Error(err))
			return mcp.NewToolResultError(describe(err)), nil
		}
		opts.Logger.Info("session started over mcp", zap.String("session_id", id), zap.String("feature", doc.Feature))
		return mcp.NewToolResultText(fmt.Sprintf("Session %s started for %q with %d tasks. Call get_status to follow it.", id, doc.Feature, len(doc.Tasks))), nil
	}
}

func getStatusHandler(sessions Sessions, opts Options) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s := sessions.Status()
		if s == nil {
			return mcp.NewToolResultError("no session has been started"), nil
		}
		r := report.Build(s, opts.Now())

		switch format := mcp.ParseString(request, "format", "text"); format {
		case "json":
			data, err := json.MarshalIndent(r, "", "  ")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(string(data)), nil
		case "text", "":
			return mcp.NewToolResultText(r.Render()), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown format %q; use text or json", format)), nil
		}
	}
}

func abortSessionHandler(sessions Sessions, opts Options) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reason := mcp.ParseString(request, "reason", "aborted over mcp")
		if err := sessions.Abort(ctx, reason); err != nil {
			return mcp.NewToolResultError(describe(err)), nil
		}
		opts.Logger.Info("session aborted over mcp", zap.String("reason", reason))
		return mcp.NewToolResultText("Session aborted. Unmerged workspaces were discarded."), nil
	}
}

func forceMergeHandler(sessions Sessions, opts Options) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "workspace_id", "")
		confirm := mcp.ParseString(request, "confirm", "")
		if err := sessions.ForceMerge(ctx, id, confirm); err != nil {
			return mcp.NewToolResultError(describe(err)), nil
		}
		opts.Logger.Warn("workspace force merged over mcp", zap.String("workspace_id", id))
		return mcp.NewToolResultText(fmt.Sprintf("Workspace %s merged without the conflict check.", id)), nil
	}
}

func retryMergeHandler(sessions Sessions, opts Options) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "workspace_id", "")
		if err := sessions.RetryMerge(ctx, id); err != nil {
			return mcp.NewToolResultError(describe(err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Workspace %s merged.", id)), nil
	}
}

func resetTaskHandler(sessions Sessions, opts Options) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseString(request, "task_id", "")
		if err := sessions.ResetTask(id); err != nil {
			return mcp.NewToolResultError(describe(err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task %s reset to pending.", id)), nil
	}
}

func replanHandler(sessions Sessions, opts Options) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		plan, err := sessions.Replan(ctx)
		if err != nil {
			return mcp.NewToolResultError(describe(err)), nil
		}
		var b strings.Builder
		b.WriteString("Queues after replan:\n")
		for _, a := range plan.Agents {
			fmt.Fprintf(&b, "  %s: %s\n", a.ID, strings.Join(a.Queue, ", "))
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

// describe adds the next step a caller can take for errors that have one.
func describe(err error) string {
	var insufficient *scheduler.InsufficientAgentsError
	switch {
	case errors.As(err, &insufficient):
		return fmt.Sprintf("%v; pass agents=%d or serialize=true", err, insufficient.Required)
	case errors.Is(err, registry.ErrNoSession):
		return "no session has been started"
	}
	return err.Error()
}
