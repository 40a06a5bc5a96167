// Package report renders a human-readable progress report for a session and
// a dry-run view of a plan.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

// Report is a point-in-time summary of a session.
type Report struct {
	SessionID string      `json:"session_id"`
	Feature   string      `json:"feature"`
	Status    string      `json:"status"`
	Agents    []AgentLine `json:"agents"`
	Tasks     []TaskLine  `json:"tasks"`
	Timeline  Timeline    `json:"timeline"`
	Merges    []MergeLine `json:"merges,omitempty"`
}

// AgentLine is one agent's row in the report.
type AgentLine struct {
	ID              string  `json:"id"`
	Role            string  `json:"role"`
	Status          string  `json:"status"`
	Completed       int     `json:"completed"`
	Total           int     `json:"total"`
	Percent         float64 `json:"percent"` // 0..1
	CurrentTask     string  `json:"current_task,omitempty"`
	WorkspaceID     string  `json:"workspace_id,omitempty"`
	WorkspaceStatus string  `json:"workspace_status,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// TaskLine is one task's row in the report.
type TaskLine struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Agent  string `json:"agent"`
	Reason string `json:"reason,omitempty"` // Why it is blocked or failed
}

// MergeLine reports a workspace whose merge needs a human.
type MergeLine struct {
	WorkspaceID string   `json:"workspace_id"`
	AgentID     string   `json:"agent_id"`
	Status      string   `json:"status"`
	Paths       []string `json:"paths,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Timeline compares elapsed wall-clock time with the critical-path estimate.
type Timeline struct {
	CriticalPath     []string      `json:"critical_path"`
	EstimatedMinutes int           `json:"estimated_minutes"`
	Elapsed          time.Duration `json:"elapsed"`
	OverEstimate     bool          `json:"over_estimate"`
}

// Build summarizes a session snapshot. now is used for the elapsed time of a
// session that has not ended.
func Build(s *registry.Session, now time.Time) *Report {
	r := &Report{
		SessionID: s.ID,
		Feature:   s.Feature,
		Status:    s.Status.String(),
		Timeline: Timeline{
			CriticalPath:     append([]string(nil), s.CriticalPath...),
			EstimatedMinutes: s.CriticalPathMinutes,
		},
	}

	if !s.StartedAt.IsZero() {
		end := now
		if !s.EndedAt.IsZero() {
			end = s.EndedAt
		}
		r.Timeline.Elapsed = end.Sub(s.StartedAt)
		r.Timeline.OverEstimate = s.CriticalPathMinutes > 0 &&
			r.Timeline.Elapsed > time.Duration(s.CriticalPathMinutes)*time.Minute
	}

	for _, a := range s.Agents {
		line := AgentLine{
			ID:          a.ID,
			Role:        a.Role,
			Status:      a.Status.String(),
			Total:       len(a.Queue),
			CurrentTask: a.CurrentTask,
			WorkspaceID: a.WorkspaceID,
			Error:       a.Error,
		}
		for _, id := range a.Queue {
			if t, ok := s.Task(id); ok && t.Status == scheduler.TaskCompleted {
				line.Completed++
			}
		}
		if line.Total > 0 {
			line.Percent = float64(line.Completed) / float64(line.Total)
		}
		if ws, ok := s.Workspace(a.WorkspaceID); ok {
			line.WorkspaceStatus = ws.Status.String()
		}
		r.Agents = append(r.Agents, line)
	}

	for _, t := range s.Tasks {
		r.Tasks = append(r.Tasks, TaskLine{
			ID:     t.ID,
			Status: t.Status.String(),
			Agent:  t.AssignedAgent,
			Reason: reason(s, t),
		})
	}

	for _, ws := range s.Workspaces {
		if ws.Status == worktree.StatusReadyToMerge || (ws.Error != "" && !ws.Status.Terminal()) {
			r.Merges = append(r.Merges, MergeLine{
				WorkspaceID: ws.ID,
				AgentID:     ws.AgentID,
				Status:      ws.Status.String(),
				Paths:       append([]string(nil), ws.ChangedPaths...),
				Error:       ws.Error,
			})
		}
	}
	return r
}

func reason(s *registry.Session, t *scheduler.Task) string {
	switch t.Status {
	case scheduler.TaskFailed:
		return t.Error
	case scheduler.TaskBlocked:
		return t.BlockedReason
	case scheduler.TaskPending:
		var waiting []string
		for _, dep := range t.DependsOn {
			if d, ok := s.Task(dep); ok && d.Status != scheduler.TaskCompleted {
				waiting = append(waiting, dep)
			}
		}
		if len(waiting) > 0 {
			return "waiting on " + strings.Join(waiting, ", ")
		}
	}
	return ""
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("green"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("red"))
)

// StatusStyle picks a color for a task, agent, workspace, or session status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "merged", "done":
		return okStyle
	case "active", "running", "ready_to_merge":
		return activeStyle
	case "failed", "aborted", "discarded":
		return badStyle
	case "blocked":
		return badStyle.Faint(true)
	default:
		return dimStyle
	}
}

// Render formats the report for a terminal.
func (r *Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s  %s\n", titleStyle.Render("Session"), r.SessionID, StatusStyle(r.Status).Render(r.Status))
	if r.Feature != "" {
		fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("Feature:"), r.Feature)
	}

	b.WriteString("\n" + sectionStyle.Render("Agents") + "\n")
	for _, a := range r.Agents {
		fmt.Fprintf(&b, "  %-10s %-12s %s %3.0f%% (%d/%d)",
			a.ID, a.Role, pad(StatusStyle(a.Status).Render(a.Status), a.Status, 8), a.Percent*100, a.Completed, a.Total)
		if a.CurrentTask != "" {
			fmt.Fprintf(&b, "  task %s", a.CurrentTask)
		}
		if a.WorkspaceID != "" {
			fmt.Fprintf(&b, "  %s", dimStyle.Render(fmt.Sprintf("%s [%s]", a.WorkspaceID, a.WorkspaceStatus)))
		}
		if a.Error != "" {
			fmt.Fprintf(&b, "  %s", badStyle.Render(a.Error))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n" + sectionStyle.Render("Tasks") + "\n")
	for _, t := range r.Tasks {
		fmt.Fprintf(&b, "  %-20s %s %-10s", t.ID, pad(StatusStyle(t.Status).Render(t.Status), t.Status, 10), t.Agent)
		if t.Reason != "" {
			fmt.Fprintf(&b, " %s", dimStyle.Render(t.Reason))
		}
		b.WriteString("\n")
	}

	if len(r.Merges) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Merges awaiting a decision") + "\n")
		for _, m := range r.Merges {
			fmt.Fprintf(&b, "  %s (%s) %s\n", m.WorkspaceID, m.AgentID, StatusStyle(m.Status).Render(m.Status))
			if m.Error != "" {
				fmt.Fprintf(&b, "    %s\n", badStyle.Render(m.Error))
			}
		}
	}

	b.WriteString("\n" + sectionStyle.Render("Timeline") + "\n")
	elapsed := r.Timeline.Elapsed.Round(time.Second)
	estimate := time.Duration(r.Timeline.EstimatedMinutes) * time.Minute
	line := fmt.Sprintf("  elapsed %s of %s estimated", elapsed, estimate)
	if r.Timeline.OverEstimate {
		line = badStyle.Render(line + " (over estimate)")
	}
	b.WriteString(line + "\n")
	if len(r.Timeline.CriticalPath) > 0 {
		fmt.Fprintf(&b, "  critical path: %s\n", strings.Join(r.Timeline.CriticalPath, " -> "))
	}
	return b.String()
}

// pad fills styled text to width, measured on the unstyled text.
func pad(styled, plain string, width int) string {
	if n := width - len(plain); n > 0 {
		return styled + strings.Repeat(" ", n)
	}
	return styled
}

// RenderPlan formats a plan for a dry run.
func RenderPlan(g *scheduler.Graph, plan *scheduler.Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %d tasks, %d agents\n", titleStyle.Render("Plan"), g.Len(), len(plan.Agents))

	b.WriteString("\n" + sectionStyle.Render("Queues") + "\n")
	for _, a := range plan.Agents {
		fmt.Fprintf(&b, "  %-10s %-12s %4d min  ", a.ID, a.Role, a.EstimatedMinutes)
		if len(a.Queue) == 0 {
			b.WriteString(dimStyle.Render("(idle)"))
		}
		for i, id := range a.Queue {
			if i > 0 {
				b.WriteString(", ")
			}
			slot := plan.Schedule[id]
			fmt.Fprintf(&b, "%s %s", id, dimStyle.Render(fmt.Sprintf("[%d-%d]", slot.Start, slot.End)))
		}
		b.WriteString("\n")
	}

	if groups := groupMembers(plan); len(groups) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Ownership groups") + "\n")
		for _, id := range plan.GroupIDs() {
			members := groups[id]
			if len(members) < 2 {
				continue
			}
			fmt.Fprintf(&b, "  %s: %s\n", id, strings.Join(members, ", "))
		}
	}

	b.WriteString("\n" + sectionStyle.Render("Timeline") + "\n")
	fmt.Fprintf(&b, "  critical path: %s (%d min)\n", strings.Join(plan.CriticalPath, " -> "), plan.CriticalPathMinutes)
	fmt.Fprintf(&b, "  simulated makespan: %d min\n", plan.MakespanMinutes)
	return b.String()
}

func groupMembers(plan *scheduler.Plan) map[string][]string {
	groups := make(map[string][]string)
	for _, id := range plan.Order {
		if g, ok := plan.Groups[id]; ok {
			groups[g] = append(groups[g], id)
		}
	}
	for _, members := range groups {
		sort.Strings(members)
	}
	return groups
}
