package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/report"
)

// DAGPaneModel shows task graph progress: status counts, every task with the
// reason it is waiting, merges that need a decision, and the timeline.
type DAGPaneModel struct {
	progress events.ProgressEvent
	report   *report.Report
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{viewport: viewport.New(0, 0)}
}

// SetReport replaces the task rows with a fresh report.
func (m *DAGPaneModel) SetReport(r *report.Report) {
	m.report = r
	m.viewport.SetContent(m.renderBody())
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
	case events.ProgressEvent:
		m.progress = msg
	}
	return m, cmd
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Task Graph")
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)) + "\n")
	b.WriteString(m.renderCounts() + "\n")
	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m DAGPaneModel) renderCounts() string {
	p := m.progress
	line := fmt.Sprintf("%s %d  %s %d  %s %d  %s %d  %s %d",
		StyleStatusComplete.Render("done"), p.Completed,
		StyleStatusRunning.Render("active"), p.Active,
		StyleStatusPending.Render("waiting"), p.Pending+p.Ready,
		StyleStatusFailed.Render("blocked"), p.Blocked,
		StyleStatusFailed.Render("failed"), p.Failed,
	)
	if p.Total == 0 {
		return line
	}

	barWidth := min(m.width-6, 40)
	if barWidth < 4 {
		return line
	}
	completedWidth := (p.Completed * barWidth) / p.Total
	failedWidth := ((p.Failed + p.Blocked) * barWidth) / p.Total
	activeWidth := (p.Active * barWidth) / p.Total
	pendingWidth := max(0, barWidth-completedWidth-failedWidth-activeWidth)

	bar := StyleStatusComplete.Render(strings.Repeat("=", completedWidth))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
	bar += StyleStatusRunning.Render(strings.Repeat("-", activeWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", pendingWidth))
	return fmt.Sprintf("%s\n[%s] %d/%d\n", line, bar, p.Completed, p.Total)
}

func (m DAGPaneModel) renderBody() string {
	r := m.report
	if r == nil {
		return StyleStatusPending.Render("No session")
	}

	var b strings.Builder
	for _, t := range r.Tasks {
		fmt.Fprintf(&b, "%s %-20s %-9s", StatusIcon(t.Status), truncate(t.ID, 20), t.Agent)
		if t.Reason != "" {
			b.WriteString(" " + StyleStatusPending.Render(t.Reason))
		}
		b.WriteString("\n")
	}

	if len(r.Merges) > 0 {
		b.WriteString("\n" + StyleTitle.Render("Merges awaiting a decision") + "\n")
		for _, mg := range r.Merges {
			fmt.Fprintf(&b, "%s (%s) %s\n", mg.WorkspaceID, mg.AgentID, mg.Status)
			if mg.Error != "" {
				b.WriteString("  " + StyleStatusFailed.Render(mg.Error) + "\n")
			}
		}
	}

	tl := r.Timeline
	b.WriteString("\n")
	line := fmt.Sprintf("elapsed %s of %s estimated",
		tl.Elapsed.Round(time.Second), time.Duration(tl.EstimatedMinutes)*time.Minute)
	if tl.OverEstimate {
		line = StyleStatusFailed.Render(line + " (over estimate)")
	}
	b.WriteString(line + "\n")
	if len(tl.CriticalPath) > 0 {
		b.WriteString("critical path: " + strings.Join(tl.CriticalPath, " -> ") + "\n")
	}
	return b.String()
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-8, 3)
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
