package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/report"
)

const (
	listWidth      = 34
	maxOutputLines = 1000
)

// AgentPaneModel lists agents with their queue progress next to a scrollable
// view of the selected agent's executor output.
type AgentPaneModel struct {
	agents      []report.AgentLine
	output      map[string][]string // agentID -> lines
	selectedIdx int
	viewport    viewport.Model
	bar         progress.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		output:   make(map[string][]string),
		viewport: viewport.New(0, 0),
		bar: progress.New(
			progress.WithGradient("#5A56E0", "#04B575"),
			progress.WithWidth(12),
			progress.WithoutPercentage(),
		),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// SetAgents replaces the agent rows with a fresh report.
func (m *AgentPaneModel) SetAgents(agents []report.AgentLine) {
	selected := m.SelectedAgent()
	m.agents = agents
	for i, a := range agents {
		if a.ID == selected {
			m.selectedIdx = i
		}
	}
	if m.selectedIdx >= len(agents) {
		m.selectedIdx = 0
	}
	if selected == "" {
		m.updateViewportContent()
	}
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, Keys.Down):
			if m.selectedIdx < len(m.agents)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, Keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskOutputEvent:
		return m.appendLine(msg.AgentID, msg.Line)

	case events.TaskStatusEvent:
		line := fmt.Sprintf("[%s %s -> %s]", msg.ID, msg.From, msg.To)
		if msg.Reason != "" {
			line += " " + msg.Reason
		}
		return m.appendLine(msg.AgentID, line)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m AgentPaneModel) appendLine(agentID, line string) (AgentPaneModel, tea.Cmd) {
	if agentID == "" {
		return m, nil
	}
	lines := append(m.output[agentID], line)
	if len(lines) > maxOutputLines {
		lines = lines[len(lines)-maxOutputLines:]
	}
	m.output[agentID] = lines

	if m.SelectedAgent() != agentID {
		return m, nil
	}
	m.updateTag++
	tag := m.updateTag
	return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderAgentList() string {
	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)) + "\n\n")

	if len(m.agents) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, a := range m.agents {
		line := fmt.Sprintf("%s %-9s %s", StatusIcon(a.Status), a.ID, truncate(a.Role, 10))
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line + "\n")
		fmt.Fprintf(&b, "  %s %d/%d\n", m.bar.ViewAs(a.Percent), a.Completed, a.Total)
		switch {
		case a.Error != "":
			b.WriteString("  " + StyleStatusFailed.Render(truncate(a.Error, listWidth-4)) + "\n")
		case a.CurrentTask != "":
			b.WriteString("  " + StyleStatusRunning.Render(truncate(a.CurrentTask, listWidth-4)) + "\n")
		}
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

func truncate(s string, width int) string {
	if width <= 3 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

// SelectedAgent returns the ID of the highlighted agent.
func (m AgentPaneModel) SelectedAgent() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agents) {
		return m.agents[m.selectedIdx].ID
	}
	return ""
}

func (m *AgentPaneModel) updateViewportContent() {
	agentID := m.SelectedAgent()
	lines := m.output[agentID]
	if agentID == "" || len(lines) == 0 {
		m.viewport.SetContent("Waiting for output...")
		return
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
