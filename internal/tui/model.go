// Package tui is a live terminal view of a running session. It redraws from
// registry snapshots whenever the event bus reports a change.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/report"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PaneTasks
	paneCount
)

const refreshInterval = time.Second

// StatusFunc returns the latest session snapshot, or nil before one exists.
type StatusFunc func() *registry.Session

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane   AgentPaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	bus         *events.EventBus
	eventSub    <-chan events.Event
	status      StatusFunc
	now         func() time.Time
	report      *report.Report
	width       int
	height      int
	quitting    bool
}

// refreshMsg redraws elapsed time even when no event arrives.
type refreshMsg struct{}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll and
// unsubscribes when the user detaches.
func New(eventBus *events.EventBus, status StatusFunc) Model {
	m := Model{
		agentPane:   NewAgentPaneModel(),
		dagPane:     NewDAGPaneModel(),
		focusedPane: PaneAgents,
		bus:         eventBus,
		eventSub:    eventBus.SubscribeAll(256),
		status:      status,
		now:         time.Now,
	}
	m.refresh()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), tick())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, Keys.Detach):
			m.quitting = true
			m.bus.Unsubscribe(m.eventSub)
			return m, tea.Quit
		case key.Matches(msg, Keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()
		case key.Matches(msg, Keys.PrevPane):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()
		case key.Matches(msg, Keys.Agents):
			m.focusedPane = PaneAgents
			m.updateFocusStates()
		case key.Matches(msg, Keys.Tasks):
			m.focusedPane = PaneTasks
			m.updateFocusStates()
		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneAgents:
				m.agentPane, cmd = m.agentPane.Update(msg)
			case PaneTasks:
				m.dagPane, cmd = m.dagPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case refreshMsg:
		m.refresh()
		cmds = append(cmds, tick())

	case events.TaskOutputEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TaskStatusEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		m.refresh()
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.ProgressEvent:
		m.dagPane, _ = m.dagPane.Update(msg)
		m.refresh()
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		// Agent, workspace, handoff, merge, and session changes only need a redraw.
		m.refresh()
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// refresh rebuilds the report from the latest snapshot.
func (m *Model) refresh() {
	s := m.status()
	if s == nil {
		return
	}
	m.report = report.Build(s, m.now())
	m.agentPane.SetAgents(m.report.Agents)
	m.dagPane.SetReport(m.report)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Detached. The session keeps running.\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), m.dagPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, m.banner(), body, HelpView())
}

func (m Model) banner() string {
	if m.report == nil {
		return StyleBanner.Render("parallax: no session")
	}
	r := m.report
	text := fmt.Sprintf("parallax %s  %s  %s", r.Feature, r.SessionID, r.Status)
	if r.Status == registry.SessionCompleted.String() || r.Status == registry.SessionAborted.String() {
		text += "  (session ended, press q)"
	}
	return StyleBanner.Render(text)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 50) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // banner and help bar

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.dagPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.dagPane.SetFocused(m.focusedPane == PaneTasks)
}
