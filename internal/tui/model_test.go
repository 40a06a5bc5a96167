package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/parallax/internal/config"
	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/report"
	"github.com/aristath/parallax/internal/scheduler"
)

func newSession(t *testing.T, bus *events.EventBus) *registry.Registry {
	t.Helper()
	g, err := scheduler.Build([]scheduler.TaskSpec{
		{ID: "schema", EstimatedMinutes: 10},
		{ID: "api", DependsOn: []string{"schema"}, EstimatedMinutes: 10},
	})
	require.NoError(t, err)
	plan, err := scheduler.NewPlanner(nil).Plan(g, scheduler.AgentRequest{Count: 2})
	require.NoError(t, err)

	reg := registry.New(registry.Options{Bus: bus})
	_, err = reg.Initialize("billing", g, plan)
	require.NoError(t, err)
	require.NoError(t, reg.Start())
	return reg
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model
}

func taskLine(r *report.Report, id string) report.TaskLine {
	for _, line := range r.Tasks {
		if line.ID == id {
			return line
		}
	}
	return report.TaskLine{}
}

func TestModelRefreshesFromRegistry(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	reg := newSession(t, bus)

	m := New(bus, reg.Snapshot)
	require.NotNil(t, m.report)
	assert.Equal(t, "billing", m.report.Feature)
	assert.Equal(t, "ready", taskLine(m.report, "schema").Status)

	s := reg.Snapshot()
	schema, _ := s.Task("schema")
	require.NoError(t, reg.UpdateTaskStatus(registry.TaskUpdate{TaskID: "schema", To: scheduler.TaskActive, AgentID: schema.AssignedAgent}))

	m = update(t, m, events.TaskStatusEvent{ID: "schema", AgentID: schema.AssignedAgent, From: "ready", To: "active"})
	assert.Equal(t, "active", taskLine(m.report, "schema").Status)

	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	view := m.View()
	assert.Contains(t, view, "Agents")
	assert.Contains(t, view, "Task Graph")
	assert.Contains(t, view, "billing")
}

func TestModelWithoutSession(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus, func() *registry.Session { return nil })
	assert.Nil(t, m.report)
	assert.Equal(t, "Initializing...", m.View())

	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	assert.Contains(t, m.View(), "no session")
}

func TestFocusCycling(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	m := New(bus, func() *registry.Session { return nil })

	tests := []struct {
		key  tea.KeyMsg
		want PaneID
	}{
		{tea.KeyMsg{Type: tea.KeyTab}, PaneTasks},
		{tea.KeyMsg{Type: tea.KeyTab}, PaneAgents},
		{tea.KeyMsg{Type: tea.KeyShiftTab}, PaneTasks},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1")}, PaneAgents},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")}, PaneTasks},
	}
	for _, tt := range tests {
		m = update(t, m, tt.key)
		assert.Equal(t, tt.want, m.focusedPane, tt.key.String())
	}
}

func TestQuitDetaches(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	m := New(bus, func() *registry.Session { return nil })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, next.View(), "keeps running")

	// The dashboard stops consuming events once detached.
	_, open := <-m.eventSub
	assert.False(t, open)
	bus.Publish(events.TopicTask, events.TaskStatusEvent{ID: "a", To: "active"})
	assert.Zero(t, bus.Dropped())
}

func TestAgentPaneOutput(t *testing.T) {
	pane := NewAgentPaneModel()
	pane.SetSize(100, 20)
	pane.SetAgents([]report.AgentLine{
		{ID: "agent-1", Role: "backend", Total: 2},
		{ID: "agent-2", Role: "frontend", Total: 1},
	})
	require.Equal(t, "agent-1", pane.SelectedAgent())

	pane, cmd := pane.Update(events.TaskOutputEvent{ID: "ui", AgentID: "agent-2", Line: "npm test"})
	assert.Nil(t, cmd, "output for an unselected agent is stored without a redraw")
	assert.Equal(t, []string{"npm test"}, pane.output["agent-2"])

	pane, cmd = pane.Update(events.TaskOutputEvent{ID: "schema", AgentID: "agent-1", Line: "migrating"})
	require.NotNil(t, cmd)
	pane, _ = pane.Update(tickMsg{tag: pane.updateTag})
	assert.Contains(t, pane.viewport.View(), "migrating")

	pane, _ = pane.Update(events.TaskStatusEvent{ID: "schema", AgentID: "agent-1", From: "active", To: "failed", Reason: "exit 1"})
	assert.Equal(t, "[schema active -> failed] exit 1", pane.output["agent-1"][1])
}

func TestAgentPaneKeepsSelectionAcrossReports(t *testing.T) {
	pane := NewAgentPaneModel()
	pane.SetFocused(true)
	pane.SetAgents([]report.AgentLine{{ID: "agent-1"}, {ID: "agent-2"}})
	pane, _ = pane.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	require.Equal(t, "agent-2", pane.SelectedAgent())

	pane.SetAgents([]report.AgentLine{{ID: "agent-1", Completed: 1}, {ID: "agent-2", Completed: 1}})
	assert.Equal(t, "agent-2", pane.SelectedAgent())
}

func TestAgentPaneCapsOutput(t *testing.T) {
	pane := NewAgentPaneModel()
	pane.SetAgents([]report.AgentLine{{ID: "agent-1"}})
	for i := 0; i < maxOutputLines+10; i++ {
		pane, _ = pane.Update(events.TaskOutputEvent{AgentID: "agent-1", Line: "x"})
	}
	assert.Len(t, pane.output["agent-1"], maxOutputLines)
}

func TestDAGPaneShowsReasonsAndTimeline(t *testing.T) {
	pane := NewDAGPaneModel()
	pane.SetSize(80, 30)
	pane, _ = pane.Update(events.ProgressEvent{Total: 2, Completed: 1, Blocked: 1})
	pane.SetReport(&report.Report{
		Tasks: []report.TaskLine{
			{ID: "schema", Status: "completed", Agent: "agent-1"},
			{ID: "api", Status: "blocked", Agent: "agent-2", Reason: "dependency x failed: boom"},
		},
		Merges: []report.MergeLine{{WorkspaceID: "ws-1", AgentID: "agent-1", Status: "ready_to_merge", Error: "conflict on go.mod"}},
		Timeline: report.Timeline{
			CriticalPath:     []string{"schema", "api"},
			EstimatedMinutes: 20,
			Elapsed:          30 * time.Minute,
			OverEstimate:     true,
		},
	})

	view := pane.View()
	assert.Contains(t, view, "1/2")
	assert.Contains(t, view, "dependency x failed: boom")
	assert.Contains(t, view, "Merges awaiting a decision")
	assert.Contains(t, view, "over estimate")
	assert.Contains(t, view, "schema -> api")
}

func TestConfigEditorApply(t *testing.T) {
	cfg := config.DefaultConfig()
	e := NewConfigEditor(cfg)
	assert.Equal(t, "2", e.agentCount)
	assert.Equal(t, "-p {description}", e.args)

	e.agentCount = "4"
	e.baseBranch = "develop"
	e.args = "--print  {description}"
	e.timeout = "45m"
	e.serialize = true
	require.NoError(t, e.Apply())

	assert.Equal(t, 4, cfg.Agents.Count)
	assert.True(t, cfg.Agents.Serialize)
	assert.Equal(t, "develop", cfg.Repo.BaseBranch)
	assert.Equal(t, []string{"--print", "{description}"}, cfg.Executor.Args)
	assert.Equal(t, 45*time.Minute, cfg.Executor.Timeout)
}

func TestConfigEditorRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		edit func(*ConfigEditor)
	}{
		{"count", func(e *ConfigEditor) { e.agentCount = "many" }},
		{"timeout", func(e *ConfigEditor) { e.timeout = "soon" }},
		{"base branch", func(e *ConfigEditor) { e.baseBranch = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewConfigEditor(config.DefaultConfig())
			tt.edit(e)
			assert.Error(t, e.Apply())
		})
	}

	assert.Error(t, validateCount("0"))
	assert.NoError(t, validateCount("3"))
	assert.Error(t, validateDuration("-1m"))
	assert.Error(t, required("x")("  "))
}

func TestHelpView(t *testing.T) {
	help := HelpView()
	assert.Contains(t, help, "cycle focus")
	assert.Contains(t, help, "detach")
}
