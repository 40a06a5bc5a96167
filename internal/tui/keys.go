package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// KeyMap lists the dashboard bindings.
type KeyMap struct {
	NextPane key.Binding
	PrevPane key.Binding
	Agents   key.Binding
	Tasks    key.Binding
	Down     key.Binding
	Up       key.Binding
	Detach   key.Binding
}

// Keys is the default key map.
var Keys = KeyMap{
	NextPane: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane: key.NewBinding(key.WithKeys("shift+tab")),
	Agents:   key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	Tasks:    key.NewBinding(key.WithKeys("2")),
	Down:     key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "select/scroll")),
	Up:       key.NewBinding(key.WithKeys("k", "up")),
	Detach:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "detach")),
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.Agents, k.Down, k.Detach}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// HelpView returns a one-line help bar.
func HelpView() string {
	h := help.New()
	h.ShortSeparator = " | "
	return StyleHelp.Render(h.View(Keys))
}
