// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the engine status view
package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hiresti/hiresti-audio/internal/protocol"
)

// CommandFunc adapts a function to Commander
type CommandFunc func(cmd protocol.Command) error

// Command implements Commander
func (f CommandFunc) Command(cmd protocol.Command) error {
	return f(cmd)
}

// NewModel creates a new TUI model. commander may be nil for a read-only view.
func NewModel(source string, volume int, commander Commander) Model {
	return Model{
		source:    source,
		volume:    max(0, min(100, volume)),
		status:    protocol.Status{State: "idle", OutputState: "idle"},
		commander: commander,
	}
}

// NewProgram creates the full-screen program around model
func NewProgram(model Model) *tea.Program {
	return tea.NewProgram(model, tea.WithAltScreen())
}
