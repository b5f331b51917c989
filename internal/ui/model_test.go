// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, key bindings, event tail and spectrum bars
package ui

import (
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/protocol"
)

type recordingCommander struct {
	mu   sync.Mutex
	cmds []protocol.Command
	err  error
}

func (r *recordingCommander) Command(cmd protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return r.err
}

func press(t *testing.T, m Model, key tea.KeyMsg) (Model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(key)
	var msg tea.Msg
	if cmd != nil {
		msg = cmd()
	}
	return next.(Model), msg
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestNewModel(t *testing.T) {
	model := NewModel("local", 140, nil)
	assert.False(t, model.connected)
	assert.Equal(t, 100, model.volume)
	assert.Equal(t, "idle", model.status.State)
	assert.Equal(t, "Loading...", model.View())
}

func TestStatusMsgConnected(t *testing.T) {
	model := NewModel("", 80, nil)
	connected := true
	model.applyStatus(StatusMsg{Connected: &connected, Source: "Den"})
	assert.True(t, model.connected)
	assert.Equal(t, "Den", model.source)

	disconnected := false
	model.applyStatus(StatusMsg{Connected: &disconnected})
	assert.False(t, model.connected)
	assert.Equal(t, "Den", model.source)
}

func TestStatusMsgKeepsEventTail(t *testing.T) {
	model := NewModel("local", 80, nil)
	events := []string{"a", "b", "c", "d", "e", "f", "g"}
	model.applyStatus(StatusMsg{Status: &protocol.Status{State: "playing", Events: events}})
	assert.Equal(t, []string{"c", "d", "e", "f", "g"}, model.events)

	model.appendEvent(protocol.Event{Kind: "error", Message: "USB gone"})
	assert.Equal(t, []string{"d", "e", "f", "g", "error: USB gone"}, model.events)
	assert.Equal(t, "USB gone", model.lastError)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, events)
}

func TestSpaceTogglesPlayback(t *testing.T) {
	rec := &recordingCommander{}
	model := NewModel("local", 50, rec)

	model, _ = press(t, model, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	model.applyStatus(StatusMsg{Status: &protocol.Status{State: "playing"}})
	_, _ = press(t, model, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})

	assert.Equal(t, []protocol.Command{
		{Command: protocol.CommandPlay},
		{Command: protocol.CommandPause},
	}, rec.cmds)
}

func TestSeekKeysClamp(t *testing.T) {
	rec := &recordingCommander{}
	model := NewModel("local", 50, rec)
	model.applyStatus(StatusMsg{Status: &protocol.Status{State: "playing", Position: 4, Duration: 20}})

	model, _ = press(t, model, tea.KeyMsg{Type: tea.KeyLeft})
	model, _ = press(t, model, tea.KeyMsg{Type: tea.KeyRight})
	model, _ = press(t, model, tea.KeyMsg{Type: tea.KeyRight})
	_, _ = press(t, model, tea.KeyMsg{Type: tea.KeyRight})

	values := make([]float64, 0, len(rec.cmds))
	for _, c := range rec.cmds {
		assert.Equal(t, protocol.CommandSeek, c.Command)
		values = append(values, c.Value)
	}
	assert.Equal(t, []float64{0, 10, 20, 20}, values)
}

func TestVolumeKeys(t *testing.T) {
	rec := &recordingCommander{}
	model := NewModel("local", 98, rec)

	model, _ = press(t, model, runes("+"))
	assert.Equal(t, 100, model.volume)
	model, _ = press(t, model, runes("-"))
	assert.Equal(t, 95, model.volume)

	require.Len(t, rec.cmds, 2)
	assert.Equal(t, protocol.Command{Command: protocol.CommandVolume, Value: 1}, rec.cmds[0])
	assert.Equal(t, protocol.Command{Command: protocol.CommandVolume, Value: 0.95}, rec.cmds[1])
}

func TestCommandFailureSurfaces(t *testing.T) {
	rec := &recordingCommander{err: errors.New("not connected")}
	model := NewModel("remote", 50, rec)

	model, msg := press(t, model, runes("r"))
	require.IsType(t, ErrorMsg{}, msg)
	next, _ := model.Update(msg)
	model = next.(Model)
	assert.Equal(t, "recover: not connected", model.lastError)
}

func TestQuitKey(t *testing.T) {
	_, cmd := NewModel("local", 50, nil).Update(runes("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestViewRendersStatus(t *testing.T) {
	model := NewModel("local", 60, nil)
	next, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 30})
	model = next.(Model)
	connected := true
	model.applyStatus(StatusMsg{Connected: &connected, Status: &protocol.Status{
		State:        "playing",
		OutputState:  "active",
		Driver:       "ALSA",
		Device:       "hw:1,0",
		Exclusive:    true,
		BitPerfect:   true,
		Position:     75,
		Duration:     240,
		Codec:        "FLAC",
		Bitrate:      4608000,
		SourceRate:   96000,
		SourceDepth:  24,
		SessionRate:  96000,
		SessionDepth: 24,
	}})

	view := model.View()
	assert.Contains(t, view, "Connected to local")
	assert.Contains(t, view, "1:15 / 4:00")
	assert.Contains(t, view, "FLAC  4,608 kbps")
	assert.Contains(t, view, "Source:   96kHz | 24-bit")
	assert.Contains(t, view, "Hardware: -")
	assert.Contains(t, view, "bit-perfect,exclusive")
	for _, row := range strings.Split(strings.TrimRight(view, "\n"), "\n") {
		assert.Equal(t, 58, len([]rune(row)), row)
	}
}

func TestBars(t *testing.T) {
	assert.Equal(t, "    ", Bars(nil, 4))
	assert.Equal(t, " █", Bars([]float32{-80, -90, 0, 3}, 2))
	assert.Equal(t, 48, len([]rune(Bars(make([]float32, 128), 48))))
}
