// ABOUTME: Bubbletea model for the engine status TUI
// ABOUTME: Shows transport state, formats, output path, spectrum bars and recent events
package ui

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/protocol"
)

const (
	seekStep    = 10.0
	volumeStep  = 5
	barColumns  = 48
	maxEvents   = 5
	floorDB     = -80.0
	innerWidth  = 54
	barGlyphs   = " ▁▂▃▄▅▆▇█"
	truncateLen = 42
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle  = lipgloss.NewStyle().Faint(true)
)

// Commander runs a transport command against a local engine or a remote monitor
type Commander interface {
	Command(cmd protocol.Command) error
}

// Model represents the TUI state
type Model struct {
	// Connection
	connected bool
	source    string

	status    protocol.Status
	volume    int
	spectrum  []float32
	events    []string
	lastError string

	commander Commander

	// Dimensions
	width  int
	height int
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Connected *bool
	Source    string
	Status    *protocol.Status
}

// EventMsg appends one transport event
type EventMsg protocol.Event

// SpectrumMsg replaces the spectrum bars
type SpectrumMsg protocol.Spectrum

// ErrorMsg shows a failed command or a transport error
type ErrorMsg struct{ Err error }

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case EventMsg:
		m.appendEvent(protocol.Event(msg))
	case SpectrumMsg:
		m.spectrum = msg.Magnitudes
	case ErrorMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderStreamInfo()
	s += m.renderOutput()
	s += m.renderSpectrum()
	s += m.renderEvents()
	s += m.renderHelp()
	return s
}

// pad fits text to the inner width
func pad(text string) string {
	if n := len([]rune(text)); n < innerWidth {
		text += strings.Repeat(" ", innerWidth-n)
	}
	return string([]rune(text)[:innerWidth])
}

func line(format string, args ...interface{}) string {
	return "│ " + pad(fmt.Sprintf(format, args...)) + " │\n"
}

func styledLine(style lipgloss.Style, format string, args ...interface{}) string {
	return "│ " + style.Render(pad(fmt.Sprintf(format, args...))) + " │\n"
}

func rule(left, right string) string {
	return left + strings.Repeat("─", innerWidth+2) + right + "\n"
}

// renderHeader renders connection and transport state
func (m Model) renderHeader() string {
	conn := "Disconnected"
	if m.connected {
		conn = "Connected to " + m.source
	}
	s := "┌─ " + titleStyle.Render("HiResTI Audio") + " " + strings.Repeat("─", innerWidth-14) + "┐\n"
	s += line("Status:   %s", conn)
	s += line("Playback: %s  %s / %s  vol %d%%", m.status.State,
		clock(m.status.Position), clock(m.status.Duration), m.volume)
	return s + rule("├", "┤")
}

// renderStreamInfo renders codec and the three format stages
func (m Model) renderStreamInfo() string {
	if m.status.Codec == "" {
		return line("No stream")
	}
	s := line("Codec:    %s  %s kbps", m.status.Codec, humanize.Comma(int64(m.status.Bitrate/1000)))
	s += line("Source:   %s", format(m.status.SourceRate, m.status.SourceDepth))
	s += line("Session:  %s", format(m.status.SessionRate, m.status.SessionDepth))
	s += line("Hardware: %s", format(m.status.HardwareRate, m.status.HardwareDepth))
	return s
}

// renderOutput renders the output path and PipeWire clock
func (m Model) renderOutput() string {
	var flags []string
	if m.status.BitPerfect {
		flags = append(flags, "bit-perfect")
	}
	if m.status.Exclusive {
		flags = append(flags, "exclusive")
	}
	s := line("Output:   %s / %s %s", m.status.Driver, truncate(m.status.Device, 24), strings.Join(flags, ","))
	s += line("State:    %s", m.status.OutputState)
	if m.status.ForceRate > 0 {
		s += line("PipeWire: force-rate %d Hz", m.status.ForceRate)
	}
	if m.status.VisualDelayMs > 0 {
		s += line("Visual:   %.0f ms behind decode", m.status.VisualDelayMs)
	}
	if m.status.OutputError != "" {
		s += styledLine(errorStyle, "Error:    %s", truncate(m.status.OutputError, truncateLen))
	}
	return s
}

// renderSpectrum renders the magnitude frame as one row of block glyphs
func (m Model) renderSpectrum() string {
	return rule("├", "┤") + line("%s", Bars(m.spectrum, barColumns))
}

// renderEvents renders the most recent events
func (m Model) renderEvents() string {
	s := rule("├", "┤")
	if len(m.events) == 0 {
		s += line("(no events)")
	}
	for _, ev := range m.events {
		s += line("%s", truncate(ev, innerWidth))
	}
	if m.lastError != "" {
		s += styledLine(errorStyle, "! %s", truncate(m.lastError, innerWidth-2))
	}
	return s
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return rule("├", "┤") +
		styledLine(helpStyle, "spc:Play/Pause ←/→:Seek +/-:Vol r:Recover q:Quit") +
		rule("└", "┘")
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case " ":
		if m.status.State == "playing" {
			return m, m.send(protocol.Command{Command: protocol.CommandPause})
		}
		return m, m.send(protocol.Command{Command: protocol.CommandPlay})
	case "left":
		pos := max(0, m.status.Position-seekStep)
		m.status.Position = pos
		return m, m.send(protocol.Command{Command: protocol.CommandSeek, Value: pos})
	case "right":
		pos := m.status.Position + seekStep
		if m.status.Duration > 0 {
			pos = min(pos, m.status.Duration)
		}
		m.status.Position = pos
		return m, m.send(protocol.Command{Command: protocol.CommandSeek, Value: pos})
	case "+", "=", "up":
		m.volume = min(100, m.volume+volumeStep)
		return m, m.send(protocol.Command{Command: protocol.CommandVolume, Value: float64(m.volume) / 100})
	case "-", "down":
		m.volume = max(0, m.volume-volumeStep)
		return m, m.send(protocol.Command{Command: protocol.CommandVolume, Value: float64(m.volume) / 100})
	case "r":
		return m, m.send(protocol.Command{Command: protocol.CommandRecover})
	}

	return m, nil
}

// send wraps a command so it runs off the update loop
func (m Model) send(cmd protocol.Command) tea.Cmd {
	if m.commander == nil {
		return nil
	}
	c := m.commander
	return func() tea.Msg {
		if err := c.Command(cmd); err != nil {
			return ErrorMsg{Err: fmt.Errorf("%s: %w", cmd.Command, err)}
		}
		return nil
	}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.Source != "" {
		m.source = msg.Source
	}
	if msg.Status != nil {
		m.status = *msg.Status
		if len(msg.Status.Events) > 0 {
			m.events = tail(msg.Status.Events, maxEvents)
		}
	}
}

func (m *Model) appendEvent(ev protocol.Event) {
	text := ev.Kind + ": " + ev.Message
	if ev.Kind == "error" {
		m.lastError = ev.Message
	}
	m.events = tail(append(m.events, text), maxEvents)
}

// Bars maps dB magnitudes onto width block glyphs, averaging bands per column
func Bars(mags []float32, width int) string {
	glyphs := []rune(barGlyphs)
	if len(mags) == 0 || width <= 0 {
		return strings.Repeat(" ", max(width, 0))
	}
	var b strings.Builder
	for col := range width {
		lo := col * len(mags) / width
		hi := max(lo+1, (col+1)*len(mags)/width)
		sum := 0.0
		for _, v := range mags[lo:min(hi, len(mags))] {
			sum += float64(v)
		}
		avg := sum / float64(min(hi, len(mags))-lo)
		level := (avg - floorDB) / -floorDB
		level = math.Max(0, math.Min(1, level))
		b.WriteRune(glyphs[int(math.Round(level*float64(len(glyphs)-1)))])
	}
	return b.String()
}

func tail(s []string, n int) []string {
	return append([]string(nil), s[max(0, len(s)-n):]...)
}

func format(rate, depth int) string {
	if rate <= 0 || depth <= 0 {
		return "-"
	}
	return audio.FormatString(rate, depth)
}

func clock(sec float64) string {
	if sec <= 0 || math.IsNaN(sec) {
		return "0:00"
	}
	total := int(sec)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	return string(r[:length-3]) + "..."
}
