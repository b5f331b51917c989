// ABOUTME: Signal-path diagnostics: bit-perfect verdict, format match and fix suggestions
// ABOUTME: Renders the plain-text report served by the monitor and printed by the CLI
package diagnostics

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/transport"
)

const (
	maxSuggestions = 3
	reportEvents   = 8
)

// Input is everything the verdict looks at
type Input struct {
	Driver      sink.Kind
	Device      string
	BitPerfect  bool
	Exclusive   bool
	OutputState string
	OutputError string

	Codec       string
	Bitrate     int
	SourceRate  int
	SourceDepth int
	// Hardware is the running ALSA format, zero when unknown
	HardwareRate  int
	HardwareDepth int
	ForceRate     int

	Events []string
}

// Collect reads the controller's current view
func Collect(ctx context.Context, c *transport.Controller) Input {
	snap := c.Snapshot(ctx)
	sel := c.Output()
	return Input{
		Driver:        sel.Driver,
		Device:        sel.DeviceLabel(),
		BitPerfect:    sel.BitPerfect,
		Exclusive:     sel.Exclusive,
		OutputState:   snap.Transport.OutputState,
		OutputError:   snap.Transport.OutputError,
		Codec:         snap.Source.Codec,
		Bitrate:       snap.Source.Bitrate,
		SourceRate:    snap.Source.Rate,
		SourceDepth:   snap.Source.Depth,
		HardwareRate:  snap.Output.HardwareRate,
		HardwareDepth: snap.Output.HardwareDepth,
		ForceRate:     snap.PipeWire.ForceRate,
		Events:        c.EventLog(),
	}
}

func failed(state string) bool {
	return state == "fallback" || state == "error"
}

// Verdict reports whether the path is bit-perfect and, if not, why
func Verdict(in Input) (bool, []string) {
	var reasons []string
	if !in.BitPerfect {
		reasons = append(reasons, "Bit-Perfect mode disabled")
	}
	if !in.Exclusive {
		reasons = append(reasons, "Not in exclusive mode")
	}
	if in.Driver != sink.ALSA {
		reasons = append(reasons, "Driver is "+in.Driver.String())
	}
	if failed(in.OutputState) {
		reasons = append(reasons, "Output state is "+in.OutputState)
	}
	return len(reasons) == 0, reasons
}

// FormatMatch reports whether the hardware runs at the source format. An
// unknown hardware format counts as a match once exclusive access is active.
func FormatMatch(in Input) bool {
	if in.OutputState != "active" || !in.Exclusive || in.SourceRate <= 0 || in.SourceDepth <= 0 {
		return false
	}
	if in.HardwareRate > 0 && in.HardwareRate != in.SourceRate {
		return false
	}
	if in.HardwareDepth > 0 && in.HardwareDepth < in.SourceDepth {
		return false
	}
	return true
}

// FixSuggestions lists up to three actions that move the path toward bit-perfect
func FixSuggestions(in Input) []string {
	var out []string
	if in.Driver != sink.ALSA {
		out = append(out, "Switch driver to ALSA")
	}
	if !in.BitPerfect {
		out = append(out, "Enable Bit-Perfect mode")
	}
	if !in.Exclusive {
		out = append(out, "Enable Exclusive mode")
	}
	if failed(in.OutputState) {
		out = append(out, "Click Recover in Settings")
	}
	if in.SourceRate <= 0 || in.SourceDepth <= 0 {
		out = append(out, "Play a track for a few seconds to detect format")
	}
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func onOff(v bool) string {
	if v {
		return "On"
	}
	return "Off"
}

func sourceFormat(in Input) string {
	if in.SourceRate <= 0 || in.SourceDepth <= 0 {
		return "Unknown"
	}
	return audio.FormatString(in.SourceRate, in.SourceDepth)
}

// Report renders the diagnostics text with the last eight events
func Report(in Input) string {
	ok, reasons := Verdict(in)
	codec := in.Codec
	if codec == "" {
		codec = "-"
	}
	lines := []string{
		"Bit-Perfect Verdict: " + yesNo(ok),
		"Format Match: " + yesNo(FormatMatch(in)),
		"Bit-Perfect Mode: " + onOff(in.BitPerfect),
		"Exclusive Mode: " + onOff(in.Exclusive),
		"Driver: " + in.Driver.String(),
		"Device: " + in.Device,
		"Output State: " + in.OutputState,
		"Source Codec: " + codec,
		"Source Format: " + sourceFormat(in),
		"Source Bitrate: " + humanize.Comma(int64(in.Bitrate/1000)) + " kbps",
	}
	if in.HardwareRate > 0 {
		lines = append(lines, fmt.Sprintf("Hardware Format: %d Hz | %d-bit", in.HardwareRate, in.HardwareDepth))
	}
	if in.ForceRate > 0 {
		lines = append(lines, fmt.Sprintf("PipeWire Force Rate: %d Hz", in.ForceRate))
	}
	if len(reasons) > 0 {
		lines = append(lines, "Reasons: "+strings.Join(reasons, " | "))
	}
	if fixes := FixSuggestions(in); len(fixes) > 0 {
		lines = append(lines, "How to Fix: "+strings.Join(fixes, " | "))
	}
	if in.OutputError != "" {
		lines = append(lines, "Last Error: "+in.OutputError)
	}
	if n := len(in.Events); n > 0 {
		lines = append(lines, "Recent Events:")
		for _, ev := range in.Events[max(0, n-reportEvents):] {
			lines = append(lines, "- "+ev)
		}
	}
	return strings.Join(lines, "\n")
}
