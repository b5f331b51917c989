// ABOUTME: Tests for the bit-perfect verdict, fix suggestions and the diagnostics report
// ABOUTME: Inputs are built directly; no controller is needed
package diagnostics

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hiresti/hiresti-audio/internal/sink"
)

func exclusiveALSA() Input {
	return Input{
		Driver:      sink.ALSA,
		Device:      "hw:1,0",
		BitPerfect:  true,
		Exclusive:   true,
		OutputState: "active",
		Codec:       "FLAC",
		Bitrate:     4608000,
		SourceRate:  96000,
		SourceDepth: 24,
	}
}

func TestVerdictBitPerfect(t *testing.T) {
	ok, reasons := Verdict(exclusiveALSA())
	assert.True(t, ok)
	assert.Empty(t, reasons)
	assert.True(t, FormatMatch(exclusiveALSA()))
	assert.Empty(t, FixSuggestions(exclusiveALSA()))
}

func TestVerdictReasons(t *testing.T) {
	in := Input{Driver: sink.PipeWire, OutputState: "fallback"}
	ok, reasons := Verdict(in)
	assert.False(t, ok)
	assert.Equal(t, []string{
		"Bit-Perfect mode disabled",
		"Not in exclusive mode",
		"Driver is PipeWire",
		"Output state is fallback",
	}, reasons)
}

func TestFixSuggestionsCapped(t *testing.T) {
	in := Input{Driver: sink.Auto, OutputState: "error"}
	assert.Equal(t, []string{"Switch driver to ALSA", "Enable Bit-Perfect mode", "Enable Exclusive mode"}, FixSuggestions(in))

	in = exclusiveALSA()
	in.OutputState = "error"
	in.SourceRate = 0
	assert.Equal(t, []string{"Click Recover in Settings", "Play a track for a few seconds to detect format"}, FixSuggestions(in))
}

func TestFormatMatchUsesHardware(t *testing.T) {
	in := exclusiveALSA()
	in.HardwareRate, in.HardwareDepth = 48000, 24
	assert.False(t, FormatMatch(in))
	in.HardwareRate = 96000
	in.HardwareDepth = 32
	assert.True(t, FormatMatch(in))

	in.Exclusive = false
	assert.False(t, FormatMatch(in))
}

func TestReport(t *testing.T) {
	in := exclusiveALSA()
	in.OutputError = "Output switch failed (rc=-13) for ALSA/hw:2,0"
	for i := range 10 {
		in.Events = append(in.Events, fmt.Sprintf("09:00:%02d | event %d", i, i))
	}
	text := Report(in)
	lines := strings.Split(text, "\n")

	assert.Equal(t, "Bit-Perfect Verdict: Yes", lines[0])
	assert.Contains(t, text, "Source Format: 96kHz | 24-bit")
	assert.Contains(t, text, "Source Bitrate: 4,608 kbps")
	assert.Contains(t, text, "Last Error: Output switch failed")
	assert.NotContains(t, text, "Reasons:")
	assert.NotContains(t, text, "event 1\n")
	assert.Equal(t, "- 09:00:02 | event 2", lines[len(lines)-8])
	assert.Equal(t, "- 09:00:09 | event 9", lines[len(lines)-1])
}

func TestReportUnknownFormat(t *testing.T) {
	text := Report(Input{Driver: sink.Auto, Device: "default", OutputState: "idle"})
	assert.Contains(t, text, "Bit-Perfect Verdict: No")
	assert.Contains(t, text, "Source Codec: -")
	assert.Contains(t, text, "Source Format: Unknown")
	assert.Contains(t, text, "Reasons: Bit-Perfect mode disabled | Not in exclusive mode | Driver is Auto (Default)")
	assert.Contains(t, text, "How to Fix: Switch driver to ALSA | Enable Bit-Perfect mode | Enable Exclusive mode")
}
