// ABOUTME: Renders the gst-launch description of the playback graph
// ABOUTME: uridecodebin ! audioconvert ! volume ! equalizer-10bands ! spectrum ! sink
package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/sink"
)

// Analyzer settings of the spectrum tap
const (
	EQBands             = 10
	SpectrumBands       = 128
	SpectrumIntervalNs  = 30_000_000
	SpectrumThresholdDB = -80
)

// Element names inside the graph
const (
	ElemVolume   = "vol"
	ElemEQ       = "eq"
	ElemSpectrum = "spec"
)

// Description is everything needed to build the graph
type Description struct {
	URI        string
	Volume     float64
	EQ         [EQBands]float64
	BitPerfect bool
	Spectrum   bool
	Sink       sink.Plan
}

// Describe renders d in gst-launch syntax. Bit-perfect keeps the equalizer
// wired with every band at 0 dB.
func Describe(d Description) string {
	var b strings.Builder
	b.WriteString("uridecodebin")
	if d.URI != "" {
		b.WriteString(" uri=")
		b.WriteString(strconv.Quote(d.URI))
	}
	b.WriteString(" ! audioconvert ! volume name=")
	b.WriteString(ElemVolume)
	fmt.Fprintf(&b, " volume=%.3f", d.Volume)

	b.WriteString(" ! equalizer-10bands name=")
	b.WriteString(ElemEQ)
	for i, g := range d.EQ {
		if d.BitPerfect {
			g = 0
		}
		fmt.Fprintf(&b, " band%d=%s", i, strconv.FormatFloat(g, 'f', -1, 64))
	}

	fmt.Fprintf(&b, " ! spectrum name=%s bands=%d interval=%d threshold=%d post-messages=%t",
		ElemSpectrum, SpectrumBands, SpectrumIntervalNs, SpectrumThresholdDB, d.Spectrum)

	b.WriteString(" ! ")
	if d.Sink.Element == "" {
		b.WriteString("autoaudiosink name=")
		b.WriteString(sink.Name)
	} else {
		b.WriteString(d.Sink.Fragment())
	}
	return b.String()
}
