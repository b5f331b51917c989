// ABOUTME: Output driver kinds and the user-facing selection of an output path
// ABOUTME: Normalize enforces the exclusive, bit-perfect and rate-follow invariants
package sink

import (
	"fmt"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/apperr"
)

// Kind is an output driver
type Kind int

const (
	Auto Kind = iota
	ALSA
	PulseAudio
	PipeWire
	Fake
)

// Default buffer and period when a selection leaves them unset
const (
	DefaultBufferUs = 100_000
	DefaultPeriodUs = 10_000
)

// String returns the label used by settings and the device lists
func (k Kind) String() string {
	switch k {
	case ALSA:
		return "ALSA"
	case PulseAudio:
		return "PulseAudio"
	case PipeWire:
		return "PipeWire"
	case Fake:
		return "Fake"
	default:
		return "Auto (Default)"
	}
}

// ParseDriver maps a driver label to a Kind. Matching is case-insensitive
// and by substring, so "PipeWire" and "pipewire (native)" both resolve.
func ParseDriver(label string) (Kind, error) {
	d := strings.ToLower(strings.TrimSpace(label))
	switch {
	case d == "" || strings.HasPrefix(d, "auto"):
		return Auto, nil
	case strings.Contains(d, "pipewire"):
		return PipeWire, nil
	case strings.Contains(d, "pulse"):
		return PulseAudio, nil
	case strings.Contains(d, "alsa"):
		return ALSA, nil
	case d == "fake" || d == "fakesink":
		return Fake, nil
	}
	return Auto, fmt.Errorf("%w: %s", apperr.ErrUnsupportedDriver, label)
}

// Selection describes the requested output path
type Selection struct {
	Driver          Kind
	Device          string // empty means the driver default
	BufferUs        int
	PeriodUs        int
	Exclusive       bool
	BitPerfect      bool
	AllowRateFollow bool
}

// Normalize fills defaults and applies the selection invariants:
// exclusive implies bit-perfect, and an exclusive device picks its own rate.
func (s Selection) Normalize() Selection {
	s.Device = strings.TrimSpace(s.Device)
	if s.BufferUs <= 0 {
		s.BufferUs = DefaultBufferUs
	}
	if s.PeriodUs <= 0 {
		s.PeriodUs = DefaultPeriodUs
	}
	if s.Exclusive {
		s.BitPerfect = true
		s.AllowRateFollow = false
	}
	return s
}

// Same reports whether two selections would bind the same sink
func (s Selection) Same(o Selection) bool {
	return s.Normalize() == o.Normalize()
}

// DeviceLabel is the device name used in log and event text
func (s Selection) DeviceLabel() string {
	if s.Device == "" {
		return "default"
	}
	return s.Device
}
