// ABOUTME: Transport and output state enums exposed to the UI layer
// ABOUTME: String forms are the lowercase labels used in snapshots and C ABI events
package transport

import "github.com/hiresti/hiresti-audio/internal/audio"

// State is the transport state machine
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	}
	return "unknown"
}

// OutputState tracks the sink binding
type OutputState int

const (
	OutputIdle OutputState = iota
	OutputSwitching
	OutputActive
	OutputFallback
	OutputError
)

func (s OutputState) String() string {
	switch s {
	case OutputIdle:
		return "idle"
	case OutputSwitching:
		return "switching"
	case OutputActive:
		return "active"
	case OutputFallback:
		return "fallback"
	case OutputError:
		return "error"
	}
	return "unknown"
}

// Track is what the caller knows about a stream before it is loaded.
// Rate and Depth come from the streaming service and may be zero.
type Track struct {
	URI   string
	Rate  int
	Depth int
}

// Hooks receive controller callbacks. They run on the pump goroutine and
// must not call back into the controller synchronously.
type Hooks struct {
	OnState    func(msg string)
	OnError    func(msg string)
	OnEOS      func()
	OnTag      func(info audio.StreamInfo)
	OnSpectrum func(mags []float32, pos float64)
}

func (h Hooks) state(msg string) {
	if h.OnState != nil {
		h.OnState(msg)
	}
}

func (h Hooks) err(msg string) {
	if h.OnError != nil {
		h.OnError(msg)
	}
}

func (h Hooks) eos() {
	if h.OnEOS != nil {
		h.OnEOS()
	}
}

func (h Hooks) tag(info audio.StreamInfo) {
	if h.OnTag != nil {
		h.OnTag(info)
	}
}

func (h Hooks) spectrum(mags []float32, pos float64) {
	if h.OnSpectrum != nil {
		h.OnSpectrum(mags, pos)
	}
}
