// ABOUTME: Media graph abstraction shared by the gst, native and fake backends
// ABOUTME: Backends post raw bus messages; Pipeline turns them into events and spectrum frames
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/sink"
)

// State is the framework element state
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StatePaused:
		return "Paused"
	case StatePlaying:
		return "Playing"
	default:
		return "Null"
	}
}

// MessageKind classifies a bus message
type MessageKind int

const (
	MsgStateChanged MessageKind = iota
	MsgError
	MsgWarning
	MsgEOS
	MsgTag
	MsgElement
	MsgAsyncDone
)

// Message is one bus message, flattened to text
type Message struct {
	Kind MessageKind
	// State is the new state of a MsgStateChanged from the top-level pipeline
	State State
	// Text holds the error text, warning text or tag list
	Text string
	// Name and Structure describe a MsgElement structure
	Name      string
	Structure string
	// Timestamp is the message timestamp in seconds, negative when unset
	Timestamp float64
}

// Latency probe sources, from most to least trustworthy
const (
	LatencyQueryMax   = "gst-query-max"
	LatencyQueryMin   = "gst-query-min"
	LatencySinkPeriod = "sink-latency-time"
	LatencySinkBuffer = "sink-buffer-time"
	LatencyNone       = "none"
)

// LatencyProbe is a measured output latency and where it came from
type LatencyProbe struct {
	Source  string  `json:"source"`
	Seconds float64 `json:"latency_s"`
}

// Graph is a running media graph: source, decoder, equalizer, spectrum tap, sink
type Graph interface {
	// Discover reads the source format of uri without touching the
	// running graph
	Discover(ctx context.Context, uri string) (audio.Format, error)
	SetURI(uri string) error
	SetState(ctx context.Context, s State) error
	State() State
	// Position and Duration report false until the graph knows them
	Position() (float64, bool)
	Duration() (float64, bool)
	Seek(pos float64) error
	SetVolume(v float64) error
	SetEQ(bands [EQBands]float64) error
	SetSink(plan sink.Plan) error
	SetSpectrumEnabled(on bool)
	QueryLatency() LatencyProbe
	OutputCaps() (rate, depth int)
	// Poll returns up to max pending bus messages without blocking
	Poll(max int) []Message
	Close() error
}

// Factory creates a graph
type Factory func(log zerolog.Logger) (Graph, error)

// Backend names accepted by NewGraph
const (
	BackendGst    = "gst"
	BackendNative = "native"
)

var backends = map[string]Factory{}

func register(name string, f Factory) {
	backends[name] = f
}

// NewGraph creates a graph for the named backend
func NewGraph(backend string, log zerolog.Logger) (Graph, error) {
	f, ok := backends[backend]
	if !ok {
		return nil, fmt.Errorf("pipeline backend %q not compiled in (available: %v)", backend, Backends())
	}
	return f(log)
}

// Backends lists the compiled-in backends
func Backends() []string {
	out := make([]string, 0, len(backends))
	for _, name := range []string{BackendGst, BackendNative} {
		if _, ok := backends[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Capabilities reports what a backend can drive, computed once at init
type Capabilities struct {
	Backend  string
	Drivers  []sink.Kind
	Spectrum bool
	EQ       bool
}

var capabilities = map[string]Capabilities{}

// Available returns the capabilities of a compiled-in backend
func Available(backend string) (Capabilities, bool) {
	c, ok := capabilities[backend]
	return c, ok
}

// Supports reports whether the backend can bind the driver
func (c Capabilities) Supports(kind sink.Kind) bool {
	for _, k := range c.Drivers {
		if k == kind {
			return true
		}
	}
	return false
}
