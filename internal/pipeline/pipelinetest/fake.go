// ABOUTME: Scriptable in-memory Graph for tests of the pipeline and transport packages
// ABOUTME: Records every call, queues bus messages and injects failures per operation
package pipelinetest

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/pipeline"
	"github.com/hiresti/hiresti-audio/internal/sink"
)

// ErrInjected is returned by operations set to fail
var ErrInjected = errors.New("injected failure")

// Fake implements pipeline.Graph
type Fake struct {
	mu sync.Mutex

	URI        string
	Current    pipeline.State
	Pos        float64
	Dur        float64
	PosKnown   bool
	Vol        float64
	Bands      [pipeline.EQBands]float64
	Sink       sink.Plan
	SpectrumOn bool
	Latency    pipeline.LatencyProbe
	Rate       int
	Depth      int
	Closed     bool
	// Source is what Discover reports for any uri
	Source     audio.Format
	Discovered []string

	// Fail maps an operation name (discover, set_uri, set_state, seek,
	// set_volume, set_eq, set_sink) to the error it returns
	Fail map[string]error
	// FailKinds makes SetSink fail for specs of these kinds
	FailKinds map[sink.Kind]error

	Seeks  []float64
	States []pipeline.State
	Sinks  []sink.Plan

	queue []pipeline.Message
}

// New creates a fake in Null with a known position of 0
func New() *Fake {
	return &Fake{
		PosKnown:  true,
		Vol:       1,
		Latency:   pipeline.LatencyProbe{Source: pipeline.LatencyNone},
		Fail:      make(map[string]error),
		FailKinds: make(map[sink.Kind]error),
	}
}

// Factory returns a pipeline.Factory handing out f
func (f *Fake) Factory() pipeline.Factory {
	return func(zerolog.Logger) (pipeline.Graph, error) { return f, nil }
}

func (f *Fake) failure(op string) error {
	if err, ok := f.Fail[op]; ok {
		if err == nil {
			return ErrInjected
		}
		return err
	}
	return nil
}

// SetFail makes op fail with err (ErrInjected when err is nil); a call with
// clear=true removes the failure
func (f *Fake) SetFail(op string, err error, clear bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clear {
		delete(f.Fail, op)
		return
	}
	f.Fail[op] = err
}

// FailSinkKind makes binding a sink of kind fail with err (ErrInjected when nil)
func (f *Fake) FailSinkKind(kind sink.Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailKinds[kind] = err
}

// Post queues a bus message
func (f *Fake) Post(msgs ...pipeline.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, msgs...)
}

// SetPosition moves the reported playback position
func (f *Fake) SetPosition(pos float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pos, f.PosKnown = pos, true
}

// SetDuration sets the reported duration
func (f *Fake) SetDuration(dur float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dur = dur
}

// SetCaps sets the negotiated output format
func (f *Fake) SetCaps(rate, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rate, f.Depth = rate, depth
}

// SetSource sets the format Discover reports
func (f *Fake) SetSource(rate, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Source = audio.Format{Rate: rate, Depth: depth}
}

// DiscoveredURIs returns every uri passed to Discover
func (f *Fake) DiscoveredURIs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Discovered...)
}

// SetLatency sets the latency query result
func (f *Fake) SetLatency(probe pipeline.LatencyProbe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Latency = probe
}

// SeekCount returns how many seeks reached the graph
func (f *Fake) SeekCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Seeks)
}

// LastSeek returns the most recent seek target
func (f *Fake) LastSeek() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Seeks) == 0 {
		return 0, false
	}
	return f.Seeks[len(f.Seeks)-1], true
}

// SinkHistory returns every bound sink
func (f *Fake) SinkHistory() []sink.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sink.Plan(nil), f.Sinks...)
}

// StateHistory returns every state transition requested
func (f *Fake) StateHistory() []pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.State(nil), f.States...)
}

func (f *Fake) Discover(_ context.Context, uri string) (audio.Format, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Discovered = append(f.Discovered, uri)
	if err := f.failure("discover"); err != nil {
		return audio.Format{}, err
	}
	return f.Source, nil
}

func (f *Fake) SetURI(uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("set_uri"); err != nil {
		return err
	}
	f.URI = uri
	f.Pos, f.Dur = 0, 0
	return nil
}

func (f *Fake) SetState(_ context.Context, s pipeline.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.States = append(f.States, s)
	if err := f.failure("set_state"); err != nil {
		return err
	}
	f.Current = s
	return nil
}

func (f *Fake) State() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Current
}

func (f *Fake) Position() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pos, f.PosKnown
}

func (f *Fake) Duration() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Dur, f.Dur > 0
}

func (f *Fake) Seek(pos float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("seek"); err != nil {
		return err
	}
	f.Seeks = append(f.Seeks, pos)
	f.Pos = pos
	return nil
}

func (f *Fake) SetVolume(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("set_volume"); err != nil {
		return err
	}
	f.Vol = v
	return nil
}

func (f *Fake) SetEQ(bands [pipeline.EQBands]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("set_eq"); err != nil {
		return err
	}
	f.Bands = bands
	return nil
}

func (f *Fake) SetSink(plan sink.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("set_sink"); err != nil {
		return err
	}
	if err, ok := f.FailKinds[plan.Kind]; ok {
		if err == nil {
			err = ErrInjected
		}
		return err
	}
	f.Sink = plan
	f.Sinks = append(f.Sinks, plan)
	return nil
}

func (f *Fake) SetSpectrumEnabled(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SpectrumOn = on
}

func (f *Fake) QueryLatency() pipeline.LatencyProbe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Latency
}

func (f *Fake) OutputCaps() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Rate, f.Depth
}

func (f *Fake) Poll(max int) []pipeline.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(max, len(f.queue))
	out := append([]pipeline.Message(nil), f.queue[:n]...)
	f.queue = f.queue[n:]
	return out
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
