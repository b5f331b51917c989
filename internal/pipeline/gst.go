//go:build gst && cgo

// ABOUTME: GStreamer graph backend built on go-gst, selected with the gst build tag
// ABOUTME: Rebuilds the launch pipeline on URI or sink changes and polls the bus without blocking
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/pbutils"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/sink"
)

var gstInitOnce sync.Once

const discoverTimeout = 3 * time.Second

func initGStreamer() {
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
}

func init() {
	register(BackendGst, newGstGraph)
	initGStreamer()
	caps := Capabilities{Backend: BackendGst, Spectrum: gst.Find("spectrum") != nil, EQ: gst.Find("equalizer-10bands") != nil}
	for _, k := range []sink.Kind{sink.Auto, sink.ALSA, sink.PulseAudio, sink.PipeWire, sink.Fake} {
		if gst.Find(sink.Element(k)) != nil {
			caps.Drivers = append(caps.Drivers, k)
		}
	}
	capabilities[BackendGst] = caps
}

type gstGraph struct {
	log zerolog.Logger

	mu          sync.Mutex
	pipeline    *gst.Pipeline
	desc        Description
	pendingSeek float64 // negative when none

	state atomic.Int32
}

func newGstGraph(log zerolog.Logger) (Graph, error) {
	initGStreamer()
	for _, elem := range []string{"uridecodebin", "audioconvert", "volume", "equalizer-10bands", "spectrum"} {
		if gst.Find(elem) == nil {
			return nil, fmt.Errorf("%w: gstreamer element %s", apperr.ErrUnavailable, elem)
		}
	}
	g := &gstGraph{
		log:         log,
		desc:        Description{Volume: 1, Spectrum: true},
		pendingSeek: -1,
	}
	return g, nil
}

// rebuildLocked replaces the running pipeline with one built from g.desc
func (g *gstGraph) rebuildLocked() error {
	if g.pipeline != nil {
		_ = g.pipeline.SetState(gst.StateNull)
		g.pipeline = nil
	}
	if g.desc.URI == "" {
		return nil
	}
	launch := Describe(g.desc)
	g.log.Debug().Str("launch", launch).Msg("building pipeline")
	p, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	g.pipeline = p
	g.state.Store(int32(StateNull))
	return nil
}

func (g *gstGraph) element(name string) (*gst.Element, error) {
	if g.pipeline == nil {
		return nil, fmt.Errorf("%w: no pipeline", apperr.ErrUnavailable)
	}
	return g.pipeline.GetElementByName(name)
}

// Discover runs a pbutils discoverer on uri and returns its first audio stream format
func (g *gstGraph) Discover(ctx context.Context, uri string) (audio.Format, error) {
	timeout := discoverTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return audio.Format{}, context.DeadlineExceeded
	}
	d, err := pbutils.NewDiscoverer(timeout)
	if err != nil {
		return audio.Format{}, fmt.Errorf("%w: discoverer: %v", apperr.ErrUnavailable, err)
	}
	info, err := d.DiscoverURI(uri)
	if err != nil {
		return audio.Format{}, fmt.Errorf("discover %s: %w", uri, err)
	}
	for _, stream := range info.GetAudioStreams() {
		if rate := int(stream.GetSampleRate()); rate > 0 {
			return audio.Format{Rate: rate, Depth: int(stream.GetDepth())}, nil
		}
	}
	return audio.Format{}, fmt.Errorf("%w: no audio stream in %s", apperr.ErrCodec, uri)
}

func (g *gstGraph) SetURI(uri string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.desc.URI = uri
	g.pendingSeek = -1
	return g.rebuildLocked()
}

func toGstState(s State) gst.State {
	switch s {
	case StateReady:
		return gst.StateReady
	case StatePaused:
		return gst.StatePaused
	case StatePlaying:
		return gst.StatePlaying
	}
	return gst.StateNull
}

func fromGstState(s gst.State) State {
	switch s {
	case gst.StateReady:
		return StateReady
	case gst.StatePaused:
		return StatePaused
	case gst.StatePlaying:
		return StatePlaying
	}
	return StateNull
}

func (g *gstGraph) SetState(_ context.Context, s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline == nil {
		if s == StateNull {
			g.state.Store(int32(StateNull))
			return nil
		}
		return fmt.Errorf("%w: no uri set", apperr.ErrUnavailable)
	}
	if err := g.pipeline.SetState(toGstState(s)); err != nil {
		return err
	}
	g.state.Store(int32(s))
	return nil
}

func (g *gstGraph) State() State {
	return State(g.state.Load())
}

func (g *gstGraph) Position() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline == nil {
		return 0, false
	}
	ok, ns := g.pipeline.QueryPosition(gst.FormatTime)
	if !ok || ns < 0 {
		return 0, false
	}
	return float64(ns) / 1e9, true
}

func (g *gstGraph) Duration() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline == nil {
		return 0, false
	}
	ok, ns := g.pipeline.QueryDuration(gst.FormatTime)
	if !ok || ns <= 0 {
		return 0, false
	}
	return float64(ns) / 1e9, true
}

func (g *gstGraph) Seek(pos float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline == nil {
		return fmt.Errorf("%w: no pipeline", apperr.ErrUnavailable)
	}
	if State(g.state.Load()) < StatePaused {
		g.pendingSeek = pos
		return nil
	}
	if !g.pipeline.SeekSimple(int64(pos*1e9), gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit) {
		return fmt.Errorf("seek to %.3fs rejected", pos)
	}
	return nil
}

func (g *gstGraph) SetVolume(v float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.desc.Volume = v
	if g.pipeline == nil {
		return nil
	}
	elem, err := g.element(ElemVolume)
	if err != nil {
		return err
	}
	return elem.SetProperty("volume", v)
}

func (g *gstGraph) SetEQ(bands [EQBands]float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.desc.EQ = bands
	if g.pipeline == nil {
		return nil
	}
	elem, err := g.element(ElemEQ)
	if err != nil {
		return err
	}
	for i, gain := range bands {
		if err := elem.SetProperty(fmt.Sprintf("band%d", i), gain); err != nil {
			return err
		}
	}
	return nil
}

func (g *gstGraph) SetSink(plan sink.Plan) error {
	if gst.Find(plan.Element) == nil {
		return fmt.Errorf("%w: %s", apperr.ErrUnavailable, plan.Element)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.desc.Sink = plan
	return g.rebuildLocked()
}

func (g *gstGraph) SetSpectrumEnabled(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.desc.Spectrum = on
	if elem, err := g.element(ElemSpectrum); err == nil {
		_ = elem.SetProperty("post-messages", on)
	}
}

func (g *gstGraph) QueryLatency() LatencyProbe {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline == nil {
		return LatencyProbe{Source: LatencyNone}
	}
	q := gst.NewLatencyQuery()
	if !g.pipeline.Query(q) {
		return LatencyProbe{Source: LatencyNone}
	}
	_, minLat, maxLat := q.ParseLatency()
	const ceiling = gst.ClockTime(5 * time.Second)
	if maxLat > 0 && maxLat < ceiling {
		return LatencyProbe{Source: LatencyQueryMax, Seconds: float64(maxLat) / 1e9}
	}
	if minLat > 0 && minLat < ceiling {
		return LatencyProbe{Source: LatencyQueryMin, Seconds: float64(minLat) / 1e9}
	}
	return LatencyProbe{Source: LatencyNone}
}

func (g *gstGraph) OutputCaps() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	elem, err := g.element(sink.Name)
	if err != nil || elem == nil {
		return 0, 0
	}
	pad := elem.GetStaticPad("sink")
	if pad == nil {
		return 0, 0
	}
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	st := caps.GetStructureAt(0)
	rate := 0
	if v, err := st.GetValue("rate"); err == nil {
		if r, ok := v.(int); ok && r > 0 {
			rate = r
		}
	}
	depth := 0
	if v, err := st.GetValue("format"); err == nil {
		if f, ok := v.(string); ok {
			depth = audio.DepthFromFormat(f)
		}
	}
	return rate, depth
}

func (g *gstGraph) Poll(max int) []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline == nil {
		return nil
	}
	bus := g.pipeline.GetPipelineBus()
	if bus == nil {
		return nil
	}
	self := g.pipeline.GetName()

	var out []Message
	for len(out) < max {
		msg := bus.TimedPop(gst.ClockTime(0))
		if msg == nil {
			break
		}
		switch msg.Type() {
		case gst.MessageEOS:
			out = append(out, Message{Kind: MsgEOS, Timestamp: -1})
		case gst.MessageError:
			gerr := msg.ParseError()
			text := "unknown error (no-debug)"
			if gerr != nil {
				debug := gerr.DebugString()
				if debug == "" {
					debug = "no-debug"
				}
				text = fmt.Sprintf("%s (%s)", gerr.Error(), debug)
			}
			out = append(out, Message{Kind: MsgError, Text: text, Timestamp: -1})
		case gst.MessageWarning:
			if gwarn := msg.ParseWarning(); gwarn != nil {
				out = append(out, Message{Kind: MsgWarning, Text: gwarn.Error(), Timestamp: -1})
			}
		case gst.MessageStateChanged:
			if msg.Source() != self {
				continue
			}
			_, current := msg.ParseStateChanged()
			g.state.Store(int32(fromGstState(current)))
			out = append(out, Message{Kind: MsgStateChanged, State: fromGstState(current), Timestamp: -1})
		case gst.MessageAsyncDone:
			if g.pendingSeek >= 0 {
				pos := g.pendingSeek
				g.pendingSeek = -1
				g.pipeline.SeekSimple(int64(pos*1e9), gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit)
			}
			out = append(out, Message{Kind: MsgAsyncDone, Timestamp: -1})
		case gst.MessageElement:
			st := msg.GetStructure()
			if st == nil {
				continue
			}
			out = append(out, Message{Kind: MsgElement, Name: st.Name(), Structure: st.String(), Timestamp: -1})
		case gst.MessageTag:
			out = append(out, Message{Kind: MsgTag, Text: msg.String(), Timestamp: -1})
		}
	}
	return out
}

func (g *gstGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline != nil {
		_ = g.pipeline.SetState(gst.StateNull)
		g.pipeline = nil
	}
	g.state.Store(int32(StateNull))
	return nil
}
