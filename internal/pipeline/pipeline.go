// ABOUTME: Pipeline drives a Graph: transport state, output binding and the bus pump
// ABOUTME: Folds tag, element and state messages into events and spectrum frames
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/events"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/spectrum"
)

const (
	// PumpMax bounds the bus messages handled per pump
	PumpMax = 128
	// formatProbeEvery is how many pumps pass between output caps queries
	formatProbeEvery = 10
	// spectrumReportEvery throttles the spectrum diagnostics state events
	spectrumReportEvery = 120
	maxVolume           = 1.5
)

// Transport return codes
const (
	RCSeekFailed  = -3
	RCStateFailed = -4
)

// Source is what the pipeline learned about the current track
type Source struct {
	Codec   string
	Bitrate int
	Rate    int
	Depth   int
}

// Pipeline owns one graph. Its methods are safe for concurrent use; the
// transport controller serializes them further.
type Pipeline struct {
	log   zerolog.Logger
	graph Graph
	bus   *events.Bus
	ring  *spectrum.Ring

	spectrumOn atomic.Bool

	mu         sync.Mutex
	uri        string
	lastErr    string
	selection  sink.Selection
	plan       sink.Plan
	volume     float64
	eq         [EQBands]float64
	bitPerfect bool

	// tag dedupe
	lastCodec   string
	lastBitrate int
	lastRate    int
	lastDepth   int
	sourceRate  int
	sourceDepth int

	fmtTick     uint64
	elemSeen    uint64
	specSeen    uint64
	specFrames  uint64
	lastSpecPos float64
}

// New wraps graph. Events go to bus and spectrum frames to ring.
func New(log zerolog.Logger, graph Graph, bus *events.Bus, ring *spectrum.Ring) *Pipeline {
	p := &Pipeline{
		log:    log,
		graph:  graph,
		bus:    bus,
		ring:   ring,
		volume: 1,
	}
	p.spectrumOn.Store(true)
	graph.SetSpectrumEnabled(true)
	return p
}

// Graph exposes the underlying graph
func (p *Pipeline) Graph() Graph { return p.graph }

func (p *Pipeline) emit(kind events.Kind, msg string) {
	if p.bus != nil {
		p.bus.Post(kind, msg)
	}
}

func (p *Pipeline) fail(msg string) {
	p.lastErr = msg
	p.emit(events.KindError, msg)
}

// SetURI stops the graph, points it at uri and forgets the previous track's tags
func (p *Pipeline) SetURI(ctx context.Context, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return fmt.Errorf("%w: empty uri", apperr.ErrInvalidURI)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.graph.SetState(ctx, StateNull)
	if err := p.graph.SetURI(uri); err != nil {
		p.fail("set_uri: " + err.Error())
		return fmt.Errorf("%w: %v", apperr.ErrInvalidURI, err)
	}
	p.uri = uri
	p.lastCodec, p.lastBitrate, p.lastRate, p.lastDepth = "", 0, 0, 0
	p.sourceRate, p.sourceDepth = 0, 0
	return nil
}

// Discover returns the source sample rate and depth of uri. The rate is
// always positive on success.
func (p *Pipeline) Discover(ctx context.Context, uri string) (audio.Format, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return audio.Format{}, fmt.Errorf("%w: empty uri", apperr.ErrInvalidURI)
	}
	f, err := p.graph.Discover(ctx, uri)
	if err != nil {
		return audio.Format{}, err
	}
	if f.Rate <= 0 {
		return audio.Format{}, fmt.Errorf("%w: no sample rate for %s", apperr.ErrCodec, uri)
	}
	return f, nil
}

// URI returns the current track URI
func (p *Pipeline) URI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uri
}

// Play starts playback of the current URI
func (p *Pipeline) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.uri == "" {
		p.fail("play: empty uri")
		return &apperr.TransportError{Op: "play", RC: apperr.RCUnavailable}
	}
	return p.setStateLocked(ctx, "play", StatePlaying)
}

// Pause suspends playback
func (p *Pipeline) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setStateLocked(ctx, "pause", StatePaused)
}

// Stop tears the graph down to Null
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setStateLocked(ctx, "stop", StateNull)
}

func (p *Pipeline) setStateLocked(ctx context.Context, op string, s State) error {
	if err := p.graph.SetState(ctx, s); err != nil {
		p.fail("set_state failed: " + err.Error())
		return &apperr.TransportError{Op: op, RC: RCStateFailed}
	}
	p.emit(events.KindState, s.String())
	return nil
}

// State returns the graph state
func (p *Pipeline) State() State {
	return p.graph.State()
}

// IsPlaying reports whether the graph is in Playing
func (p *Pipeline) IsPlaying() bool {
	return p.graph.State() == StatePlaying
}

// Seek performs a flushing key-unit seek. Negative and non-finite targets seek to 0.
func (p *Pipeline) Seek(pos float64) error {
	if math.IsNaN(pos) || math.IsInf(pos, 0) || pos < 0 {
		pos = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.graph.Seek(pos); err != nil {
		p.fail("seek failed")
		p.log.Debug().Err(err).Float64("pos", pos).Msg("seek failed")
		return &apperr.TransportError{Op: "seek", RC: RCSeekFailed}
	}
	return nil
}

// SetVolume sets the linear gain, clamped to [0, 1.5]
func (p *Pipeline) SetVolume(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 1
	}
	v = min(max(v, 0), maxVolume)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.graph.SetVolume(v); err != nil {
		return &apperr.TransportError{Op: "set_volume", RC: apperr.RCFailed}
	}
	p.volume = v
	return nil
}

// Volume returns the last applied gain
func (p *Pipeline) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetEQBand sets one band gain in dB. Ignored while bit-perfect.
func (p *Pipeline) SetEQBand(band int, gainDB float64) error {
	if band < 0 || band >= EQBands {
		return fmt.Errorf("eq band %d out of range", band)
	}
	if math.IsNaN(gainDB) {
		return fmt.Errorf("%w: eq gain is NaN", apperr.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eq[band] = min(max(gainDB, -24), 12)
	return p.applyEQLocked()
}

// ResetEQ puts every band back to 0 dB
func (p *Pipeline) ResetEQ() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eq = [EQBands]float64{}
	return p.applyEQLocked()
}

// SetBitPerfect toggles the unity-gain equalizer
func (p *Pipeline) SetBitPerfect(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bitPerfect = on
	return p.applyEQLocked()
}

// EQ returns the band gains in effect
func (p *Pipeline) EQ() [EQBands]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bitPerfect {
		return [EQBands]float64{}
	}
	return p.eq
}

func (p *Pipeline) applyEQLocked() error {
	bands := p.eq
	if p.bitPerfect {
		bands = [EQBands]float64{}
	}
	return p.graph.SetEQ(bands)
}

// SetSpeed and SetPitch are accepted but the transport rate stays locked
func (p *Pipeline) SetSpeed(float64) {
	p.emit(events.KindState, "playback-rate=1.000 (hifi-locked)")
}

// SetPitch is accepted but ignored, see SetSpeed
func (p *Pipeline) SetPitch(float64) {
	p.emit(events.KindState, "playback-rate=1.000 (hifi-locked)")
}

// SetSpectrumEnabled toggles frame production. Disabling clears the ring.
func (p *Pipeline) SetSpectrumEnabled(on bool) {
	p.spectrumOn.Store(on)
	p.graph.SetSpectrumEnabled(on)
	if !on && p.ring != nil {
		p.ring.Reset()
	}
}

// SpectrumEnabled reports whether frames are produced
func (p *Pipeline) SpectrumEnabled() bool {
	return p.spectrumOn.Load()
}

// SetOutput rebinds the sink, restoring the previous Playing or Paused state
func (p *Pipeline) SetOutput(ctx context.Context, sel sink.Selection) error {
	sel = sel.Normalize()
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.graph.State()
	_ = p.graph.SetState(ctx, StateNull)

	plan, err := sink.Build(sel)
	if err != nil {
		p.fail("unsupported driver: " + sel.Driver.String())
		return &apperr.OutputSwitchError{Driver: sel.Driver.String(), Device: sel.DeviceLabel(), RC: sink.RCUnsupported, Err: err}
	}
	if err := p.graph.SetSink(plan); err != nil {
		rc := sink.BindRC(sel.Driver)
		if errors.Is(err, apperr.ErrUnsupportedDriver) {
			rc = sink.RCUnsupported
		}
		p.fail(plan.Element + " unavailable")
		return &apperr.OutputSwitchError{Driver: sel.Driver.String(), Device: sel.DeviceLabel(), RC: rc, Err: err}
	}
	if plan.Kind == sink.PipeWire {
		p.emit(events.KindState, fmt.Sprintf("pipewire-sink configured target=%s autoconnect=true latency=%s",
			sel.DeviceLabel(), plan.LatencyLabel()))
	}
	p.selection, p.plan = sel, plan
	p.emit(events.KindState, fmt.Sprintf("output-switched driver=%s device=%s", sel.Driver, sel.DeviceLabel()))

	target := StateNull
	if prev == StatePlaying || prev == StatePaused {
		target = prev
	}
	return p.setStateLocked(ctx, "set_output", target)
}

// Output returns the bound selection and sink plan
func (p *Pipeline) Output() (sink.Selection, sink.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selection, p.plan
}

// Position returns the playback position in seconds, 0 when unknown
func (p *Pipeline) Position() float64 {
	pos, ok := p.graph.Position()
	if !ok || math.IsNaN(pos) || pos < 0 {
		return 0
	}
	return pos
}

// Duration returns the track duration in seconds, 0 when unknown
func (p *Pipeline) Duration() float64 {
	dur, ok := p.graph.Duration()
	if !ok || math.IsNaN(dur) || dur < 0 {
		return 0
	}
	return dur
}

// Latency probes the output latency, falling back to the sink's configured
// period and then its buffer when the graph cannot answer.
func (p *Pipeline) Latency() LatencyProbe {
	probe := p.graph.QueryLatency()
	if probe.Seconds > 0 && !math.IsInf(probe.Seconds, 0) {
		return probe
	}
	p.mu.Lock()
	plan := p.plan
	p.mu.Unlock()
	if v, ok := plan.Prop(sink.PropLatencyTime); ok {
		if us, err := strconv.Atoi(v); err == nil && us > 0 {
			return LatencyProbe{Source: LatencySinkPeriod, Seconds: float64(us) / 1e6}
		}
	}
	if v, ok := plan.Prop(sink.PropBufferTime); ok {
		if us, err := strconv.Atoi(v); err == nil && us > 0 {
			return LatencyProbe{Source: LatencySinkBuffer, Seconds: float64(us) / 1e6}
		}
	}
	return LatencyProbe{Source: LatencyNone}
}

// OutputFormat returns the negotiated rate and depth at the sink pad
func (p *Pipeline) OutputFormat() (rate, depth int) {
	return p.graph.OutputCaps()
}

// Source returns the track metadata learned from tags, falling back to
// the negotiated output format for rate and depth.
func (p *Pipeline) Source() Source {
	p.mu.Lock()
	src := Source{Codec: p.lastCodec, Bitrate: p.lastBitrate, Rate: p.sourceRate, Depth: p.sourceDepth}
	lastRate, lastDepth := p.lastRate, p.lastDepth
	p.mu.Unlock()

	if src.Rate == 0 || src.Depth == 0 {
		sr, sd := p.graph.OutputCaps()
		if src.Rate == 0 {
			src.Rate = firstPositive(lastRate, sr)
		}
		if src.Depth == 0 {
			src.Depth = firstPositive(lastDepth, sd)
		}
	}
	return src
}

// LastError returns the last error text seen on the bus or from an op
func (p *Pipeline) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close stops and releases the graph
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.graph.SetState(context.Background(), StateNull)
	return p.graph.Close()
}

// Pump handles up to PumpMax bus messages and periodically re-reads the
// negotiated output format. It returns the number of messages handled.
func (p *Pipeline) Pump() int {
	msgs := p.graph.Poll(PumpMax)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		switch m.Kind {
		case MsgEOS:
			p.emit(events.KindEOS, "eos")
		case MsgError:
			p.fail(m.Text)
		case MsgWarning:
			p.log.Warn().Str("warning", m.Text).Msg("pipeline warning")
		case MsgStateChanged:
			p.emit(events.KindState, m.State.String())
		case MsgElement:
			p.handleElementLocked(m)
		case MsgTag:
			p.handleTagLocked(m.Text)
		}
	}

	p.fmtTick++
	if p.fmtTick%formatProbeEvery == 0 {
		rate, depth := p.graph.OutputCaps()
		p.maybeEmitTagLocked("", 0, rate, depth)
	}
	return len(msgs)
}

func (p *Pipeline) handleTagLocked(text string) {
	codec, ok := audio.TagValue(text, "audio-codec")
	if !ok {
		codec, _ = audio.TagValue(text, "codec")
	}
	bitrate := 0
	if v, ok := audio.TagValue(text, "bitrate"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			bitrate = n
		}
	}
	for _, t := range []string{text, codec} {
		rate, depth := audio.ParseCodecText(t)
		if rate > 0 {
			p.sourceRate = rate
		}
		if depth > 0 {
			p.sourceDepth = depth
		}
	}
	p.maybeEmitTagLocked(codec, bitrate, 0, 0)
}

func (p *Pipeline) maybeEmitTagLocked(codec string, bitrate, rate, depth int) {
	changed := false
	if codec != "" && codec != p.lastCodec {
		p.lastCodec, changed = codec, true
	}
	if bitrate > 0 && bitrate != p.lastBitrate {
		p.lastBitrate, changed = bitrate, true
	}
	if rate > 0 && rate != p.lastRate {
		p.lastRate, changed = rate, true
	}
	if depth > 0 && depth != p.lastDepth {
		p.lastDepth, changed = depth, true
	}
	if !changed {
		return
	}
	if msg := audio.FormatTagEvent(p.lastCodec, p.lastBitrate, p.lastRate, p.lastDepth); msg != "" {
		p.emit(events.KindTag, msg)
	}
}

func (p *Pipeline) handleElementLocked(m Message) {
	p.elemSeen++
	if p.elemSeen <= 4 || p.elemSeen%240 == 0 {
		p.emit(events.KindState, "elem-msg:"+m.Name)
	}
	if !p.spectrumOn.Load() || !IsSpectrum(m.Name) {
		return
	}
	p.specSeen++

	mags, pos, src := ParseSpectrum(m.Structure)
	if len(mags) == 0 {
		if p.specSeen%spectrumReportEvery == 0 {
			p.emit(events.KindState, fmt.Sprintf("spectrum-msgs=%d parsed=%d", p.specSeen, p.specFrames))
		}
		return
	}
	if pos < 0 {
		pos, src = p.lastSpecPos, "last"
		if m.Timestamp >= 0 && !math.IsInf(m.Timestamp, 0) {
			pos, src = m.Timestamp, "msg-ts"
		} else if q, ok := p.graph.Position(); ok {
			pos, src = q, "query-pos"
		}
	}
	p.lastSpecPos = pos
	if p.ring != nil {
		p.ring.Push(pos, mags)
	}
	p.specFrames++

	if p.specFrames%spectrumReportEvery == 0 {
		q, ok := p.graph.Position()
		delta := -1.0
		if !ok {
			q = -1
		} else {
			delta = q - pos
		}
		p.emit(events.KindState, fmt.Sprintf("spectrum-ts src=%s frame=%.3fs query=%.3fs delta=%.3fs", src, pos, q, delta))
		p.emit(events.KindState, fmt.Sprintf("spectrum-frames=%d", p.specFrames))
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
