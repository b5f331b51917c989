// ABOUTME: Transport controller: the single entry point the UI drives
// ABOUTME: Serializes load/play/pause/stop, owns stream info, clock alignment and error policy
package transport

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/devices"
	"github.com/hiresti/hiresti-audio/internal/events"
	"github.com/hiresti/hiresti-audio/internal/pipeline"
	"github.com/hiresti/hiresti-audio/internal/pwclock"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/spectrum"
	avsync "github.com/hiresti/hiresti-audio/internal/sync"
	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

// RateCoordinator pins the PipeWire graph rate. *pwclock.Coordinator implements it.
type RateCoordinator interface {
	Prepass(ctx context.Context, rate int) error
	Release(ctx context.Context, reason string) error
	Enforce(ctx context.Context, reason string) (bool, error)
	Target() int
	EnsureProAudio(ctx context.Context, profiles pwclock.Profiles, node string) (string, error)
	Snapshot(ctx context.Context, run syscmd.Runner) pwclock.Snapshot
	SetForceRate(ctx context.Context, hz int) error
	SetAllowedRates(ctx context.Context, rates []int) error
}

// ExclusiveLock reserves an ALSA device. *sink.Exclusive implements it.
type ExclusiveLock interface {
	Acquire(ctx context.Context, device string) (string, error)
	Release(ctx context.Context)
	Active() string
}

// DeviceLister enumerates outputs per driver. *devices.Enumerator implements it.
type DeviceLister interface {
	List(ctx context.Context, driver sink.Kind) ([]devices.Device, error)
}

// Config holds the controller's collaborators. Pipeline, Bus and Ring are
// required; the rest may be nil.
type Config struct {
	Log   zerolog.Logger
	Clock clockwork.Clock

	Pipeline *pipeline.Pipeline
	// Shadow is an analysis-only pipeline bound to the fake sink. When set
	// it feeds the ring and the primary runs with spectrum off.
	Shadow *pipeline.Pipeline

	Bus     *events.Bus
	History *events.Log
	Ring    *spectrum.Ring

	Rate      RateCoordinator
	Exclusive ExclusiveLock
	Devices   DeviceLister
	Profiles  pwclock.Profiles
	Runner    syscmd.Runner

	// HWRoot is the /proc/asound root used for hardware params
	HWRoot string
	// Offsets returns the per-device visual offset in milliseconds
	Offsets func(driver, device string) int
	Trace   bool
	// BaseMs and LeadMs are static visual delay trims
	BaseMs int
	LeadMs int
	Hooks  Hooks
}

const (
	positionRefresh = 100 * time.Millisecond
	busyResumeDelay = 100 * time.Millisecond
	enforceEvery    = 3 * time.Second
)

// Controller is the transport state machine
type Controller struct {
	log      zerolog.Logger
	clock    clockwork.Clock
	pipe     *pipeline.Pipeline
	shadow   *pipeline.Pipeline
	bus      *events.Bus
	history  *events.Log
	ring     *spectrum.Ring
	timeline *spectrum.Timeline
	est      *avsync.Estimator
	rate     RateCoordinator
	excl     ExclusiveLock
	devs     DeviceLister
	profiles pwclock.Profiles
	run      syscmd.Runner
	hwRoot   string
	offsets  func(driver, device string) int
	hooks    Hooks

	// op serializes transport operations
	op sync.Mutex

	mu          sync.Mutex
	state       State
	outState    OutputState
	outErr      string
	info        audio.StreamInfo
	track       Track
	sel         sink.Selection
	requested   sink.Selection
	requestedAt time.Time
	hasRequest  bool
	switching   bool
	pending     *sink.Selection
	rateBlocked bool
	rateTried   bool
	lastErr     string
	absorbed    string
	spectrumOn  bool
	closed      bool

	posCache    float64
	durCache    float64
	posAt       time.Time
	lastEnforce time.Time
	seek        seekState

	devicesDirty atomic.Bool
}

// New builds a controller around cfg and takes over the bus handler
func New(cfg Config) *Controller {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	history := cfg.History
	if history == nil {
		history = events.NewLog(clock)
	}
	hwRoot := cfg.HWRoot
	if hwRoot == "" {
		hwRoot = "/proc/asound"
	}
	c := &Controller{
		log:        cfg.Log,
		clock:      clock,
		pipe:       cfg.Pipeline,
		shadow:     cfg.Shadow,
		bus:        cfg.Bus,
		history:    history,
		ring:       cfg.Ring,
		timeline:   spectrum.NewTimeline(),
		rate:       cfg.Rate,
		excl:       cfg.Exclusive,
		devs:       cfg.Devices,
		profiles:   cfg.Profiles,
		run:        cfg.Runner,
		hwRoot:     hwRoot,
		offsets:    cfg.Offsets,
		hooks:      cfg.Hooks,
		sel:        sink.Selection{Driver: sink.Auto}.Normalize(),
		spectrumOn: true,
	}
	c.est = avsync.NewEstimator(clock, c.probeLatency, cfg.Log)
	c.est.SetTrace(cfg.Trace)
	c.est.SetTrims(float64(cfg.BaseMs), float64(cfg.LeadMs))
	if c.shadow != nil {
		c.pipe.SetSpectrumEnabled(false)
		_ = c.shadow.SetVolume(0)
		c.shadow.SetSpectrumEnabled(true)
	}
	c.bus.SetHandler(c.handleEvent)
	return c
}

func (c *Controller) probeLatency() (float64, string) {
	p := c.pipe.Latency()
	return p.Seconds, p.Source
}

// analysis is the pipeline producing spectrum frames
func (c *Controller) analysis() *pipeline.Pipeline {
	if c.shadow != nil {
		return c.shadow
	}
	return c.pipe
}

func (c *Controller) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.ErrClosed
	}
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Transport state")
	}
}

func (c *Controller) setOutputState(s OutputState, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outState = s
	c.outErr = errText
}

// recordError remembers err as the last error and marks the pipeline's own
// error event for it as already handled
func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.absorbed = c.pipe.LastError()
	c.mu.Unlock()
	c.history.Append("error " + err.Error())
}

// rateFollow reports whether sel wants the PipeWire graph pinned to the source rate
func (c *Controller) rateFollow(sel sink.Selection) bool {
	return c.rate != nil && sel.Driver == sink.PipeWire && !sel.Exclusive && (sel.AllowRateFollow || sel.BitPerfect)
}

// Load is LoadTrack without a known source format
func (c *Controller) Load(ctx context.Context, uri string) error {
	return c.LoadTrack(ctx, Track{URI: uri})
}

// LoadTrack arms the pipeline with t. The previous track's spectrum, sync
// epoch and format info are discarded. A zero t.Rate is discovered from the
// media. With rate-follow active and a known source rate the PipeWire clock
// is pinned before the sink is rebound; a blocked clock leaves the transport
// in Error until Play retries it.
func (c *Controller) LoadTrack(ctx context.Context, t Track) error {
	t.URI = strings.TrimSpace(t.URI)
	if t.URI == "" {
		return fmt.Errorf("%w: empty uri", apperr.ErrInvalidURI)
	}
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	epoch := c.est.Reset()
	c.ring.Reset()
	c.timeline.Reset()

	c.mu.Lock()
	c.cancelSeekLocked()
	c.track = t
	c.info = c.info.Loading()
	if t.Rate > 0 || t.Depth > 0 {
		c.info = c.info.SetSource(t.Rate, t.Depth)
	}
	c.rateBlocked, c.rateTried = false, false
	c.posCache, c.durCache, c.posAt = 0, 0, time.Time{}
	sel := c.sel
	info := c.info
	c.mu.Unlock()
	c.setState(StateLoading)
	c.hooks.tag(info)

	if err := c.pipe.SetURI(ctx, t.URI); err != nil {
		c.recordError(err)
		c.setState(StateError)
		return err
	}
	if c.shadow != nil {
		if err := c.shadow.SetURI(ctx, t.URI); err != nil {
			c.log.Warn().Err(err).Msg("Shadow analyzer could not load track")
		}
	}
	if t.Rate <= 0 {
		t = c.discoverSource(ctx, t)
	}
	c.log.Info().Str("uri", t.URI).Uint64("epoch", epoch).Int("rate", t.Rate).Msg("Track loaded")

	if c.rateFollow(sel) && t.Rate > 0 {
		if err := c.alignRate(ctx, sel, t.Rate); err != nil {
			c.setState(StateError)
			return err
		}
	}
	c.setState(StateReady)
	return nil
}

// discoverSource fills in the source format of t from the graph and stamps
// the source namespace. On failure t is returned unchanged and the first
// decoder tag supplies the rate instead.
func (c *Controller) discoverSource(ctx context.Context, t Track) Track {
	f, err := c.pipe.Discover(ctx, t.URI)
	if err != nil {
		c.log.Debug().Err(err).Str("uri", t.URI).Msg("Source format discovery failed")
		return t
	}
	t.Rate = f.Rate
	if t.Depth <= 0 {
		t.Depth = f.Depth
	}
	c.mu.Lock()
	c.track.Rate, c.track.Depth = t.Rate, t.Depth
	c.info = c.info.SetSource(t.Rate, t.Depth)
	info := c.info
	c.mu.Unlock()
	c.hooks.tag(info)
	return t
}

// alignRate pins the clock to rate and rebinds the sink so it renegotiates.
// Callers hold c.op.
func (c *Controller) alignRate(ctx context.Context, sel sink.Selection, rate int) error {
	err := c.rate.Prepass(ctx, rate)
	c.mu.Lock()
	c.rateTried = true
	c.rateBlocked = err != nil
	c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Int("rate", rate).Msg("PipeWire clock alignment failed")
		c.recordError(err)
		c.bus.Post(events.KindState, "rate-blocked "+err.Error())
		return err
	}
	c.history.Append(fmt.Sprintf("clock pinned %d Hz", rate))
	if err := c.pipe.SetOutput(ctx, sel); err != nil {
		c.log.Warn().Err(err).Msg("Rebind after clock change failed")
		c.recordError(err)
	}
	return nil
}

func (c *Controller) releaseClock(ctx context.Context, reason string) {
	if c.rate == nil || c.rate.Target() == 0 {
		return
	}
	if err := c.rate.Release(ctx, reason); err != nil {
		c.log.Warn().Err(err).Str("reason", reason).Msg("PipeWire clock release failed")
		c.history.Append("clock release failed: " + err.Error())
		return
	}
	c.history.Append("clock released (" + reason + ")")
}

// Play starts or resumes playback. Exclusive access released by Stop is
// taken again and a blocked or released clock is aligned once more before
// the graph starts.
func (c *Controller) Play(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.mu.Lock()
	uri, rate, blocked, sel := c.track.URI, c.track.Rate, c.rateBlocked, c.sel
	c.mu.Unlock()
	if uri == "" {
		return &apperr.TransportError{Op: "play", RC: apperr.RCUnavailable}
	}
	if sel.Exclusive && c.excl != nil && c.excl.Active() == "" {
		if err := c.acquireExclusive(ctx, sel); err != nil {
			c.setState(StateError)
			return c.outputFailed(sel, err)
		}
	}
	if c.rateFollow(sel) && rate > 0 && (blocked || c.rate.Target() != rate) {
		if err := c.alignRate(ctx, sel, rate); err != nil {
			c.setState(StateError)
			return err
		}
	}
	if err := c.pipe.Play(ctx); err != nil {
		c.recordError(err)
		c.setState(StateError)
		return err
	}
	if c.shadow != nil {
		_ = c.shadow.Play(ctx)
	}
	c.setState(StatePlaying)
	return nil
}

// Pause pauses the graph and hands the clock back
func (c *Controller) Pause(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.pipe.Pause(ctx); err != nil {
		c.recordError(err)
		return err
	}
	if c.shadow != nil {
		_ = c.shadow.Pause(ctx)
	}
	c.releaseClock(ctx, "pause")
	c.setState(StatePaused)
	return nil
}

// Stop halts playback and clears position, pending seeks and spectrum state.
// Exclusive access ends here; the next Play takes the device again.
func (c *Controller) Stop(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.stopLocked(ctx, "stop")
}

// stopLocked runs with c.op held
func (c *Controller) stopLocked(ctx context.Context, reason string) error {
	err := c.pipe.Stop(ctx)
	if c.shadow != nil {
		_ = c.shadow.Stop(ctx)
	}
	c.releaseClock(ctx, reason)
	c.releaseExclusive(ctx)
	c.ring.Reset()
	c.timeline.Reset()
	c.mu.Lock()
	c.cancelSeekLocked()
	c.posCache, c.durCache, c.posAt = 0, 0, time.Time{}
	c.mu.Unlock()
	c.setState(StateIdle)
	if err != nil {
		c.recordError(err)
	}
	return err
}

// Cleanup stops playback, releases exclusive access and the clock, and
// closes both graphs. Later calls return apperr.ErrClosed.
func (c *Controller) Cleanup(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_ = c.stopLocked(ctx, "cleanup")
	err := c.pipe.Close()
	if c.shadow != nil {
		_ = c.shadow.Close()
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bus.SetHandler(nil)
	c.log.Info().Msg("Transport closed")
	return err
}

// SetVolume sets the linear gain, clamped to [0, 1]
func (c *Controller) SetVolume(v float64) error {
	if math.IsNaN(v) {
		v = 0
	}
	return c.pipe.SetVolume(min(max(v, 0), 1))
}

// SetEQBand sets one equalizer band; ignored while bit-perfect
func (c *Controller) SetEQBand(band int, gainDB float64) error {
	return c.pipe.SetEQBand(band, gainDB)
}

// ResetEQ flattens the equalizer
func (c *Controller) ResetEQ() error {
	return c.pipe.ResetEQ()
}

// SetSpeed is accepted and ignored; playback rate is locked to 1.0
func (c *Controller) SetSpeed(v float64) { c.pipe.SetSpeed(v) }

// SetPitch is accepted and ignored
func (c *Controller) SetPitch(v float64) { c.pipe.SetPitch(v) }

// SetSpectrumEnabled toggles spectrum analysis. Disabling drops queued frames.
func (c *Controller) SetSpectrumEnabled(on bool) {
	c.mu.Lock()
	c.spectrumOn = on
	c.mu.Unlock()
	c.analysis().SetSpectrumEnabled(on)
	if !on {
		c.timeline.Reset()
	}
}

// SpectrumEnabled reports whether spectrum analysis is on
func (c *Controller) SpectrumEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spectrumOn
}

// Position returns position and duration in seconds. During the hold
// window after a seek the requested target is reported instead.
func (c *Controller) Position() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.posAt.IsZero() || now.Sub(c.posAt) >= positionRefresh {
		c.posCache, c.durCache = c.pipe.Position(), c.pipe.Duration()
		c.posAt = now
	}
	pos := c.posCache
	if now.Before(c.seek.holdUntil) {
		pos = c.seek.holdPos
	}
	return pos, c.durCache
}

// State returns the transport state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsPlaying reports whether the transport is in Playing
func (c *Controller) IsPlaying() bool {
	return c.State() == StatePlaying
}

// OutputState returns the sink binding state
func (c *Controller) OutputState() OutputState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outState
}

// OutputError returns the text of the last output failure
func (c *Controller) OutputError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outErr
}

// Output returns the applied output selection
func (c *Controller) Output() sink.Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel
}

// StreamInfo returns the current format info
func (c *Controller) StreamInfo() audio.StreamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// LastError returns the most recent error text
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// EventLog returns the operational event log, oldest first
func (c *Controller) EventLog() []string {
	return c.history.Entries()
}

// History exposes the event log
func (c *Controller) History() *events.Log {
	return c.history
}

// SyncStats returns the visual delay estimator state
func (c *Controller) SyncStats() avsync.Stats {
	return c.est.Stats()
}

// Latency returns the output latency in seconds, 0 when unknown
func (c *Controller) Latency() float64 {
	return c.pipe.Latency().Seconds
}

// LatencyProbe returns the latency together with its source
func (c *Controller) LatencyProbe() pipeline.LatencyProbe {
	return c.pipe.Latency()
}

// Ring is the spectrum ring fed by the analysis pipeline
func (c *Controller) Ring() *spectrum.Ring {
	return c.ring
}

// ListDevices enumerates outputs for driver
func (c *Controller) ListDevices(ctx context.Context, driver sink.Kind) ([]devices.Device, error) {
	if c.devs == nil {
		return []devices.Device{{Name: devices.DefaultOutput}}, nil
	}
	return c.devs.List(ctx, driver)
}

// DevicesChanged marks the device list stale; the next pump surfaces a
// devices-changed state event
func (c *Controller) DevicesChanged() {
	c.devicesDirty.Store(true)
}

// SetPipeWireClockRate writes clock.force-rate directly; 0 releases it
func (c *Controller) SetPipeWireClockRate(ctx context.Context, hz int) error {
	if c.rate == nil {
		return apperr.ErrUnavailable
	}
	if hz < 0 {
		return fmt.Errorf("%w: rate %d", apperr.ErrInvalidArgument, hz)
	}
	return c.rate.SetForceRate(ctx, hz)
}

// SetPipeWireAllowedRates writes clock.allowed-rates from a comma separated list
func (c *Controller) SetPipeWireAllowedRates(ctx context.Context, csv string) error {
	if c.rate == nil {
		return apperr.ErrUnavailable
	}
	rates := pwclock.ParseCSVRates(csv)
	if len(rates) == 0 {
		return fmt.Errorf("%w: no rates in %q", apperr.ErrInvalidArgument, csv)
	}
	return c.rate.SetAllowedRates(ctx, rates)
}

// SetPipeWirePro switches the card behind node to its pro-audio profile
// and returns the node to bind
func (c *Controller) SetPipeWirePro(ctx context.Context, node string) (string, error) {
	if c.rate == nil || c.profiles == nil {
		return "", apperr.ErrUnavailable
	}
	return c.rate.EnsureProAudio(ctx, c.profiles, node)
}
