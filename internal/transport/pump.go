// ABOUTME: Event pump and render tick: bus routing, error policy and spectrum sampling
// ABOUTME: Run drives both loops on the controller clock until the context ends
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/events"
	"github.com/hiresti/hiresti-audio/internal/metrics"
	"github.com/hiresti/hiresti-audio/internal/sink"
)

const (
	pumpFast       = 16 * time.Millisecond
	pumpPlaying    = 40 * time.Millisecond
	pumpIdle       = 120 * time.Millisecond
	renderInterval = 16 * time.Millisecond
	renderDrainMax = 64
)

// Run pumps events and renders spectrum frames until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	wg.Go(func() { c.pumpLoop(ctx) })
	wg.Go(func() { c.renderLoop(ctx) })
	wg.Wait()
	return ctx.Err()
}

func (c *Controller) pumpInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StatePlaying && c.spectrumOn:
		return pumpFast
	case c.state == StatePlaying:
		return pumpPlaying
	}
	return pumpIdle
}

func (c *Controller) pumpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.pumpInterval()):
			c.Pump(ctx)
		}
	}
}

func (c *Controller) renderLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(renderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Render()
		}
	}
}

// Pump drains the graph buses, delivers queued events to the handler and
// runs periodic clock enforcement. It returns the number of events delivered.
func (c *Controller) Pump(ctx context.Context) int {
	metrics.PumpTicks.Inc()
	c.pipe.Pump()
	if c.shadow != nil {
		c.shadow.Pump()
	}
	if c.devicesDirty.Swap(false) {
		c.bus.Post(events.KindState, "devices-changed")
	}
	n := c.bus.Pump(events.PumpBatch)
	c.maybeEnforce(ctx)
	return n
}

func (c *Controller) maybeEnforce(ctx context.Context) {
	if c.rate == nil || c.rate.Target() == 0 {
		return
	}
	c.mu.Lock()
	now := c.clock.Now()
	due := c.state == StatePlaying && now.Sub(c.lastEnforce) >= enforceEvery
	if due {
		c.lastEnforce = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	rewrote, err := c.rate.Enforce(ctx, "periodic")
	switch {
	case err != nil:
		c.log.Warn().Err(err).Msg("PipeWire clock drifted and could not be restored")
		c.history.Append("clock enforce failed: " + err.Error())
	case rewrote:
		c.history.Append(fmt.Sprintf("clock re-pinned %d Hz", c.rate.Target()))
	}
}

// Render moves new spectrum frames into the timeline and hands the frame
// aligned with audible output to the spectrum hook
func (c *Controller) Render() {
	c.mu.Lock()
	on, playing := c.spectrumOn, c.state == StatePlaying
	c.mu.Unlock()
	if !on {
		return
	}
	cur, _ := c.Position()

	if c.ring.Seq() < c.timeline.Cursor() {
		c.timeline.Reset()
	}
	msgPos := -1.0
	if frames := c.ring.DrainSince(c.timeline.Cursor(), renderDrainMax); len(frames) > 0 {
		c.est.MarkFrame()
		c.timeline.Ingest(frames, cur)
		if tail, ok := c.timeline.Tail(); ok {
			msgPos = tail
		}
	}
	if c.est.ShouldResync(playing, on) {
		c.timeline.Reset()
		metrics.SpectrumResyncs.Inc()
		c.log.Debug().Float64("pos", cur).Msg("Spectrum stalled, resyncing reader")
	}

	sample, delay := c.est.SamplePos(cur, msgPos)
	metrics.VisualDelayMs.Set(delay)
	if mags := c.timeline.SampleAt(sample); mags != nil {
		metrics.SpectrumFrames.Inc()
		c.hooks.spectrum(mags, sample)
	}
}

func (c *Controller) handleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindState:
		if notable(ev.Message) {
			c.history.Append(ev.Message)
		}
		c.hooks.state(ev.Message)
	case events.KindError:
		c.onError(ev.Message)
	case events.KindEOS:
		c.onEOS()
	case events.KindTag:
		c.onTag(ev.Message)
	}
}

// notable filters the chatty state events out of the operational log
func notable(msg string) bool {
	for _, p := range []string{"elem-msg", "spectrum-", "Playing", "Paused", "Ready", "Null"} {
		if strings.HasPrefix(msg, p) {
			return false
		}
	}
	return true
}

func (c *Controller) onError(msg string) {
	c.mu.Lock()
	if msg == c.absorbed {
		c.absorbed = ""
		c.mu.Unlock()
		return
	}
	sel, state := c.sel, c.state
	c.lastErr = msg
	c.mu.Unlock()

	cat := apperr.Classify(msg)
	metrics.Errors.WithLabelValues(string(cat)).Inc()
	c.history.Append(fmt.Sprintf("error [%s] %s", cat, msg))
	c.log.Error().Str("category", string(cat)).Str("error", msg).Msg("Playback error")
	c.hooks.err(apperr.UserMessage(cat) + ": " + msg)

	ctx := context.Background()
	switch cat {
	case apperr.CategoryBusy:
		if sel.Exclusive || sel.Driver == sink.Auto {
			c.setOutputState(OutputError, msg)
			c.setState(StateError)
			return
		}
		c.op.Lock()
		_ = c.downgrade(ctx, sel, fmt.Errorf("%w: %s", apperr.ErrDeviceBusy, msg))
		c.op.Unlock()
		if state == StatePlaying {
			c.clock.AfterFunc(busyResumeDelay, func() {
				if err := c.Play(context.Background()); err != nil {
					c.log.Warn().Err(err).Msg("Resume after busy fallback failed")
				}
			})
		}
	case apperr.CategoryDevice:
		c.op.Lock()
		_ = c.stopLocked(ctx, "device-lost")
		c.op.Unlock()
		c.setOutputState(OutputFallback, msg)
		c.devicesDirty.Store(true)
	default:
		c.op.Lock()
		_ = c.stopLocked(ctx, string(cat))
		c.op.Unlock()
		c.setState(StateError)
	}
}

func (c *Controller) onEOS() {
	c.op.Lock()
	c.releaseClock(context.Background(), "eos")
	c.op.Unlock()
	c.setState(StateIdle)
	c.history.Append("eos")
	c.hooks.eos()
}

func (c *Controller) onTag(msg string) {
	fields := audio.ParseTagEvent(msg)
	c.mu.Lock()
	info, changed, _ := audio.ApplyTagFields(c.info, fields)
	c.info = info
	sel, tried, known, state := c.sel, c.rateTried, c.track.Rate, c.state
	c.mu.Unlock()
	if changed {
		c.hooks.tag(info)
	}

	// No source rate from discovery: align once on what the decoder reports
	if !c.rateFollow(sel) || known > 0 || tried || state != StatePlaying {
		return
	}
	src := c.pipe.Source()
	if src.Rate <= 0 {
		return
	}
	c.op.Lock()
	defer c.op.Unlock()
	c.mu.Lock()
	c.track.Rate = src.Rate
	c.mu.Unlock()
	_ = c.alignRate(context.Background(), sel, src.Rate)
}
