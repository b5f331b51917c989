// ABOUTME: Visual delay estimation for spectrum rendering
// ABOUTME: Smooths measured output latency and frame age into an aligned sample position
package sync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Quality describes how trustworthy the latency measurement is
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	}
	return "lost"
}

const (
	// ProbeInterval is the minimum gap between latency probes
	ProbeInterval = 120 * time.Millisecond
	// Lookback keeps both interpolation neighbours inside the timeline
	Lookback = 0.12

	maxLatencyMs   = 1500.0
	maxDelayMs     = 2000.0
	latencyGain    = 0.20
	msgAgeGain     = 0.15
	stallAfter     = 750 * time.Millisecond
	recoverCooloff = 1500 * time.Millisecond
)

// LatencyFunc reports the current output latency in seconds and the
// source it was measured from ("none" when nothing answered)
type LatencyFunc func() (seconds float64, source string)

// Stats is a point-in-time view of the estimator
type Stats struct {
	LatencyMs float64
	MsgAgeMs  float64
	OffsetMs  float64
	DelayMs   float64
	Epoch     uint64
	Source    string
	Quality   Quality
}

// Estimator turns latency measurements into the media position the
// visualizer should sample so that bars line up with audible output.
type Estimator struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	probe LatencyFunc
	log   zerolog.Logger

	latencyCachedMs float64
	latencySmoothMs float64
	msgAgeSmoothMs  float64
	lastProbe       time.Time
	source          string
	quality         Quality

	learnedOffsetMs float64
	bufferMs        float64
	baseMs          float64
	leadMs          float64
	lastDelayMs     float64

	epoch       uint64
	lastFrame   time.Time
	lastRecover time.Time

	trace     bool
	lastTrace time.Time
}

// NewEstimator creates an estimator; probe may be nil
func NewEstimator(clock clockwork.Clock, probe LatencyFunc, log zerolog.Logger) *Estimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Estimator{
		clock:   clock,
		probe:   probe,
		log:     log,
		quality: QualityLost,
		source:  "none",
	}
}

// SetTrace enables once-per-second alignment logging at info level
func (e *Estimator) SetTrace(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trace = on
}

// SetOffset sets the learned per-device visual offset in milliseconds
func (e *Estimator) SetOffset(ms float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learnedOffsetMs = ms
}

// SetBuffer records the configured output buffer in microseconds; the
// visual delay never drops below it
func (e *Estimator) SetBuffer(bufferUs int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bufferMs = max(0, float64(bufferUs)/1000.0)
}

// SetTrims sets the static base and lead trims in milliseconds
func (e *Estimator) SetTrims(baseMs, leadMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseMs = baseMs
	e.leadMs = leadMs
}

// Reset drops latency caches and starts a new epoch
func (e *Estimator) Reset() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latencyCachedMs = 0
	e.latencySmoothMs = 0
	e.msgAgeSmoothMs = 0
	e.lastProbe = time.Time{}
	e.lastFrame = time.Time{}
	e.epoch++
	return e.epoch
}

// Epoch returns the current sync epoch
func (e *Estimator) Epoch() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

// Delay returns the visual delay in milliseconds, clamped to [0, 2000].
// msgPos is the position of the newest spectrum frame; negative when none
// has arrived, which keeps the smoothed frame age unchanged.
func (e *Estimator) Delay(cur, msgPos float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delayLocked(cur, msgPos)
}

func (e *Estimator) delayLocked(cur, msgPos float64) float64 {
	now := e.clock.Now()
	if e.lastProbe.IsZero() || now.Sub(e.lastProbe) >= ProbeInterval {
		e.lastProbe = now
		lat, src := 0.0, "none"
		if e.probe != nil {
			lat, src = e.probe()
		}
		e.latencyCachedMs = min(max(lat*1000.0, 0), maxLatencyMs)
		e.source = src
		e.quality = qualityFor(src)
	}

	if e.latencySmoothMs <= 0 {
		e.latencySmoothMs = e.latencyCachedMs
	} else {
		e.latencySmoothMs = e.latencySmoothMs*(1-latencyGain) + e.latencyCachedMs*latencyGain
	}

	if msgPos >= 0 && cur >= 0 {
		ageMs := max(0, (cur-msgPos)*1000.0)
		if e.msgAgeSmoothMs <= 0 {
			e.msgAgeSmoothMs = ageMs
		} else {
			e.msgAgeSmoothMs = e.msgAgeSmoothMs*(1-msgAgeGain) + ageMs*msgAgeGain
		}
	}
	targetMs := e.latencySmoothMs - e.msgAgeSmoothMs

	effectiveOffset := max(e.learnedOffsetMs, e.bufferMs)
	total := targetMs + e.baseMs + effectiveOffset - e.leadMs
	e.lastDelayMs = min(max(total, 0), maxDelayMs)

	if e.trace && now.Sub(e.lastTrace) >= time.Second {
		e.lastTrace = now
		e.log.Info().
			Float64("total_ms", total).
			Float64("target_ms", targetMs).
			Float64("latency_ms", e.latencySmoothMs).
			Float64("offset_ms", effectiveOffset).
			Float64("buffer_ms", e.bufferMs).
			Float64("learned_ms", e.learnedOffsetMs).
			Float64("lead_ms", e.leadMs).
			Msg("VIZ TRACE sync-delay")
	} else if e.log.GetLevel() <= zerolog.DebugLevel && now.Sub(e.lastTrace) >= time.Second {
		e.lastTrace = now
		e.log.Debug().
			Float64("delay_ms", e.lastDelayMs).
			Float64("latency_ms", e.latencySmoothMs).
			Float64("msg_age_ms", e.msgAgeSmoothMs).
			Float64("cur", cur).
			Float64("msg", msgPos).
			Msg("viz sync")
	}
	return e.lastDelayMs
}

// SamplePos returns the media position to sample at render time and the
// delay used to derive it. msgPos is as for Delay.
func (e *Estimator) SamplePos(cur, msgPos float64) (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delay := e.delayLocked(cur, msgPos)
	return max(0, cur-delay/1000.0-Lookback), delay
}

// MarkFrame records that spectrum frames arrived
func (e *Estimator) MarkFrame() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFrame = e.clock.Now()
}

// ShouldResync reports whether the reader should rewind its cursor: frames
// stalled for longer than 750 ms while playing with the spectrum enabled,
// and the last recovery was more than 1.5 s ago. A true result arms the
// cooldown.
func (e *Estimator) ShouldResync(playing, enabled bool) bool {
	if !playing || !enabled {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	if now.Sub(e.lastFrame) <= stallAfter || now.Sub(e.lastRecover) <= recoverCooloff {
		return false
	}
	e.lastRecover = now
	return true
}

// Stats returns the current estimator state
func (e *Estimator) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		LatencyMs: e.latencySmoothMs,
		MsgAgeMs:  e.msgAgeSmoothMs,
		OffsetMs:  max(e.learnedOffsetMs, e.bufferMs),
		DelayMs:   e.lastDelayMs,
		Epoch:     e.epoch,
		Source:    e.source,
		Quality:   e.quality,
	}
}

func qualityFor(source string) Quality {
	switch source {
	case "gst-query-max", "gst-query-min":
		return QualityGood
	case "none", "":
		return QualityLost
	}
	return QualityDegraded
}
