// ABOUTME: Seek coalescing: trailing-window dispatch, micro-seek rejection and position hold
// ABOUTME: Bursts of seeks collapse into one graph seek to the latest target
package transport

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/metrics"
	"github.com/hiresti/hiresti-audio/internal/pipeline"
)

const (
	seekHold        = 350 * time.Millisecond
	seekCoalesce    = 80 * time.Millisecond
	microSeekWindow = time.Second
	microSeekMin    = 0.2
	dupSeekWindow   = 250 * time.Millisecond
	dupSeekDelta    = 0.05
)

type seekState struct {
	timer  clockwork.Timer
	gen    uint64
	target float64

	lastReq    float64
	lastReqAt  time.Time
	lastSent   float64
	lastSentAt time.Time

	holdPos   float64
	holdUntil time.Time
}

// Seek requests a move to pos seconds. Requests inside the coalescing
// window collapse to the latest target; a request less than 200 ms away
// from the previous one within a second is dropped.
func (c *Controller) Seek(pos float64) error {
	if math.IsNaN(pos) || math.IsInf(pos, 0) || pos < 0 {
		pos = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.ErrClosed
	}
	if c.track.URI == "" {
		return &apperr.TransportError{Op: "seek", RC: pipeline.RCSeekFailed}
	}
	if c.durCache > 0 && pos > c.durCache {
		pos = c.durCache
	}

	now := c.clock.Now()
	s := &c.seek
	if !s.lastReqAt.IsZero() && now.Sub(s.lastReqAt) < microSeekWindow && math.Abs(pos-s.lastReq) < microSeekMin {
		metrics.Seeks.WithLabelValues(metrics.SeekDropped).Inc()
		return nil
	}
	s.lastReq, s.lastReqAt = pos, now
	s.holdPos, s.holdUntil = pos, now.Add(seekHold)
	s.target = pos

	if s.timer != nil {
		metrics.Seeks.WithLabelValues(metrics.SeekCoalesced).Inc()
		return nil
	}
	gen := s.gen
	s.timer = c.clock.AfterFunc(seekCoalesce, func() { c.flushSeek(gen) })
	return nil
}

// cancelSeekLocked drops a pending seek and the position hold
func (c *Controller) cancelSeekLocked() {
	if c.seek.timer != nil {
		c.seek.timer.Stop()
		c.seek.timer = nil
	}
	c.seek.gen++
	c.seek.holdUntil = time.Time{}
}

func (c *Controller) flushSeek(gen uint64) {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	s := &c.seek
	if gen != s.gen || c.closed {
		c.mu.Unlock()
		return
	}
	s.timer = nil
	target := s.target
	now := c.clock.Now()
	if !s.lastSentAt.IsZero() && now.Sub(s.lastSentAt) < dupSeekWindow && math.Abs(target-s.lastSent) < dupSeekDelta {
		c.mu.Unlock()
		metrics.Seeks.WithLabelValues(metrics.SeekDropped).Inc()
		return
	}
	s.lastSent, s.lastSentAt = target, now
	s.holdPos, s.holdUntil = target, now.Add(seekHold)
	c.posCache, c.posAt = target, now
	c.mu.Unlock()

	if err := c.pipe.Seek(target); err != nil {
		c.log.Warn().Err(err).Float64("pos", target).Msg("Seek failed")
		c.recordError(err)
		return
	}
	if c.shadow != nil {
		_ = c.shadow.Seek(target)
	}
	c.ring.Reset()
	metrics.Seeks.WithLabelValues(metrics.SeekDispatched).Inc()
	c.log.Debug().Float64("pos", target).Msg("Seek dispatched")
}
