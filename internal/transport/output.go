// ABOUTME: Output switching: request linearization, exclusive access, pro-audio and fallback
// ABOUTME: Non-exclusive bind failures downgrade to Auto; exclusive failures surface as errors
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/events"
	"github.com/hiresti/hiresti-audio/internal/metrics"
	"github.com/hiresti/hiresti-audio/internal/sink"
)

const outputDedupWindow = 800 * time.Millisecond

// SetOutput binds the selection. While a switch is in flight only the latest
// request is kept and applied when it finishes; an identical request within
// 800 ms of the previous one is dropped.
func (c *Controller) SetOutput(ctx context.Context, sel sink.Selection) error {
	sel = sel.Normalize()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.ErrClosed
	}
	now := c.clock.Now()
	if c.hasRequest && c.requested == sel && now.Sub(c.requestedAt) < outputDedupWindow {
		c.mu.Unlock()
		c.log.Debug().Str("driver", sel.Driver.String()).Msg("Dropping duplicate output request")
		return nil
	}
	c.requested, c.requestedAt, c.hasRequest = sel, now, true
	if c.switching {
		c.pending = &sel
		c.mu.Unlock()
		return nil
	}
	c.switching = true
	c.mu.Unlock()

	for {
		err := c.applyOutput(ctx, sel)
		c.mu.Lock()
		if c.pending == nil || c.closed {
			c.switching, c.pending = false, nil
			c.mu.Unlock()
			return err
		}
		sel = *c.pending
		c.pending = nil
		c.mu.Unlock()
	}
}

// Recover re-applies the last requested output, typically after a fallback
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	sel := c.sel
	if c.hasRequest {
		sel = c.requested
	}
	c.hasRequest = false
	c.mu.Unlock()
	c.history.Append(fmt.Sprintf("recover output %s/%s", sel.Driver, sel.DeviceLabel()))
	return c.SetOutput(ctx, sel)
}

func (c *Controller) applyOutput(ctx context.Context, sel sink.Selection) error {
	c.op.Lock()
	defer c.op.Unlock()
	c.setOutputState(OutputSwitching, "")

	c.mu.Lock()
	rate, state := c.track.Rate, c.state
	c.mu.Unlock()

	if c.excl != nil {
		if held := c.excl.Active(); held != "" && (!sel.Exclusive || sel.Device != held) {
			c.releaseExclusive(ctx)
		}
		if err := c.acquireExclusive(ctx, sel); err != nil {
			metrics.OutputSwitches.WithLabelValues(sel.Driver.String(), "failed").Inc()
			return c.outputFailed(sel, err)
		}
	}

	if c.rateFollow(sel) && sel.Device != "" && c.profiles != nil {
		node, err := c.rate.EnsureProAudio(ctx, c.profiles, sel.Device)
		if err != nil {
			c.log.Warn().Err(err).Str("device", sel.Device).Msg("Pro-audio profile switch failed")
			c.history.Append(err.Error())
		} else if node != sel.Device {
			c.log.Info().Str("from", sel.Device).Str("to", node).Msg("Resolved pro-audio node")
			sel.Device = node
		}
	}

	if err := c.pipe.SetOutput(ctx, sel); err != nil {
		metrics.OutputSwitches.WithLabelValues(sel.Driver.String(), "failed").Inc()
		if sel.Exclusive || sel.Driver == sink.Auto {
			if sel.Exclusive {
				c.releaseExclusive(ctx)
			}
			return c.outputFailed(sel, err)
		}
		return c.downgrade(ctx, sel, err)
	}
	metrics.OutputSwitches.WithLabelValues(sel.Driver.String(), "ok").Inc()

	c.mu.Lock()
	c.sel = sel
	c.mu.Unlock()
	c.setOutputState(OutputActive, "")
	_ = c.pipe.SetBitPerfect(sel.BitPerfect)
	c.tuneSync(sel)
	c.history.Append(fmt.Sprintf("output %s/%s", sel.Driver, sel.DeviceLabel()))
	c.log.Info().
		Str("driver", sel.Driver.String()).
		Str("device", sel.DeviceLabel()).
		Bool("exclusive", sel.Exclusive).
		Bool("bit_perfect", sel.BitPerfect).
		Msg("Output switched")

	if !c.rateFollow(sel) {
		c.releaseClock(ctx, "output-change")
		return nil
	}
	if rate > 0 && state != StateIdle {
		return c.alignRate(ctx, sel, rate)
	}
	return nil
}

// acquireExclusive takes the ALSA device when sel asks for exclusive access.
// Callers hold c.op.
func (c *Controller) acquireExclusive(ctx context.Context, sel sink.Selection) error {
	if c.excl == nil || !sel.Exclusive || sel.Driver != sink.ALSA {
		return nil
	}
	borrowed, err := c.excl.Acquire(ctx, sel.Device)
	if err != nil {
		return err
	}
	if borrowed != "" {
		c.history.Append("exclusive " + sel.Device + " " + borrowed)
	}
	return nil
}

// releaseExclusive ends exclusive access and restores the parked card profile.
// Callers hold c.op.
func (c *Controller) releaseExclusive(ctx context.Context) {
	if c.excl == nil {
		return
	}
	held := c.excl.Active()
	if held == "" {
		return
	}
	c.excl.Release(ctx)
	c.history.Append("exclusive released " + held)
}

// downgrade rebinds to Auto after a non-exclusive failure. Runs with c.op held.
func (c *Controller) downgrade(ctx context.Context, failed sink.Selection, cause error) error {
	c.log.Warn().Err(cause).Str("driver", failed.Driver.String()).Msg("Output bind failed, falling back to Auto")
	auto := sink.Selection{Driver: sink.Auto, BufferUs: failed.BufferUs, PeriodUs: failed.PeriodUs}.Normalize()
	if err := c.pipe.SetOutput(ctx, auto); err != nil {
		return c.outputFailed(failed, errors.Join(cause, err))
	}
	c.recordError(cause)
	c.mu.Lock()
	c.sel = auto
	c.mu.Unlock()
	c.setOutputState(OutputFallback, cause.Error())
	_ = c.pipe.SetBitPerfect(false)
	c.tuneSync(auto)
	c.releaseClock(ctx, "fallback")

	msg := fmt.Sprintf("output-fallback driver=%s device=%s reason=%s", failed.Driver, failed.DeviceLabel(), cause)
	c.bus.Post(events.KindState, msg)
	return cause
}

func (c *Controller) outputFailed(sel sink.Selection, err error) error {
	c.log.Error().Err(err).Str("driver", sel.Driver.String()).Str("device", sel.DeviceLabel()).Msg("Output switch failed")
	c.recordError(err)
	c.setOutputState(OutputError, err.Error())
	return err
}

// tuneSync feeds the sink buffer and the per-device offset to the estimator
func (c *Controller) tuneSync(sel sink.Selection) {
	c.est.SetBuffer(sel.BufferUs)
	if c.offsets != nil {
		c.est.SetOffset(float64(c.offsets(sel.Driver.String(), sel.Device)))
	}
}
