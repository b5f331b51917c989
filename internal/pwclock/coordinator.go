// ABOUTME: Clock coordinator: pins the PipeWire graph rate to the source rate and releases it
// ABOUTME: Bounded verify loops, a command-line fallback path and backoff for periodic enforcement
package pwclock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/metrics"
)

const (
	pollInterval     = 50 * time.Millisecond
	prepassBudget    = 1500 * time.Millisecond
	allowedWait      = 550 * time.Millisecond
	fallbackWait     = 450 * time.Millisecond
	rewriteSleep     = 60 * time.Millisecond
	enforceMinPeriod = time.Second
	backoffStart     = 2 * time.Second
	backoffMax       = 10 * time.Second
	backoffFactor    = 1.7
)

// forceVerifyWaits are the per-attempt verification budgets after writing force-rate
var forceVerifyWaits = []time.Duration{650 * time.Millisecond, 450 * time.Millisecond, 450 * time.Millisecond}

var errNotYet = errors.New("metadata not updated yet")

// Coordinator owns clock.force-rate while rate-follow is active
type Coordinator struct {
	log      zerolog.Logger
	primary  Metadata
	fallback Metadata
	clock    clockwork.Clock
	timer    retry.Timer
	budget   time.Duration

	mu          sync.Mutex
	target      int
	lastEnforce time.Time
	backoff     time.Duration
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock used for enforcement intervals. The clock also
// drives the verify waits unless WithTimer overrides them.
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithTimer sets the timer used between verification polls
func WithTimer(t retry.Timer) Option {
	return func(co *Coordinator) { co.timer = t }
}

// WithPrepassBudget bounds a whole Prepass, 1.5 s by default
func WithPrepassBudget(d time.Duration) Option {
	return func(co *Coordinator) { co.budget = d }
}

// New creates a coordinator writing through primary and falling back to fallback
func New(log zerolog.Logger, primary, fallback Metadata, opts ...Option) *Coordinator {
	c := &Coordinator{log: log, primary: primary, fallback: fallback, budget: prepassBudget}
	for _, o := range opts {
		o(c)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.timer == nil {
		c.timer = c.clock
	}
	return c
}

// Target returns the rate currently owned, 0 when released
func (c *Coordinator) Target() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Read returns the settings through the primary path, falling back to the listing
func (c *Coordinator) Read(ctx context.Context) (Settings, error) {
	s, err := c.primary.Read(ctx)
	if err == nil {
		return s, nil
	}
	c.log.Debug().Err(err).Msg("primary metadata read failed, using pw-metadata listing")
	return c.fallback.Read(ctx)
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.timer.After(d):
	}
}

// waitFor polls the metadata until ok holds or the budget runs out. The
// last successful read is returned either way.
func (c *Coordinator) waitFor(ctx context.Context, budget time.Duration, ok func(Settings) bool) (Settings, bool) {
	var last Settings
	err := retry.Do(
		func() error {
			s, err := c.Read(ctx)
			if err != nil {
				return err
			}
			last = s
			if !ok(s) {
				return errNotYet
			}
			return nil
		},
		retry.Attempts(uint(budget/pollInterval)+1),
		retry.Delay(pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.WithTimer(c.timer),
	)
	return last, err == nil
}

// RequiredRates is the allowed set written for a source rate
func RequiredRates(rate int) []int {
	rates := slices.Clone(DefaultAllowedRates)
	if rate > 0 && !slices.Contains(rates, rate) {
		rates = append(rates, rate)
	}
	slices.Sort(rates)
	return rates
}

// Prepass pins the graph to rate before playback starts. It clears the
// forced rate, widens the allowed set, forces rate and verifies, switching
// to the command-line path when the primary path does not take effect. A
// conflicting rate held by another client yields *apperr.RateBlockedError;
// running out of the prepass budget unverified yields apperr.ErrRateBlocked.
func (c *Coordinator) Prepass(ctx context.Context, rate int) error {
	if rate <= 0 {
		return fmt.Errorf("prepass: invalid rate %d", rate)
	}
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()
	log := c.log.With().Int("rate", rate).Logger()
	required := RequiredRates(rate)

	if err := c.primary.SetForceRate(ctx, 0); err != nil {
		log.Debug().Err(err).Msg("clear force-rate failed")
	}
	if err := c.primary.SetAllowedRates(ctx, required); err != nil {
		log.Warn().Err(err).Msg("allowed-rates write failed, using pw-metadata")
		if err := c.fallback.SetAllowedRates(ctx, required); err != nil {
			log.Warn().Err(err).Msg("pw-metadata allowed-rates write failed")
		}
	}
	allows := func(s Settings) bool { return s.Allows(required) }
	if _, ok := c.waitFor(ctx, allowedWait, allows); !ok {
		log.Warn().Msg("allowed-rates not reflected, retrying through pw-metadata")
		if err := c.fallback.SetAllowedRates(ctx, required); err != nil {
			log.Warn().Err(err).Msg("pw-metadata allowed-rates write failed")
		}
		if _, ok := c.waitFor(ctx, allowedWait, allows); !ok {
			log.Warn().Str("allowed", FormatAllowedRates(required)).Msg("allowed-rates still not reflected")
		}
	}

	metrics.ForceRateWrites.Inc()
	if err := c.primary.SetForceRate(ctx, rate); err != nil {
		log.Error().Err(err).Msg("force-rate write failed")
		return fmt.Errorf("%w: Unable to switch PipeWire sample-rate to %d Hz. Stop other audio apps and retry.", apperr.ErrRateBlocked, rate)
	}

	forced := func(s Settings) bool { return s.ForceRate == rate }
	var got Settings
	verified := false
	for i, budget := range forceVerifyWaits {
		if got, verified = c.waitFor(ctx, budget, forced); verified {
			break
		}
		log.Debug().Int("attempt", i+1).Int("effective", got.ForceRate).Msg("force-rate not yet effective")
		if i < len(forceVerifyWaits)-1 {
			c.sleep(ctx, rewriteSleep)
			_ = c.primary.SetForceRate(ctx, rate)
		}
	}

	if !verified {
		metrics.ForceRateVerifyFailures.Inc()
		log.Warn().Int("effective", got.ForceRate).Msg("force-rate mismatch, retrying through pw-metadata")
		if err := c.fallback.SetForceRate(ctx, rate); err != nil {
			log.Warn().Err(err).Msg("pw-metadata force-rate write failed")
		}
		got, verified = c.waitFor(ctx, fallbackWait, forced)
		if !verified && ctx.Err() != nil {
			log.Error().Dur("budget", c.budget).Msg("PipeWire rate not confirmed in time")
			return fmt.Errorf("%w: PipeWire did not confirm %d Hz within %s. Stop other audio apps and retry.", apperr.ErrRateBlocked, rate, c.budget)
		}
		if !verified && got.ForceRate != 0 {
			log.Error().Int("effective", got.ForceRate).Msg("PipeWire rate blocked")
			return &apperr.RateBlockedError{Effective: got.ForceRate, Requested: rate}
		}
		if !verified {
			log.Warn().Msg("force-rate unconfirmed, continuing")
		}
	}

	c.mu.Lock()
	c.target = rate
	c.backoff = 0
	c.lastEnforce = c.clock.Now()
	c.mu.Unlock()
	metrics.ForceRate.Set(float64(rate))
	log.Info().Bool("verified", verified).Msg("PipeWire clock pinned")
	return nil
}

// Release writes force-rate 0 and verifies, using the command-line path when
// the primary write does not stick. allowed-rates is left as is.
func (c *Coordinator) Release(ctx context.Context, reason string) error {
	c.mu.Lock()
	c.target = 0
	c.backoff = 0
	c.mu.Unlock()
	metrics.ForceRate.Set(0)

	log := c.log.With().Str("reason", reason).Logger()
	if err := c.primary.SetForceRate(ctx, 0); err != nil {
		log.Debug().Err(err).Msg("force-rate release write failed")
	}
	released := func(s Settings) bool { return s.ForceRate == 0 }
	if _, ok := c.waitFor(ctx, fallbackWait, released); ok {
		log.Debug().Msg("PipeWire clock released")
		return nil
	}
	if err := c.fallback.SetForceRate(ctx, 0); err != nil {
		log.Warn().Err(err).Msg("pw-metadata force-rate release failed")
	}
	if s, ok := c.waitFor(ctx, fallbackWait, released); !ok {
		log.Warn().Int("effective", s.ForceRate).Msg("force-rate release not confirmed")
		return fmt.Errorf("force-rate still %d after release", s.ForceRate)
	}
	return nil
}

// Enforce re-applies the owned rate when the graph drifted away from it.
// Calls closer together than max(1s, backoff) are ignored. It reports
// whether a rewrite was attempted.
func (c *Coordinator) Enforce(ctx context.Context, reason string) (bool, error) {
	c.mu.Lock()
	target := c.target
	now := c.clock.Now()
	if target == 0 || now.Sub(c.lastEnforce) < max(enforceMinPeriod, c.backoff) {
		c.mu.Unlock()
		return false, nil
	}
	c.lastEnforce = now
	c.mu.Unlock()

	s, err := c.Read(ctx)
	if err != nil {
		return false, err
	}
	if abs(s.ForceRate-target) <= 1 {
		c.mu.Lock()
		c.backoff = 0
		c.mu.Unlock()
		return false, nil
	}

	c.log.Warn().Int("effective", s.ForceRate).Int("target", target).Str("reason", reason).Msg("PipeWire rate drifted, re-applying")
	metrics.ForceRateWrites.Inc()
	if err := c.primary.SetForceRate(ctx, target); err != nil {
		_ = c.fallback.SetForceRate(ctx, target)
	}
	got, ok := c.waitFor(ctx, fallbackWait, func(s Settings) bool { return s.ForceRate == target })

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.backoff = 0
		return true, nil
	}
	metrics.ForceRateVerifyFailures.Inc()
	if c.backoff == 0 {
		c.backoff = backoffStart
	} else {
		c.backoff = min(time.Duration(float64(c.backoff)*backoffFactor), backoffMax)
	}
	return true, &apperr.RateBlockedError{Effective: got.ForceRate, Requested: target}
}

// Backoff returns the current enforcement backoff
func (c *Coordinator) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// SetForceRate writes a rate directly, outside any track lifecycle
func (c *Coordinator) SetForceRate(ctx context.Context, hz int) error {
	if hz < 0 {
		return fmt.Errorf("invalid rate %d", hz)
	}
	metrics.ForceRateWrites.Inc()
	if err := c.primary.SetForceRate(ctx, hz); err != nil {
		return c.fallback.SetForceRate(ctx, hz)
	}
	return nil
}

// SetAllowedRates writes the allowed set directly
func (c *Coordinator) SetAllowedRates(ctx context.Context, rates []int) error {
	if len(rates) == 0 {
		return errors.New("no allowed rates")
	}
	if err := c.primary.SetAllowedRates(ctx, rates); err != nil {
		return c.fallback.SetAllowedRates(ctx, rates)
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
