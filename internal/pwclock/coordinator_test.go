// ABOUTME: Tests for the clock coordinator against an in-memory settings object
// ABOUTME: Rate follow success, blocked rates, fallback path, release and enforcement backoff
package pwclock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/apperr"
)

// server is the shared settings object both write paths talk to
type server struct {
	mu       sync.Mutex
	state    Settings
	lockedAt int // another client keeps force-rate here when nonzero
}

func (s *server) force(hz int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedAt != 0 {
		hz = s.lockedAt
	}
	s.state.ForceRate = hz
}

func (s *server) snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.AllowedRates = append([]int(nil), s.state.AllowedRates...)
	return out
}

type fakeMeta struct {
	srv        *server
	// inert writes succeed without reaching the server
	inert      bool
	failForce  error
	mu         sync.Mutex
	forceCalls []int
}

func (f *fakeMeta) Read(context.Context) (Settings, error) {
	return f.srv.snapshot(), nil
}

func (f *fakeMeta) SetForceRate(_ context.Context, hz int) error {
	f.mu.Lock()
	f.forceCalls = append(f.forceCalls, hz)
	f.mu.Unlock()
	if f.failForce != nil {
		return f.failForce
	}
	if !f.inert {
		f.srv.force(hz)
	}
	return nil
}

func (f *fakeMeta) SetAllowedRates(_ context.Context, rates []int) error {
	if f.inert {
		return nil
	}
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.state.AllowedRates = append([]int(nil), rates...)
	f.srv.state.AllowedRaw = FormatAllowedRates(rates)
	return nil
}

func (f *fakeMeta) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.forceCalls...)
}

type instantTimer struct{}

func (instantTimer) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type rig struct {
	srv      *server
	primary  *fakeMeta
	fallback *fakeMeta
	clock    clockwork.FakeClock
	co       *Coordinator
}

func newRig() *rig {
	r := &rig{srv: &server{state: Settings{Rate: 48000, Quantum: 1024}}}
	r.primary = &fakeMeta{srv: r.srv}
	r.fallback = &fakeMeta{srv: r.srv}
	r.clock = clockwork.NewFakeClockAt(time.Date(2026, 4, 2, 20, 0, 0, 0, time.UTC))
	r.co = New(zerolog.Nop(), r.primary, r.fallback, WithClock(r.clock), WithTimer(instantTimer{}))
	return r
}

func TestPrepassPinsRate(t *testing.T) {
	r := newRig()
	require.NoError(t, r.co.Prepass(context.Background(), 96000))

	s := r.srv.snapshot()
	assert.Equal(t, 96000, s.ForceRate)
	assert.True(t, s.Allows(DefaultAllowedRates))
	assert.Equal(t, 96000, r.co.Target())
	assert.Equal(t, []int{0, 96000}, r.primary.calls())
	assert.Empty(t, r.fallback.calls())
}

func TestPrepassAddsOddRateToAllowedSet(t *testing.T) {
	r := newRig()
	require.NoError(t, r.co.Prepass(context.Background(), 352800))
	assert.Contains(t, r.srv.snapshot().AllowedRates, 352800)
}

func TestPrepassBlockedByOtherClient(t *testing.T) {
	r := newRig()
	r.srv.lockedAt = 48000

	err := r.co.Prepass(context.Background(), 96000)
	var blocked *apperr.RateBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 48000, blocked.Effective)
	assert.Equal(t, 96000, blocked.Requested)
	assert.ErrorIs(t, err, apperr.ErrRateBlocked)
	assert.Contains(t, err.Error(), "96000")
	assert.Contains(t, err.Error(), "48000")

	assert.Equal(t, []int{96000}, r.fallback.calls(), "fallback path tried before giving up")
	assert.Zero(t, r.co.Target())
}

func TestPrepassFallsBackWhenPrimaryDoesNotStick(t *testing.T) {
	r := newRig()
	r.primary.inert = true

	require.NoError(t, r.co.Prepass(context.Background(), 88200))
	assert.Equal(t, 88200, r.srv.snapshot().ForceRate)
	assert.True(t, r.srv.snapshot().Allows(DefaultAllowedRates))
	// three verify rounds: initial write plus two rewrites
	assert.Equal(t, []int{0, 88200, 88200, 88200}, r.primary.calls())
}

func TestPrepassWriteFailure(t *testing.T) {
	r := newRig()
	r.primary.failForce = errors.New("no pipewire")

	err := r.co.Prepass(context.Background(), 96000)
	require.ErrorIs(t, err, apperr.ErrRateBlocked)
	assert.Contains(t, err.Error(), "Unable to switch PipeWire sample-rate to 96000 Hz")
}

func TestPrepassRejectsBadRate(t *testing.T) {
	r := newRig()
	assert.Error(t, r.co.Prepass(context.Background(), 0))
}

func TestReleaseClearsForceRate(t *testing.T) {
	r := newRig()
	ctx := context.Background()
	require.NoError(t, r.co.Prepass(ctx, 96000))

	require.NoError(t, r.co.Release(ctx, "pause"))
	assert.Zero(t, r.srv.snapshot().ForceRate)
	assert.Zero(t, r.co.Target())
	assert.True(t, r.srv.snapshot().Allows(DefaultAllowedRates), "allowed-rates stay in place")
}

func TestReleaseUsesFallback(t *testing.T) {
	r := newRig()
	ctx := context.Background()
	require.NoError(t, r.co.Prepass(ctx, 96000))
	r.primary.inert = true

	require.NoError(t, r.co.Release(ctx, "stop"))
	assert.Zero(t, r.srv.snapshot().ForceRate)
	assert.Equal(t, []int{0}, r.fallback.calls())
}

func TestReleaseReportsStuckRate(t *testing.T) {
	r := newRig()
	r.srv.lockedAt = 44100
	r.srv.force(44100)
	assert.Error(t, r.co.Release(context.Background(), "eos"))
}

func TestEnforceRespectsInterval(t *testing.T) {
	r := newRig()
	ctx := context.Background()

	attempted, err := r.co.Enforce(ctx, "tick")
	require.NoError(t, err)
	assert.False(t, attempted, "nothing owned")

	require.NoError(t, r.co.Prepass(ctx, 96000))
	r.srv.force(48000)
	attempted, _ = r.co.Enforce(ctx, "tick")
	assert.False(t, attempted, "too soon after the prepass")

	r.clock.Advance(1100 * time.Millisecond)
	attempted, err = r.co.Enforce(ctx, "tick")
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.Equal(t, 96000, r.srv.snapshot().ForceRate)
}

func TestEnforceToleratesOneHertz(t *testing.T) {
	r := newRig()
	ctx := context.Background()
	require.NoError(t, r.co.Prepass(ctx, 96000))
	r.srv.state.ForceRate = 96001

	r.clock.Advance(2 * time.Second)
	attempted, err := r.co.Enforce(ctx, "tick")
	require.NoError(t, err)
	assert.False(t, attempted)
}

func TestEnforceBacksOff(t *testing.T) {
	r := newRig()
	ctx := context.Background()
	require.NoError(t, r.co.Prepass(ctx, 96000))
	r.srv.lockedAt = 48000
	r.srv.force(48000)

	r.clock.Advance(1100 * time.Millisecond)
	attempted, err := r.co.Enforce(ctx, "tick")
	assert.True(t, attempted)
	require.ErrorIs(t, err, apperr.ErrRateBlocked)
	assert.Equal(t, 2*time.Second, r.co.Backoff())

	r.clock.Advance(1500 * time.Millisecond)
	attempted, _ = r.co.Enforce(ctx, "tick")
	assert.False(t, attempted, "inside the backoff window")

	r.clock.Advance(600 * time.Millisecond)
	attempted, _ = r.co.Enforce(ctx, "tick")
	assert.True(t, attempted)
	assert.Equal(t, 3400*time.Millisecond, r.co.Backoff())

	for range 6 {
		r.clock.Advance(11 * time.Second)
		_, _ = r.co.Enforce(ctx, "tick")
	}
	assert.Equal(t, 10*time.Second, r.co.Backoff())

	r.srv.lockedAt = 0
	r.clock.Advance(11 * time.Second)
	attempted, err = r.co.Enforce(ctx, "tick")
	assert.True(t, attempted)
	require.NoError(t, err)
	assert.Zero(t, r.co.Backoff())
}

func TestDirectWrites(t *testing.T) {
	r := newRig()
	ctx := context.Background()
	require.NoError(t, r.co.SetAllowedRates(ctx, ParseCSVRates("48000, 44100,junk")))
	assert.Equal(t, "[ 44100 48000 ]", r.srv.snapshot().AllowedRaw)
	require.NoError(t, r.co.SetForceRate(ctx, 44100))
	assert.Equal(t, 44100, r.srv.snapshot().ForceRate)

	assert.Error(t, r.co.SetForceRate(ctx, -1))
	assert.Error(t, r.co.SetAllowedRates(ctx, nil))
}

func TestPrepassGivesUpAfterBudget(t *testing.T) {
	r := newRig()
	r.primary.inert = true
	r.fallback.inert = true
	r.co = New(zerolog.Nop(), r.primary, r.fallback, WithClock(r.clock), WithTimer(instantTimer{}), WithPrepassBudget(time.Nanosecond))

	err := r.co.Prepass(context.Background(), 96000)
	require.ErrorIs(t, err, apperr.ErrRateBlocked)
	assert.Contains(t, err.Error(), "did not confirm 96000 Hz within 1ns")
	assert.Zero(t, r.co.Target())
}

func TestPrepassUnconfirmedWithinBudgetContinues(t *testing.T) {
	r := newRig()
	r.primary.inert = true
	r.fallback.inert = true

	require.NoError(t, r.co.Prepass(context.Background(), 96000))
	assert.Equal(t, 96000, r.co.Target())
}
