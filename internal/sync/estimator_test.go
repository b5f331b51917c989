// ABOUTME: Tests for the visual delay estimator
// ABOUTME: Smoothing, offset floor, clamping, probe cadence and stall recovery
package sync

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeProbe struct {
	mu      sync.Mutex
	seconds float64
	source  string
	calls   int
}

func (p *fakeProbe) fn() (float64, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.seconds, p.source
}

func newTestEstimator(lat float64) (*Estimator, clockwork.FakeClock, *fakeProbe) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	probe := &fakeProbe{seconds: lat, source: "gst-query-max"}
	return NewEstimator(clock, probe.fn, zerolog.Nop()), clock, probe
}

func TestDelayFirstSampleSeedsSmoothing(t *testing.T) {
	e, _, _ := newTestEstimator(0.200)
	assert.InDelta(t, 200.0, e.Delay(10, -1), 1e-9)
	assert.Equal(t, QualityGood, e.Stats().Quality)
}

func TestLatencySmoothing(t *testing.T) {
	e, clock, probe := newTestEstimator(0.100)
	e.Delay(1, -1)

	probe.seconds = 0.300
	clock.Advance(ProbeInterval)
	// 0.8*100 + 0.2*300
	assert.InDelta(t, 140.0, e.Delay(1, -1), 1e-9)
}

func TestProbeCadence(t *testing.T) {
	e, clock, probe := newTestEstimator(0.05)
	e.Delay(1, -1)
	e.Delay(1, -1)
	clock.Advance(50 * time.Millisecond)
	e.Delay(1, -1)
	assert.Equal(t, 1, probe.calls)

	clock.Advance(80 * time.Millisecond)
	e.Delay(1, -1)
	assert.Equal(t, 2, probe.calls)
}

func TestRawLatencyClamped(t *testing.T) {
	e, _, _ := newTestEstimator(5.0)
	assert.InDelta(t, 1500.0, e.Delay(1, -1), 1e-9)

	neg, _, _ := newTestEstimator(-1)
	assert.Zero(t, neg.Delay(1, -1))
}

func TestOffsetFloorIsConfiguredBuffer(t *testing.T) {
	e, _, _ := newTestEstimator(0.010)
	e.SetOffset(30)
	e.SetBuffer(100_000)
	// 10 ms latency + max(30, 100)
	assert.InDelta(t, 110.0, e.Delay(1, -1), 1e-9)

	e2, _, _ := newTestEstimator(0.010)
	e2.SetOffset(250)
	e2.SetBuffer(100_000)
	assert.InDelta(t, 260.0, e2.Delay(1, -1), 1e-9)
}

func TestTrimsAndClamp(t *testing.T) {
	e, _, _ := newTestEstimator(0.100)
	e.SetTrims(20, 50)
	assert.InDelta(t, 70.0, e.Delay(1, -1), 1e-9)

	e2, _, _ := newTestEstimator(1.4)
	e2.SetOffset(500)
	e2.SetBuffer(300_000)
	assert.InDelta(t, 1900.0, e2.Delay(1, -1), 1e-9)
	e2.SetTrims(400, 0)
	assert.InDelta(t, 2000.0, e2.Delay(1, -1), 1e-9)
}

func TestDelayWithMessagePosition(t *testing.T) {
	e, _, _ := newTestEstimator(0.200)
	// frame 50 ms old: 200 - 50
	assert.InDelta(t, 150.0, e.Delay(10, 9.95), 1e-6)
	assert.InDelta(t, 50.0, e.Stats().MsgAgeMs, 1e-6)

	// 0.85*50 + 0.15*150
	e.Delay(10, 9.85)
	assert.InDelta(t, 65.0, e.Stats().MsgAgeMs, 1e-6)

	// no new frame keeps the smoothed age
	assert.InDelta(t, 135.0, e.Delay(10, -1), 1e-6)
	assert.InDelta(t, 65.0, e.Stats().MsgAgeMs, 1e-6)
}

func TestFrameAgeClampsOnlyTheTotal(t *testing.T) {
	e, _, _ := newTestEstimator(0.010)
	e.SetBuffer(100_000)
	// 10 - 50 + max(0, 100)
	assert.InDelta(t, 60.0, e.Delay(10, 9.95), 1e-6)
	assert.InDelta(t, 60.0, e.Delay(10, -1), 1e-6)

	e.SetBuffer(0)
	assert.Zero(t, e.Delay(10, -1))
}

func TestSamplePosUsesFrameAge(t *testing.T) {
	e, _, _ := newTestEstimator(0.300)
	pos, delay := e.SamplePos(10, 9.9)
	assert.InDelta(t, 200.0, delay, 1e-6)
	assert.InDelta(t, 10-0.2-Lookback, pos, 1e-6)
}

func TestSamplePos(t *testing.T) {
	e, _, _ := newTestEstimator(0.100)
	pos, delay := e.SamplePos(10, -1)
	assert.InDelta(t, 100.0, delay, 1e-9)
	assert.InDelta(t, 10-0.1-Lookback, pos, 1e-9)

	pos, _ = e.SamplePos(0.05, -1)
	assert.Zero(t, pos)
}

func TestResetBumpsEpochAndClearsCaches(t *testing.T) {
	e, _, probe := newTestEstimator(0.100)
	e.Delay(1, -1)
	assert.Equal(t, uint64(1), e.Reset())
	probe.seconds = 0.400
	// first sample after reset seeds directly, no smoothing with stale value
	assert.InDelta(t, 400.0, e.Delay(1, -1), 1e-9)
	assert.Equal(t, uint64(1), e.Epoch())
}

func TestShouldResync(t *testing.T) {
	e, clock, _ := newTestEstimator(0)
	e.MarkFrame()

	assert.False(t, e.ShouldResync(true, true))
	clock.Advance(800 * time.Millisecond)
	assert.False(t, e.ShouldResync(false, true), "paused never resyncs")
	assert.False(t, e.ShouldResync(true, false), "disabled never resyncs")

	clock.Advance(time.Second)
	assert.True(t, e.ShouldResync(true, true))
	assert.False(t, e.ShouldResync(true, true), "cooldown after a recovery")

	clock.Advance(1600 * time.Millisecond)
	assert.True(t, e.ShouldResync(true, true))
}

func TestQualityFromSource(t *testing.T) {
	e, _, probe := newTestEstimator(0.1)
	probe.source = "sink-buffer-time"
	e.Delay(1, -1)
	assert.Equal(t, QualityDegraded, e.Stats().Quality)
	assert.Equal(t, "degraded", e.Stats().Quality.String())
}

func TestConcurrentAccess(t *testing.T) {
	e, _, _ := newTestEstimator(0.1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.SamplePos(float64(j), float64(j)-0.05)
				e.MarkFrame()
				_ = e.Stats()
			}
		}()
	}
	wg.Wait()
}
