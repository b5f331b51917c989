// ABOUTME: Tests for driver parsing, selection invariants and sink plan building
// ABOUTME: Covers the PipeWire quantum table and the launch fragments per driver
package sink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/apperr"
)

func TestParseDriver(t *testing.T) {
	cases := map[string]Kind{
		"":               Auto,
		"Auto (Default)": Auto,
		"auto":           Auto,
		"PipeWire":       PipeWire,
		"PulseAudio":     PulseAudio,
		"pulse":          PulseAudio,
		"ALSA":           ALSA,
		"fake":           Fake,
	}
	for in, want := range cases {
		got, err := ParseDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDriver("JACK")
	assert.True(t, errors.Is(err, apperr.ErrUnsupportedDriver))
}

func TestSelectionNormalize(t *testing.T) {
	sel := Selection{Driver: ALSA, Device: " hw:1,0 ", Exclusive: true, AllowRateFollow: true}.Normalize()
	assert.Equal(t, "hw:1,0", sel.Device)
	assert.True(t, sel.BitPerfect)
	assert.False(t, sel.AllowRateFollow)
	assert.Equal(t, DefaultBufferUs, sel.BufferUs)
	assert.Equal(t, DefaultPeriodUs, sel.PeriodUs)

	a := Selection{Driver: PipeWire}
	b := Selection{Driver: PipeWire, BufferUs: DefaultBufferUs}
	assert.True(t, a.Same(b))
	assert.False(t, a.Same(Selection{Driver: PipeWire, Device: "x"}))
	assert.Equal(t, "default", a.DeviceLabel())
}

func TestQuantum(t *testing.T) {
	cases := []struct {
		bufferUs int
		want     int
	}{
		{100_000, 4096}, // 4800 frames
		{20_000, 1024},  // 960
		{5_000, 512},    // 240 rounds to 256, clamped up
		{300_000, 8192}, // 14400
		{40_000, 2048},  // 1920
		{0, 4096},       // default buffer
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Quantum(c.bufferUs), "buffer %d", c.bufferUs)
	}
}

func TestBuildALSA(t *testing.T) {
	plan, err := Build(Selection{Driver: ALSA, Device: "hw:1,0", Exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, "alsasink", plan.Element)
	assert.True(t, plan.Exclusive)

	v, ok := plan.Prop(PropSlaveMethod)
	require.True(t, ok)
	assert.Equal(t, "skew", v)
	assert.Equal(t,
		`alsasink name=outsink device="hw:1,0" buffer-time=100000 latency-time=10000 provide-clock=true slave-method=skew`,
		plan.Fragment())
}

func TestBuildPipeWire(t *testing.T) {
	plan, err := Build(Selection{Driver: PipeWire, Device: "alsa_output.usb-X.pro-output-0", BufferUs: 20_000})
	require.NoError(t, err)
	assert.Equal(t, 1024, plan.Quantum)
	assert.Equal(t, "1024/48000", plan.LatencyLabel())
	assert.False(t, plan.Exclusive)

	target, ok := plan.Prop(PropTargetObject)
	require.True(t, ok)
	assert.Equal(t, "alsa_output.usb-X.pro-output-0", target)

	props, ok := plan.Prop(PropStreamProperties)
	require.True(t, ok)
	assert.Contains(t, props, "node.latency=(string)1024/48000")
	assert.Contains(t, props, "node.autoconnect=(string)true")
	assert.Contains(t, props, "media.role=(string)Music")
	assert.Contains(t, props, "resample.quality=(int)12")

	_, ok = plan.Prop(PropDevice)
	assert.False(t, ok, "pipewiresink has no device property")
}

func TestBuildAutoAndFake(t *testing.T) {
	plan, err := Build(Selection{Driver: Auto, Device: "ignored", BufferUs: 1})
	require.NoError(t, err)
	assert.Equal(t, "autoaudiosink name=outsink", plan.Fragment())

	plan, err = Build(Selection{Driver: Fake})
	require.NoError(t, err)
	assert.Equal(t, "fakesink name=outsink sync=true", plan.Fragment())

	_, err = Build(Selection{Driver: Kind(42)})
	assert.ErrorIs(t, err, apperr.ErrUnsupportedDriver)
}

func TestBindRC(t *testing.T) {
	assert.Equal(t, -11, BindRC(PipeWire))
	assert.Equal(t, -12, BindRC(PulseAudio))
	assert.Equal(t, -13, BindRC(ALSA))
	assert.Equal(t, -15, BindRC(Auto))
}

func TestCardIndex(t *testing.T) {
	for in, want := range map[string]int{"hw:1,0": 1, "hw:12": 12, "plughw:3,0": 3, "hw:CARD=2,0": 2} {
		got, ok := CardIndex(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := CardIndex("default")
	assert.False(t, ok)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, []string{PropStreamProperties, PropTargetObject}, Capabilities(PipeWire))
	assert.Equal(t, []string{PropBufferTime, PropDevice, PropLatencyTime, PropProvideClock, PropSlaveMethod}, Capabilities(ALSA))
	assert.Empty(t, Capabilities(Auto))
	assert.True(t, Supports(Fake, PropSync))
	assert.False(t, Supports(PipeWire, PropDevice))
}
