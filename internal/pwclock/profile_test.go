// ABOUTME: Tests for card profile switching, node resolution and the command-line metadata paths
// ABOUTME: pw-metadata and pw-dump invocations are scripted through syscmdtest
package pwclock

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/pactl"
	"github.com/hiresti/hiresti-audio/internal/syscmd"
	"github.com/hiresti/hiresti-audio/internal/syscmd/syscmdtest"
)

func TestCardFromNode(t *testing.T) {
	cases := map[string]string{
		"alsa_output.usb-Topping_E30-00.analog-stereo":     "alsa_card.usb-Topping_E30-00",
		"alsa_output.usb-Topping_E30-00.pro-output-0":      "alsa_card.usb-Topping_E30-00",
		"alsa_output.pci-0000_00_1f.3.iec958-stereo":       "alsa_card.pci-0000_00_1f.3",
		"alsa_output.pci-0000_00_1f.3.multichannel-output": "alsa_card.pci-0000_00_1f.3",
		"alsa_output.platform-snd_aloop":                   "alsa_card.platform-snd_aloop",
	}
	for node, want := range cases {
		got, ok := CardFromNode(node)
		assert.True(t, ok, node)
		assert.Equal(t, want, got, node)
	}
	_, ok := CardFromNode("bluez_output.00_11_22.a2dp-sink")
	assert.False(t, ok)
}

func TestResolveTarget(t *testing.T) {
	node := "alsa_output.usb-DAC-00.analog-stereo"
	assert.Equal(t, "alsa_output.usb-DAC-00.pro-output-0",
		ResolveTarget(node, []string{"alsa_output.pci-x.analog-stereo", node, "alsa_output.usb-DAC-00.pro-output-0"}))
	assert.Equal(t, node, ResolveTarget(node, []string{"alsa_output.usb-DAC-00.iec958-stereo", node}))
	assert.Equal(t, "alsa_output.usb-DAC-00.multichannel-output",
		ResolveTarget(node, []string{"alsa_output.usb-DAC-00.multichannel-output"}))
	assert.Equal(t, node, ResolveTarget(node, []string{"alsa_output.other.analog-stereo"}))
}

type fakeProfiles struct {
	active   map[string]string
	stuck    bool
	setErr   error
	sets     int
	sinks    []pactl.Sink
	sinksErr error
}

func (f *fakeProfiles) ActiveProfile(_ context.Context, card string) (string, error) {
	return f.active[card], nil
}

func (f *fakeProfiles) SetProfile(_ context.Context, card, profile string) error {
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	if !f.stuck {
		f.active[card] = profile
	}
	return nil
}

func (f *fakeProfiles) Sinks(context.Context) ([]pactl.Sink, error) {
	return f.sinks, f.sinksErr
}

func TestEnsureProAudioSwitchesAndResolves(t *testing.T) {
	r := newRig()
	node := "alsa_output.usb-DAC-00.analog-stereo"
	p := &fakeProfiles{
		active: map[string]string{"alsa_card.usb-DAC-00": "output:analog-stereo"},
		sinks:  []pactl.Sink{{Name: "alsa_output.usb-DAC-00.pro-output-0"}},
	}
	got, err := r.co.EnsureProAudio(context.Background(), p, node)
	require.NoError(t, err)
	assert.Equal(t, "alsa_output.usb-DAC-00.pro-output-0", got)
	assert.Equal(t, pactl.ProfileProAudio, p.active["alsa_card.usb-DAC-00"])
	assert.Equal(t, 1, p.sets)
}

func TestEnsureProAudioAlreadyActive(t *testing.T) {
	r := newRig()
	node := "alsa_output.usb-DAC-00.pro-output-0"
	p := &fakeProfiles{active: map[string]string{"alsa_card.usb-DAC-00": pactl.ProfileProAudio}, sinksErr: errors.New("no pactl")}
	got, err := r.co.EnsureProAudio(context.Background(), p, node)
	require.NoError(t, err)
	assert.Equal(t, node, got)
	assert.Zero(t, p.sets)
}

func TestEnsureProAudioGivesUp(t *testing.T) {
	r := newRig()
	p := &fakeProfiles{active: map[string]string{"alsa_card.usb-DAC-00": "off"}, stuck: true}
	_, err := r.co.EnsureProAudio(context.Background(), p, "alsa_output.usb-DAC-00.analog-stereo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to switch alsa_card.usb-DAC-00 to pro-audio")
	assert.Equal(t, profileAttempts, p.sets)
}

func TestEnsureProAudioIgnoresNonALSA(t *testing.T) {
	r := newRig()
	got, err := r.co.EnsureProAudio(context.Background(), &fakeProfiles{}, "bluez_output.x")
	require.NoError(t, err)
	assert.Equal(t, "bluez_output.x", got)
}

func TestAllowedRatesFormatting(t *testing.T) {
	assert.Equal(t, "[ 44100 48000 96000 ]", FormatAllowedRates([]int{96000, 44100, 48000, 44100}))
	assert.Equal(t, []int{44100, 48000}, ParseAllowedRates("[ 44100, 48000 ]"))
	assert.Empty(t, ParseAllowedRates(""))
	assert.Equal(t, []int{44100, 48000, 88200, 96000, 176400, 192000}, RequiredRates(48000))
}

func TestTypedWrites(t *testing.T) {
	run := syscmdtest.New().
		On("pw-metadata -n settings 0 clock.force-rate 96000 Spa:Int", "", nil).
		On("pw-metadata -n settings 0 clock.allowed-rates [ 44100 96000 ]", "", nil)
	m := Typed{Run: run}
	require.NoError(t, m.SetForceRate(context.Background(), 96000))
	require.NoError(t, m.SetAllowedRates(context.Background(), []int{96000, 44100}))
	assert.Len(t, run.Calls(), 2)
}

func TestTypedReadFromDump(t *testing.T) {
	run := syscmdtest.New().On("pw-dump", `[{"id": 31, "type": "PipeWire:Interface:Metadata",
	  "props": {"metadata.name": "settings"},
	  "metadata": [{"subject": 0, "key": "clock.force-rate", "value": 96000},
	               {"subject": 0, "key": "clock.quantum", "value": 2048},
	               {"subject": 0, "key": "clock.rate", "value": 96000},
	               {"subject": 0, "key": "clock.allowed-rates", "value": "[ 44100 96000 ]"}]}]`, nil)
	s, err := Typed{Run: run}.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Settings{ForceRate: 96000, Quantum: 2048, Rate: 96000, AllowedRaw: "[ 44100 96000 ]", AllowedRates: []int{44100, 96000}}, s)

	_, err = Typed{Run: syscmdtest.New().On("pw-dump", "[]", nil)}.Read(context.Background())
	assert.Error(t, err)
}

func TestCLIPath(t *testing.T) {
	listing := "Found \"settings\" metadata 31\n" +
		"update: id:0 key:'log.level' value:'2' type:''\n" +
		"update: id:0 key:'clock.rate' value:'48000' type:''\n" +
		"update: id:0 key:'clock.allowed-rates' value:'[ 44100 48000 ]' type:''\n" +
		"update: id:0 key:'clock.force-rate' value:'44100' type:''\n"
	run := syscmdtest.New().
		On("pw-metadata -n settings 0", listing, nil).
		On("pw-metadata -n settings 0 clock.force-rate 0", "", nil).
		On("pw-metadata -n settings 0 clock.allowed-rates [ 44100 48000 ]", "", nil)
	m := CLI{Run: run}

	s, err := m.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 44100, s.ForceRate)
	assert.Equal(t, 48000, s.Rate)
	assert.Equal(t, []int{44100, 48000}, s.AllowedRates)

	require.NoError(t, m.SetAllowedRates(context.Background(), []int{48000, 44100}))
	calls := run.Calls()
	assert.Equal(t, []string{
		"pw-metadata -n settings 0",
		"pw-metadata -n settings 0 clock.force-rate 0",
		"pw-metadata -n settings 0 clock.allowed-rates [ 44100 48000 ]",
	}, calls)
}

func TestParseFractionMs(t *testing.T) {
	ms, ok := ParseFractionMs("4096/48000")
	require.True(t, ok)
	assert.InDelta(t, 85.333, ms, 0.001)
	ms, ok = ParseFractionMs(" 20 ")
	require.True(t, ok)
	assert.Equal(t, 20.0, ms)
	_, ok = ParseFractionMs("1/0")
	assert.False(t, ok)
	_, ok = ParseFractionMs("")
	assert.False(t, ok)
}

const streamsDump = `[
 {"id": 70, "type": "PipeWire:Interface:Node", "info": {"props": {"media.class": "Stream/Output/Audio",
   "application.name": "Firefox", "application.process.id": 11, "node.latency": "1024/48000"}}},
 {"id": 71, "type": "PipeWire:Interface:Node", "info": {"props": {"media.class": "Stream/Output/Audio",
   "application.name": "hiresti", "application.process.id": 22, "node.latency": "2048/48000"}}},
 {"id": 72, "type": "PipeWire:Interface:Node", "info": {"props": {"media.class": "Stream/Output/Audio",
   "application.name": "mpv", "application.process.id": 33, "node.latency": "4800/48000"}}}
]`

func TestAppNodeLatency(t *testing.T) {
	run := syscmdtest.New().On("pw-dump", streamsDump, nil)
	ms, ok := AppNodeLatencyMs(context.Background(), run, 33)
	require.True(t, ok)
	assert.InDelta(t, 100, ms, 1e-9, "own pid wins")

	ms, ok = AppNodeLatencyMs(context.Background(), run, 99)
	require.True(t, ok)
	assert.InDelta(t, 42.667, ms, 0.001, "player application name next")

	_, ok = AppNodeLatencyMs(context.Background(), syscmdtest.New(), 1)
	assert.False(t, ok)
}

func TestSnapshotFallsBackToQuantum(t *testing.T) {
	r := newRig()
	r.srv.state = Settings{ForceRate: 96000, Quantum: 4800, Rate: 96000, AllowedRaw: "[ 96000 ]"}
	snap := r.co.Snapshot(context.Background(), syscmdtest.New())
	assert.Equal(t, 96000, snap.ForceRate)
	assert.InDelta(t, 50, snap.LatencyMs, 1e-9)
	assert.Equal(t, "[ 96000 ]", snap.AllowedRaw)

	r.srv.state = Settings{}
	assert.Equal(t, -1.0, r.co.Snapshot(context.Background(), syscmdtest.New()).LatencyMs)
}

func TestCoordinatorReadFallsBackToListing(t *testing.T) {
	run := syscmdtest.New().On("pw-metadata -n settings 0", "update: id:0 key:'clock.force-rate' value:'48000' type:''", nil)
	co := New(zerolog.Nop(), Typed{Run: run}, CLI{Run: run}, WithTimer(instantTimer{}))
	s, err := co.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 48000, s.ForceRate)
	assert.Contains(t, run.Calls(), syscmd.Line("pw-dump"))
}
