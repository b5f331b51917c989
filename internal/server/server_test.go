// ABOUTME: Tests for the engine monitor HTTP endpoints and websocket feed
// ABOUTME: Uses httptest and a fake engine; no audio stack involved
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/devices"
	"github.com/hiresti/hiresti-audio/internal/events"
	"github.com/hiresti/hiresti-audio/internal/protocol"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/transport"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	seekTo  float64
	drivers []sink.Kind
	events  chan events.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan events.Event, 8)}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Snapshot(context.Context) transport.Snapshot {
	var snap transport.Snapshot
	snap.Transport.State = "playing"
	snap.Transport.OutputState = "active"
	snap.Transport.Driver = "ALSA"
	snap.Transport.Device = "hw:1,0"
	snap.Source.Codec = "FLAC"
	snap.Source.Rate = 96000
	snap.Source.Depth = 24
	snap.PipeWire.LatencyMs = -1
	return snap
}

func (f *fakeEngine) ListDevices(_ context.Context, driver sink.Kind) ([]devices.Device, error) {
	f.mu.Lock()
	f.drivers = append(f.drivers, driver)
	f.mu.Unlock()
	if driver == sink.PulseAudio {
		return nil, errors.New("connect pulse server: refused")
	}
	return []devices.Device{{Name: devices.DefaultOutput}, {Name: "Topping E30 (Card 1)", DeviceID: "hw:1,0"}}, nil
}

func (f *fakeEngine) Diagnostics(context.Context) string {
	return "Bit-Perfect Verdict: Yes"
}

func (f *fakeEngine) EventLog() []string {
	return []string{"09:00:00 | output ALSA/hw:1,0"}
}

func (f *fakeEngine) Subscribe() (<-chan events.Event, func()) {
	return f.events, func() {}
}

func (f *fakeEngine) Play(context.Context) error {
	f.record("play")
	return nil
}

func (f *fakeEngine) Pause(context.Context) error {
	f.record("pause")
	return nil
}

func (f *fakeEngine) Stop(context.Context) error {
	f.record("stop")
	return nil
}

func (f *fakeEngine) Recover(context.Context) error {
	f.record("recover")
	return nil
}

func (f *fakeEngine) Seek(pos float64) error {
	f.mu.Lock()
	f.seekTo = pos
	f.mu.Unlock()
	f.record("seek")
	return nil
}

func (f *fakeEngine) SetVolume(v float64) error {
	if v > 1 {
		return errors.New("volume out of range")
	}
	f.record("volume")
	return nil
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeEngine, *httptest.Server) {
	t.Helper()
	eng := newFakeEngine()
	mon := New(Config{Name: "Test Monitor", Log: zerolog.Nop(), Clock: clockwork.NewFakeClock()}, eng)
	srv := httptest.NewServer(mon.Handler())
	t.Cleanup(srv.Close)
	return mon, eng, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func TestSnapshotEndpoint(t *testing.T) {
	_, _, srv := newTestMonitor(t)

	resp, err := http.Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap transport.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "playing", snap.Transport.State)
	assert.Equal(t, 96000, snap.Source.Rate)
	assert.Equal(t, -1.0, snap.PipeWire.LatencyMs)
}

func TestDevicesEndpoint(t *testing.T) {
	_, eng, srv := newTestMonitor(t)

	resp, err := http.Get(srv.URL + "/devices?driver=ALSA")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"name":"Default Output","device_id":null},{"name":"Topping E30 (Card 1)","device_id":"hw:1,0"}]`, string(body))

	resp, err = http.Get(srv.URL + "/devices?driver=CoreAudio")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/devices?driver=PulseAudio")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/devices")
	require.NoError(t, err)
	resp.Body.Close()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, []sink.Kind{sink.ALSA, sink.PulseAudio, sink.Auto}, eng.drivers)
}

func TestDiagnosticsAndMetricsEndpoints(t *testing.T) {
	_, _, srv := newTestMonitor(t)

	resp, err := http.Get(srv.URL + "/diagnostics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "Bit-Perfect Verdict: Yes\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hiresti_monitor_clients")
}

func TestWebSocketHelloAndBroadcast(t *testing.T) {
	mon, _, srv := newTestMonitor(t)
	conn := dial(t, srv)

	hello := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeHello, hello.Type)
	var h protocol.Hello
	require.NoError(t, hello.Unmarshal(&h))
	assert.Equal(t, "Test Monitor", h.Name)
	assert.Equal(t, protocol.Version, h.Version)
	assert.NotEmpty(t, h.ServerID)

	status := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeStatus, status.Type)
	var st protocol.Status
	require.NoError(t, status.Unmarshal(&st))
	assert.Equal(t, "FLAC", st.Codec)
	assert.Equal(t, []string{"09:00:00 | output ALSA/hw:1,0"}, st.Events)

	require.Eventually(t, func() bool { return mon.Clients() == 1 }, time.Second, 5*time.Millisecond)

	mon.PublishEvent(events.Event{Kind: events.KindState, Message: "output-fallback driver=ALSA", At: time.UnixMilli(1000)})
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeEvent, env.Type)
	var ev protocol.Event
	require.NoError(t, env.Unmarshal(&ev))
	assert.Equal(t, protocol.Event{Kind: "state", Message: "output-fallback driver=ALSA", Time: 1000}, ev)

	mon.PublishSpectrum([]float32{-30, -40}, 12.5)
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.TypeSpectrum, env.Type)
	var frame protocol.Spectrum
	require.NoError(t, env.Unmarshal(&frame))
	assert.Equal(t, []float32{-30, -40}, frame.Magnitudes)
}

func TestWebSocketCommands(t *testing.T) {
	_, eng, srv := newTestMonitor(t)
	conn := dial(t, srv)
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, Payload: protocol.Command{Command: protocol.CommandSeek, Value: 33}}))
	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, Payload: protocol.Command{Command: protocol.CommandPause}}))
	require.Eventually(t, func() bool { return len(eng.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"seek", "pause"}, eng.Calls())
	eng.mu.Lock()
	assert.Equal(t, 33.0, eng.seekTo)
	eng.mu.Unlock()

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, Payload: protocol.Command{Command: "eject"}}))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	var e protocol.Error
	require.NoError(t, env.Unmarshal(&e))
	assert.Equal(t, "command_failed", e.Error)
	assert.Contains(t, e.Message, "eject")

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: "client/hello", Payload: map[string]string{}}))
	env = readEnvelope(t, conn)
	require.NoError(t, env.Unmarshal(&e))
	assert.Equal(t, "unknown_type", e.Error)
}

func TestStatusFromTrimsEvents(t *testing.T) {
	var log []string
	for i := range 12 {
		log = append(log, string(rune('a'+i)))
	}
	st := StatusFrom(transport.Snapshot{}, log)
	assert.Len(t, st.Events, statusEvents)
	assert.Equal(t, "e", st.Events[0])
	assert.Equal(t, "l", st.Events[len(st.Events)-1])
}

func TestRunServesAndForwardsBusEvents(t *testing.T) {
	eng := newFakeEngine()
	mon := New(Config{Addr: "127.0.0.1:0", Log: zerolog.Nop(), Clock: clockwork.NewFakeClock()}, eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	require.Eventually(t, func() bool { return mon.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	url := "ws://" + mon.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readEnvelope(t, conn)
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return mon.Clients() == 1 }, time.Second, 5*time.Millisecond)

	eng.events <- events.Event{Kind: events.KindEOS, Message: "eos", At: time.UnixMilli(5)}
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeEvent, env.Type)
	var ev protocol.Event
	require.NoError(t, env.Unmarshal(&ev))
	assert.Equal(t, "eos", ev.Kind)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
