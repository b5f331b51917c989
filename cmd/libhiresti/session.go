// ABOUTME: Engine session behind one C handle: queued events and JSON results
// ABOUTME: Callbacks are queued and delivered on the thread that calls pump_events
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/spectrum"
	"github.com/hiresti/hiresti-audio/pkg/hiresti"
)

// Event kinds passed to the host callback
const (
	evtState = 1
	evtError = 2
	evtEOS   = 3
	evtTag   = 4
)

// maxQueued bounds events held between pumps; the oldest are dropped
const maxQueued = 256

type event struct {
	kind int
	msg  string
}

type session struct {
	engine *hiresti.Engine

	mu      sync.Mutex
	queue   []event
	deliver func(kind int, msg string)
}

func newSession(cfg hiresti.Config) (*session, error) {
	engine, err := hiresti.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{engine: engine}
	engine.OnState(func(msg string) { s.post(evtState, msg) })
	engine.OnError(func(msg string) { s.post(evtError, msg) })
	engine.OnEOS(func() { s.post(evtEOS, "eos") })
	engine.OnTag(func(info audio.StreamInfo) {
		if text := tagText(info); text != "" {
			s.post(evtTag, text)
		}
	})
	return s, nil
}

// tagText renders stream info as codec=..;bitrate=..;rate=..;depth=..
func tagText(info audio.StreamInfo) string {
	var parts []string
	if info.Codec != "" {
		parts = append(parts, "codec="+info.Codec)
	}
	if info.Bitrate > 0 {
		parts = append(parts, fmt.Sprintf("bitrate=%d", info.Bitrate))
	}
	if info.Source.Rate > 0 {
		parts = append(parts, fmt.Sprintf("rate=%d", info.Source.Rate))
	}
	if info.Source.Depth > 0 {
		parts = append(parts, fmt.Sprintf("depth=%d", info.Source.Depth))
	}
	return strings.Join(parts, ";")
}

func (s *session) post(kind int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= maxQueued {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, event{kind: kind, msg: msg})
}

// setHandler replaces the event handler; nil drops events at the next pump
func (s *session) setHandler(fn func(kind int, msg string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = fn
}

// pump drains the engine and hands queued events to the handler. It
// returns the number delivered.
func (s *session) pump(ctx context.Context) int {
	s.engine.Pump(ctx)

	s.mu.Lock()
	queue, fn := s.queue, s.deliver
	s.queue = nil
	s.mu.Unlock()

	if fn == nil {
		return 0
	}
	for _, ev := range queue {
		fn(ev.kind, ev.msg)
	}
	return len(queue)
}

// fail queues the error for the host and returns its code
func (s *session) fail(op string, err error) int {
	if err == nil {
		return apperr.RCOK
	}
	s.post(evtError, op+": "+err.Error())
	return apperr.RC(err)
}

func (s *session) setURI(ctx context.Context, uri string) int {
	return s.fail("set_uri", s.engine.Load(ctx, uri))
}

func (s *session) play(ctx context.Context) int {
	return s.fail("play", s.engine.Play(ctx))
}

func (s *session) pause(ctx context.Context) int {
	return s.fail("pause", s.engine.Pause(ctx))
}

func (s *session) stop(ctx context.Context) int {
	return s.fail("stop", s.engine.Stop(ctx))
}

func (s *session) seek(pos float64) int {
	return s.fail("seek", s.engine.Seek(pos))
}

func (s *session) setVolume(v float64) int {
	return s.fail("set_volume", s.engine.SetVolume(v))
}

func (s *session) position() (float64, float64) {
	return s.engine.Controller().Position()
}

func (s *session) latency() float64 {
	return s.engine.Controller().Latency()
}

func (s *session) latencyProbeJSON() (string, error) {
	return marshal(s.engine.Controller().LatencyProbe())
}

func (s *session) snapshotJSON(ctx context.Context) (string, error) {
	return marshal(s.engine.Snapshot(ctx))
}

func (s *session) devicesJSON(ctx context.Context, driver string) (string, int) {
	kind, err := sink.ParseDriver(driver)
	if err != nil {
		return "", s.fail("list_devices", err)
	}
	devs, err := s.engine.ListDevices(ctx, kind)
	if err != nil {
		return "", s.fail("list_devices", err)
	}
	out, err := marshal(devs)
	if err != nil {
		return "", s.fail("list_devices", err)
	}
	return out, apperr.RCOK
}

// setOutputTuned binds an output with explicit buffer and period. The
// current bit-perfect choice is kept.
func (s *session) setOutputTuned(ctx context.Context, driver, device string, bufferUs, periodUs int, exclusive bool) int {
	kind, err := sink.ParseDriver(driver)
	if err != nil {
		return s.fail("set_output_tuned", err)
	}
	sel := sink.Selection{
		Driver:     kind,
		Device:     device,
		BufferUs:   bufferUs,
		PeriodUs:   periodUs,
		Exclusive:  exclusive,
		BitPerfect: s.engine.Controller().Output().BitPerfect,
	}.Normalize()
	return s.fail("set_output_tuned", s.engine.SetOutput(ctx, sel))
}

func (s *session) setClockRate(ctx context.Context, hz int) int {
	if rc := s.fail("set_pipewire_clock_rate", s.engine.Controller().SetPipeWireClockRate(ctx, hz)); rc != apperr.RCOK {
		return rc
	}
	s.post(evtState, fmt.Sprintf("pipewire clock.force-rate=%d", hz))
	return apperr.RCOK
}

func (s *session) setAllowedRates(ctx context.Context, csv string) int {
	return s.fail("set_pipewire_allowed_rates", s.engine.Controller().SetPipeWireAllowedRates(ctx, csv))
}

func (s *session) setProAudio(ctx context.Context, device string) int {
	node, err := s.engine.Controller().SetPipeWirePro(ctx, device)
	if err != nil {
		return s.fail("set_pipewire_pro_audio", err)
	}
	s.post(evtState, "pro-audio node="+node)
	return apperr.RCOK
}

func (s *session) latestFrame() (spectrum.Frame, bool) {
	return s.engine.Ring().Latest()
}

func (s *session) framesSince(since uint64, max int) []spectrum.Frame {
	return s.engine.Ring().DrainSince(since, max)
}

// setSpectrumEnabled toggles analysis; disabling empties the frame ring
func (s *session) setSpectrumEnabled(on bool) {
	s.engine.Controller().SetSpectrumEnabled(on)
	if !on {
		s.engine.Ring().Reset()
	}
}

func (s *session) close(ctx context.Context) error {
	s.setHandler(nil)
	return s.engine.Close(ctx)
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
