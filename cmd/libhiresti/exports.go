// ABOUTME: C ABI of the audio core, built with -buildmode=c-shared
// ABOUTME: Engines live behind cgo handles; every call returns 0 or a negative code
package main

/*
#include <stdlib.h>
#include "hiresti.h"
*/
import "C"

import (
	"context"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/hiresti/hiresti-audio/internal/app"
	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/config"
	"github.com/hiresti/hiresti-audio/internal/logging"
	"github.com/hiresti/hiresti-audio/internal/settings"
)

var setupOnce sync.Once

func setupLogging(env *config.Config) {
	setupOnce.Do(func() {
		// the closer lives as long as the process
		if _, _, err := logging.Setup(env.LogOptions()); err != nil {
			log.Warn().Err(err).Msg("logging setup failed")
		}
	})
}

func lookup(h C.uintptr_t) (s *session) {
	if h == 0 {
		return nil
	}
	defer func() {
		if recover() != nil {
			s = nil
		}
	}()
	s, _ = cgo.Handle(h).Value().(*session)
	return s
}

func cString(s string, err error) *C.char {
	if err != nil {
		return nil
	}
	return C.CString(s)
}

//export hiresti_new
func hiresti_new() C.uintptr_t {
	env, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("hiresti_new: environment")
		return 0
	}
	setupLogging(env)
	cfg := app.EngineConfig(env, settings.Load(env.SettingsPath), logging.For("engine"))
	cfg.WatchDevices = false
	s, err := newSession(cfg)
	if err != nil {
		logging.For("abi").Error().Err(err).Msg("hiresti_new failed")
		return 0
	}
	return C.uintptr_t(cgo.NewHandle(s))
}

//export hiresti_free
func hiresti_free(h C.uintptr_t) {
	s := lookup(h)
	if s == nil {
		return
	}
	if err := s.close(context.Background()); err != nil {
		logging.For("abi").Warn().Err(err).Msg("engine close failed")
	}
	cgo.Handle(h).Delete()
}

//export hiresti_free_string
func hiresti_free_string(p *C.char) {
	C.free(unsafe.Pointer(p))
}

//export hiresti_set_uri
func hiresti_set_uri(h C.uintptr_t, uri *C.char) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	if uri == nil {
		return C.int(s.fail("set_uri", apperr.ErrInvalidURI))
	}
	return C.int(s.setURI(context.Background(), C.GoString(uri)))
}

//export hiresti_play
func hiresti_play(h C.uintptr_t) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.play(context.Background()))
}

//export hiresti_pause
func hiresti_pause(h C.uintptr_t) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.pause(context.Background()))
}

//export hiresti_stop
func hiresti_stop(h C.uintptr_t) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.stop(context.Background()))
}

//export hiresti_seek
func hiresti_seek(h C.uintptr_t, pos C.double) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.seek(float64(pos)))
}

//export hiresti_set_volume
func hiresti_set_volume(h C.uintptr_t, vol C.double) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.setVolume(float64(vol)))
}

//export hiresti_get_position
func hiresti_get_position(h C.uintptr_t, out *C.double) C.int {
	s := lookup(h)
	if s == nil || out == nil {
		return C.int(apperr.RCInvalidArg)
	}
	pos, _ := s.position()
	*out = C.double(pos)
	return 0
}

//export hiresti_get_duration
func hiresti_get_duration(h C.uintptr_t, out *C.double) C.int {
	s := lookup(h)
	if s == nil || out == nil {
		return C.int(apperr.RCInvalidArg)
	}
	_, dur := s.position()
	*out = C.double(dur)
	return 0
}

//export hiresti_get_latency
func hiresti_get_latency(h C.uintptr_t, out *C.double) C.int {
	s := lookup(h)
	if s == nil || out == nil {
		return C.int(apperr.RCInvalidArg)
	}
	*out = C.double(s.latency())
	return 0
}

//export hiresti_get_latency_probe_json
func hiresti_get_latency_probe_json(h C.uintptr_t) *C.char {
	s := lookup(h)
	if s == nil {
		return nil
	}
	return cString(s.latencyProbeJSON())
}

//export hiresti_get_runtime_snapshot
func hiresti_get_runtime_snapshot(h C.uintptr_t) *C.char {
	s := lookup(h)
	if s == nil {
		return nil
	}
	return cString(s.snapshotJSON(context.Background()))
}

//export hiresti_list_devices
func hiresti_list_devices(h C.uintptr_t, driver *C.char) *C.char {
	s := lookup(h)
	if s == nil || driver == nil {
		return nil
	}
	out, rc := s.devicesJSON(context.Background(), C.GoString(driver))
	if rc != apperr.RCOK {
		return nil
	}
	return C.CString(out)
}

//export hiresti_set_output_tuned
func hiresti_set_output_tuned(h C.uintptr_t, driver, device *C.char, bufferUs, latencyUs, exclusive C.int) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	if driver == nil {
		return C.int(s.fail("set_output_tuned", apperr.ErrInvalidArgument))
	}
	dev := ""
	if device != nil {
		dev = C.GoString(device)
	}
	return C.int(s.setOutputTuned(context.Background(), C.GoString(driver), dev, int(bufferUs), int(latencyUs), exclusive != 0))
}

//export hiresti_set_pipewire_clock_rate
func hiresti_set_pipewire_clock_rate(h C.uintptr_t, hz C.int) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.setClockRate(context.Background(), int(hz)))
}

//export hiresti_set_pipewire_allowed_rates
func hiresti_set_pipewire_allowed_rates(h C.uintptr_t, csv *C.char) C.int {
	s := lookup(h)
	if s == nil || csv == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.setAllowedRates(context.Background(), C.GoString(csv)))
}

//export hiresti_set_pipewire_pro_audio
func hiresti_set_pipewire_pro_audio(h C.uintptr_t, device *C.char) C.int {
	s := lookup(h)
	if s == nil || device == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.setProAudio(context.Background(), C.GoString(device)))
}

//export hiresti_set_event_callback
func hiresti_set_event_callback(h C.uintptr_t, cb C.hiresti_event_cb, userData unsafe.Pointer) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	if cb == nil {
		s.setHandler(nil)
		return 0
	}
	s.setHandler(func(kind int, msg string) {
		cmsg := C.CString(msg)
		defer C.free(unsafe.Pointer(cmsg))
		C.hiresti_call_event(cb, C.int(kind), cmsg, userData)
	})
	return 0
}

//export hiresti_pump_events
func hiresti_pump_events(h C.uintptr_t) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	return C.int(s.pump(context.Background()))
}

//export hiresti_get_spectrum_frame
func hiresti_get_spectrum_frame(h C.uintptr_t, vals *C.float, capacity C.int, outLen *C.int, outPos *C.double, outSeq *C.uint64_t) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	if vals == nil || outLen == nil || outPos == nil || outSeq == nil {
		return C.int(apperr.RCInvalidArg)
	}
	*outLen = 0
	frame, ok := s.latestFrame()
	if !ok {
		*outPos, *outSeq = 0, 0
		return 0
	}
	n := min(len(frame.Magnitudes), max(int(capacity), 0))
	if n > 0 {
		copy(unsafe.Slice((*float32)(unsafe.Pointer(vals)), n), frame.Magnitudes)
	}
	*outLen = C.int(n)
	*outPos = C.double(frame.Pos)
	*outSeq = C.uint64_t(frame.Seq)
	return 0
}

//export hiresti_get_spectrum_frames_since
func hiresti_get_spectrum_frames_since(h C.uintptr_t, since C.uint64_t, vals *C.float, maxFrames, maxBands C.int,
	outFrames *C.int, outLens *C.int, outPos *C.double, outSeq *C.uint64_t) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	if vals == nil || outFrames == nil || outLens == nil || outPos == nil || outSeq == nil {
		return C.int(apperr.RCInvalidArg)
	}
	*outFrames = 0
	frames, bands := int(maxFrames), int(maxBands)
	if frames <= 0 || bands <= 0 {
		return 0
	}

	got := s.framesSince(uint64(since), frames)
	buf := unsafe.Slice((*float32)(unsafe.Pointer(vals)), frames*bands)
	lens := unsafe.Slice((*C.int)(unsafe.Pointer(outLens)), frames)
	pos := unsafe.Slice((*C.double)(unsafe.Pointer(outPos)), frames)
	seq := unsafe.Slice((*C.uint64_t)(unsafe.Pointer(outSeq)), frames)
	for i, f := range got {
		n := copy(buf[i*bands:(i+1)*bands], f.Magnitudes)
		lens[i] = C.int(n)
		pos[i] = C.double(f.Pos)
		seq[i] = C.uint64_t(f.Seq)
	}
	*outFrames = C.int(len(got))
	return 0
}

//export hiresti_set_spectrum_enabled
func hiresti_set_spectrum_enabled(h C.uintptr_t, enabled C.int) C.int {
	s := lookup(h)
	if s == nil {
		return C.int(apperr.RCInvalidArg)
	}
	s.setSpectrumEnabled(enabled != 0)
	return 0
}

func main() {}
