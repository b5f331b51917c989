// ABOUTME: Error taxonomy for the audio core
// ABOUTME: Sentinels, typed errors and substring classification of framework error text
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidURI        = errors.New("invalid uri")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrDeviceBusy        = errors.New("device busy")
	ErrDeviceGone        = errors.New("device gone")
	ErrCodec             = errors.New("decoder/codec error")
	ErrNetwork           = errors.New("network stream error")
	ErrRateBlocked       = errors.New("pipewire rate blocked")
	ErrOutputSwitch      = errors.New("output switch failed")
	ErrTransport         = errors.New("transport failed")
	ErrUnsupportedDriver = errors.New("unsupported driver")
	ErrUnavailable       = errors.New("backend unavailable")
	ErrClosed            = errors.New("controller closed")
)

// Category is the routing bucket for a framework error message
type Category string

const (
	CategoryDevice  Category = "device"
	CategoryBusy    Category = "busy"
	CategoryNetwork Category = "network"
	CategoryCodec   Category = "codec"
	CategoryUnknown Category = "unknown"
)

var (
	busyKeys    = []string{"busy", "in use", "resource busy"}
	deviceKeys  = []string{"disconnected", "no such device", "device has been disconnected", "alsa", "pulseaudio", "pipewire", "outputting to audio device"}
	networkKeys = []string{"timeout", "timed out", "network", "connection", "dns", "tls", "ssl"}
	codecKeys   = []string{"decode", "decoder", "codec", "not-negotiated", "caps", "demux", "parser"}
)

// Classify buckets error text by keyword. Busy wins over device because
// "Device or resource busy" mentions both.
func Classify(text string) Category {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, busyKeys):
		return CategoryBusy
	case containsAny(t, deviceKeys):
		return CategoryDevice
	case containsAny(t, networkKeys):
		return CategoryNetwork
	case containsAny(t, codecKeys):
		return CategoryCodec
	}
	return CategoryUnknown
}

// UserMessage returns the text shown to the user for a category
func UserMessage(c Category) string {
	switch c {
	case CategoryBusy:
		return "Hardware busy - switched to fallback"
	case CategoryDevice:
		return "USB audio device disconnected; switching output"
	case CategoryNetwork:
		return "Network stream error"
	case CategoryCodec:
		return "Decoder/codec error"
	}
	return "Playback failed. Please retry."
}

// Sentinel maps a category to its sentinel error
func Sentinel(c Category) error {
	switch c {
	case CategoryBusy:
		return ErrDeviceBusy
	case CategoryDevice:
		return ErrDeviceGone
	case CategoryNetwork:
		return ErrNetwork
	case CategoryCodec:
		return ErrCodec
	}
	return ErrTransport
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// RateBlockedError reports that PipeWire kept a different forced rate
type RateBlockedError struct {
	Effective int
	Requested int
}

func (e *RateBlockedError) Error() string {
	return fmt.Sprintf("PipeWire sample-rate is locked at %d Hz, requested %d Hz. Stop other audio apps and retry.", e.Effective, e.Requested)
}

func (e *RateBlockedError) Unwrap() error { return ErrRateBlocked }

// TransportError is a failed transport operation with its return code
type TransportError struct {
	Op string
	RC int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rust %s rc=%d", e.Op, e.RC)
}

func (e *TransportError) Unwrap() error { return ErrTransport }

// RC conventions shared with the C ABI
const (
	RCOK          = 0
	RCInvalidArg  = -1
	RCUnavailable = -2
	RCBusy        = -4
	RCFailed      = -5
	RCBlocked     = -6
)

// OutputSwitchError is a sink bind failure
type OutputSwitchError struct {
	Driver string
	Device string
	RC     int
	Err    error
}

func (e *OutputSwitchError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	msg := fmt.Sprintf("Output switch failed (rc=%d) for %s/%s", e.RC, e.Driver, dev)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OutputSwitchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOutputSwitch}
	}
	return []error{ErrOutputSwitch, e.Err}
}

// BusyError names the processes holding a device open
type BusyError struct {
	Device  string
	Holders []string
}

func (e *BusyError) Error() string {
	if len(e.Holders) == 0 {
		return fmt.Sprintf("device %s is busy", e.Device)
	}
	return fmt.Sprintf("device %s is busy (held by %s)", e.Device, strings.Join(e.Holders, ", "))
}

func (e *BusyError) Unwrap() error { return ErrDeviceBusy }

// RC maps an error to the negative return code used by adapter layers
func RC(err error) int {
	switch {
	case err == nil:
		return RCOK
	case errors.Is(err, ErrInvalidURI), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnsupportedDriver):
		return RCInvalidArg
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrClosed):
		return RCUnavailable
	case errors.Is(err, ErrDeviceBusy):
		return RCBusy
	case errors.Is(err, ErrRateBlocked):
		return RCBlocked
	}
	var te *TransportError
	if errors.As(err, &te) && te.RC < 0 {
		return te.RC
	}
	return RCFailed
}
