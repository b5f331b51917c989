// ABOUTME: Compile-time table of which properties each sink element accepts
// ABOUTME: Build consults it instead of probing element properties at runtime
package sink

import "sort"

// Property names used by the sink elements
const (
	PropDevice           = "device"
	PropBufferTime       = "buffer-time"
	PropLatencyTime      = "latency-time"
	PropProvideClock     = "provide-clock"
	PropSlaveMethod      = "slave-method"
	PropStreamProperties = "stream-properties"
	PropTargetObject     = "target-object"
	PropSync             = "sync"
)

var capabilities = map[Kind]map[string]bool{
	Auto: {},
	ALSA: {
		PropDevice:       true,
		PropBufferTime:   true,
		PropLatencyTime:  true,
		PropProvideClock: true,
		PropSlaveMethod:  true,
	},
	PulseAudio: {
		PropDevice:       true,
		PropBufferTime:   true,
		PropLatencyTime:  true,
		PropProvideClock: true,
		PropSlaveMethod:  true,
	},
	PipeWire: {
		PropTargetObject:     true,
		PropStreamProperties: true,
	},
	Fake: {
		PropSync: true,
	},
}

var elements = map[Kind]string{
	Auto:       "autoaudiosink",
	ALSA:       "alsasink",
	PulseAudio: "pulsesink",
	PipeWire:   "pipewiresink",
	Fake:       "fakesink",
}

// Supports reports whether the element for kind accepts the property
func Supports(kind Kind, prop string) bool {
	return capabilities[kind][prop]
}

// Capabilities lists the properties the element for kind accepts, sorted
func Capabilities(kind Kind) []string {
	props := make([]string, 0, len(capabilities[kind]))
	for name := range capabilities[kind] {
		props = append(props, name)
	}
	sort.Strings(props)
	return props
}

// Element returns the element factory name for kind
func Element(kind Kind) string {
	return elements[kind]
}
