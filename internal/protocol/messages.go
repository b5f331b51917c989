// ABOUTME: Monitor wire message definitions
// ABOUTME: JSON envelopes of {type, payload} exchanged over the monitor websocket
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is bumped when a payload changes incompatibly
const Version = 1

// Message types
const (
	TypeHello    = "server/hello"
	TypeEvent    = "event"
	TypeStatus   = "status"
	TypeSpectrum = "spectrum"
	TypeCommand  = "command"
	TypeError    = "server/error"
)

// Commands a watcher may send
const (
	CommandPlay    = "play"
	CommandPause   = "pause"
	CommandStop    = "stop"
	CommandSeek    = "seek"
	CommandVolume  = "volume"
	CommandRecover = "recover"
)

// Message is the top-level wrapper for all monitor messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Envelope is a received message whose payload is decoded later
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hello identifies the engine to a new watcher
type Hello struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Software string `json:"software_version"`
}

// Event is one transport event
type Event struct {
	Kind    string `json:"kind"` // state, error, eos, tag
	Message string `json:"message"`
	Time    int64  `json:"time_ms"`
}

// Status is the periodic transport summary
type Status struct {
	State         string   `json:"state"`
	OutputState   string   `json:"output_state"`
	OutputError   string   `json:"output_error,omitempty"`
	Driver        string   `json:"driver"`
	Device        string   `json:"device"`
	Exclusive     bool     `json:"exclusive"`
	BitPerfect    bool     `json:"bit_perfect"`
	Position      float64  `json:"position"`
	Duration      float64  `json:"duration"`
	Codec         string   `json:"codec"`
	Bitrate       int      `json:"bitrate"`
	SourceRate    int      `json:"source_rate"`
	SourceDepth   int      `json:"source_depth"`
	SessionRate   int      `json:"session_rate"`
	SessionDepth  int      `json:"session_depth"`
	HardwareRate  int      `json:"hardware_rate"`
	HardwareDepth int      `json:"hardware_depth"`
	ForceRate     int      `json:"force_rate"`
	VisualDelayMs float64  `json:"visual_delay_ms"`
	Events        []string `json:"events,omitempty"`
}

// Spectrum carries one aligned magnitude frame
type Spectrum struct {
	Position   float64   `json:"position"`
	Magnitudes []float32 `json:"magnitudes"`
}

// Command is a control request from a watcher
type Command struct {
	Command string  `json:"command"`
	Value   float64 `json:"value,omitempty"`
}

// Error reports a rejected request
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Encode marshals a typed payload into its envelope
func Encode(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Payload: payload})
}

// Decode splits a frame into its type and raw payload
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into dst
func (e Envelope) Unmarshal(dst interface{}) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
