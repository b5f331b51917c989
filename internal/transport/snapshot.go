// ABOUTME: Runtime snapshot: PipeWire clock keys, negotiated and hardware formats, source info
// ABOUTME: Serialized as the JSON document served to adapters, the monitor and the CLI
package transport

import (
	"context"

	"github.com/hiresti/hiresti-audio/internal/devices"
	"github.com/hiresti/hiresti-audio/internal/pwclock"
)

// OutputSnapshot is the negotiated session format and the running hardware format
type OutputSnapshot struct {
	SessionRate   int `json:"session_rate"`
	SessionDepth  int `json:"session_depth"`
	HardwareRate  int `json:"hardware_rate"`
	HardwareDepth int `json:"hardware_depth"`
}

// SourceSnapshot is what is known about the decoded stream
type SourceSnapshot struct {
	Rate    int    `json:"rate"`
	Depth   int    `json:"depth"`
	Bitrate int    `json:"bitrate"`
	Codec   string `json:"codec"`
}

// TransportSnapshot is the controller's own view
type TransportSnapshot struct {
	State       string  `json:"state"`
	OutputState string  `json:"output_state"`
	OutputError string  `json:"output_error,omitempty"`
	Driver      string  `json:"driver"`
	Device      string  `json:"device"`
	Exclusive   bool    `json:"exclusive"`
	BitPerfect  bool    `json:"bit_perfect"`
	Position    float64 `json:"position"`
	Duration    float64 `json:"duration"`
	LatencyS    float64 `json:"latency_s"`
	LatencySrc  string  `json:"latency_source"`
	VisualMs    float64 `json:"visual_delay_ms"`
	Spectrum    bool    `json:"spectrum"`
}

// Snapshot is the runtime snapshot document
type Snapshot struct {
	PipeWire  pwclock.Snapshot  `json:"pipewire"`
	Output    OutputSnapshot    `json:"output"`
	Source    SourceSnapshot    `json:"source"`
	Transport TransportSnapshot `json:"transport"`
}

// Snapshot gathers the runtime snapshot. Unknown values are zero, and
// pipewire.latency_ms is -1 when PipeWire cannot be queried.
func (c *Controller) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{PipeWire: pwclock.Snapshot{LatencyMs: -1}}
	if c.rate != nil && c.run != nil {
		snap.PipeWire = c.rate.Snapshot(ctx, c.run)
	}

	info := c.StreamInfo()
	sessRate, sessDepth := c.pipe.OutputFormat()
	snap.Output.SessionRate = firstPositive(sessRate, info.Session.Rate)
	snap.Output.SessionDepth = firstPositive(sessDepth, info.Session.Depth)
	if hw, ok := devices.RunningHWParams(c.hwRoot); ok {
		snap.Output.HardwareRate, snap.Output.HardwareDepth = hw.Rate, hw.Depth
	}

	src := c.pipe.Source()
	snap.Source.Rate = firstPositive(info.Source.Rate, src.Rate, snap.Output.SessionRate)
	snap.Source.Depth = firstPositive(info.Source.Depth, src.Depth, snap.Output.SessionDepth)
	snap.Source.Bitrate = firstPositive(info.Bitrate, src.Bitrate)
	snap.Source.Codec = info.Codec
	if snap.Source.Codec == "" || info.IsLoading() {
		snap.Source.Codec = src.Codec
	}

	sel := c.Output()
	pos, dur := c.Position()
	probe := c.pipe.Latency()
	snap.Transport = TransportSnapshot{
		State:       c.State().String(),
		OutputState: c.OutputState().String(),
		OutputError: c.OutputError(),
		Driver:      sel.Driver.String(),
		Device:      sel.DeviceLabel(),
		Exclusive:   sel.Exclusive,
		BitPerfect:  sel.BitPerfect,
		Position:    pos,
		Duration:    dur,
		LatencyS:    probe.Seconds,
		LatencySrc:  probe.Source,
		VisualMs:    c.est.Stats().DelayMs,
		Spectrum:    c.SpectrumEnabled(),
	}
	return snap
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
