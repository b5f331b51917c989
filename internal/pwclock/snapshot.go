// ABOUTME: PipeWire side of the runtime snapshot and the playback stream latency
// ABOUTME: Latency comes from our own stream node, falling back to quantum over graph rate
package pwclock

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/pwdump"
	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

// Snapshot is the "pipewire" object of the runtime snapshot
type Snapshot struct {
	ForceRate  int     `json:"force_rate"`
	Quantum    int     `json:"quantum"`
	Rate       int     `json:"rate"`
	LatencyMs  float64 `json:"latency_ms"`
	AllowedRaw string  `json:"allowed_rates_raw"`
}

// ParseFractionMs converts "4096/48000" to milliseconds; a bare number is
// taken as milliseconds already
func ParseFractionMs(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if num, den, ok := strings.Cut(v, "/"); ok {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d <= 0 || n < 0 {
			return 0, false
		}
		return n / d * 1000, true
	}
	ms, err := strconv.ParseFloat(v, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return ms, true
}

// AppNodeLatencyMs finds our playback stream in the graph and returns its
// node.latency. The node owned by pid wins, then any player-looking
// application, then the first output stream.
func AppNodeLatencyMs(ctx context.Context, run syscmd.Runner, pid int) (float64, bool) {
	objs, err := pwdump.Dump(ctx, run)
	if err != nil {
		return 0, false
	}
	streams := pwdump.Nodes(objs, pwdump.ClassStreamOutput)
	if len(streams) == 0 {
		return 0, false
	}
	pick := -1
	for i, s := range streams {
		if s.NodeProps().Int("application.process.id") == pid {
			pick = i
			break
		}
	}
	if pick < 0 {
		for i, s := range streams {
			app := strings.ToLower(s.NodeProps().String("application.name"))
			if strings.Contains(app, "python") || strings.Contains(app, "hiresti") {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		pick = 0
	}
	return ParseFractionMs(streams[pick].NodeProps().String("node.latency"))
}

// Snapshot reads the clock keys and the stream latency. latency_ms is -1
// when neither the stream node nor quantum/rate can tell.
func (c *Coordinator) Snapshot(ctx context.Context, run syscmd.Runner) Snapshot {
	snap := Snapshot{LatencyMs: -1}
	if s, err := c.Read(ctx); err == nil {
		snap.ForceRate, snap.Quantum, snap.Rate, snap.AllowedRaw = s.ForceRate, s.Quantum, s.Rate, s.AllowedRaw
	}
	if ms, ok := AppNodeLatencyMs(ctx, run, os.Getpid()); ok {
		snap.LatencyMs = ms
	} else if snap.Quantum > 0 && snap.Rate > 0 {
		snap.LatencyMs = float64(snap.Quantum) / float64(snap.Rate) * 1000
	}
	return snap
}
