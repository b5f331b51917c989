// ABOUTME: Output latency profiles selectable from the settings UI
// ABOUTME: Maps profile labels to sink buffer and period sizes
package settings

import "time"

// LatencyProfile is a named buffer/period pair
type LatencyProfile struct {
	Label  string
	Buffer time.Duration
	Period time.Duration
}

// BufferUs and PeriodUs give the sink property values in microseconds
func (p LatencyProfile) BufferUs() int { return int(p.Buffer / time.Microsecond) }
func (p LatencyProfile) PeriodUs() int { return int(p.Period / time.Microsecond) }

var LatencyProfiles = []LatencyProfile{
	{Label: "Safe (300ms)", Buffer: 300 * time.Millisecond, Period: 30 * time.Millisecond},
	{Label: "Standard (100ms)", Buffer: 100 * time.Millisecond, Period: 10 * time.Millisecond},
	{Label: "Low (40ms)", Buffer: 40 * time.Millisecond, Period: 4 * time.Millisecond},
	{Label: "Aggressive (20ms)", Buffer: 20 * time.Millisecond, Period: 2 * time.Millisecond},
}

// Profile looks up a label; unknown labels resolve to Standard
func Profile(label string) LatencyProfile {
	for _, p := range LatencyProfiles {
		if p.Label == label {
			return p
		}
	}
	return LatencyProfiles[1]
}
