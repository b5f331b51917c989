// ABOUTME: Stream format type definitions
// ABOUTME: Source, session and output namespaces of the negotiated stream info
package audio

import (
	"fmt"
	"strconv"
)

// Format describes one namespace of a stream's sample format
type Format struct {
	Rate   int    `json:"rate"`
	Depth  int    `json:"depth"`
	FmtStr string `json:"fmt_str,omitempty"`
}

// Complete reports whether both numeric fields are known
func (f Format) Complete() bool {
	return f.Rate > 0 && f.Depth > 0
}

// Refresh regenerates FmtStr from Rate and Depth when both are present
func (f Format) Refresh() Format {
	if f.Complete() {
		f.FmtStr = FormatString(f.Rate, f.Depth)
	}
	return f
}

// FormatString renders "44.1kHz | 16-bit" style labels
func FormatString(rate, depth int) string {
	khz := strconv.FormatFloat(float64(rate)/1000.0, 'g', -1, 64)
	return fmt.Sprintf("%skHz | %d-bit", khz, depth)
}

// StreamInfo tracks everything negotiated for the current track.
//
// Source is owned by discovery metadata; Session holds the rate/depth the
// sink reports (TAG events); Output mirrors Session with a display string.
type StreamInfo struct {
	Codec   string `json:"codec"`
	Bitrate int    `json:"bitrate"`
	Source  Format `json:"source"`
	Session Format `json:"session"`
	Output  Format `json:"output"`
}

// LoadingCodec is the placeholder codec stamped while a track loads
const LoadingCodec = "Loading..."

// Loading returns the placeholder stamped on load: codec and bitrate are
// reset, source and session are kept, output is cleared.
func (s StreamInfo) Loading() StreamInfo {
	return StreamInfo{
		Codec:   LoadingCodec,
		Bitrate: 0,
		Source:  s.Source,
		Session: s.Session,
	}
}

// IsLoading reports whether the placeholder is still in place
func (s StreamInfo) IsLoading() bool {
	return s.Codec == LoadingCodec
}

// SetSource records discovery metadata for the source namespace
func (s StreamInfo) SetSource(rate, depth int) StreamInfo {
	if rate > 0 {
		s.Source.Rate = rate
	}
	if depth > 0 {
		s.Source.Depth = depth
	}
	s.Source = s.Source.Refresh()
	return s
}
