// ABOUTME: Software spectrum analyzer producing log-spaced band magnitudes in dB
// ABOUTME: Goertzel filters over Hann-windowed blocks, used where no framework analyzer exists
package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	analyzerMinHz = 20.0
	analyzerMaxHz = 20000.0
)

// BandAnalyzer turns a mono sample stream into spectrum frames
type BandAnalyzer struct {
	rate    int
	window  int
	coeffs  []float64
	centers []float64
	hann    []float64
	buf     []float64
	// consumed counts samples fed since the last Reset, including buffered ones
	consumed int64
}

// NewBandAnalyzer creates an analyzer emitting one frame per interval
func NewBandAnalyzer(rate, bands int, interval time.Duration) *BandAnalyzer {
	window := max(int(float64(rate)*interval.Seconds()), 64)
	top := min(analyzerMaxHz, float64(rate)/2*0.95)
	a := &BandAnalyzer{
		rate:    rate,
		window:  window,
		coeffs:  make([]float64, bands),
		centers: make([]float64, bands),
		hann:    make([]float64, window),
		buf:     make([]float64, 0, window),
	}
	for i := range bands {
		f := analyzerMinHz
		if bands > 1 {
			f = analyzerMinHz * math.Pow(top/analyzerMinHz, float64(i)/float64(bands-1))
		}
		a.centers[i] = f
		a.coeffs[i] = 2 * math.Cos(2*math.Pi*f/float64(rate))
	}
	for i := range window {
		a.hann[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(window-1))
	}
	return a
}

// Center returns the center frequency of band i
func (a *BandAnalyzer) Center(i int) float64 { return a.centers[i] }

// Reset discards buffered samples and restarts the sample count at start
func (a *BandAnalyzer) Reset(start int64) {
	a.buf = a.buf[:0]
	a.consumed = start
}

// Feed consumes samples and calls emit for each completed window with the
// stream time at the end of the window and the band magnitudes.
func (a *BandAnalyzer) Feed(samples []float32, emit func(end time.Duration, mags []float32)) {
	for _, s := range samples {
		a.buf = append(a.buf, float64(s))
		a.consumed++
		if len(a.buf) < a.window {
			continue
		}
		mags := a.analyze()
		end := time.Duration(a.consumed) * time.Second / time.Duration(a.rate)
		emit(end, mags)
		a.buf = a.buf[:0]
	}
}

func (a *BandAnalyzer) analyze() []float32 {
	mags := make([]float32, len(a.coeffs))
	norm := float64(a.window) / 4 // Hann coherent gain 0.5 times N/2
	for b, coeff := range a.coeffs {
		var s1, s2 float64
		for i, x := range a.buf {
			s := x*a.hann[i] + coeff*s1 - s2
			s2, s1 = s1, s
		}
		power := s1*s1 + s2*s2 - coeff*s1*s2
		db := SpectrumThresholdDB * 1.0
		if power > 0 {
			db = max(20*math.Log10(math.Sqrt(power)/norm), SpectrumThresholdDB)
		}
		mags[b] = float32(db)
	}
	return mags
}

// FormatSpectrumStructure serializes a frame the way the framework's
// spectrum element does, so ParseSpectrum reads both
func FormatSpectrumStructure(end time.Duration, mags []float32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "spectrum, endtime=(guint64)%d, magnitude=(float){ ", end.Nanoseconds())
	for i, m := range mags {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatFloat(float64(m), 'f', 3, 32))
	}
	b.WriteString(" };")
	return b.String()
}
