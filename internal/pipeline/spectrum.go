// ABOUTME: Parses spectrum element messages into magnitude vectors and media times
// ABOUTME: Works on the serialized structure text so every backend shares one parser
package pipeline

import (
	"math"
	"strconv"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/audio"
)

// spectrumTimeKeys is the preference order for the frame timestamp
var spectrumTimeKeys = []string{"endtime", "running-time", "stream-time", "timestamp"}

// IsSpectrum reports whether a structure name belongs to the spectrum element
func IsSpectrum(name string) bool {
	return strings.Contains(strings.ToLower(name), "spectrum")
}

// ParseSpectrum extracts up to SpectrumBands finite floats from the
// magnitude payload of a serialized spectrum structure, along with the
// first positive timestamp field. pos is negative when no timestamp field
// is present.
func ParseSpectrum(text string) (mags []float32, pos float64, src string) {
	pos = -1
	for _, key := range spectrumTimeKeys {
		v, ok := audio.TagValue(text, key)
		if !ok {
			continue
		}
		ns, err := strconv.ParseUint(v, 10, 64)
		if err != nil || ns == 0 {
			continue
		}
		pos, src = float64(ns)/1e9, key
		break
	}

	kpos := strings.Index(strings.ToLower(text), "magnitude")
	if kpos < 0 {
		return nil, pos, src
	}
	rest := text[kpos:]
	if open := strings.IndexAny(rest, "{<"); open >= 0 {
		closer := "}"
		if rest[open] == '<' {
			closer = ">"
		}
		if end := strings.Index(rest[open+1:], closer); end >= 0 {
			rest = rest[open+1 : open+1+end]
		}
	}

	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r == '-' || r == '+' || r == '.' || r == 'e' || r == 'E')
	})
	for _, f := range fields {
		if len(mags) >= SpectrumBands {
			break
		}
		v, err := strconv.ParseFloat(f, 32)
		if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		mags = append(mags, float32(v))
	}
	return mags, pos, src
}
