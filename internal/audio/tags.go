// ABOUTME: Parsers for framework tag text and TAG event payloads
// ABOUTME: Codec normalization, depth extraction and stream-field folding
package audio

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// TagValue finds "key=" in text (case-insensitive) and returns the value up
// to the next ',', ';', '}' or newline, with any "(type)" prefix and
// surrounding quotes removed.
func TagValue(text, key string) (string, bool) {
	lower := strings.ToLower(text)
	pat := strings.ToLower(key) + "="
	pos := strings.Index(lower, pat)
	if pos < 0 {
		return "", false
	}
	rest := text[pos+len(pat):]
	if end := strings.IndexAny(rest, ",;}\n"); end >= 0 {
		rest = rest[:end]
	}
	v := strings.TrimSpace(rest)
	if idx := strings.Index(v, ")"); idx >= 0 {
		v = strings.TrimSpace(v[idx+1:])
	}
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
	}
	return v, v != ""
}

// DepthFromFormat maps a raw sample format name to its bit depth
func DepthFromFormat(format string) int {
	up := strings.ToUpper(format)
	if strings.Contains(up, "S24_32") {
		return 24
	}
	return firstDigitRun(up)
}

// ParseCodecText extracts rate and depth from "FLAC, 44100 Hz, 16-bit"
func ParseCodecText(text string) (rate, depth int) {
	low := strings.ToLower(text)
	if pos := strings.Index(low, "hz"); pos >= 0 {
		rate = lastDigitRun(low[:pos])
	}
	pos := strings.Index(low, "-bit")
	if pos < 0 {
		pos = strings.Index(low, " bit")
	}
	if pos >= 0 {
		depth = lastDigitRun(low[:pos])
	}
	return rate, depth
}

func firstDigitRun(s string) int {
	start := -1
	for i, r := range s {
		if unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return atoiPositive(s[start:i])
		}
	}
	if start >= 0 {
		return atoiPositive(s[start:])
	}
	return 0
}

func lastDigitRun(s string) int {
	end := -1
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c >= '0' && c <= '9' {
			if end < 0 {
				end = i + 1
			}
			continue
		}
		if end >= 0 {
			return atoiPositive(s[i+1 : end])
		}
	}
	if end >= 0 {
		return atoiPositive(s[:end])
	}
	return 0
}

func atoiPositive(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// NormalizeCodec maps framework codec descriptions to short labels
func NormalizeCodec(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	cleaned := strings.NewReplacer(`\`, " ", "_", " ").Replace(text)
	lowered := strings.ToLower(cleaned)
	switch {
	case strings.Contains(lowered, "flac"):
		return "FLAC"
	case strings.Contains(lowered, "alac"):
		return "ALAC"
	case strings.Contains(lowered, "aac"):
		return "AAC"
	case strings.Contains(lowered, "mp3"), strings.Contains(lowered, "mpeg"):
		return "MP3"
	case strings.Contains(lowered, "opus"):
		return "Opus"
	case strings.Contains(lowered, "vorbis"):
		return "Vorbis"
	}
	return cleaned
}

// InferCodec guesses a codec from bitrate (bps) when no tag named one
func InferCodec(bitrate int) string {
	if bitrate <= 0 {
		return ""
	}
	if bitrate < 500_000 {
		return "AAC"
	}
	return "FLAC"
}

// ParseTagEvent splits a "codec=FLAC;bitrate=1411000;rate=44100" payload
func ParseTagEvent(msg string) map[string]string {
	fields := make(map[string]string)
	for _, token := range strings.Split(strings.TrimSpace(msg), ";") {
		k, v, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		val := strings.TrimSpace(v)
		if key != "" && val != "" {
			fields[key] = val
		}
	}
	return fields
}

// FormatTagEvent is the inverse of ParseTagEvent for the known keys
func FormatTagEvent(codec string, bitrate, rate, depth int) string {
	parts := make([]string, 0, 4)
	if codec != "" {
		parts = append(parts, "codec="+codec)
	}
	if bitrate > 0 {
		parts = append(parts, "bitrate="+strconv.Itoa(bitrate))
	}
	if rate > 0 {
		parts = append(parts, "rate="+strconv.Itoa(rate))
	}
	if depth > 0 {
		parts = append(parts, "depth="+strconv.Itoa(depth))
	}
	return strings.Join(parts, ";")
}

func parseIntField(v string) (int, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// ApplyTagFields folds TAG fields into info. Rate and depth land in the
// session/output namespace; the source namespace is only filled when
// discovery left it empty. Returns the updated info, whether anything
// changed, and the tagged rate (0 when absent) so callers can re-check
// clock alignment.
func ApplyTagFields(info StreamInfo, fields map[string]string) (StreamInfo, bool, int) {
	if len(fields) == 0 {
		return info, false, 0
	}
	changed := false
	codecTagged := false

	if codec := NormalizeCodec(fields["codec"]); codec != "" {
		codecTagged = true
		if info.Codec != codec {
			info.Codec = codec
			changed = true
		}
	}

	if raw, ok := fields["bitrate"]; ok {
		if br, ok := parseIntField(raw); ok && br >= 0 && info.Bitrate != br {
			info.Bitrate = br
			changed = true
		}
	}

	taggedRate := 0
	if raw, ok := fields["rate"]; ok {
		if rv, ok := parseIntField(raw); ok && rv > 0 {
			taggedRate = rv
			if info.Session.Rate != rv {
				info.Session.Rate = rv
				info.Output.Rate = rv
				changed = true
			}
			if info.Source.Rate <= 0 {
				info.Source.Rate = rv
				changed = true
			}
		}
	}

	if raw, ok := fields["depth"]; ok {
		if dv, ok := parseIntField(raw); ok && dv > 0 {
			if info.Session.Depth != dv {
				info.Session.Depth = dv
				info.Output.Depth = dv
				changed = true
			}
			if info.Source.Depth <= 0 {
				info.Source.Depth = dv
				changed = true
			}
		}
	}

	if !codecTagged && (info.Codec == "" || info.IsLoading()) {
		if guess := InferCodec(info.Bitrate); guess != "" {
			info.Codec = guess
			changed = true
		}
	}

	for _, f := range []*Format{&info.Source, &info.Session, &info.Output} {
		if !f.Complete() {
			continue
		}
		if fmtStr := FormatString(f.Rate, f.Depth); f.FmtStr != fmtStr {
			f.FmtStr = fmtStr
			changed = true
		}
	}
	return info, changed, taggedRate
}
