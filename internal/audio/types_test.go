// ABOUTME: Tests for stream format types and tag parsing
// ABOUTME: Covers format strings, TAG folding and PCM downmix
package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatString(t *testing.T) {
	assert.Equal(t, "44.1kHz | 16-bit", FormatString(44100, 16))
	assert.Equal(t, "96kHz | 24-bit", FormatString(96000, 24))
	assert.Equal(t, "176.4kHz | 24-bit", FormatString(176400, 24))
}

func TestLoadingKeepsSourceClearsOutput(t *testing.T) {
	info := StreamInfo{
		Codec:   "FLAC",
		Bitrate: 1411000,
		Source:  Format{Rate: 44100, Depth: 16, FmtStr: "44.1kHz | 16-bit"},
		Session: Format{Rate: 44100, Depth: 16},
		Output:  Format{Rate: 44100, Depth: 16, FmtStr: "44.1kHz | 16-bit"},
	}
	got := info.Loading()
	assert.Equal(t, LoadingCodec, got.Codec)
	assert.Zero(t, got.Bitrate)
	assert.Equal(t, info.Source, got.Source)
	assert.Equal(t, info.Session, got.Session)
	assert.Equal(t, Format{}, got.Output)
	assert.True(t, got.IsLoading())
}

func TestTagValue(t *testing.T) {
	text := `taglist, audio-codec=(string)"Free\ Lossless\ Audio\ Codec\ \(FLAC\)", bitrate=(uint)1411000;`
	v, ok := TagValue(text, "bitrate")
	assert.True(t, ok)
	assert.Equal(t, "1411000", v)

	_, ok = TagValue(text, "depth")
	assert.False(t, ok)

	v, ok = TagValue("container-format=(string)\"ISO MP4/M4A\"}", "container-format")
	assert.True(t, ok)
	assert.Equal(t, "ISO MP4/M4A", v)
}

func TestDepthFromFormat(t *testing.T) {
	assert.Equal(t, 24, DepthFromFormat("S24_32LE"))
	assert.Equal(t, 16, DepthFromFormat("S16LE"))
	assert.Equal(t, 32, DepthFromFormat("F32LE"))
	assert.Equal(t, 24, DepthFromFormat("s24le"))
	assert.Equal(t, 0, DepthFromFormat(""))
}

func TestParseCodecText(t *testing.T) {
	rate, depth := ParseCodecText("FLAC, 44100 Hz, 16-bit")
	assert.Equal(t, 44100, rate)
	assert.Equal(t, 16, depth)

	rate, depth = ParseCodecText("AAC 48000Hz")
	assert.Equal(t, 48000, rate)
	assert.Equal(t, 0, depth)
}

func TestNormalizeCodec(t *testing.T) {
	assert.Equal(t, "FLAC", NormalizeCodec(`Free\ Lossless\ Audio\ Codec`+" (FLAC)"))
	assert.Equal(t, "AAC", NormalizeCodec("MPEG-4 AAC"))
	assert.Equal(t, "ALAC", NormalizeCodec("Apple Lossless (alac)"))
	assert.Equal(t, "MP3", NormalizeCodec("MPEG-1 Layer 3 (MP3)"))
	assert.Equal(t, "Opus", NormalizeCodec("opus"))
	assert.Equal(t, "Some Codec", NormalizeCodec("Some_Codec"))
	assert.Equal(t, "", NormalizeCodec("  "))
}

func TestParseTagEvent(t *testing.T) {
	fields := ParseTagEvent(" codec=FLAC; bitrate=1411000;rate=44100;depth=;junk ")
	assert.Equal(t, map[string]string{"codec": "FLAC", "bitrate": "1411000", "rate": "44100"}, fields)
	assert.Equal(t, fields, ParseTagEvent(FormatTagEvent("FLAC", 1411000, 44100, 0)))
}

func TestApplyTagFieldsOutputNamespace(t *testing.T) {
	info := StreamInfo{Codec: "FLAC", Source: Format{Rate: 96000, Depth: 24}}

	got, changed, rate := ApplyTagFields(info, map[string]string{"rate": "48000", "depth": "32"})
	assert.True(t, changed)
	assert.Equal(t, 48000, rate)
	assert.Equal(t, 96000, got.Source.Rate, "source namespace owned by discovery")
	assert.Equal(t, 48000, got.Session.Rate)
	assert.Equal(t, "48kHz | 32-bit", got.Output.FmtStr)
	assert.Equal(t, "96kHz | 24-bit", got.Source.FmtStr)

	_, changed, _ = ApplyTagFields(got, map[string]string{"rate": "48000", "depth": "32"})
	assert.False(t, changed)
}

func TestApplyTagFieldsFillsEmptySource(t *testing.T) {
	got, _, _ := ApplyTagFields(StreamInfo{}, map[string]string{"rate": "44100.0", "depth": "16", "codec": "flac"})
	assert.Equal(t, 44100, got.Source.Rate)
	assert.Equal(t, 16, got.Source.Depth)
	assert.Equal(t, "FLAC", got.Codec)
}

func TestApplyTagFieldsInfersCodecOnlyWithoutTag(t *testing.T) {
	got, _, _ := ApplyTagFields(StreamInfo{}.Loading(), map[string]string{"bitrate": "320000"})
	assert.Equal(t, "AAC", got.Codec)

	got, _, _ = ApplyTagFields(StreamInfo{Codec: "MP3"}, map[string]string{"bitrate": "900000"})
	assert.Equal(t, "MP3", got.Codec)

	got, _, _ = ApplyTagFields(StreamInfo{}, map[string]string{"bitrate": "900000", "codec": "opus"})
	assert.Equal(t, "Opus", got.Codec)
}

func TestMonoFloat(t *testing.T) {
	// two stereo frames: (max, max) and (min, 0)
	data := []byte{0xff, 0x7f, 0xff, 0x7f, 0x00, 0x80, 0x00, 0x00}
	out := MonoFloat(nil, data, 2, 16)
	assert.Len(t, out, 2)
	assert.InDelta(t, 1.0, out[0], 0.001)
	assert.InDelta(t, -0.5, out[1], 0.001)
}

func TestSampleFrom24Bit(t *testing.T) {
	assert.Equal(t, int32(Max24Bit), SampleFrom24Bit([3]byte{0xff, 0xff, 0x7f}))
	assert.Equal(t, int32(Min24Bit), SampleFrom24Bit([3]byte{0x00, 0x00, 0x80}))
}
