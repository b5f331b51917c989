// ABOUTME: PCM sample conversion helpers
// ABOUTME: Converts interleaved little-endian PCM to mono float frames for analysis
package audio

import "encoding/binary"

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}

// MonoFloat downmixes interleaved signed LE PCM of the given depth (16 or
// 24) into [-1,1] floats, appending to dst.
func MonoFloat(dst []float32, data []byte, channels, depth int) []float32 {
	if channels < 1 {
		channels = 1
	}
	width := 2
	scale := float32(32768)
	if depth == 24 {
		width = 3
		scale = float32(Max24Bit + 1)
	}
	frame := width * channels
	for off := 0; off+frame <= len(data); off += frame {
		var sum float32
		for c := 0; c < channels; c++ {
			p := off + c*width
			var s int32
			if width == 3 {
				s = SampleFrom24Bit([3]byte{data[p], data[p+1], data[p+2]})
			} else {
				s = int32(int16(binary.LittleEndian.Uint16(data[p:])))
			}
			sum += float32(s) / scale
		}
		dst = append(dst, sum/float32(channels))
	}
	return dst
}
