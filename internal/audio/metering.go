// Package audio describes PCM formats and the platform commands that capture
// and play them, plus the level metering used by the VU feed.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
)

// Sample16 decodes one signed 16-bit sample.
func Sample16(b []byte, bigEndian bool) int16 {
	if bigEndian {
		return int16(binary.BigEndian.Uint16(b))
	}
	return int16(binary.LittleEndian.Uint16(b))
}

// PutSample16 encodes one signed 16-bit sample.
func PutSample16(b []byte, v int16, bigEndian bool) {
	if bigEndian {
		binary.BigEndian.PutUint16(b, uint16(v))
		return
	}
	binary.LittleEndian.PutUint16(b, uint16(v))
}

// Decode converts single-channel PCM bytes to samples on the 16-bit scale
// and returns how many were decoded. 8-bit input is unsigned and rescaled.
func Decode(dst []float64, src []byte, f Format) int {
	sb := max(f.SampleBytes, 1)
	n := min(len(dst), len(src)/sb)
	for i := range n {
		if sb == 1 {
			dst[i] = float64(int(src[i])-128) * 256
			continue
		}
		dst[i] = float64(Sample16(src[i*2:], f.BigEndian))
	}
	return n
}

// PeakDB converts a peak level normalized to [0, 1] to dBFS, floored at MinDB.
func PeakDB(level float64) float64 {
	if level <= 0 {
		return MinDB
	}
	return max(20*math.Log10(level), MinDB)
}
