package audio

import (
	"math"
	"time"
)

// toneFade is the ramp applied at both ends of a tone to avoid clicks.
const toneFade = 5 * time.Millisecond

// Tone renders a sine wave at hz for d in format f, with amplitude in [0, 1].
func Tone(f Format, hz float64, d time.Duration, amplitude float64) []byte {
	frames := int(d.Seconds() * float64(f.SampleRate))
	fade := max(int(toneFade.Seconds()*float64(f.SampleRate)), 1)
	out := make([]byte, frames*f.FrameSize())

	for i := range frames {
		gain := amplitude * min(1, float64(i)/float64(fade), float64(frames-1-i)/float64(fade))
		v := gain * math.Sin(2*math.Pi*hz*float64(i)/float64(f.SampleRate))
		for ch := range f.Channels {
			off := i*f.FrameSize() + ch*f.SampleBytes
			if f.SampleBytes == 1 {
				out[off] = byte(int(v*127) + 128)
				continue
			}
			PutSample16(out[off:], int16(v*(MaxSampleValue-1)), f.BigEndian)
		}
	}
	return out
}
