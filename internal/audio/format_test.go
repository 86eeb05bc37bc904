package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSizes(t *testing.T) {
	f := PCM16(16000, 2)
	assert.Equal(t, 4, f.FrameSize())
	assert.Equal(t, 64000, f.BytesPerSecond())
	assert.Equal(t, 500*time.Millisecond, f.Duration(32000))
	assert.Equal(t, 1, f.Mono().Channels)
	assert.Zero(t, Format{}.Duration(100))
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr bool
	}{
		{"16-bit mono", PCM16(16000, 1), false},
		{"8-bit stereo", Format{SampleRate: 8000, Channels: 2, SampleBytes: 1}, false},
		{"rate too low", PCM16(100, 1), true},
		{"no channels", PCM16(16000, 0), true},
		{"24-bit", Format{SampleRate: 48000, Channels: 2, SampleBytes: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	f := PCM16(16000, 1)
	assert.Equal(t, "AUDIO/L16; CHANNELS=1; RATE=16000; BIG=false", f.ContentType())

	parsed, err := ParseContentType(f.ContentType())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)

	parsed, err = ParseContentType("audio/L16")
	require.NoError(t, err)
	assert.Equal(t, Format{SampleRate: 8000, Channels: 1, SampleBytes: 2, BigEndian: true}, parsed)

	_, err = ParseContentType("audio/wav")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = ParseContentType("AUDIO/L16; RATE=fast")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDecode(t *testing.T) {
	src := make([]byte, 6)
	PutSample16(src[0:], 1000, false)
	PutSample16(src[2:], -32768, false)
	PutSample16(src[4:], 7, false)

	dst := make([]float64, 8)
	n := Decode(dst, src, PCM16(8000, 1))
	require.Equal(t, 3, n)
	assert.Equal(t, []float64{1000, -32768, 7}, dst[:n])

	be := []byte{0x01, 0x02}
	assert.Equal(t, int16(0x0102), Sample16(be, true))

	n = Decode(dst, []byte{128, 255, 0}, Format{SampleRate: 8000, Channels: 1, SampleBytes: 1})
	require.Equal(t, 3, n)
	assert.Equal(t, []float64{0, 127 * 256, -128 * 256}, dst[:n])
}

func TestPeakDB(t *testing.T) {
	assert.Equal(t, MinDB, PeakDB(0))
	assert.Equal(t, MinDB, PeakDB(1e-9))
	assert.InDelta(t, 0, PeakDB(1), 1e-9)
	assert.InDelta(t, -6.02, PeakDB(0.5), 0.01)
}

func TestTone(t *testing.T) {
	f := PCM16(8000, 2)
	pcm := Tone(f, 1000, 100*time.Millisecond, 0.5)
	require.Len(t, pcm, 800*4)

	var peak int16
	for i := 0; i < len(pcm); i += 4 {
		l := Sample16(pcm[i:], false)
		r := Sample16(pcm[i+2:], false)
		require.Equal(t, l, r, "channels carry the same signal")
		peak = max(peak, l)
	}
	assert.InDelta(t, 16383, float64(peak), 200)
	assert.Equal(t, int16(0), Sample16(pcm, false), "tone starts silent")
}
