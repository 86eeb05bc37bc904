package audio

import (
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned for PCM layouts the pipeline cannot carry.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Format describes interleaved linear PCM.
type Format struct {
	// SampleRate is the number of frames per second.
	SampleRate int `json:"sample_rate"`
	// Channels is the number of interleaved channels.
	Channels int `json:"channels"`
	// SampleBytes is the size of one sample: 1 for 8-bit, 2 for 16-bit.
	SampleBytes int `json:"sample_bytes"`
	// BigEndian selects the byte order of 16-bit samples.
	BigEndian bool `json:"big_endian"`
}

// PCM16 returns a little-endian 16-bit format.
func PCM16(rate, channels int) Format {
	return Format{SampleRate: rate, Channels: channels, SampleBytes: 2}
}

// FrameSize returns the number of bytes in one frame across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.SampleBytes
}

// BytesPerSecond returns the data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns the playing time of n bytes.
func (f Format) Duration(n int64) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Mono returns the format with a single channel.
func (f Format) Mono() Format {
	f.Channels = 1
	return f
}

// Validate reports whether the format can be captured and played.
func (f Format) Validate() error {
	switch {
	case f.SampleRate < 4000 || f.SampleRate > 192000:
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	case f.Channels < 1 || f.Channels > 8:
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	case f.SampleBytes != 1 && f.SampleBytes != 2:
		return fmt.Errorf("%w: %d-byte samples", ErrUnsupportedFormat, f.SampleBytes)
	}
	return nil
}

// ContentType returns the media type used when posting raw audio, for
// example "AUDIO/L16; CHANNELS=1; RATE=16000; BIG=false".
func (f Format) ContentType() string {
	encoding := "L16"
	if f.SampleBytes == 1 {
		encoding = "L8"
	}
	return fmt.Sprintf("AUDIO/%s; CHANNELS=%d; RATE=%d; BIG=%t",
		encoding, f.Channels, f.SampleRate, f.BigEndian)
}

// ParseContentType parses a raw PCM media type produced by ContentType.
// Missing parameters default to mono, 8 kHz and big endian.
func ParseContentType(s string) (Format, error) {
	mediaType, params, err := mime.ParseMediaType(s)
	if err != nil {
		return Format{}, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	f := Format{SampleRate: 8000, Channels: 1, BigEndian: true}
	switch mediaType {
	case "audio/l16":
		f.SampleBytes = 2
	case "audio/l8":
		f.SampleBytes = 1
	default:
		return Format{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}

	if v, ok := params["rate"]; ok {
		if f.SampleRate, err = strconv.Atoi(v); err != nil {
			return Format{}, fmt.Errorf("%w: rate %q", ErrUnsupportedFormat, v)
		}
	}
	if v, ok := params["channels"]; ok {
		if f.Channels, err = strconv.Atoi(v); err != nil {
			return Format{}, fmt.Errorf("%w: channels %q", ErrUnsupportedFormat, v)
		}
	}
	if v, ok := params["big"]; ok {
		f.BigEndian = strings.EqualFold(v, "true")
	}
	return f, f.Validate()
}

// ffmpegSampleFormat returns the FFmpeg raw format name.
func (f Format) ffmpegSampleFormat() string {
	switch {
	case f.SampleBytes == 1:
		return "u8"
	case f.BigEndian:
		return "s16be"
	default:
		return "s16le"
	}
}

// alsaSampleFormat returns the ALSA utilities' format name.
func (f Format) alsaSampleFormat() string {
	switch {
	case f.SampleBytes == 1:
		return "U8"
	case f.BigEndian:
		return "S16_BE"
	default:
		return "S16_LE"
	}
}
