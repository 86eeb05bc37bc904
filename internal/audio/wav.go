package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// MaxWAVBytes bounds a clip that is decoded in memory.
const MaxWAVBytes = 64 << 20

// ErrClipTooLarge is returned when a WAV clip exceeds MaxWAVBytes.
var ErrClipTooLarge = errors.New("audio clip too large")

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// DecodeWAV reads an integer PCM WAV clip and returns it as 16-bit samples
// in the clip's rate and channel layout, little endian.
func DecodeWAV(r io.Reader) (Format, []byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxWAVBytes+1))
	if err != nil {
		return Format{}, nil, fmt.Errorf("read wav: %w", err)
	}
	if len(data) > MaxWAVBytes {
		return Format{}, nil, ErrClipTooLarge
	}

	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return Format{}, nil, fmt.Errorf("%w: not a valid WAV file", ErrUnsupportedFormat)
	}
	if d.WavAudioFormat != wavFormatPCM && d.WavAudioFormat != wavFormatExtensible {
		return Format{}, nil, fmt.Errorf("%w: WAV encoding %d", ErrUnsupportedFormat, d.WavAudioFormat)
	}

	f := Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans), SampleBytes: 2}
	if err := f.Validate(); err != nil {
		return Format{}, nil, err
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}

	var shift func(int) int
	switch d.BitDepth {
	case 8:
		shift = func(v int) int { return (v - 128) << 8 }
	case 16:
		shift = func(v int) int { return v }
	case 24:
		shift = func(v int) int { return v >> 8 }
	case 32:
		shift = func(v int) int { return v >> 16 }
	default:
		return Format{}, nil, fmt.Errorf("%w: %d-bit WAV", ErrUnsupportedFormat, d.BitDepth)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		PutSample16(pcm[2*i:], int16(shift(v)), false)
	}
	return f, pcm, nil
}

// EncodeWAV writes 16-bit pcm in format f as a WAV file.
func EncodeWAV(w io.WriteSeeker, f Format, pcm []byte) error {
	if f.SampleBytes != 2 {
		return fmt.Errorf("%w: %d-byte samples", ErrUnsupportedFormat, f.SampleBytes)
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(Sample16(pcm[2*i:], f.BigEndian))
	}

	enc := wav.NewEncoder(w, f.SampleRate, 16, f.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return enc.Close()
}
