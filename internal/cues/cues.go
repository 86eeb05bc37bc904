// Package cues loads the short clips played before and after an utterance.
package cues

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
)

// s3Timeout bounds fetching a cue from object storage.
const s3Timeout = 30 * time.Second

// toneAmplitude is the level of synthesized cues.
const toneAmplitude = 0.4

// Source identifies where a cue was loaded from.
type Source string

// Cue sources.
const (
	SourceFile Source = "file"
	SourceS3   Source = "s3"
	SourceTone Source = "tone"
	SourceNone Source = "none"
)

// Cue is a clip held in memory.
type Cue struct {
	Format audio.Format
	PCM    []byte
	Source Source
}

// Reader returns a fresh reader over the clip.
func (c *Cue) Reader() io.Reader {
	return bytes.NewReader(c.PCM)
}

// Duration returns the clip length.
func (c *Cue) Duration() time.Duration {
	return c.Format.Duration(int64(len(c.PCM)))
}

// Empty reports whether there is nothing to play.
func (c *Cue) Empty() bool {
	return c == nil || len(c.PCM) == 0
}

// Set holds the start and end cues.
type Set struct {
	Start *Cue
	End   *Cue
}

// Load resolves both cues. The tone fallback renders in format f.
func Load(ctx context.Context, start, end config.CueConfig, f audio.Format) (*Set, error) {
	s, err := LoadCue(ctx, start, f)
	if err != nil {
		return nil, util.WrapError("load start cue", err)
	}
	e, err := LoadCue(ctx, end, f)
	if err != nil {
		return nil, util.WrapError("load end cue", err)
	}
	return &Set{Start: s, End: e}, nil
}

// LoadCue resolves one cue: a local WAV file, then an S3 object, then a
// synthesized tone. A cue with no file, no object and zero duration is
// silent.
func LoadCue(ctx context.Context, cfg config.CueConfig, f audio.Format) (*Cue, error) {
	switch {
	case cfg.Path != "":
		file, err := os.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open cue: %w", err)
		}
		defer file.Close() //nolint:errcheck // Read-only
		return decode(file, SourceFile)

	case cfg.S3 != nil:
		body, err := fetchS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		defer body.Close() //nolint:errcheck // Read-only
		return decode(body, SourceS3)

	case cfg.DurationMs > 0 && cfg.ToneHz > 0:
		tf := f.Mono()
		tf.SampleBytes, tf.BigEndian = 2, false
		d := time.Duration(cfg.DurationMs) * time.Millisecond
		return &Cue{Format: tf, PCM: audio.Tone(tf, cfg.ToneHz, d, toneAmplitude), Source: SourceTone}, nil

	default:
		return &Cue{Format: f, Source: SourceNone}, nil
	}
}

func decode(r io.Reader, src Source) (*Cue, error) {
	f, pcm, err := audio.DecodeWAV(r)
	if err != nil {
		return nil, err
	}
	slog.Info("cue loaded", "source", src, "rate", f.SampleRate, "channels", f.Channels, "duration", f.Duration(int64(len(pcm))))
	return &Cue{Format: f, PCM: pcm, Source: src}, nil
}

// newS3Client creates an S3 client for a cue location.
func newS3Client(cfg *config.S3Config) *s3.Client {
	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = "auto"
			if cfg.AccessKeyID != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
			}
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

func fetchS3(ctx context.Context, cfg *config.S3Config) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	client := newS3Client(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Key),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch cue s3://%s/%s: %w", cfg.Bucket, cfg.Key, err)
	}
	return &cancelReadCloser{ReadCloser: out.Body, cancel: cancel}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// CheckS3 checks that a cue object exists and is readable with the
// configured credentials.
func CheckS3(ctx context.Context, cfg *config.S3Config) error {
	if cfg == nil || !util.IsConfigured(cfg.Bucket, cfg.Key) {
		return fmt.Errorf("S3 cue is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()

	out, err := newS3Client(cfg).HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Key),
	})
	if err != nil {
		return fmt.Errorf("head cue object: %w", err)
	}
	if n := aws.ToInt64(out.ContentLength); n > audio.MaxWAVBytes {
		return fmt.Errorf("%w: %d bytes", audio.ErrClipTooLarge, n)
	}
	return nil
}
