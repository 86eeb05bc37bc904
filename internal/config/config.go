// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
	"github.com/oszuidwest/zwfm-talkback/internal/endpoint"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort             = 8080
	DefaultSampleRate          = types.DefaultSampleRate
	DefaultChannels            = types.DefaultChannels
	DefaultVoicingThreshold    = 0.70
	DefaultEnergyRange         = 5.0
	DefaultStartPaddingMs      = 1200
	DefaultEndPaddingMs        = 1200
	DefaultPostSpeechSilenceMs = 1000
	DefaultCueToneHz           = 880.0
	DefaultCueDurationMs       = 150
	DefaultSilenceThreshold    = -50.0
	DefaultSilenceDurationMs   = int64(10000)
	DefaultSilenceRecoveryMs   = int64(1000)
)

// ErrInvalidConfig is returned when a loaded or updated configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	FFmpegPath string `json:"ffmpeg_path" yaml:"ffmpeg_path"`                     // Path to FFmpeg binary (empty = use PATH)
	Port       int    `json:"port" yaml:"port" validate:"gte=1,lte=65535"`         // HTTP server port
	APIKey     string `json:"api_key" yaml:"api_key" validate:"omitempty,min=16"` // Key for the REST control endpoints
}

// AudioConfig holds the capture and playback device settings.
type AudioConfig struct {
	Input      string  `json:"input" yaml:"input"`                                                        // Capture device identifier
	Output     string  `json:"output" yaml:"output"`                                                      // Playback device identifier
	SampleRate int     `json:"sample_rate" yaml:"sample_rate" validate:"gte=8000,lte=48000"`              // Capture sample rate in Hz
	Channels   int     `json:"channels" yaml:"channels" validate:"gte=1,lte=2"`                           // Captured channels
	Channel    int     `json:"channel" yaml:"channel" validate:"gte=0,ltfield=Channels"`                  // Channel analyzed and forwarded
	BigEndian  bool    `json:"big_endian" yaml:"big_endian"`                                              // Capture byte order
	SilenceDB  float64 `json:"silence_threshold_db" yaml:"silence_threshold_db" validate:"gte=-90,lte=0"` // Dead microphone threshold
	SilenceMs  int64   `json:"silence_duration_ms" yaml:"silence_duration_ms" validate:"gte=0"`           // Silence before the input counts as dead
}

// DetectorConfig holds the speech endpoint detector settings.
type DetectorConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`                                                          // False selects hold-to-talk
	VoicingThreshold    float64 `json:"voicing_threshold" yaml:"voicing_threshold" validate:"gte=0,lte=1"`               // Minimum periodicity
	EnergyRange         float64 `json:"energy_range" yaml:"energy_range" validate:"gte=0,lte=60"`                        // dB above the energy floor
	StartPaddingMs      int     `json:"start_padding_ms" yaml:"start_padding_ms" validate:"gte=0,lte=10000"`             // Audio kept before speech
	EndPaddingMs        int     `json:"end_padding_ms" yaml:"end_padding_ms" validate:"gte=0,lte=10000"`                 // Audio kept after speech
	PostSpeechSilenceMs int     `json:"post_speech_silence_ms" yaml:"post_speech_silence_ms" validate:"gte=0,lte=30000"` // Silence that ends an utterance
	BufferGranularity   int     `json:"buffer_granularity" yaml:"buffer_granularity" validate:"gte=0,lte=1048576"`       // Sample buffer segment size
}

// RelayConfig holds the remote relay endpoints.
type RelayConfig struct {
	RecordURL      string `json:"record_url" yaml:"record_url" validate:"omitempty,url"`     // Utterance upload endpoint
	PlayURL        string `json:"play_url" yaml:"play_url" validate:"omitempty,url"`         // Reply long-poll endpoint
	PingURL        string `json:"ping_url" yaml:"ping_url" validate:"omitempty,url"`         // Keep-alive endpoint
	PollTimeoutMs  int64  `json:"poll_timeout_ms" yaml:"poll_timeout_ms" validate:"gte=0"`   // Long-poll timeout
	PingIntervalMs int64  `json:"ping_interval_ms" yaml:"ping_interval_ms" validate:"gte=0"` // Keep-alive interval
}

// S3Config locates a cue stored in S3-compatible storage.
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	Bucket          string `json:"bucket" yaml:"bucket" validate:"required"`
	Key             string `json:"key" yaml:"key" validate:"required"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// CueConfig describes one audible cue. Path wins over S3, S3 over the tone.
type CueConfig struct {
	Path       string    `json:"path,omitempty" yaml:"path,omitempty"`
	S3         *S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
	ToneHz     float64   `json:"tone_hz" yaml:"tone_hz" validate:"gte=0,lte=8000"`
	DurationMs int       `json:"duration_ms" yaml:"duration_ms" validate:"gte=0,lte=5000"`
}

// CuesConfig holds the cues played around an utterance.
type CuesConfig struct {
	Start CueConfig `json:"start" yaml:"start"`
	End   CueConfig `json:"end" yaml:"end"`
}

// LogConfig holds the event log settings.
type LogConfig struct {
	Path string `json:"path" yaml:"path"` // JSON-lines event log path
}

// MetricsConfig holds the metrics settings.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"` // Serve /metrics
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System   SystemConfig   `json:"system" yaml:"system"`
	Audio    AudioConfig    `json:"audio" yaml:"audio"`
	Detector DetectorConfig `json:"detector" yaml:"detector"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Cues     CuesConfig     `json:"cues" yaml:"cues"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{
		System:   SystemConfig{Port: DefaultWebPort},
		Detector: DetectorConfig{Enabled: true},
		Metrics:  MetricsConfig{Enabled: true},
		filePath: filePath,
	}
	c.applyDefaults()
	return c
}

// Path returns the file the configuration is persisted to.
func (c *Config) Path() string {
	return c.filePath
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if c.isYAML() {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	if err := c.validate(); err != nil {
		return err
	}

	return nil
}

func (c *Config) isYAML() bool {
	switch strings.ToLower(filepath.Ext(c.filePath)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Log.Path != "" {
		if err := util.ValidatePath("log.path", c.Log.Path); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	for name, cue := range map[string]CueConfig{"cues.start": c.Cues.Start, "cues.end": c.Cues.End} {
		if cue.Path != "" {
			if err := util.ValidatePath(name+".path", cue.Path); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
		}
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	// System defaults
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}
	// Audio defaults
	c.Audio.SampleRate = cmp.Or(c.Audio.SampleRate, DefaultSampleRate)
	c.Audio.Channels = cmp.Or(c.Audio.Channels, DefaultChannels)
	c.Audio.SilenceDB = cmp.Or(c.Audio.SilenceDB, DefaultSilenceThreshold)
	c.Audio.SilenceMs = cmp.Or(c.Audio.SilenceMs, DefaultSilenceDurationMs)
	// Detector defaults
	c.Detector.VoicingThreshold = cmp.Or(c.Detector.VoicingThreshold, DefaultVoicingThreshold)
	c.Detector.EnergyRange = cmp.Or(c.Detector.EnergyRange, DefaultEnergyRange)
	c.Detector.StartPaddingMs = cmp.Or(c.Detector.StartPaddingMs, DefaultStartPaddingMs)
	c.Detector.EndPaddingMs = cmp.Or(c.Detector.EndPaddingMs, DefaultEndPaddingMs)
	c.Detector.PostSpeechSilenceMs = cmp.Or(c.Detector.PostSpeechSilenceMs, DefaultPostSpeechSilenceMs)
	// Relay defaults
	c.Relay.PollTimeoutMs = cmp.Or(c.Relay.PollTimeoutMs, types.DefaultPollTimeout.Milliseconds())
	c.Relay.PingIntervalMs = cmp.Or(c.Relay.PingIntervalMs, types.DefaultPingInterval.Milliseconds())
	// Cue defaults
	for _, cue := range []*CueConfig{&c.Cues.Start, &c.Cues.End} {
		cue.ToneHz = cmp.Or(cue.ToneHz, DefaultCueToneHz)
		cue.DurationMs = cmp.Or(cue.DurationMs, DefaultCueDurationMs)
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	var data []byte
	var err error
	if c.isYAML() {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// update applies fn, validates the result and saves it. The previous values
// are restored when validation fails.
func (c *Config) update(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.copyLocked()
	fn()
	if err := c.validate(); err != nil {
		c.restoreLocked(prev)
		return err
	}
	return c.saveLocked()
}

type values struct {
	system   SystemConfig
	audio    AudioConfig
	detector DetectorConfig
	relay    RelayConfig
	cues     CuesConfig
	log      LogConfig
	metrics  MetricsConfig
}

func (c *Config) copyLocked() values {
	return values{c.System, c.Audio, c.Detector, c.Relay, c.Cues, c.Log, c.Metrics}
}

func (c *Config) restoreLocked(v values) {
	c.System, c.Audio, c.Detector, c.Relay, c.Cues, c.Log, c.Metrics =
		v.system, v.audio, v.detector, v.relay, v.cues, v.log, v.metrics
}

// --- Getters for individual settings ---

// AudioInput returns the configured capture device.
func (c *Config) AudioInput() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.Input
}

// GetFFmpegPath returns the configured FFmpeg binary path.
func (c *Config) GetFFmpegPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.FFmpegPath
}

// LogPath returns the configured event log path.
func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Log.Path
}

// GetAPIKey returns the API key for the REST control endpoints.
func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.APIKey
}

// --- Setters for individual settings ---

// SetAudioDevices updates the capture and playback devices and saves the configuration.
func (c *Config) SetAudioDevices(input, output string) error {
	return c.update(func() {
		c.Audio.Input = input
		c.Audio.Output = output
	})
}

// SetDetectorEnabled switches between endpointing and hold-to-talk and saves the configuration.
func (c *Config) SetDetectorEnabled(enabled bool) error {
	return c.update(func() { c.Detector.Enabled = enabled })
}

// SetDetectorParameter updates a runtime-tunable detector parameter and saves the configuration.
func (c *Config) SetDetectorParameter(name string, value float64) error {
	switch name {
	case endpoint.ParamVoicingThreshold:
		return c.update(func() { c.Detector.VoicingThreshold = value })
	case endpoint.ParamEnergyRange:
		return c.update(func() { c.Detector.EnergyRange = value })
	default:
		return fmt.Errorf("%w: %q", endpoint.ErrUnknownParameter, name)
	}
}

// SetRelay updates the relay endpoints and saves the configuration.
func (c *Config) SetRelay(recordURL, playURL, pingURL string) error {
	return c.update(func() {
		c.Relay.RecordURL = recordURL
		c.Relay.PlayURL = playURL
		c.Relay.PingURL = pingURL
	})
}

// SetLogPath updates the event log path and saves the configuration.
func (c *Config) SetLogPath(path string) error {
	return c.update(func() { c.Log.Path = path })
}

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	return c.update(func() { c.System.APIKey = key })
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort    int
	FFmpegPath string
	APIKey     string

	// Audio
	AudioInput  string
	AudioOutput string
	Format      audio.Format
	Channel     int
	Silence     audio.SilenceConfig

	// Detector
	UseDetector bool
	Detector    DetectorConfig

	// Relay
	RecordURL    string
	PlayURL      string
	PingURL      string
	PollTimeout  time.Duration
	PingInterval time.Duration

	// Cues
	StartCue CueConfig
	EndCue   CueConfig

	// Logging and metrics
	LogPath        string
	MetricsEnabled bool
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		// System
		WebPort:    cmp.Or(c.System.Port, DefaultWebPort),
		FFmpegPath: c.System.FFmpegPath,
		APIKey:     c.System.APIKey,

		// Audio (with defaults)
		AudioInput:  c.Audio.Input,
		AudioOutput: c.Audio.Output,
		Format: audio.Format{
			SampleRate:  cmp.Or(c.Audio.SampleRate, DefaultSampleRate),
			Channels:    cmp.Or(c.Audio.Channels, DefaultChannels),
			SampleBytes: 2,
			BigEndian:   c.Audio.BigEndian,
		},
		Channel: c.Audio.Channel,
		Silence: audio.SilenceConfig{
			Threshold:  cmp.Or(c.Audio.SilenceDB, DefaultSilenceThreshold),
			DurationMs: cmp.Or(c.Audio.SilenceMs, DefaultSilenceDurationMs),
			RecoveryMs: DefaultSilenceRecoveryMs,
		},

		// Detector
		UseDetector: c.Detector.Enabled,
		Detector:    c.Detector,

		// Relay
		RecordURL:    c.Relay.RecordURL,
		PlayURL:      c.Relay.PlayURL,
		PingURL:      c.Relay.PingURL,
		PollTimeout:  time.Duration(cmp.Or(c.Relay.PollTimeoutMs, types.DefaultPollTimeout.Milliseconds())) * time.Millisecond,
		PingInterval: time.Duration(cmp.Or(c.Relay.PingIntervalMs, types.DefaultPingInterval.Milliseconds())) * time.Millisecond,

		// Cues
		StartCue: c.Cues.Start,
		EndCue:   c.Cues.End,

		// Logging and metrics
		LogPath:        c.Log.Path,
		MetricsEnabled: c.Metrics.Enabled,
	}
}

// DetectorParams returns the endpoint detector parameters for this snapshot.
func (s *Snapshot) DetectorParams() endpoint.Params {
	p := endpoint.DefaultParams()
	d := s.Detector
	p.VoicingThreshold = cmp.Or(d.VoicingThreshold, p.VoicingThreshold)
	p.EnergyRange = cmp.Or(d.EnergyRange, p.EnergyRange)
	p.StartPadding = float64(cmp.Or(d.StartPaddingMs, DefaultStartPaddingMs)) / 1000
	p.EndPadding = float64(cmp.Or(d.EndPaddingMs, DefaultEndPaddingMs)) / 1000
	p.PostSpeechSilence = float64(cmp.Or(d.PostSpeechSilenceMs, DefaultPostSpeechSilenceMs)) / 1000
	p.Granularity = d.BufferGranularity
	return p
}

// DetectorSettings returns the detector settings reported to clients.
func (s *Snapshot) DetectorSettings() types.DetectorSettings {
	return types.DetectorSettings{
		Enabled:           s.UseDetector,
		VoicingThreshold:  s.Detector.VoicingThreshold,
		EnergyRange:       s.Detector.EnergyRange,
		StartPaddingMs:    s.Detector.StartPaddingMs,
		EndPaddingMs:      s.Detector.EndPaddingMs,
		PostSpeechSilence: s.Detector.PostSpeechSilenceMs,
	}
}

// HasRelay reports whether both relay endpoints are configured.
func (s *Snapshot) HasRelay() bool {
	return util.IsConfigured(s.RecordURL, s.PlayURL)
}

// HasLogPath reports whether an event log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
