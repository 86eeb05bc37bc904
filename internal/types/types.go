// Package types provides shared type definitions used across the talkback gateway.
package types

import (
	"time"

	"github.com/oszuidwest/zwfm-talkback/internal/audio"
)

// SessionState represents what the talkback session is doing.
type SessionState string

const (
	// StateIdle indicates nothing is being captured or played.
	StateIdle SessionState = "idle"
	// StateListening indicates capture is running and no speech was confirmed yet.
	StateListening SessionState = "listening"
	// StateSpeaking indicates an utterance is being captured and forwarded.
	StateSpeaking SessionState = "speaking"
	// StatePlaying indicates a reply or cue is being played.
	StatePlaying SessionState = "playing"
)

const (
	// InitialRetryDelay is the starting delay between relay retry attempts.
	InitialRetryDelay = 1000 * time.Millisecond
	// MaxRetryDelay is the maximum delay between relay retry attempts.
	MaxRetryDelay = 30000 * time.Millisecond
	// DefaultPollTimeout is how long a single reply poll may hang.
	DefaultPollTimeout = 5 * time.Minute
	// DefaultPingInterval is the interval between relay keep-alive pings.
	DefaultPingInterval = 60000 * time.Millisecond
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// LevelsInterval is the interval between VU meter updates.
	LevelsInterval = 100 * time.Millisecond
	// StatusInterval is the interval between status broadcasts.
	StatusInterval = 3000 * time.Millisecond
)

// Default capture format.
const (
	// DefaultSampleRate is the capture sample rate in Hz.
	DefaultSampleRate = 16000
	// DefaultChannels is the number of captured channels.
	DefaultChannels = 1
)

// UtteranceInfo describes the most recent utterance.
type UtteranceInfo struct {
	StartSample int64  `json:"start_sample"`          // First sample forwarded
	EndSample   int64  `json:"end_sample,omitzero"`   // Sample after the last one forwarded
	DurationMs  int64  `json:"duration_ms,omitzero"`  // Length of the forwarded audio
	Bytes       int64  `json:"bytes,omitzero"`        // Bytes uploaded
	UploadError string `json:"upload_error,omitzero"` // Upload failure, if any
	At          string `json:"at"`                    // RFC3339 time speech started
}

// SessionStatus contains a summary of the session's current operational state.
type SessionStatus struct {
	State          SessionState   `json:"state"`                    // Current session state
	DeviceMode     string         `json:"device_mode"`              // idle, playing or recording
	DetectorState  string         `json:"detector_state"`           // Endpoint detector state
	UseDetector    bool           `json:"use_detector"`             // False in hold-to-talk mode
	RelayConnected bool           `json:"relay_connected"`          // Last relay request succeeded
	Uptime         string         `json:"uptime,omitzero"`          // Time since start
	LastError      string         `json:"last_error,omitzero"`      // Most recent error
	Utterances     int            `json:"utterances"`               // Utterances forwarded since start
	Replies        int            `json:"replies"`                  // Replies played since start
	LastUtterance  *UtteranceInfo `json:"last_utterance,omitempty"` // Most recent utterance
}

// DetectorSettings contains the tunable endpoint detector settings.
type DetectorSettings struct {
	Enabled           bool    `json:"enabled"`
	VoicingThreshold  float64 `json:"voicing_threshold"`
	EnergyRange       float64 `json:"energy_range"`
	StartPaddingMs    int     `json:"start_padding_ms"`
	EndPaddingMs      int     `json:"end_padding_ms"`
	PostSpeechSilence int     `json:"post_speech_silence_ms"`
}

// DeviceList contains the devices available for capture and playback.
type DeviceList struct {
	Inputs  []audio.Device `json:"inputs"`
	Outputs []audio.Device `json:"outputs"`
}

// WSStatusResponse is sent to clients with full session status.
type WSStatusResponse struct {
	Type            string           `json:"type"`             // Message type identifier
	FFmpegAvailable bool             `json:"ffmpeg_available"` // FFmpeg binary is available
	Session         SessionStatus    `json:"session"`          // Session status
	Format          audio.Format     `json:"format"`           // Capture format
	Detector        DetectorSettings `json:"detector"`         // Detector settings
	Devices         DeviceList       `json:"devices"`          // Available audio devices
	Settings        WSSettings       `json:"settings"`         // Current settings
	Version         VersionInfo      `json:"version"`          // Version information
}

// WSSettings contains the settings sub-object in status responses.
type WSSettings struct {
	AudioInput  string `json:"audio_input"`  // Selected capture device
	AudioOutput string `json:"audio_output"` // Selected playback device
	RecordURL   string `json:"record_url"`   // Relay upload endpoint
	PlayURL     string `json:"play_url"`     // Relay reply endpoint
	Platform    string `json:"platform"`     // Operating system platform
}

// WSLevelsResponse is sent to clients with audio level updates.
type WSLevelsResponse struct {
	Type   string       `json:"type"`   // Message type identifier
	Levels audio.Levels `json:"levels"` // Current input levels
}

// WSEvent is sent to clients when the session, detector or device changes state.
type WSEvent struct {
	Type    string         `json:"type"`              // Always "event"
	Event   string         `json:"event"`             // Event name, as in the event log
	Offset  int64          `json:"offset,omitzero"`   // Sample offset for detector events
	Details map[string]any `json:"details,omitempty"` // Event specific details
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
