// Package eventlog provides unified event logging for the talkback station.
// It captures speech events (listening, speech_start, speech_end, no_speech),
// device events (playback, device errors) and relay events (uploads, replies)
// in a single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Speech event types.
const (
	ListeningStarted EventType = "listening_started"
	ListeningEnded   EventType = "listening_ended"
	SpeechStart      EventType = "speech_start"
	SpeechEnd        EventType = "speech_end"
	NoSpeech         EventType = "no_speech"
)

// Device event types.
const (
	PlayingStarted EventType = "playing_started"
	PlayingEnded   EventType = "playing_ended"
	DeviceError    EventType = "device_error"
	InputSilent    EventType = "input_silent"
	InputRecovered EventType = "input_recovered"
)

// Relay event types.
const (
	UploadCompleted EventType = "upload_completed"
	UploadFailed    EventType = "upload_failed"
	ReplyReceived   EventType = "reply_received"
	RelayError      EventType = "relay_error"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SpeechDetails contains detector event details.
type SpeechDetails struct {
	Offset     int64 `json:"offset"`                // Sample offset in the listening session
	DurationMs int64 `json:"duration_ms,omitempty"` // Utterance length (speech_end only)
	Detector   bool  `json:"detector"`              // False for hold-to-talk
}

// DeviceDetails contains audio device event details.
type DeviceDetails struct {
	Mode       string  `json:"mode,omitempty"`
	Device     string  `json:"device,omitempty"`
	LevelDB    float64 `json:"level_db,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RelayDetails contains relay event details.
type RelayDetails struct {
	URL        string `json:"url,omitempty"`
	Status     int    `json:"status,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "talkback", "logs", fmt.Sprintf("%d", port), "talkback.jsonl")
	default: // linux, darwin
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/talkback", fmt.Sprintf("%d", port), "talkback.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogSpeech logs a detector event.
func (l *Logger) LogSpeech(eventType EventType, offset, durationMs int64, detector bool) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details: &SpeechDetails{
			Offset:     offset,
			DurationMs: durationMs,
			Detector:   detector,
		},
	})
}

// LogDevice logs an audio device event.
func (l *Logger) LogDevice(eventType EventType, mode, device, errMsg string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details: &DeviceDetails{
			Mode:   mode,
			Device: device,
			Error:  errMsg,
		},
	})
}

// LogInputSilence logs a dead-microphone transition.
func (l *Logger) LogInputSilence(eventType EventType, levelDB float64, durationMs int64) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details: &DeviceDetails{
			LevelDB:    levelDB,
			DurationMs: durationMs,
		},
	})
}

// LogRelay logs a relay event.
func (l *Logger) LogRelay(eventType EventType, url string, status int, bytes, durationMs int64, errMsg string, retryCount int) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details: &RelayDetails{
			URL:        url,
			Status:     status,
			Bytes:      bytes,
			DurationMs: durationMs,
			Error:      errMsg,
			RetryCount: retryCount,
		},
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll    TypeFilter = ""
	FilterSpeech TypeFilter = "speech"
	FilterDevice TypeFilter = "device"
	FilterRelay  TypeFilter = "relay"
)

// ValidFilter reports whether f is a known filter.
func ValidFilter(f TypeFilter) bool {
	switch f {
	case FilterAll, FilterSpeech, FilterDevice, FilterRelay:
		return true
	default:
		return false
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest
// first. The n parameter is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	if n > MaxReadLimit {
		n = MaxReadLimit
	}
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	hasMore := false
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			hasMore = true
			break
		}
		events = append(events, event)
	}

	return events, hasMore, nil
}

func (f TypeFilter) matches(t EventType) bool {
	switch f {
	case FilterSpeech:
		return IsSpeechEvent(t)
	case FilterDevice:
		return IsDeviceEvent(t)
	case FilterRelay:
		return IsRelayEvent(t)
	default:
		return true
	}
}

// IsSpeechEvent returns true if the event type is a speech event.
func IsSpeechEvent(t EventType) bool {
	return t == ListeningStarted || t == ListeningEnded || t == SpeechStart || t == SpeechEnd || t == NoSpeech
}

// IsDeviceEvent returns true if the event type is a device event.
func IsDeviceEvent(t EventType) bool {
	return t == PlayingStarted || t == PlayingEnded || t == DeviceError || t == InputSilent || t == InputRecovered
}

// IsRelayEvent returns true if the event type is a relay event.
func IsRelayEvent(t EventType) bool {
	return t == UploadCompleted || t == UploadFailed || t == ReplyReceived || t == RelayError
}
