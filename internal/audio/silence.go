package audio

import (
	"sync"
	"time"
)

// SilenceConfig holds the configurable thresholds for silence detection.
type SilenceConfig struct {
	Threshold  float64 // dB level below which audio is considered silent
	DurationMs int64   // milliseconds of silence before triggering
	RecoveryMs int64   // milliseconds of audio before considering recovered
}

// SilenceEvent represents the result of a silence detection update.
type SilenceEvent struct {
	InSilence  bool  // Currently in confirmed silence state
	DurationMs int64 // Current silence duration in ms (0 if not silent)

	JustEntered     bool  // True on the update when silence is first confirmed
	JustRecovered   bool  // True on the update when recovery completes
	TotalDurationMs int64 // Total silence duration in ms (only set when JustRecovered)
}

// SilenceDetector flags a dead input: a level that stays below a threshold
// for longer than a configured duration.
// It is safe for concurrent use.
type SilenceDetector struct {
	mu                sync.Mutex
	silenceStart      time.Time
	recoveryStart     time.Time
	inSilence         bool
	silenceDurationMs int64
}

// NewSilenceDetector creates a new silence detector.
func NewSilenceDetector() *SilenceDetector {
	return &SilenceDetector{}
}

// Update feeds a level in dB and returns the current state.
func (d *SilenceDetector) Update(db float64, cfg SilenceConfig, now time.Time) SilenceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	var event SilenceEvent

	if db < cfg.Threshold {
		d.recoveryStart = time.Time{}
		if d.silenceStart.IsZero() {
			d.silenceStart = now
		}
		d.silenceDurationMs = now.Sub(d.silenceStart).Milliseconds()

		if !d.inSilence && d.silenceDurationMs >= cfg.DurationMs {
			d.inSilence = true
			event.JustEntered = true
		}
		if d.inSilence {
			event.InSilence = true
			event.DurationMs = d.silenceDurationMs
		}
		return event
	}

	if !d.inSilence {
		d.silenceStart = time.Time{}
		return event
	}

	// Audio returned; stay silent until it lasts for the recovery period.
	if d.recoveryStart.IsZero() {
		d.recoveryStart = now
	}
	if now.Sub(d.recoveryStart).Milliseconds() < cfg.RecoveryMs {
		event.InSilence = true
		return event
	}

	event.JustRecovered = true
	event.TotalDurationMs = d.silenceDurationMs
	d.inSilence = false
	d.silenceDurationMs = 0
	d.silenceStart = time.Time{}
	d.recoveryStart = time.Time{}
	return event
}

// Reset clears the silence detection state.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silenceStart = time.Time{}
	d.recoveryStart = time.Time{}
	d.inSilence = false
	d.silenceDurationMs = 0
}
