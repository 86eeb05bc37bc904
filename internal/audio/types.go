package audio

// Levels is the input meter reading pushed to the VU feed.
type Levels struct {
	// Peak is the peak level since the previous reading, in dBFS.
	Peak float64 `json:"peak"`
	// PeakHold is the held peak level in dBFS.
	PeakHold float64 `json:"peak_hold"`
	// Silence reports whether the input has been below the silence threshold long enough.
	Silence bool `json:"silence,omitzero"`
	// SilenceDurationMs is how long silence has lasted in milliseconds.
	SilenceDurationMs int64 `json:"silence_duration_ms,omitzero"`
}

// Device represents an available audio device.
type Device struct {
	// ID is the device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}
