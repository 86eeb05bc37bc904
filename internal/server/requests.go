package server

// Request bodies for WebSocket commands. The same types back the REST
// endpoints in the main package.

// ListenRequest is the request body for listen/start.
type ListenRequest struct {
	// UseDetector overrides the configured mode for this session.
	UseDetector *bool `json:"use_detector"`
}

// DetectorUpdateRequest is the request body for detector/update.
type DetectorUpdateRequest struct {
	Enabled          *bool    `json:"enabled"`
	VoicingThreshold *float64 `json:"voicing_threshold" validate:"omitempty,gte=0,lte=1"`
	EnergyRange      *float64 `json:"energy_range" validate:"omitempty,gte=0,lte=60"`
}

// AudioUpdateRequest is the request body for audio/update.
type AudioUpdateRequest struct {
	Input  string `json:"input" validate:"max=256"`
	Output string `json:"output" validate:"max=256"`
}

// CueTestRequest is the request body for cues/test.
type CueTestRequest struct {
	Cue string `json:"cue" validate:"required,oneof=start end"`
}

// EventsRequest is the request body for events/get.
type EventsRequest struct {
	Filter string `json:"filter" validate:"omitempty,oneof=all speech device relay"`
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"gte=0"`
}
