package endpoint

import (
	"fmt"
	"math"
)

// Runtime-tunable parameter names accepted by SetParameter.
const (
	ParamEnergyRange      = "energyRange"
	ParamVoicingThreshold = "voicingThreshold"
)

// Params configures the detector. Durations are in seconds.
type Params struct {
	StartPadding      float64 // audio kept before the first voicing
	EndPadding        float64 // audio kept after the final voicing
	PreSpeechSilence  float64 // silence required before speech may start
	PostSpeechSilence float64 // silence that ends an utterance
	VoiceDuration     float64 // voicing needed to confirm speech
	SilenceDuration   float64 // unvoicing needed to confirm silence
	FrameDuration     float64 // hop between analysis windows
	WindowDuration    float64 // analysis window length

	ClipLevel        float64 // center-clip level as a fraction of the running peak
	VoicingThreshold float64 // minimum periodicity of a voiced window
	EnergyRange      float64 // dB above the running minimum energy for voicing

	MinPitch        float64 // lowest pitch searched, Hz
	MaxPitch        float64 // highest pitch searched, Hz
	PitchResolution int     // number of log-spaced pitch candidates

	Granularity int // sample buffer segment size in bytes, 0 for the default
}

// DefaultParams returns the detector defaults.
func DefaultParams() Params {
	return Params{
		StartPadding:      1.2,
		EndPadding:        1.2,
		PreSpeechSilence:  0,
		PostSpeechSilence: 1.0,
		VoiceDuration:     0.060,
		SilenceDuration:   0.080,
		FrameDuration:     0.020,
		WindowDuration:    0.080,
		ClipLevel:         0.6,
		VoicingThreshold:  0.70,
		EnergyRange:       5.0,
		MinPitch:          70,
		MaxPitch:          250,
		PitchResolution:   30,
	}
}

// Validate reports whether the parameters describe a usable analysis.
func (p *Params) Validate() error {
	switch {
	case p.FrameDuration <= 0 || p.WindowDuration < p.FrameDuration:
		return fmt.Errorf("frame %.3fs and window %.3fs must be positive with window >= frame", p.FrameDuration, p.WindowDuration)
	case p.MinPitch <= 0 || p.MaxPitch <= p.MinPitch:
		return fmt.Errorf("pitch range %.0f-%.0f Hz is empty", p.MinPitch, p.MaxPitch)
	case p.PitchResolution < 1:
		return fmt.Errorf("pitch resolution %d must be positive", p.PitchResolution)
	case p.ClipLevel < 0 || p.ClipLevel >= 1:
		return fmt.Errorf("clip level %.2f outside [0, 1)", p.ClipLevel)
	case p.StartPadding < 0 || p.EndPadding < 0 || p.PreSpeechSilence < 0 || p.PostSpeechSilence < 0:
		return fmt.Errorf("paddings and silences must not be negative")
	}
	return nil
}

// ParameterNames lists the names accepted by SetParameter.
func ParameterNames() []string {
	return []string{ParamEnergyRange, ParamVoicingThreshold}
}

// timing holds the parameters converted to samples at one sample rate.
type timing struct {
	frame        int64
	window       int64
	startPadding int64
	endPadding   int64
	preSpeech    int64
	postSpeech   int64
	voice        int64
	silence      int64
}

func newTiming(p *Params, rate int) timing {
	samples := func(d float64) int64 {
		return int64(math.Round(d * float64(rate)))
	}
	frame := max(samples(p.FrameDuration), 1)
	return timing{
		frame:        frame,
		window:       max(samples(p.WindowDuration), frame),
		startPadding: samples(p.StartPadding),
		endPadding:   samples(p.EndPadding),
		preSpeech:    samples(p.PreSpeechSilence),
		postSpeech:   samples(p.PostSpeechSilence),
		voice:        samples(p.VoiceDuration) / frame * frame,
		silence:      samples(p.SilenceDuration) / frame * frame,
	}
}
