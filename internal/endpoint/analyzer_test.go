package endpoint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n int, hz, rate, amplitude float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = amplitude * math.Sin(2*math.Pi*hz*float64(i)/rate)
	}
	return s
}

func TestPitchLags(t *testing.T) {
	p := DefaultParams()
	lags := pitchLags(&p, 16000)

	require.NotEmpty(t, lags)
	assert.Equal(t, 229, lags[0])
	assert.Equal(t, 67, lags[len(lags)-1])
	for i := 1; i < len(lags); i++ {
		assert.Less(t, lags[i], lags[i-1], "lags must be distinct and decreasing")
	}
}

func TestAnalyzerDropsLagsBeyondWindow(t *testing.T) {
	p := DefaultParams()
	a := newAnalyzer(&p, 16000, 160)
	for _, lag := range a.lags {
		assert.Less(t, lag, 160)
	}
}

func TestAnalyzerSilenceIsUnvoiced(t *testing.T) {
	p := DefaultParams()
	a := newAnalyzer(&p, 16000, 1280)

	res := a.analyze(make([]float64, 1280), p.VoicingThreshold, p.EnergyRange)
	assert.False(t, res.Speech)
	assert.Zero(t, res.Periodicity)
}

func TestAnalyzerDCOffsetIsIgnored(t *testing.T) {
	p := DefaultParams()
	a := newAnalyzer(&p, 16000, 1280)

	dc := make([]float64, 1280)
	for i := range dc {
		dc[i] = 5000
	}
	res := a.analyze(dc, p.VoicingThreshold, p.EnergyRange)
	assert.False(t, res.Speech)
	assert.Zero(t, res.Energy)
}

func TestAnalyzerVoicedAfterEnergyRise(t *testing.T) {
	p := DefaultParams()
	a := newAnalyzer(&p, 16000, 1280)

	quiet := a.analyze(sine(1280, 150, 16000, 100), p.VoicingThreshold, p.EnergyRange)
	assert.Greater(t, quiet.Periodicity, p.VoicingThreshold)
	assert.False(t, quiet.Speech, "first window sets the energy floor")

	loud := a.analyze(sine(1280, 150, 16000, 10000), p.VoicingThreshold, p.EnergyRange)
	assert.Greater(t, loud.Periodicity, p.VoicingThreshold)
	assert.Greater(t, loud.Energy-quiet.Energy, p.EnergyRange)
	assert.True(t, loud.Speech)
}

func TestAnalyzerThresholdGatesVoicing(t *testing.T) {
	p := DefaultParams()
	a := newAnalyzer(&p, 16000, 1280)

	a.analyze(sine(1280, 150, 16000, 100), p.VoicingThreshold, p.EnergyRange)
	res := a.analyze(sine(1280, 150, 16000, 10000), 1.5, p.EnergyRange)
	assert.False(t, res.Speech)
}

func TestTiming(t *testing.T) {
	p := DefaultParams()
	tm := newTiming(&p, 16000)

	assert.Equal(t, int64(320), tm.frame)
	assert.Equal(t, int64(1280), tm.window)
	assert.Equal(t, int64(19200), tm.startPadding)
	assert.Equal(t, int64(16000), tm.postSpeech)
	assert.Equal(t, int64(960), tm.voice)
	assert.Equal(t, int64(1280), tm.silence)
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		ok     bool
	}{
		{"defaults", func(*Params) {}, true},
		{"zero frame", func(p *Params) { p.FrameDuration = 0 }, false},
		{"window shorter than frame", func(p *Params) { p.WindowDuration = 0.01 }, false},
		{"inverted pitch", func(p *Params) { p.MinPitch = 300 }, false},
		{"no resolution", func(p *Params) { p.PitchResolution = 0 }, false},
		{"clip of one", func(p *Params) { p.ClipLevel = 1 }, false},
		{"negative padding", func(p *Params) { p.EndPadding = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			if tt.ok {
				assert.NoError(t, p.Validate())
			} else {
				assert.Error(t, p.Validate())
			}
		})
	}
}
