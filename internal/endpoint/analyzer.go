package endpoint

import (
	"math"
	"slices"
)

// analyzer classifies windows as voiced or unvoiced from their periodicity
// and energy. The peak and energy floor adapt over a listening session.
type analyzer struct {
	window  int
	lags    []int
	hamming []float64
	bias    float64
	work    []float64

	clipLevel float64
	maxval    float64
	minEnergy float64
	maxEnergy float64
}

// windowResult is the outcome of analyzing one window.
type windowResult struct {
	Speech      bool
	Periodicity float64
	Energy      float64
}

func newAnalyzer(p *Params, rate int, window int) *analyzer {
	a := &analyzer{
		window:    window,
		lags:      pitchLags(p, rate),
		hamming:   make([]float64, window),
		bias:      -5 * math.Log10(float64(window)),
		work:      make([]float64, 2*window),
		clipLevel: p.ClipLevel,
	}
	a.lags = slices.DeleteFunc(a.lags, func(lag int) bool { return lag >= window })
	for i := range window {
		a.hamming[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(max(window-1, 1)))
	}
	a.reset()
	return a
}

// pitchLags maps log-spaced pitch candidates onto distinct integer lags.
func pitchLags(p *Params, rate int) []int {
	interval := math.Log(p.MaxPitch/p.MinPitch) / float64(p.PitchResolution)
	lags := make([]int, 0, p.PitchResolution)
	last := 0
	for i := range p.PitchResolution {
		pitch := math.Exp(interval*float64(i)) * p.MinPitch
		lag := int(math.Round(float64(rate) / pitch))
		if lag != last {
			lags = append(lags, lag)
			last = lag
		}
	}
	return lags
}

func (a *analyzer) reset() {
	a.maxval = math.SmallestNonzeroFloat64
	a.minEnergy = math.Inf(1)
	a.maxEnergy = math.Inf(-1)
}

// analyze classifies one window of samples. Short input is zero padded.
func (a *analyzer) analyze(samples []float64, voicingThreshold, energyRange float64) windowResult {
	n := min(len(samples), a.window)
	w := a.work[:a.window]

	var mean float64
	for _, v := range samples[:n] {
		mean += v
	}
	if n > 0 {
		mean /= float64(n)
	}
	for i := range n {
		w[i] = a.hamming[i] * (samples[i] - mean)
	}
	clear(w[n:])

	var peak float64
	for _, v := range w {
		peak = max(peak, math.Abs(v))
	}
	a.maxval = max(a.maxval, peak)
	clip := a.maxval * a.clipLevel
	var a0 float64
	for i, v := range w {
		if math.Abs(v) < clip {
			w[i] = 0
			continue
		}
		a0 += v * v
	}

	var res windowResult
	if a0 <= 0 {
		return res
	}

	// Replicate the window so lagged products never wrap.
	copy(a.work[a.window:], w)
	best := math.SmallestNonzeroFloat64
	for _, lag := range a.lags {
		var sum float64
		for i := range a.window {
			sum += a.work[i] * a.work[i+lag]
		}
		best = max(best, sum)
	}

	res.Energy = a.bias + 5*math.Log10(a0)
	a.maxEnergy = max(a.maxEnergy, res.Energy)
	a.minEnergy = min(a.minEnergy, res.Energy)
	res.Periodicity = best / a0
	res.Speech = res.Periodicity > voicingThreshold && res.Energy-a.minEnergy > energyRange
	return res
}
