// Package detection decides from live microphone audio whether a set of target
// frequencies is being played nearby.
package detection

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	smoothingTimeConstant = 0.8
	minDecibels           = -100.0
	maxDecibels           = -30.0
)

// Analyzer turns blocks of time-domain samples into byte frequency data:
// Blackman window, FFT, magnitude smoothing across frames, then decibels scaled to 0..255.
type Analyzer struct {
	size     int
	fft      *fourier.FFT
	window   []float64
	windowed []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyzer creates an analyzer for blocks of size samples. size must be a power of two.
func NewAnalyzer(size int) *Analyzer {
	w := make([]float64, size)
	for i := range w {
		w[i] = 1
	}
	return &Analyzer{
		size:     size,
		fft:      fourier.NewFFT(size),
		window:   window.Blackman(w),
		windowed: make([]float64, size),
		coeffs:   make([]complex128, size/2+1),
		smoothed: make([]float64, size/2),
	}
}

// BinCount is the number of frequency bins produced per frame.
func (a *Analyzer) BinCount() int {
	return a.size / 2
}

// Size is the FFT size.
func (a *Analyzer) Size() int {
	return a.size
}

// ByteFrequencyData analyzes samples (len Size) into dst (len BinCount) and returns dst.
func (a *Analyzer) ByteFrequencyData(samples []float64, dst []uint8) []uint8 {
	if len(dst) < a.BinCount() {
		dst = make([]uint8, a.BinCount())
	}
	for i := 0; i < a.size; i++ {
		var s float64
		if i < len(samples) {
			s = samples[i]
		}
		a.windowed[i] = s * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.windowed)

	scale := 255 / (maxDecibels - minDecibels)
	n := float64(a.size)
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) / n
		a.smoothed[k] = smoothingTimeConstant*a.smoothed[k] + (1-smoothingTimeConstant)*mag
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - minDecibels))
		switch {
		case math.IsNaN(v) || v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		dst[k] = uint8(v)
	}
	return dst
}

// Reset forgets the smoothing history.
func (a *Analyzer) Reset() {
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}
