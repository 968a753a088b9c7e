package detection

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spectrum returns bins filled with floor, with the ±4 window around bin set to level.
func spectrum(floor, level uint8, bins ...int) []uint8 {
	data := make([]uint8, 1024)
	for i := range data {
		data[i] = floor
	}
	for _, b := range bins {
		for i := b - 4; i <= b+4; i++ {
			if i >= 0 && i < len(data) {
				data[i] = level
			}
		}
	}
	return data
}

func TestTargetBin(t *testing.T) {
	assert.Equal(t, 92, TargetBin(2000, 44100, 2048))
	assert.Equal(t, 85, TargetBin(2000, 48000, 2048))
	assert.Equal(t, 46, TargetBin(1000, 44100, 2048))
}

func TestMeasureAboveThresholdAndNoise(t *testing.T) {
	bin := TargetBin(2000, 44100, 2048)
	m := Measure(spectrum(50, 200, bin), bin, 4, 10)
	assert.Equal(t, 200.0, m.Peak)
	assert.Equal(t, 200.0, m.Mean)
	assert.Equal(t, 50.0, m.Noise)
	// 200 > max(120, 75) and 200 > 120
	assert.True(t, m.Detected(120, 1.5))
}

func TestMeasureNoiseRaisesThreshold(t *testing.T) {
	bin := 92
	m := Measure(spectrum(150, 200, bin), bin, 4, 10)
	assert.False(t, m.Detected(120, 1.5), "1.5 x 150 = 225 exceeds the mean")
}

func TestMeasureSingleSpikeIsNotEnough(t *testing.T) {
	bin := 92
	data := spectrum(50, 50)
	data[bin] = 250
	m := Measure(data, bin, 4, 10)
	assert.Equal(t, 250.0, m.Peak)
	assert.False(t, m.Detected(120, 1.5), "mean of the window stays below the threshold")

	m = Measure(spectrum(0, 130, bin), bin, 4, 10)
	assert.True(t, m.Detected(120, 1.5))
}

func TestMeasureClipsAtEdges(t *testing.T) {
	data := spectrum(10, 200, 1)
	m := Measure(data, 1, 4, 10)
	// window covers bins 0..5 only
	assert.Equal(t, 200.0, m.Mean)
	assert.Equal(t, 10.0, m.Noise)
}

func TestTrackerHysteresis(t *testing.T) {
	tr := NewTracker(5, 0.5)
	assert.Equal(t, Idle, tr.State())

	for i := 0; i < 4; i++ {
		tr.Hit()
	}
	assert.Equal(t, Accumulating, tr.State())
	tr.Hit()
	assert.Equal(t, Confirmed, tr.State())

	tr.Miss()
	assert.Equal(t, 4.5, tr.Count())
	assert.Equal(t, Accumulating, tr.State())

	for i := 0; i < 20; i++ {
		tr.Miss()
	}
	assert.Equal(t, 0.0, tr.Count())
	assert.Equal(t, Idle, tr.State())
}

func TestTrackerMissDecaysHalf(t *testing.T) {
	tr := NewTracker(5, 0.5)
	tr.Hit()
	tr.Miss()
	assert.Equal(t, 0.5, tr.Count())
	assert.Equal(t, Accumulating, tr.State())
	tr.Miss()
	assert.Equal(t, Idle, tr.State())
	tr.Miss()
	assert.Equal(t, 0.0, tr.Count(), "floor at zero")
}

func sine(freq, amp float64, rate, n, offset int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i+offset)/float64(rate))
	}
	return out
}

func TestAnalyzerDetectsSine(t *testing.T) {
	a := NewAnalyzer(2048)
	require.Equal(t, 1024, a.BinCount())

	var data []uint8
	for frame := 0; frame < 8; frame++ {
		data = a.ByteFrequencyData(sine(2000, 0.5, 44100, 2048, frame*2048), data)
	}

	target := TargetBin(2000, 44100, 2048)
	m := Measure(data, target, 4, 10)
	assert.Greater(t, m.Peak, 200.0)
	assert.True(t, m.Detected(120, 1.5))

	other := TargetBin(5000, 44100, 2048)
	assert.False(t, Measure(data, other, 4, 10).Detected(120, 1.5))
}

func TestAnalyzerSilenceIsZero(t *testing.T) {
	a := NewAnalyzer(2048)
	data := a.ByteFrequencyData(make([]float64, 2048), nil)
	for _, v := range data {
		require.Zero(t, v)
	}
}
