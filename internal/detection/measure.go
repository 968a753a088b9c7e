package detection

import "math"

// Measurement is the amplitude around one target bin.
type Measurement struct {
	Peak  float64
	Mean  float64
	Noise float64
}

// TargetBin maps a frequency to its FFT bin.
func TargetBin(freq float64, sampleRate, fftSize int) int {
	binSize := float64(sampleRate) / float64(fftSize)
	return int(math.Floor(freq / binSize))
}

// Measure returns the peak and mean of the bins within binRange of bin, and the mean of
// the bins further out up to binRange+noiseRange as the local noise floor.
// Bins outside data are skipped.
func Measure(data []uint8, bin, binRange, noiseRange int) Measurement {
	var m Measurement
	var sum float64
	var n int
	for i := bin - binRange; i <= bin+binRange; i++ {
		if i < 0 || i >= len(data) {
			continue
		}
		v := float64(data[i])
		m.Peak = math.Max(m.Peak, v)
		sum += v
		n++
	}
	if n > 0 {
		m.Mean = sum / float64(n)
	}

	var noise float64
	var ns int
	for i := bin - binRange - noiseRange; i <= bin+binRange+noiseRange; i++ {
		if i < 0 || i >= len(data) || (i >= bin-binRange && i <= bin+binRange) {
			continue
		}
		noise += float64(data[i])
		ns++
	}
	if ns > 0 {
		m.Noise = noise / float64(ns)
	}
	return m
}

// Detected reports whether the mean clears both the fixed threshold and the scaled
// noise floor while the peak clears the fixed threshold.
func (m Measurement) Detected(threshold, noiseFactor float64) bool {
	return m.Mean > math.Max(threshold, noiseFactor*m.Noise) && m.Peak > threshold
}
