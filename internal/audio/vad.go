package audio

import (
	"math"
)

// WindowResult is the energy of one analysis window
type WindowResult struct {
	RMS    float64
	Silent bool
}

// SilenceDetector splits a sample stream into fixed windows and classifies
// each by RMS energy. Samples that do not fill a window are carried over to
// the next Feed.
type SilenceDetector struct {
	window    int
	threshold float64
	pending   []float32
}

// NewSilenceDetector creates a detector; window <= 0 uses 512 samples.
func NewSilenceDetector(window int, threshold float64) *SilenceDetector {
	if window <= 0 {
		window = 512
	}
	return &SilenceDetector{
		window:    window,
		threshold: threshold,
		pending:   make([]float32, 0, window),
	}
}

// Feed consumes samples and returns one result per completed window.
func (d *SilenceDetector) Feed(samples []float32) []WindowResult {
	var results []WindowResult
	for len(samples) > 0 {
		need := d.window - len(d.pending)
		if need > len(samples) {
			need = len(samples)
		}
		d.pending = append(d.pending, samples[:need]...)
		samples = samples[need:]

		if len(d.pending) == d.window {
			rms := RMS(d.pending)
			results = append(results, WindowResult{RMS: rms, Silent: rms < d.threshold})
			d.pending = d.pending[:0]
		}
	}
	return results
}

// Reset drops any partial window.
func (d *SilenceDetector) Reset() {
	d.pending = d.pending[:0]
}

// RMS computes Root Mean Square energy of float samples in [-1, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
