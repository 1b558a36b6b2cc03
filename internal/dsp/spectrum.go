package dsp

import (
	"fmt"
	"math"
)

// MaxImageRejectionDB caps ImageRejection when the mirror bin is empty.
const MaxImageRejectionDB = 200.0

// ToneBin returns the FFT bin holding a tone at freq for an n point
// transform at sampleRate, wrapped into [0, n).
func ToneBin(n int, freq, sampleRate float64) int {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	k := int(math.Round(freq * float64(n) / sampleRate))
	k %= n
	if k < 0 {
		k += n
	}
	return k
}

// ImageRejection reports the ratio in dB between the reference tone at
// +toneFreq and its quadrature image at -toneFreq. Callers measuring many
// buffers of one length should hold a Spectrum instead.
func ImageRejection(samples []complex64, toneFreq, sampleRate float64) (float64, error) {
	if len(samples) < 4 {
		return 0, fmt.Errorf("need at least 4 samples for image rejection, got %d", len(samples))
	}
	return NewSpectrum(len(samples)).ImageRejection(samples, toneFreq, sampleRate)
}
