package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum caches a Hamming window and FFT plan for a fixed buffer length
// so repeated image rejection measurements on the same buffer size do not
// rebuild them.
type Spectrum struct {
	mu     sync.Mutex
	size   int
	window []float64
	fft    *fourier.CmplxFFT
}

// NewSpectrum prepares cached resources for n point transforms.
func NewSpectrum(n int) *Spectrum {
	return &Spectrum{
		size:   n,
		window: Hamming(n),
		fft:    fourier.NewCmplxFFT(n),
	}
}

// Size returns the transform length.
func (s *Spectrum) Size() int { return s.size }

// Coefficients returns the windowed FFT of samples, which must hold Size
// samples.
func (s *Spectrum) Coefficients(samples []complex64) ([]complex128, error) {
	if len(samples) != s.size {
		return nil, fmt.Errorf("spectrum sized for %d samples, got %d", s.size, len(samples))
	}
	windowed := ApplyWindow(samples, s.window)

	// CmplxFFT keeps scratch state between calls.
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fft.Coefficients(nil, windowed), nil
}

// ImageRejection reports the ratio in dB between the tone at +toneFreq
// and its quadrature image at -toneFreq.
func (s *Spectrum) ImageRejection(samples []complex64, toneFreq, sampleRate float64) (float64, error) {
	n := s.size
	if n < 4 {
		return 0, fmt.Errorf("need at least 4 samples for image rejection, got %d", n)
	}
	k := ToneBin(n, toneFreq, sampleRate)
	image := (n - k) % n
	if k == 0 || k == image {
		return 0, fmt.Errorf("tone at %g Hz has no separable image with %d samples at %g S/s", toneFreq, n, sampleRate)
	}

	coeffs, err := s.Coefficients(samples)
	if err != nil {
		return 0, err
	}
	tone := cmplx.Abs(coeffs[k])
	mirror := cmplx.Abs(coeffs[image])
	if tone == 0 {
		return 0, fmt.Errorf("%w: no energy in tone bin %d", ErrDegenerate, k)
	}
	if mirror == 0 {
		return MaxImageRejectionDB, nil
	}
	return math.Min(20*math.Log10(tone/mirror), MaxImageRejectionDB), nil
}
