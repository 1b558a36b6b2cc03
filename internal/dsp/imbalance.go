package dsp

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrDegenerate marks an estimate that must not be programmed into hardware.
var ErrDegenerate = errors.New("degenerate imbalance estimate")

// DefaultMinAmplitude is the smallest per-channel tone amplitude (full scale
// 1.0) accepted as a detectable reference.
const DefaultMinAmplitude = 1e-3

// Imbalance holds the statistics of one receive buffer.
type Imbalance struct {
	N      int
	DC     complex128 // mean of all samples
	Moment complex128 // componentwise mean square after DC removal
	Alpha  float64    // in-phase amplitude
	Beta   float64    // quadrature amplitude
	Gain   float64    // Beta / Alpha
	SinPhi float64
	CosPhi float64
}

// Correction is the value for the receive I/Q balance register.
func (im Imbalance) Correction() complex128 {
	return complex(im.Gain*im.CosPhi, im.SinPhi)
}

// Distance measures how far the estimate is from a balanced chain.
func (im Imbalance) Distance() float64 {
	return math.Hypot(im.Gain-1, im.SinPhi)
}

// Check reports ErrDegenerate when the estimate carries no usable tone or
// non-finite terms.
func (im Imbalance) Check(minAmplitude float64) error {
	if im.N == 0 {
		return fmt.Errorf("%w: empty buffer", ErrDegenerate)
	}
	for _, v := range []float64{im.Alpha, im.Beta, im.Gain, im.SinPhi, im.CosPhi, real(im.DC), imag(im.DC)} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite terms (alpha=%g beta=%g sin=%g)", ErrDegenerate, im.Alpha, im.Beta, im.SinPhi)
		}
	}
	if im.Alpha < minAmplitude || im.Beta < minAmplitude {
		return fmt.Errorf("%w: tone amplitude below %g (alpha=%g beta=%g)", ErrDegenerate, minAmplitude, im.Alpha, im.Beta)
	}
	if c := im.Correction(); cmplx.IsNaN(c) || cmplx.IsInf(c) {
		return fmt.Errorf("%w: correction %v", ErrDegenerate, c)
	}
	return nil
}

// EstimateImbalance computes DC offset and gain/phase imbalance of a buffer
// holding an integer number of reference tone cycles. It does not validate
// the result; callers use Check before acting on it.
func EstimateImbalance(samples []complex64) Imbalance {
	n := len(samples)
	if n == 0 {
		nan := math.NaN()
		return Imbalance{Alpha: nan, Beta: nan, Gain: nan, SinPhi: nan, CosPhi: nan}
	}

	re := make([]float64, n)
	im := make([]float64, n)
	for i, s := range samples {
		re[i] = float64(real(s))
		im[i] = float64(imag(s))
	}

	dc := complex(stat.Mean(re, nil), stat.Mean(im, nil))
	floats.AddConst(-real(dc), re)
	floats.AddConst(-imag(dc), im)

	fn := float64(n)
	moment := complex(floats.Dot(re, re)/fn, floats.Dot(im, im)/fn)
	alpha := math.Sqrt(2 * real(moment))
	beta := math.Sqrt(2 * imag(moment))

	sinPhi := 2 / (alpha * fn) * floats.Dot(re, im)
	// NaN when |sinPhi| > 1.
	cosPhi := math.Sqrt(1 - sinPhi*sinPhi)

	return Imbalance{
		N:      n,
		DC:     dc,
		Moment: moment,
		Alpha:  alpha,
		Beta:   beta,
		Gain:   beta / alpha,
		SinPhi: sinPhi,
		CosPhi: cosPhi,
	}
}
