package dsp

import "math"

// synthTone builds n samples holding cycles periods of an impaired tone:
// I = alpha·cos(θ), Q = beta·sin(θ+phi), both offset by dc.
func synthTone(n, cycles int, alpha, beta, phi, start float64, dc complex128) []complex64 {
	out := make([]complex64, n)
	step := 2 * math.Pi * float64(cycles) / float64(n)
	for i := range out {
		theta := start + step*float64(i)
		out[i] = complex64(complex(alpha*math.Cos(theta), beta*math.Sin(theta+phi)) + dc)
	}
	return out
}
