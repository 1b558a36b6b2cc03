package dsp

import (
	"fmt"
	"math"
)

// EnvelopeLen is the number of samples in the canonical reference envelopes.
const EnvelopeLen = 100

// OnLevel is the constant amplitude of the "on" reference envelope.
const OnLevel complex64 = 0.5

// Envelope is an immutable transmit waveform. The zero value is an empty
// envelope.
type Envelope struct {
	samples []complex64
}

// NewEnvelope builds a constant envelope of n samples at level.
func NewEnvelope(level complex64, n int) Envelope {
	if n <= 0 {
		return Envelope{}
	}
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = level
	}
	return Envelope{samples: samples}
}

// OnEnvelope returns the constant non-zero reference envelope.
func OnEnvelope() Envelope { return NewEnvelope(OnLevel, EnvelopeLen) }

// OffEnvelope returns the all-zero envelope.
func OffEnvelope() Envelope { return NewEnvelope(0, EnvelopeLen) }

// Len reports the number of samples.
func (e Envelope) Len() int { return len(e.samples) }

// Samples returns a copy of the waveform.
func (e Envelope) Samples() []complex64 {
	out := make([]complex64, len(e.samples))
	copy(out, e.samples)
	return out
}

// Level returns the final sample, which is what the transmitter holds once
// the stream runs dry.
func (e Envelope) Level() complex64 {
	if len(e.samples) == 0 {
		return 0
	}
	return e.samples[len(e.samples)-1]
}

// ReceiveBufferLen returns the number of samples spanning exactly cycles
// periods of a txOffset tone at sampleRate.
func ReceiveBufferLen(cycles int, txOffset, sampleRate float64) (int, error) {
	if cycles <= 0 {
		return 0, fmt.Errorf("reference cycles must be positive, got %d", cycles)
	}
	if txOffset <= 0 || sampleRate <= 0 {
		return 0, fmt.Errorf("tx offset (%g Hz) and sample rate (%g S/s) must be positive", txOffset, sampleRate)
	}
	span := float64(cycles) / txOffset
	n := int(math.Round(span * sampleRate))
	if n < 1 {
		return 0, fmt.Errorf("receive buffer for %d cycles at %g Hz is empty", cycles, txOffset)
	}
	return n, nil
}

// NewReceiveBuffer allocates a buffer sized by ReceiveBufferLen.
func NewReceiveBuffer(cycles int, txOffset, sampleRate float64) ([]complex64, error) {
	n, err := ReceiveBufferLen(cycles, txOffset, sampleRate)
	if err != nil {
		return nil, err
	}
	return make([]complex64, n), nil
}
