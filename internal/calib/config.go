package calib

import (
	"fmt"
	"time"

	"github.com/rjboer/iqcal/internal/dsp"
)

// Mode selects what a calibration point does.
type Mode int

const (
	// ModeCalibrate runs the full estimate, correct and verify protocol.
	ModeCalibrate Mode = iota
	// ModeEnvelopeTest toggles the stimulus on and off without measuring.
	ModeEnvelopeTest
)

func (m Mode) String() string {
	switch m {
	case ModeCalibrate:
		return "calibrate"
	case ModeEnvelopeTest:
		return "envelope-test"
	default:
		return "unknown"
	}
}

// ParseMode converts a flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "calibrate", "":
		return ModeCalibrate, nil
	case "envelope-test":
		return ModeEnvelopeTest, nil
	default:
		return ModeCalibrate, fmt.Errorf("unsupported mode %q", s)
	}
}

// Config holds per-point protocol parameters. It is copied into the
// Controller and never modified afterwards.
type Config struct {
	TXOffset         float64       // tx LO above rx LO, Hz
	ReferenceCycles  int           // tone cycles per receive buffer
	SettleDelay      time.Duration // wait after enabling the stimulus
	BaselineCaptures int
	VerifyCaptures   int
	MinAmplitude     float64
	SaveRX           bool
	SaveTX           bool
	Mode             Mode
	// MeasureImageRejection adds a spectral image rejection figure before
	// and after correction.
	MeasureImageRejection bool
	// Stimulus replaces the on envelope when non-empty.
	Stimulus dsp.Envelope
}

// DefaultConfig returns the standard protocol settings.
func DefaultConfig() Config {
	return Config{
		TXOffset:              1e3,
		ReferenceCycles:       100,
		SettleDelay:           5 * time.Second,
		BaselineCaptures:      50,
		VerifyCaptures:        10,
		MinAmplitude:          dsp.DefaultMinAmplitude,
		MeasureImageRejection: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TXOffset == 0 {
		c.TXOffset = d.TXOffset
	}
	if c.ReferenceCycles <= 0 {
		c.ReferenceCycles = d.ReferenceCycles
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.BaselineCaptures <= 0 {
		c.BaselineCaptures = d.BaselineCaptures
	}
	if c.VerifyCaptures <= 0 {
		c.VerifyCaptures = d.VerifyCaptures
	}
	if c.MinAmplitude <= 0 {
		c.MinAmplitude = d.MinAmplitude
	}
	return c
}
