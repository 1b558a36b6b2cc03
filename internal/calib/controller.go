// Package calib runs the receive I/Q imbalance and DC offset calibration
// protocol against a radio session.
package calib

import (
	"context"
	"fmt"
	"time"

	"github.com/rjboer/iqcal/internal/dsp"
	"github.com/rjboer/iqcal/internal/logging"
	"github.com/rjboer/iqcal/internal/sdr"
	"github.com/rjboer/iqcal/internal/telemetry"
)

// Radio is the subset of a radio session the controller drives.
type Radio interface {
	SampleRate() float64
	DCPolicy() sdr.DCPolicy
	SetFrequencies(target, txOffset float64) error
	ResetCorrections() error
	Transmit(ctx context.Context, env dsp.Envelope) error
	CaptureSynchronized(ctx context.Context, buf []complex64) (sdr.Capture, error)
	ApplyRXCorrection(dc, iq complex128) error
	CommitRX(ctx context.Context, freq float64, dc, iq complex128) error
}

// Dumper stores raw capture buffers.
type Dumper interface {
	Record(freq float64, phase string, samples []complex64) (string, error)
}

// State is the terminal state of a calibration point.
type State string

const (
	StateSuccess State = "SUCCESS"
	StateAborted State = "ABORTED"
)

// Result describes one calibration point.
type Result struct {
	Frequency float64
	State     State
	Err       error

	Pre          dsp.Imbalance
	Post         dsp.Imbalance
	IQCorrection complex128
	DCCorrection complex128
	// Applied reports that a correction reached the device.
	Applied   bool
	Converged bool
	Committed bool

	ImageRejectionPreDB  float64
	ImageRejectionPostDB float64

	Started  time.Time
	Duration time.Duration
}

// Point converts r for telemetry.
func (r Result) Point() telemetry.Point {
	p := telemetry.Point{
		Timestamp:            r.Started,
		FrequencyHz:          r.Frequency,
		State:                string(r.State),
		DCI:                  finiteOrZero(real(r.Pre.DC)),
		DCQ:                  finiteOrZero(imag(r.Pre.DC)),
		GainPre:              finiteOrZero(r.Pre.Gain),
		SinPhiPre:            finiteOrZero(r.Pre.SinPhi),
		ImageRejectionPreDB:  finiteOrZero(r.ImageRejectionPreDB),
		ImageRejectionPostDB: finiteOrZero(r.ImageRejectionPostDB),
		Converged:            r.Converged,
		Committed:            r.Committed,
		Duration:             r.Duration,
	}
	if r.Post.N > 0 {
		p.GainPost = finiteOrZero(r.Post.Gain)
		p.SinPhiPost = finiteOrZero(r.Post.SinPhi)
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}
	return p
}

// finiteOrZero drops the NaN and Inf terms a degenerate estimate produces.
func finiteOrZero(v float64) float64 {
	if !finite(v) {
		return 0
	}
	return v
}

// Controller calibrates one frequency at a time. It owns the envelopes
// and the receive buffer; the radio is borrowed.
type Controller struct {
	radio    Radio
	reporter telemetry.Reporter
	logger   logging.Logger
	cfg      Config
	dumper   Dumper

	on       dsp.Envelope
	off      dsp.Envelope
	buf      []complex64
	spectrum *dsp.Spectrum

	sleep func(ctx context.Context, d time.Duration) error
}

// NewController sizes the receive buffer for the radio's sample rate and
// builds the reference envelopes.
func NewController(radio Radio, reporter telemetry.Reporter, logger logging.Logger, cfg Config) (*Controller, error) {
	if logger == nil {
		logger = logging.Default()
	}
	cfg = cfg.withDefaults()
	buf, err := dsp.NewReceiveBuffer(cfg.ReferenceCycles, cfg.TXOffset, radio.SampleRate())
	if err != nil {
		return nil, fmt.Errorf("size receive buffer: %w", err)
	}
	on := cfg.Stimulus
	if on.Len() == 0 {
		on = dsp.OnEnvelope()
	}
	return &Controller{
		radio:    radio,
		reporter: reporter,
		logger:   logger.With(logging.F("subsystem", "calib")),
		cfg:      cfg,
		on:       on,
		off:      dsp.OffEnvelope(),
		buf:      buf,
		spectrum: dsp.NewSpectrum(len(buf)),
		sleep:    sleepContext,
	}, nil
}

// SetDumper enables raw buffer dumps before and after correction.
func (c *Controller) SetDumper(d Dumper) { c.dumper = d }

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// BufferLen reports the number of samples per capture.
func (c *Controller) BufferLen() int { return len(c.buf) }

// Calibrate runs the protocol at freq. A non-nil error always comes with
// an ABORTED result; no step is retried.
func (c *Controller) Calibrate(ctx context.Context, freq float64) (Result, error) {
	res := Result{Frequency: freq, Started: time.Now()}
	log := c.logger.With(logging.F("freq_hz", freq))

	res, err := c.run(ctx, freq, res, log)
	res.Duration = time.Since(res.Started)
	if err != nil {
		res.State = StateAborted
		res.Err = fmt.Errorf("calibrate %.0f Hz: %w", freq, err)
		log.Error("calibration aborted", logging.F("error", err), logging.F("applied", res.Applied))
	} else {
		res.State = StateSuccess
		log.Info("calibration point done",
			logging.F("gain", res.Pre.Gain),
			logging.F("sin_phi", res.Pre.SinPhi),
			logging.F("converged", res.Converged),
			logging.F("committed", res.Committed),
			logging.F("duration", res.Duration))
	}
	if c.reporter != nil {
		c.reporter.Report(res.Point())
	}
	return res, res.Err
}

func (c *Controller) run(ctx context.Context, freq float64, res Result, log logging.Logger) (Result, error) {
	if err := c.radio.SetFrequencies(freq, c.cfg.TXOffset); err != nil {
		return res, fmt.Errorf("tune: %w", err)
	}
	if err := c.radio.ResetCorrections(); err != nil {
		return res, fmt.Errorf("reset corrections: %w", err)
	}

	if err := c.stimulate(ctx, c.on); err != nil {
		return res, err
	}
	if c.cfg.Mode == ModeEnvelopeTest {
		log.Info("envelope on")
		if err := c.stimulate(ctx, c.off); err != nil {
			return res, err
		}
		log.Info("envelope off")
		return res, nil
	}

	if err := c.capture(ctx, c.cfg.BaselineCaptures); err != nil {
		return res, fmt.Errorf("baseline: %w", err)
	}
	c.dump(freq, "rx-pre", log)

	res.Pre = dsp.EstimateImbalance(c.buf)
	if err := res.Pre.Check(c.cfg.MinAmplitude); err != nil {
		return res, fmt.Errorf("estimate: %w", err)
	}
	res.ImageRejectionPreDB = c.imageRejection(log)
	log.Debug("baseline estimate",
		logging.F("dc", fmt.Sprint(res.Pre.DC)),
		logging.F("alpha", res.Pre.Alpha),
		logging.F("beta", res.Pre.Beta),
		logging.F("gain", res.Pre.Gain),
		logging.F("sin_phi", res.Pre.SinPhi))

	res.IQCorrection = res.Pre.Correction()
	if c.radio.DCPolicy() == sdr.DCManual {
		res.DCCorrection = res.Pre.DC
	}
	if err := c.radio.ApplyRXCorrection(res.DCCorrection, res.IQCorrection); err != nil {
		return res, fmt.Errorf("apply correction: %w", err)
	}
	res.Applied = true

	if err := c.capture(ctx, c.cfg.VerifyCaptures); err != nil {
		return res, fmt.Errorf("verify: %w", err)
	}
	c.dump(freq, "rx-post", log)

	res.Post = dsp.EstimateImbalance(c.buf)
	if err := res.Post.Check(c.cfg.MinAmplitude); err != nil {
		return res, fmt.Errorf("verify estimate: %w", err)
	}
	res.ImageRejectionPostDB = c.imageRejection(log)
	res.Converged = res.Post.Distance() <= res.Pre.Distance()
	if !res.Converged {
		log.Warn("correction did not converge",
			logging.F("pre_distance", res.Pre.Distance()),
			logging.F("post_distance", res.Post.Distance()))
	}

	if c.cfg.SaveRX {
		if err := c.radio.CommitRX(ctx, freq, res.DCCorrection, res.IQCorrection); err != nil {
			return res, fmt.Errorf("commit: %w", err)
		}
		res.Committed = true
	}
	if c.cfg.SaveTX {
		log.Warn("tx calibration is not estimated, nothing saved for tx")
	}
	return res, nil
}

// stimulate transmits env and waits for the loop to settle.
func (c *Controller) stimulate(ctx context.Context, env dsp.Envelope) error {
	if err := c.radio.Transmit(ctx, env); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}

// capture fills the buffer n times; only the last fill is kept.
func (c *Controller) capture(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := c.radio.CaptureSynchronized(ctx, c.buf); err != nil {
			return fmt.Errorf("capture %d/%d: %w", i+1, n, err)
		}
	}
	return nil
}

func (c *Controller) imageRejection(log logging.Logger) float64 {
	if !c.cfg.MeasureImageRejection {
		return 0
	}
	irr, err := c.spectrum.ImageRejection(c.buf, c.cfg.TXOffset, c.radio.SampleRate())
	if err != nil {
		log.Warn("image rejection unavailable", logging.F("error", err))
		return 0
	}
	return irr
}

func (c *Controller) dump(freq float64, phase string, log logging.Logger) {
	if c.dumper == nil {
		return
	}
	if _, err := c.dumper.Record(freq, phase, c.buf); err != nil {
		log.Warn("capture dump failed", logging.F("phase", phase), logging.F("error", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

