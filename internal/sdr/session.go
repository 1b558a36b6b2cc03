package sdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rjboer/iqcal/internal/dsp"
	"github.com/rjboer/iqcal/internal/logging"
)

// Channel is the device channel used for both streams.
const Channel = 0

// DCPolicy selects who removes DC offset during calibration.
type DCPolicy int

const (
	// DCManual disables device auto-correction so the estimator sees the raw
	// offset; the measured offset is then programmed explicitly.
	DCManual DCPolicy = iota
	// DCDeviceAuto leaves the device's own correction running.
	DCDeviceAuto
)

func (p DCPolicy) String() string {
	switch p {
	case DCManual:
		return "manual"
	case DCDeviceAuto:
		return "device-auto"
	default:
		return "unknown"
	}
}

// ParseDCPolicy converts a flag value to a DCPolicy.
func ParseDCPolicy(s string) (DCPolicy, error) {
	switch s {
	case "manual", "":
		return DCManual, nil
	case "device-auto", "auto":
		return DCDeviceAuto, nil
	default:
		return DCManual, fmt.Errorf("unsupported dc policy %q", s)
	}
}

// Gains holds per-stage gain settings in dB.
type Gains struct {
	LNA float64 // rx low-noise amplifier
	PGA float64 // rx programmable gain amplifier
	TIA float64 // rx transimpedance amplifier
	PAD float64 // tx output pad
}

// SessionConfig carries everything needed to open a calibration session.
type SessionConfig struct {
	Args       string
	ClockRate  float64
	SampleRate float64
	RXAntenna  string
	TXAntenna  string
	Gains      Gains
	DCPolicy   DCPolicy

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxBarrierReads int

	// Commit, when set, sends committed corrections to sysfs over SSH
	// instead of the device calibration store.
	Commit *SSHConfig
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.RXAntenna == "" {
		c.RXAntenna = "LB2"
	}
	if c.TXAntenna == "" {
		c.TXAntenna = "BAND2"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 100 * time.Millisecond
	}
	if c.MaxBarrierReads <= 0 {
		c.MaxBarrierReads = 1000
	}
	return c
}

// CalibrationWriter persists committed corrections.
type CalibrationWriter interface {
	WriteCalibration(ctx context.Context, dir Direction, channel int, cal Calibration) error
}

type deviceStore struct{ dev Device }

func (d deviceStore) WriteCalibration(_ context.Context, dir Direction, channel int, cal Calibration) error {
	return d.dev.WriteCalibration(dir, channel, cal)
}

// Session owns one open device with an active TX and RX stream on
// channel 0. It is not safe for concurrent use.
type Session struct {
	dev    Device
	cfg    SessionConfig
	logger logging.Logger
	rx     Stream
	tx     Stream
	store  CalibrationWriter
	closed bool
}

// Open opens the device named by cfg.Args and prepares a Session. All
// failures wrap ErrDeviceOpen.
func Open(cfg SessionConfig, logger logging.Logger) (*Session, error) {
	dev, err := OpenDevice(cfg.Args)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(dev, cfg, logger)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return s, nil
}

// NewSession configures an already opened device, sets up and activates
// both streams and applies the DC policy. On failure the streams created
// so far are released; the device is left to the caller.
func NewSession(dev Device, cfg SessionConfig, logger logging.Logger) (*Session, error) {
	if logger == nil {
		logger = logging.Default()
	}
	cfg = cfg.withDefaults()
	s := &Session{
		dev:    dev,
		cfg:    cfg,
		logger: logger.With(logging.F("subsystem", "sdr"), logging.F("driver", dev.Driver())),
		store:  deviceStore{dev: dev},
	}
	if err := s.setup(); err != nil {
		s.releaseStreams()
		return nil, fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}
	if cfg.Commit != nil {
		w, err := NewSSHCalibrationWriter(*cfg.Commit)
		if err != nil {
			s.releaseStreams()
			return nil, fmt.Errorf("%w: %w", ErrDeviceOpen, err)
		}
		s.store = w
	}
	s.logger.Info("session open",
		logging.F("sample_rate", cfg.SampleRate),
		logging.F("clock_rate", cfg.ClockRate),
		logging.F("dc_policy", cfg.DCPolicy))
	return s, nil
}

func (s *Session) setup() error {
	cfg := s.cfg
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if cfg.ClockRate > 0 {
		if err := s.dev.SetMasterClockRate(cfg.ClockRate); err != nil {
			return fmt.Errorf("set master clock rate: %w", err)
		}
	}
	for _, dir := range []Direction{TX, RX} {
		if err := s.dev.SetSampleRate(dir, Channel, cfg.SampleRate); err != nil {
			return fmt.Errorf("set %s sample rate: %w", dir, err)
		}
	}
	if err := s.dev.SetAntenna(RX, Channel, cfg.RXAntenna); err != nil {
		return fmt.Errorf("set rx antenna: %w", err)
	}
	if err := s.dev.SetAntenna(TX, Channel, cfg.TXAntenna); err != nil {
		return fmt.Errorf("set tx antenna: %w", err)
	}

	gains := []struct {
		dir   Direction
		stage string
		db    float64
	}{
		{RX, "LNA", cfg.Gains.LNA},
		{RX, "PGA", cfg.Gains.PGA},
		{RX, "TIA", cfg.Gains.TIA},
		{TX, "PAD", cfg.Gains.PAD},
	}
	for _, g := range gains {
		if err := s.dev.SetGain(g.dir, Channel, g.stage, g.db); err != nil {
			return fmt.Errorf("set %s %s gain: %w", g.dir, g.stage, err)
		}
	}

	var err error
	if s.tx, err = s.dev.SetupStream(TX, FormatCF32, []int{Channel}); err != nil {
		return fmt.Errorf("setup tx stream: %w", err)
	}
	if s.rx, err = s.dev.SetupStream(RX, FormatCF32, []int{Channel}); err != nil {
		return fmt.Errorf("setup rx stream: %w", err)
	}
	if err := s.dev.ActivateStream(s.rx); err != nil {
		return fmt.Errorf("activate rx stream: %w", err)
	}
	if err := s.dev.ActivateStream(s.tx); err != nil {
		return fmt.Errorf("activate tx stream: %w", err)
	}

	auto := cfg.DCPolicy == DCDeviceAuto
	for _, dir := range []Direction{RX, TX} {
		if err := s.dev.SetDCOffsetMode(dir, Channel, auto); err != nil {
			return fmt.Errorf("set %s dc offset mode: %w", dir, err)
		}
	}
	return nil
}

// SampleRate returns the configured stream sample rate.
func (s *Session) SampleRate() float64 { return s.cfg.SampleRate }

// DCPolicy returns the configured DC offset policy.
func (s *Session) DCPolicy() DCPolicy { return s.cfg.DCPolicy }

// SetFrequencies tunes RX to target and TX to target+txOffset with both
// baseband offsets at zero.
func (s *Session) SetFrequencies(target, txOffset float64) error {
	steps := []struct {
		dir       Direction
		component string
		hz        float64
	}{
		{RX, "RF", target},
		{TX, "RF", target + txOffset},
		{RX, "BB", 0},
		{TX, "BB", 0},
	}
	for _, st := range steps {
		if err := s.dev.SetFrequency(st.dir, Channel, st.component, st.hz); err != nil {
			return fmt.Errorf("set %s %s frequency %.0f Hz: %w", st.dir, st.component, st.hz, err)
		}
	}
	s.logger.Debug("tuned", logging.F("rx_hz", target), logging.F("tx_hz", target+txOffset))
	return nil
}

// ResetCorrections restores zero DC offset and identity I/Q balance on
// both directions.
func (s *Session) ResetCorrections() error {
	for _, dir := range []Direction{TX, RX} {
		if err := s.dev.SetDCOffset(dir, Channel, 0); err != nil {
			return fmt.Errorf("reset %s dc offset: %w", dir, err)
		}
	}
	for _, dir := range []Direction{TX, RX} {
		if err := s.dev.SetIQBalance(dir, Channel, 1); err != nil {
			return fmt.Errorf("reset %s iq balance: %w", dir, err)
		}
	}
	return nil
}

// ApplyRXCorrection programs the receive DC offset and I/Q balance.
func (s *Session) ApplyRXCorrection(dc, iq complex128) error {
	if err := s.dev.SetDCOffset(RX, Channel, dc); err != nil {
		return fmt.Errorf("set rx dc offset: %w", err)
	}
	if err := s.dev.SetIQBalance(RX, Channel, iq); err != nil {
		return fmt.Errorf("set rx iq balance: %w", err)
	}
	s.logger.Debug("rx correction applied", logging.F("dc", fmt.Sprint(dc)), logging.F("iq", fmt.Sprint(iq)))
	return nil
}

// CommitRX persists a receive correction for freq.
func (s *Session) CommitRX(ctx context.Context, freq float64, dc, iq complex128) error {
	cal := Calibration{Frequency: freq, DCOffset: dc, IQBalance: iq}
	if err := s.store.WriteCalibration(ctx, RX, Channel, cal); err != nil {
		return fmt.Errorf("commit rx calibration at %.0f Hz: %w", freq, err)
	}
	s.logger.Info("rx calibration committed", logging.F("freq_hz", freq), logging.F("iq", fmt.Sprint(iq)))
	return nil
}

// Transmit writes the whole envelope to the TX stream. The stream is left
// to run dry afterwards.
func (s *Session) Transmit(ctx context.Context, env dsp.Envelope) error {
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrStreamFault)
	}
	samples := env.Samples()
	for off := 0; off < len(samples); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.dev.WriteStream(s.tx, samples[off:], s.cfg.WriteTimeout)
		if err != nil {
			s.logger.Error("tx stream error", logging.F("error", err))
			return fmt.Errorf("%w: transmit: %w", ErrStreamFault, err)
		}
		if n <= 0 {
			return fmt.Errorf("%w: transmit wrote %d of %d samples", ErrStreamFault, off, len(samples))
		}
		off += n
	}
	return nil
}

// Close deactivates and closes both streams and releases the device. Only
// the first call does any work.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.releaseStreams()
	if c, ok := s.store.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close calibration writer: %w", cerr))
		}
	}
	if cerr := s.dev.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close device: %w", cerr))
	}
	if err != nil {
		s.logger.Error("session close", logging.F("error", err))
		return err
	}
	s.logger.Info("session closed")
	return nil
}

func (s *Session) releaseStreams() error {
	var errs []error
	for _, st := range []Stream{s.rx, s.tx} {
		if st == nil {
			continue
		}
		if err := s.dev.DeactivateStream(st); err != nil {
			errs = append(errs, fmt.Errorf("deactivate %s stream: %w", st.Direction(), err))
		}
		if err := s.dev.CloseStream(st); err != nil {
			errs = append(errs, fmt.Errorf("close %s stream: %w", st.Direction(), err))
		}
	}
	s.rx, s.tx = nil, nil
	return errors.Join(errs...)
}
