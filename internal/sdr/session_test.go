package sdr

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/iqcal/internal/dsp"
	"github.com/rjboer/iqcal/internal/logging"
)

var quiet = logging.New(logging.Error, logging.Text, io.Discard)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ClockRate:  40e6,
		SampleRate: 625e3,
		Gains:      Gains{PAD: -30},
	}
}

func newSimSession(t *testing.T, cfg SimConfig) (*Session, *SimDevice) {
	t.Helper()
	dev := NewSim(cfg)
	s, err := NewSession(dev, testSessionConfig(), quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dev
}

func TestParseArgs(t *testing.T) {
	assert.Equal(t, map[string]string{"driver": "sim"}, ParseArgs("sim"))
	assert.Equal(t,
		map[string]string{"driver": "sim", "noise": "0", "serial": "abc"},
		ParseArgs(" driver=sim , noise=0,serial=abc"))
}

func TestOpenDeviceErrors(t *testing.T) {
	_, err := OpenDevice("driver=nonesuch")
	assert.ErrorIs(t, err, ErrDeviceOpen)

	_, err = OpenDevice("")
	assert.ErrorIs(t, err, ErrDeviceOpen)

	_, err = Open(SessionConfig{Args: "driver=sim,fail_open=true", SampleRate: 1e6}, quiet)
	assert.ErrorIs(t, err, ErrDeviceOpen)
}

func TestOpenRejectsInvalidSampleRate(t *testing.T) {
	_, err := Open(SessionConfig{Args: "driver=sim", SampleRate: 0}, quiet)
	assert.ErrorIs(t, err, ErrDeviceOpen)
}

func TestNewSessionConfiguresDevice(t *testing.T) {
	s, dev := newSimSession(t, DefaultSimConfig())

	assert.Equal(t, 625e3, s.SampleRate())
	assert.Equal(t, DCManual, s.DCPolicy())
	assert.Equal(t, "LB2", dev.Antenna(RX))
	assert.Equal(t, "BAND2", dev.Antenna(TX))
	assert.Equal(t, -30.0, dev.Gain(TX, "PAD"))
	assert.Equal(t, 0.0, dev.Gain(RX, "LNA"))
	assert.False(t, dev.DCOffsetMode(RX))
	assert.False(t, dev.DCOffsetMode(TX))
	assert.Equal(t, 2, dev.OpenStreams())
}

func TestDeviceAutoPolicyLeavesCorrectionOn(t *testing.T) {
	dev := NewSim(DefaultSimConfig())
	cfg := testSessionConfig()
	cfg.DCPolicy = DCDeviceAuto
	s, err := NewSession(dev, cfg, quiet)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, dev.DCOffsetMode(RX))
}

func TestParseDCPolicy(t *testing.T) {
	p, err := ParseDCPolicy("auto")
	require.NoError(t, err)
	assert.Equal(t, DCDeviceAuto, p)
	p, err = ParseDCPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DCManual, p)
	_, err = ParseDCPolicy("sometimes")
	assert.Error(t, err)
}

func TestSetFrequenciesAndReset(t *testing.T) {
	s, dev := newSimSession(t, DefaultSimConfig())

	require.NoError(t, s.SetFrequencies(433e6, 1e3))
	assert.Equal(t, 433e6, dev.Frequency(RX, "RF"))
	assert.Equal(t, 433e6+1e3, dev.Frequency(TX, "RF"))
	assert.Equal(t, 0.0, dev.Frequency(RX, "BB"))
	assert.Equal(t, 0.0, dev.Frequency(TX, "BB"))

	require.NoError(t, s.ApplyRXCorrection(complex(0.1, 0.2), complex(1.1, 0.05)))
	assert.Equal(t, complex(1.1, 0.05), dev.IQBalance(RX))
	assert.Equal(t, complex(0.1, 0.2), dev.DCOffset(RX))

	require.NoError(t, s.ResetCorrections())
	assert.Equal(t, complex128(1), dev.IQBalance(RX))
	assert.Equal(t, complex128(1), dev.IQBalance(TX))
	assert.Equal(t, complex128(0), dev.DCOffset(RX))
}

func TestCommitRXUsesDeviceStore(t *testing.T) {
	s, dev := newSimSession(t, DefaultSimConfig())
	require.NoError(t, s.CommitRX(context.Background(), 10e6, complex(0.01, 0), complex(1.02, 0.03)))

	cal, ok := dev.StoredCalibration(RX, Channel, 10e6)
	require.True(t, ok)
	assert.Equal(t, complex(1.02, 0.03), cal.IQBalance)
	assert.Equal(t, complex(0.01, 0), cal.DCOffset)
}

func TestTransmitWritesWholeEnvelope(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.MTU = 16
	s, dev := newSimSession(t, cfg)
	require.NoError(t, s.Transmit(context.Background(), dsp.OnEnvelope()))
	assert.Equal(t, 1, dev.Writes())
}

func TestTransmitFaultIsStreamFault(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.FailWrite = true
	s, _ := newSimSession(t, cfg)

	err := s.Transmit(context.Background(), dsp.OnEnvelope())
	require.ErrorIs(t, err, ErrStreamFault)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "UNDERFLOW", StatusString(se.Code))
}

type partialWriter struct {
	*SimDevice
	chunk int
}

func (p *partialWriter) WriteStream(s Stream, buf []complex64, timeout time.Duration) (int, error) {
	if len(buf) > p.chunk {
		buf = buf[:p.chunk]
	}
	return p.SimDevice.WriteStream(s, buf, timeout)
}

func TestTransmitLoopsOverPartialWrites(t *testing.T) {
	dev := &partialWriter{SimDevice: NewSim(DefaultSimConfig()), chunk: 30}
	s, err := NewSession(dev, testSessionConfig(), quiet)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Transmit(context.Background(), dsp.OnEnvelope()))
	assert.Equal(t, 4, dev.Writes()) // 30+30+30+10
}

func TestCloseReleasesOnce(t *testing.T) {
	dev := NewSim(DefaultSimConfig())
	s, err := NewSession(dev, testSessionConfig(), quiet)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, dev.OpenStreams())
	// The sim errors on a second device close; the session must not reach it.
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Transmit(context.Background(), dsp.OffEnvelope()), ErrStreamFault)
	_, err = s.CaptureSynchronized(context.Background(), make([]complex64, 4))
	assert.ErrorIs(t, err, ErrStreamFault)
}

type failingActivate struct {
	*SimDevice
}

func (f failingActivate) ActivateStream(s Stream) error {
	if s.Direction() == TX {
		return errors.New("tx frontend busy")
	}
	return f.SimDevice.ActivateStream(s)
}

func TestFailedSetupReleasesStreams(t *testing.T) {
	sim := NewSim(DefaultSimConfig())
	_, err := NewSession(failingActivate{sim}, testSessionConfig(), quiet)
	require.ErrorIs(t, err, ErrDeviceOpen)
	assert.Equal(t, 0, sim.OpenStreams())
}
