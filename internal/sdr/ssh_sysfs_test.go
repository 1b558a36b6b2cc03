package sdr

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSHCalibrationWriterCommands(t *testing.T) {
	w, err := NewSSHCalibrationWriter(SSHConfig{Host: "radio.local"})
	require.NoError(t, err)
	var cmds []string
	w.run = func(_ context.Context, cmd string) error {
		cmds = append(cmds, cmd)
		return nil
	}

	cal := Calibration{Frequency: 1e9, DCOffset: complex(0.5, -0.25), IQBalance: complex(0, 2)}
	require.NoError(t, w.WriteCalibration(context.Background(), RX, 0, cal))
	require.Len(t, cmds, 3)
	assert.Equal(t, "printf '2' > '/sys/bus/iio/devices/iio:device0/in_voltage0_calibscale'", cmds[0])
	assert.Contains(t, cmds[1], formatFloat(math.Pi/2))
	assert.Contains(t, cmds[1], "in_voltage0_calibphase")
	assert.Equal(t, "printf '0.5 -0.25' > '/sys/bus/iio/devices/iio:device0/in_voltage0_calibbias'", cmds[2])
}

func TestSSHCalibrationWriterTXPathAndErrors(t *testing.T) {
	w, err := NewSSHCalibrationWriter(SSHConfig{Host: "radio.local", Device: "iio:device3"})
	require.NoError(t, err)
	assert.Equal(t, "/sys/bus/iio/devices/iio:device3/out_voltage1_calibbias", w.attributePath(TX, 1, "calibbias"))

	boom := errors.New("permission denied")
	w.run = func(context.Context, string) error { return boom }
	err = w.WriteCalibration(context.Background(), RX, 0, Calibration{IQBalance: 1})
	assert.ErrorIs(t, err, boom)

	_, err = NewSSHCalibrationWriter(SSHConfig{})
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestSessionCommitsOverSSH(t *testing.T) {
	dev := NewSim(DefaultSimConfig())
	cfg := testSessionConfig()
	cfg.Commit = &SSHConfig{Host: "radio.local"}
	s, err := NewSession(dev, cfg, quiet)
	require.NoError(t, err)
	defer s.Close()

	w, ok := s.store.(*SSHCalibrationWriter)
	require.True(t, ok)
	var n int
	w.run = func(context.Context, string) error { n++; return nil }

	require.NoError(t, s.CommitRX(context.Background(), 2e9, 0, 1))
	assert.Equal(t, 3, n)
	_, stored := dev.StoredCalibration(RX, Channel, 2e9)
	assert.False(t, stored)
}
