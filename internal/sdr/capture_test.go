package sdr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/iqcal/internal/dsp"
)

// scriptedRead is one canned ReadStream outcome.
type scriptedRead struct {
	n    int
	time int64
	err  error
}

// scriptedDevice replays a fixed clock and read sequence on top of the
// simulator's stream bookkeeping.
type scriptedDevice struct {
	*SimDevice
	now   int64
	reads []scriptedRead
	calls int
}

func (d *scriptedDevice) HardwareTime() (int64, error) { return d.now, nil }

func (d *scriptedDevice) ReadStream(_ Stream, buf []complex64, _ time.Duration) (ReadResult, error) {
	if d.calls >= len(d.reads) {
		return ReadResult{}, &StatusError{Op: "readStream", Code: StatusTimeout}
	}
	r := d.reads[d.calls]
	d.calls++
	if r.err != nil {
		return ReadResult{}, r.err
	}
	for i := 0; i < r.n && i < len(buf); i++ {
		buf[i] = complex(float32(r.time), 0)
	}
	return ReadResult{N: r.n, TimeNs: r.time}, nil
}

func scriptedSession(t *testing.T, dev *scriptedDevice, maxReads int) *Session {
	t.Helper()
	cfg := testSessionConfig()
	cfg.MaxBarrierReads = maxReads
	s, err := NewSession(dev, cfg, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCaptureDiscardsReadsBeforeBarrier(t *testing.T) {
	dev := &scriptedDevice{
		SimDevice: NewSim(DefaultSimConfig()),
		now:       5000,
		reads: []scriptedRead{
			{n: 4, time: 1000},
			{n: 4, time: 2000},
			{n: 4, time: 4999},
			{n: 4, time: 5000},
			{n: 4, time: 6000},
		},
	}
	s := scriptedSession(t, dev, 100)

	buf := make([]complex64, 6)
	c, err := s.CaptureSynchronized(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), c.Barrier)
	assert.Equal(t, int64(5000), c.FirstSample)
	assert.GreaterOrEqual(t, c.FirstSample, c.Barrier)
	assert.Equal(t, 3, c.Discarded)
	assert.Equal(t, 5, c.Reads)
	for _, v := range buf {
		assert.GreaterOrEqual(t, real(v), float32(5000), "stale sample leaked into buffer")
	}
}

func TestCaptureRetriesTimeoutsWhileWaiting(t *testing.T) {
	timeout := &StatusError{Op: "readStream", Code: StatusTimeout}
	dev := &scriptedDevice{
		SimDevice: NewSim(DefaultSimConfig()),
		now:       10,
		reads: []scriptedRead{
			{err: timeout},
			{err: timeout},
			{n: 8, time: 20},
		},
	}
	s := scriptedSession(t, dev, 5)

	c, err := s.CaptureSynchronized(context.Background(), make([]complex64, 8))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Timeouts)
	assert.Equal(t, int64(20), c.FirstSample)
}

func TestCaptureBarrierPollingIsBounded(t *testing.T) {
	dev := &scriptedDevice{SimDevice: NewSim(DefaultSimConfig()), now: 10}
	s := scriptedSession(t, dev, 7)

	c, err := s.CaptureSynchronized(context.Background(), make([]complex64, 8))
	require.ErrorIs(t, err, ErrStreamFault)
	assert.Equal(t, 7, c.Reads)
}

func TestCaptureStaleForeverIsBounded(t *testing.T) {
	reads := make([]scriptedRead, 50)
	for i := range reads {
		reads[i] = scriptedRead{n: 4, time: 1}
	}
	dev := &scriptedDevice{SimDevice: NewSim(DefaultSimConfig()), now: 10, reads: reads}
	s := scriptedSession(t, dev, 20)

	c, err := s.CaptureSynchronized(context.Background(), make([]complex64, 8))
	require.ErrorIs(t, err, ErrStreamFault)
	assert.Equal(t, 20, c.Discarded)
}

func TestCaptureMidFillTimeoutIsFault(t *testing.T) {
	dev := &scriptedDevice{
		SimDevice: NewSim(DefaultSimConfig()),
		now:       10,
		reads: []scriptedRead{
			{n: 4, time: 10},
			{err: &StatusError{Op: "readStream", Code: StatusTimeout}},
		},
	}
	s := scriptedSession(t, dev, 100)

	_, err := s.CaptureSynchronized(context.Background(), make([]complex64, 8))
	assert.ErrorIs(t, err, ErrStreamFault)
}

func TestCaptureOverflowIsFault(t *testing.T) {
	dev := &scriptedDevice{
		SimDevice: NewSim(DefaultSimConfig()),
		reads:     []scriptedRead{{err: &StatusError{Op: "readStream", Code: StatusOverflow}}},
	}
	s := scriptedSession(t, dev, 100)

	_, err := s.CaptureSynchronized(context.Background(), make([]complex64, 8))
	require.ErrorIs(t, err, ErrStreamFault)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusOverflow, se.Code)
}

func TestCaptureHonoursContext(t *testing.T) {
	dev := &scriptedDevice{SimDevice: NewSim(DefaultSimConfig())}
	s := scriptedSession(t, dev, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CaptureSynchronized(ctx, make([]complex64, 8))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCaptureOnSimulatorLandsPastBarrier(t *testing.T) {
	s, _ := newSimSession(t, DefaultSimConfig())
	require.NoError(t, s.SetFrequencies(100e6, 1e3))
	require.NoError(t, s.Transmit(context.Background(), dsp.OnEnvelope()))

	for i := 0; i < 3; i++ {
		c, err := s.CaptureSynchronized(context.Background(), make([]complex64, 62500))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, c.FirstSample, c.Barrier)
	}
}
