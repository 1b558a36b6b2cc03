package sdr

import (
	"context"
	"fmt"

	"github.com/rjboer/iqcal/internal/logging"
)

// Capture describes one synchronized receive.
type Capture struct {
	Barrier     int64 // hardware time at entry, ns
	FirstSample int64 // hardware time of buf[0], ns
	Reads       int
	Discarded   int // reads dropped for predating the barrier
	Timeouts    int
}

// CaptureSynchronized fills buf with samples produced strictly after the
// call was issued. Reads stamped before the hardware time barrier are
// discarded; once a read lands past it, reads continue until buf is full.
// Timeouts while waiting on the barrier are retried up to MaxBarrierReads
// attempts; every other read failure is a stream fault.
func (s *Session) CaptureSynchronized(ctx context.Context, buf []complex64) (Capture, error) {
	if s.closed {
		return Capture{}, fmt.Errorf("%w: session closed", ErrStreamFault)
	}
	if len(buf) == 0 {
		return Capture{}, fmt.Errorf("capture into empty buffer")
	}

	barrier, err := s.dev.HardwareTime()
	if err != nil {
		return Capture{}, fmt.Errorf("%w: read hardware time: %w", ErrStreamFault, err)
	}
	c := Capture{Barrier: barrier}

	filled, idle := 0, 0
	for filled < len(buf) {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		if idle >= s.cfg.MaxBarrierReads {
			return c, fmt.Errorf("%w: no samples past barrier %d ns after %d reads", ErrStreamFault, barrier, c.Reads)
		}

		res, err := s.dev.ReadStream(s.rx, buf[filled:], s.cfg.ReadTimeout)
		c.Reads++
		switch {
		case err != nil && filled == 0 && IsTimeout(err):
			c.Timeouts++
			idle++
			continue
		case err != nil:
			s.logger.Error("rx stream error", logging.F("error", err), logging.F("filled", filled))
			return c, fmt.Errorf("%w: receive: %w", ErrStreamFault, err)
		case res.N <= 0:
			idle++
			continue
		}

		if n := len(buf) - filled; res.N > n {
			res.N = n
		}
		if filled == 0 {
			if res.TimeNs < barrier {
				c.Discarded++
				idle++
				continue
			}
			c.FirstSample = res.TimeNs
		}
		filled += res.N
		idle = 0
	}

	s.logger.Debug("capture complete",
		logging.F("samples", len(buf)),
		logging.F("reads", c.Reads),
		logging.F("discarded", c.Discarded),
		logging.F("lag_ns", c.FirstSample-c.Barrier))
	return c, nil
}
