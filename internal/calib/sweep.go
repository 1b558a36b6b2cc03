package calib

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/iqcal/internal/logging"
)

// FailurePolicy decides what a sweep does after an aborted point.
type FailurePolicy int

const (
	// AbortOnFailure stops at the first aborted point.
	AbortOnFailure FailurePolicy = iota
	// ContinueOnFailure calibrates every point and reports all failures.
	ContinueOnFailure
)

// ParseFailurePolicy converts a flag value to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "abort", "":
		return AbortOnFailure, nil
	case "continue":
		return ContinueOnFailure, nil
	default:
		return AbortOnFailure, fmt.Errorf("unsupported failure policy %q", s)
	}
}

// MaxSweepPoints bounds the number of frequencies a single sweep may visit.
const MaxSweepPoints = 100000

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Frequencies lists start, start+step, ... up to and including stop.
func Frequencies(start, stop, step float64) ([]float64, error) {
	if !finite(start) || !finite(stop) {
		return nil, fmt.Errorf("sweep range must be finite, got %g..%g", start, stop)
	}
	if !finite(step) || step <= 0 {
		return nil, fmt.Errorf("sweep step must be positive, got %g", step)
	}
	if stop < start {
		return nil, fmt.Errorf("sweep stop %g is below start %g", stop, start)
	}
	count := math.Floor((stop-start)/step+1e-9) + 1
	if count > MaxSweepPoints {
		return nil, fmt.Errorf("sweep of %.0f points exceeds the limit of %d", count, MaxSweepPoints)
	}
	n := int(count)
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out, nil
}

// Sweep calibrates every frequency from start to stop. Results are
// returned for every attempted point.
func (c *Controller) Sweep(ctx context.Context, start, stop, step float64, policy FailurePolicy) ([]Result, error) {
	freqs, err := Frequencies(start, stop, step)
	if err != nil {
		return nil, err
	}
	c.logger.Info("sweep start",
		logging.F("start_hz", start),
		logging.F("stop_hz", stop),
		logging.F("points", len(freqs)),
		logging.F("mode", c.cfg.Mode))

	results := make([]Result, 0, len(freqs))
	var errs []error
	for _, f := range freqs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := c.Calibrate(ctx, f)
		results = append(results, res)
		if err == nil {
			continue
		}
		if policy == AbortOnFailure || errors.Is(err, context.Canceled) {
			return results, err
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d of %d points aborted: %w", len(errs), len(freqs), errors.Join(errs...))
	}
	c.logger.Info("sweep complete", logging.F("points", len(results)))
	return results, nil
}
