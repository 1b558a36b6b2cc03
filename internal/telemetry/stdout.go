package telemetry

import (
	"github.com/rjboer/iqcal/internal/logging"
)

// Reporter receives calibration outcomes.
type Reporter interface {
	Report(p Point)
}

// StdoutReporter logs each point.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter on top of logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(p Point) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "freq_hz", Value: p.FrequencyHz},
		{Key: "state", Value: p.State},
		{Key: "gain_pre", Value: p.GainPre},
		{Key: "sin_phi_pre", Value: p.SinPhiPre},
	}
	if p.Error != "" {
		fields = append(fields, logging.Field{Key: "error", Value: p.Error})
		r.logger.Warn("calibration point", fields...)
		return
	}
	fields = append(fields,
		logging.Field{Key: "gain_post", Value: p.GainPost},
		logging.Field{Key: "sin_phi_post", Value: p.SinPhiPost},
		logging.Field{Key: "converged", Value: p.Converged},
		logging.Field{Key: "committed", Value: p.Committed},
	)
	if p.ImageRejectionPreDB != 0 || p.ImageRejectionPostDB != 0 {
		fields = append(fields,
			logging.Field{Key: "irr_pre_db", Value: p.ImageRejectionPreDB},
			logging.Field{Key: "irr_post_db", Value: p.ImageRejectionPostDB},
		)
	}
	r.logger.Info("calibration point", fields...)
}

// MultiReporter fans out points to multiple destinations.
type MultiReporter []Reporter

// Report forwards p to each configured reporter.
func (m MultiReporter) Report(p Point) {
	for _, r := range m {
		if r != nil {
			r.Report(p)
		}
	}
}
