// Package diag writes raw capture buffers for offline inspection.
package diag

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/rjboer/iqcal/internal/logging"
)

// WriteBuffer writes one "<index> <real> <imag>" line per sample.
func WriteBuffer(w io.Writer, samples []complex64) error {
	bw := bufio.NewWriter(w)
	for i, s := range samples {
		if _, err := fmt.Fprintf(bw, "%d %g %g\n", i, real(s), imag(s)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DefaultPattern names dumps after the calibration frequency, the phase
// and the wall clock.
const DefaultPattern = "iqcal-%Y%m%d-%H%M%S"

// Recorder writes capture dumps into a directory. File names are built
// from a strftime pattern followed by the frequency and phase.
type Recorder struct {
	dir     string
	pattern *strftime.Strftime
	now     func() time.Time
	logger  logging.Logger

	mu    sync.Mutex
	files []string
}

// NewRecorder prepares a Recorder writing under dir. An empty pattern uses
// DefaultPattern.
func NewRecorder(dir, pattern string, logger logging.Logger) (*Recorder, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	p, err := strftime.New(pattern)
	if err != nil {
		return nil, fmt.Errorf("dump name pattern %q: %w", pattern, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		dir:     dir,
		pattern: p,
		now:     time.Now,
		logger:  logger.With(logging.F("subsystem", "diag")),
	}, nil
}

// Record writes samples to a new file and returns its path. phase is a
// short tag such as "rx-pre" or "rx-post".
func (r *Recorder) Record(freq float64, phase string, samples []complex64) (string, error) {
	name := fmt.Sprintf("%s-%.0fHz-%s.txt", r.pattern.FormatString(r.now()), freq, phase)
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create dump: %w", err)
	}
	if err := WriteBuffer(f, samples); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write dump %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close dump %s: %w", path, err)
	}

	r.mu.Lock()
	r.files = append(r.files, path)
	r.mu.Unlock()
	r.logger.Debug("capture dumped", logging.F("path", path), logging.F("samples", len(samples)))
	return path, nil
}

// Files lists the dumps written so far.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}
