package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/iqcal/internal/logging"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 100_000
)

// Point is the outcome of calibrating one frequency.
type Point struct {
	Timestamp   time.Time `json:"timestamp"`
	FrequencyHz float64   `json:"frequencyHz"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`

	DCI        float64 `json:"dcI"`
	DCQ        float64 `json:"dcQ"`
	GainPre    float64 `json:"gainPre"`
	SinPhiPre  float64 `json:"sinPhiPre"`
	GainPost   float64 `json:"gainPost,omitempty"`
	SinPhiPost float64 `json:"sinPhiPost,omitempty"`

	ImageRejectionPreDB  float64 `json:"imageRejectionPreDb,omitempty"`
	ImageRejectionPostDB float64 `json:"imageRejectionPostDb,omitempty"`

	Converged bool          `json:"converged"`
	Committed bool          `json:"committed"`
	Duration  time.Duration `json:"durationNs"`
}

// Summary aggregates the points seen so far.
type Summary struct {
	Points    int     `json:"points"`
	Succeeded int     `json:"succeeded"`
	Aborted   int     `json:"aborted"`
	Committed int     `json:"committed"`
	LastHz    float64 `json:"lastHz"`
}

// Hub collects history and fans out calibration points to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Point
	historyLimit int
	subscribers  map[chan Point]struct{}
	summary      Summary
	logger       logging.Logger
}

// NewHub builds a hub keeping at most historyLimit points.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if historyLimit > maxHistoryLimit {
		historyLimit = maxHistoryLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Point]struct{}),
		logger:       logger.With(logging.F("subsystem", "telemetry")),
	}
}

// finite replaces NaN and Inf fields with zero. JSON has no encoding for them.
func (p Point) finite() Point {
	for _, v := range []*float64{
		&p.FrequencyHz, &p.DCI, &p.DCQ, &p.GainPre, &p.SinPhiPre, &p.GainPost, &p.SinPhiPost,
		&p.ImageRejectionPreDB, &p.ImageRejectionPostDB,
	} {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = 0
		}
	}
	return p
}

// Report implements Reporter.
func (h *Hub) Report(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	p = p.finite()

	h.mu.Lock()
	h.history = append(h.history, p)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	h.summary.Points++
	h.summary.LastHz = p.FrequencyHz
	if p.State == "SUCCESS" {
		h.summary.Succeeded++
	} else {
		h.summary.Aborted++
	}
	if p.Committed {
		h.summary.Committed++
	}
	for ch := range h.subscribers {
		select {
		case ch <- p:
		default:
			h.logger.Debug("subscriber lagging, point dropped", logging.F("freq_hz", p.FrequencyHz))
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored points.
func (h *Hub) History() []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Point, len(h.history))
	copy(out, h.history)
	return out
}

// Summary returns running totals.
func (h *Hub) Summary() Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summary
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Point, func()) {
	ch := make(chan Point, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.History())
}

func (h *Hub) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.Summary())
}

func (h *Hub) writeJSON(w http.ResponseWriter, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		h.logger.Error("encode response", logging.F("error", err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// replay history for immediate display
	for _, p := range h.History() {
		h.writeEvent(w, p)
	}
	flusher.Flush()

	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			h.writeEvent(w, p)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) writeEvent(w http.ResponseWriter, p Point) {
	payload, err := json.Marshal(p)
	if err != nil {
		h.logger.Warn("encode live point", logging.F("freq_hz", p.FrequencyHz), logging.F("error", err))
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
