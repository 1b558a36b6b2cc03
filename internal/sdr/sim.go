package sdr

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

func init() {
	Register("sim", func(args map[string]string) (Device, error) {
		cfg, err := SimConfigFromArgs(args)
		if err != nil {
			return nil, err
		}
		return NewSim(cfg), nil
	})
}

// SimConfig describes the impairments of a simulated loopback transceiver.
type SimConfig struct {
	DCOffset       complex128 // added to every rx sample
	GainImbalance  float64    // quadrature/in-phase amplitude ratio
	PhaseImbalance float64    // quadrature skew in radians
	Noise          float64    // per-component standard deviation
	LoopGain       float64    // rx amplitude per unit of tx level
	Latency        int        // samples the clock advances per hardware time query
	Backlog        int        // samples the clock advances per tx write
	QueueDepth     int        // rx samples buffered before overflow drops
	MTU            int        // max samples per read
	Seed           int64
	FailOpen       bool
	FailReadAfter  int // successful reads before reads fail; 0 disables
	FailWrite      bool
}

// DefaultSimConfig returns a mildly impaired transceiver with unit tone
// amplitude for the on envelope.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		DCOffset:       complex(0.05, -0.03),
		GainImbalance:  1.05,
		PhaseImbalance: 3 * math.Pi / 180,
		Noise:          1e-4,
		LoopGain:       2,
		Latency:        512,
		Backlog:        8192,
		QueueDepth:     1 << 18,
		MTU:            4096,
		Seed:           1,
	}
}

// SimConfigFromArgs overlays device arguments on DefaultSimConfig. Known
// keys: dc_i, dc_q, gain, phase_deg, noise, loop_gain, latency, backlog,
// queue, mtu, seed, fail_open, fail_read_after, fail_write.
func SimConfigFromArgs(args map[string]string) (SimConfig, error) {
	cfg := DefaultSimConfig()
	dcI, dcQ := real(cfg.DCOffset), imag(cfg.DCOffset)
	phaseDeg := cfg.PhaseImbalance * 180 / math.Pi

	floats := map[string]*float64{
		"dc_i":      &dcI,
		"dc_q":      &dcQ,
		"gain":      &cfg.GainImbalance,
		"phase_deg": &phaseDeg,
		"noise":     &cfg.Noise,
		"loop_gain": &cfg.LoopGain,
	}
	ints := map[string]*int{
		"latency":         &cfg.Latency,
		"backlog":         &cfg.Backlog,
		"queue":           &cfg.QueueDepth,
		"mtu":             &cfg.MTU,
		"fail_read_after": &cfg.FailReadAfter,
	}
	bools := map[string]*bool{
		"fail_open":  &cfg.FailOpen,
		"fail_write": &cfg.FailWrite,
	}

	for key, val := range args {
		switch {
		case key == "driver":
		case key == "seed":
			v, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("sim arg %s: %w", key, err)
			}
			cfg.Seed = v
		case floats[key] != nil:
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return cfg, fmt.Errorf("sim arg %s: %w", key, err)
			}
			*floats[key] = v
		case ints[key] != nil:
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, fmt.Errorf("sim arg %s: %w", key, err)
			}
			*ints[key] = v
		case bools[key] != nil:
			v, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, fmt.Errorf("sim arg %s: %w", key, err)
			}
			*bools[key] = v
		default:
			return cfg, fmt.Errorf("unknown sim arg %q", key)
		}
	}
	cfg.DCOffset = complex(dcI, dcQ)
	cfg.PhaseImbalance = phaseDeg * math.Pi / 180
	if cfg.FailOpen {
		return cfg, fmt.Errorf("simulated open failure")
	}
	return cfg, nil
}

type simStream struct {
	dir    Direction
	active bool
	closed bool
}

func (s *simStream) Direction() Direction { return s.dir }

type calKey struct {
	dir     Direction
	channel int
	freq    float64
}

// SimDevice is an in-process loopback transceiver. Transmitted envelope
// levels appear at the receiver as a tone at the TX/RX LO difference,
// distorted by DC offset, gain/phase imbalance and noise, then compensated
// by the programmed corrections. A sample clock drives HardwareTime and
// read timestamps; samples queue up between reads like a driver FIFO.
type SimDevice struct {
	mu  sync.Mutex
	cfg SimConfig
	rng *rand.Rand

	clockRate  float64
	sampleRate [2]float64
	antenna    [2]string
	gains      map[string]float64
	freqs      [2]map[string]float64
	dcAuto     [2]bool
	dcOffset   [2]complex128
	iqBalance  [2]complex128
	streams    []*simStream
	closed     bool

	now      int64 // hardware clock in samples
	rxCursor int64 // clock of the next queued rx sample
	txLevel  complex64
	txPrev   complex64
	txSince  int64
	reads    int
	writes   int
	store    map[calKey]Calibration
}

// NewSim builds a simulated device.
func NewSim(cfg SimConfig) *SimDevice {
	if cfg.MTU <= 0 {
		cfg.MTU = 4096
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1 << 18
	}
	if cfg.GainImbalance == 0 {
		cfg.GainImbalance = 1
	}
	d := &SimDevice{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		gains:     make(map[string]float64),
		freqs:     [2]map[string]float64{{}, {}},
		iqBalance: [2]complex128{1, 1},
		store:     make(map[calKey]Calibration),
	}
	return d
}

func (d *SimDevice) Driver() string { return "sim" }

func (d *SimDevice) SetMasterClockRate(rate float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rate <= 0 {
		return fmt.Errorf("invalid master clock rate %g", rate)
	}
	d.clockRate = rate
	return nil
}

func (d *SimDevice) SetSampleRate(dir Direction, _ int, rate float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rate <= 0 {
		return fmt.Errorf("invalid sample rate %g", rate)
	}
	if d.clockRate > 0 && rate > d.clockRate {
		return fmt.Errorf("sample rate %g exceeds master clock %g", rate, d.clockRate)
	}
	d.sampleRate[dir] = rate
	return nil
}

func (d *SimDevice) SetAntenna(dir Direction, _ int, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.antenna[dir] = name
	return nil
}

func (d *SimDevice) SetGain(dir Direction, _ int, stage string, db float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gains[dir.String()+"/"+stage] = db
	return nil
}

func (d *SimDevice) SetFrequency(dir Direction, _ int, component string, hz float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch component {
	case "RF", "BB":
	default:
		return &StatusError{Op: "setFrequency " + component, Code: StatusNotSupported}
	}
	d.freqs[dir][component] = hz
	return nil
}

func (d *SimDevice) SetDCOffsetMode(dir Direction, _ int, automatic bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dcAuto[dir] = automatic
	return nil
}

func (d *SimDevice) SetDCOffset(dir Direction, _ int, offset complex128) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dcOffset[dir] = offset
	return nil
}

func (d *SimDevice) SetIQBalance(dir Direction, _ int, balance complex128) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmplx.IsNaN(balance) || cmplx.IsInf(balance) || balance == 0 {
		return fmt.Errorf("invalid iq balance %v", balance)
	}
	d.iqBalance[dir] = balance
	return nil
}

func (d *SimDevice) SetupStream(dir Direction, format string, channels []int) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if format != FormatCF32 {
		return nil, &StatusError{Op: "setupStream " + format, Code: StatusNotSupported}
	}
	if len(channels) != 1 || channels[0] != 0 {
		return nil, fmt.Errorf("sim supports channel 0 only, got %v", channels)
	}
	s := &simStream{dir: dir}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *SimDevice) ActivateStream(s Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	st.active = true
	if st.dir == RX {
		d.rxCursor = d.now
	}
	return nil
}

func (d *SimDevice) DeactivateStream(s Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	st.active = false
	return nil
}

func (d *SimDevice) CloseStream(s Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	st.closed = true
	return nil
}

func (d *SimDevice) stream(s Stream) (*simStream, error) {
	st, ok := s.(*simStream)
	if !ok || st == nil || st.closed {
		return nil, &StatusError{Op: "stream", Code: StatusStreamError}
	}
	return st, nil
}

// HardwareTime returns the sample clock in ns. Each query also lets Latency
// samples pass, standing in for host time between calls.
func (d *SimDevice) HardwareTime() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("device closed")
	}
	t := d.timeNs(d.now)
	d.now += int64(d.cfg.Latency)
	return t, nil
}

func (d *SimDevice) WriteStream(s Stream, buf []complex64, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.stream(s)
	if err != nil {
		return 0, err
	}
	if st.dir != TX || !st.active {
		return 0, &StatusError{Op: "writeStream", Code: StatusStreamError}
	}
	if d.cfg.FailWrite {
		return 0, &StatusError{Op: "writeStream", Code: StatusUnderflow}
	}
	if len(buf) == 0 {
		return 0, nil
	}
	d.writes++
	d.now += int64(len(buf))
	d.txPrev = d.levelAt(d.now)
	d.txLevel = buf[len(buf)-1]
	d.txSince = d.now
	d.now += int64(d.cfg.Backlog)
	return len(buf), nil
}

func (d *SimDevice) ReadStream(s Stream, buf []complex64, _ time.Duration) (ReadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.stream(s)
	if err != nil {
		return ReadResult{}, err
	}
	if st.dir != RX || !st.active {
		return ReadResult{}, &StatusError{Op: "readStream", Code: StatusStreamError}
	}
	if d.cfg.FailReadAfter > 0 && d.reads >= d.cfg.FailReadAfter {
		return ReadResult{}, &StatusError{Op: "readStream", Code: StatusOverflow}
	}
	d.reads++

	if lag := d.now - d.rxCursor; lag > int64(d.cfg.QueueDepth) {
		d.rxCursor = d.now - int64(d.cfg.QueueDepth)
	}
	n := min(len(buf), d.cfg.MTU)
	start := d.rxCursor
	for i := 0; i < n; i++ {
		buf[i] = d.sampleAt(start + int64(i))
	}
	d.rxCursor += int64(n)
	if d.rxCursor > d.now {
		d.now = d.rxCursor
	}
	return ReadResult{N: n, TimeNs: d.timeNs(start)}, nil
}

func (d *SimDevice) WriteCalibration(dir Direction, channel int, cal Calibration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device closed")
	}
	d.store[calKey{dir: dir, channel: channel, freq: cal.Frequency}] = cal
	return nil
}

// Close releases the device. Streams left open are reported.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device already closed")
	}
	d.closed = true
	for _, st := range d.streams {
		if !st.closed {
			return fmt.Errorf("%s stream still open at device close", st.dir)
		}
	}
	return nil
}

// StoredCalibration returns a committed correction.
func (d *SimDevice) StoredCalibration(dir Direction, channel int, freq float64) (Calibration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cal, ok := d.store[calKey{dir: dir, channel: channel, freq: freq}]
	return cal, ok
}

// IQBalance returns the programmed balance for dir.
func (d *SimDevice) IQBalance(dir Direction) complex128 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iqBalance[dir]
}

// DCOffset returns the programmed offset for dir.
func (d *SimDevice) DCOffset(dir Direction) complex128 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dcOffset[dir]
}

// DCOffsetMode reports whether automatic DC correction is enabled for dir.
func (d *SimDevice) DCOffsetMode(dir Direction) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dcAuto[dir]
}

// Frequency returns a tuned component frequency.
func (d *SimDevice) Frequency(dir Direction, component string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freqs[dir][component]
}

// Gain returns a stage gain.
func (d *SimDevice) Gain(dir Direction, stage string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gains[dir.String()+"/"+stage]
}

// Antenna returns the selected antenna.
func (d *SimDevice) Antenna(dir Direction) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.antenna[dir]
}

// OpenStreams counts streams not yet closed.
func (d *SimDevice) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, st := range d.streams {
		if !st.closed {
			n++
		}
	}
	return n
}

// Writes counts accepted tx writes.
func (d *SimDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *SimDevice) rate() float64 {
	if r := d.sampleRate[RX]; r > 0 {
		return r
	}
	return 1e6
}

func (d *SimDevice) timeNs(clock int64) int64 {
	return int64(math.Round(float64(clock) * 1e9 / d.rate()))
}

func (d *SimDevice) levelAt(clock int64) complex64 {
	if clock < d.txSince {
		return d.txPrev
	}
	return d.txLevel
}

// sampleAt renders the rx sample at clock. Callers hold d.mu.
func (d *SimDevice) sampleAt(clock int64) complex64 {
	rate := d.rate()
	level := complex128(d.levelAt(clock))
	amp := cmplx.Abs(level) * d.cfg.LoopGain
	if tx := d.txStream(); tx == nil || !tx.active {
		amp = 0
	}

	tone := (d.freqs[TX]["RF"] + d.freqs[TX]["BB"]) - (d.freqs[RX]["RF"] + d.freqs[RX]["BB"])
	cycles := math.Mod(tone*float64(clock)/rate, 1)
	theta := 2*math.Pi*cycles + cmplx.Phase(level)

	i := amp*math.Cos(theta) + real(d.cfg.DCOffset) + d.rng.NormFloat64()*d.cfg.Noise
	q := amp*d.cfg.GainImbalance*math.Sin(theta+d.cfg.PhaseImbalance) + imag(d.cfg.DCOffset) + d.rng.NormFloat64()*d.cfg.Noise

	if d.dcAuto[RX] {
		i -= real(d.cfg.DCOffset)
		q -= imag(d.cfg.DCOffset)
	} else {
		i -= real(d.dcOffset[RX])
		q -= imag(d.dcOffset[RX])
	}

	// Undo a gain ratio |b| and quadrature skew arg(b).
	if b := d.iqBalance[RX]; b != 1 {
		g, p := cmplx.Abs(b), cmplx.Phase(b)
		if c := math.Cos(p); g > 0 && math.Abs(c) > 1e-6 {
			q = (q/g - i*math.Sin(p)) / c
		}
	}
	return complex64(complex(i, q))
}

func (d *SimDevice) txStream() *simStream {
	for _, st := range d.streams {
		if st.dir == TX && !st.closed {
			return st
		}
	}
	return nil
}
