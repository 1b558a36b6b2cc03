package sdr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDeviceOpen reports that no usable device session could be built.
	ErrDeviceOpen = errors.New("device open failed")
	// ErrStreamFault reports a transmit or receive stream failure.
	ErrStreamFault = errors.New("stream fault")
)

// FormatCF32 is the complex float32 stream sample format.
const FormatCF32 = "CF32"

// Direction selects the transmit or receive side of a channel.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "rx"
	case TX:
		return "tx"
	default:
		return "unknown"
	}
}

// Stream status codes reported by drivers. They follow the negative
// convention of common SDR driver layers.
const (
	StatusTimeout      = -1
	StatusStreamError  = -2
	StatusCorruption   = -3
	StatusOverflow     = -4
	StatusNotSupported = -5
	StatusTimeError    = -6
	StatusUnderflow    = -7
)

// StatusString names a status code.
func StatusString(code int) string {
	switch code {
	case StatusTimeout:
		return "TIMEOUT"
	case StatusStreamError:
		return "STREAM_ERROR"
	case StatusCorruption:
		return "CORRUPTION"
	case StatusOverflow:
		return "OVERFLOW"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusTimeError:
		return "TIME_ERROR"
	case StatusUnderflow:
		return "UNDERFLOW"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", code)
	}
}

// StatusError carries a negative driver status for a device call.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, StatusString(e.Code))
}

// IsTimeout reports whether err carries StatusTimeout.
func IsTimeout(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == StatusTimeout
}

// Stream is an opaque stream handle issued by a Device.
type Stream interface {
	Direction() Direction
}

// ReadResult describes one completed stream read.
type ReadResult struct {
	N      int   // samples written into the buffer
	TimeNs int64 // hardware time of the first sample
}

// Calibration is a correction pair held in a device calibration store.
type Calibration struct {
	Frequency float64
	DCOffset  complex128
	IQBalance complex128
}

// Device is the capability boundary of a radio driver. Implementations
// report driver failures as errors, stream failures as *StatusError.
type Device interface {
	Driver() string

	SetMasterClockRate(rate float64) error
	SetSampleRate(dir Direction, channel int, rate float64) error
	SetAntenna(dir Direction, channel int, name string) error
	SetGain(dir Direction, channel int, stage string, db float64) error
	// SetFrequency tunes a named component ("RF" or "BB").
	SetFrequency(dir Direction, channel int, component string, hz float64) error
	SetDCOffsetMode(dir Direction, channel int, automatic bool) error
	// SetDCOffset programs the offset removed from the signal path.
	SetDCOffset(dir Direction, channel int, offset complex128) error
	SetIQBalance(dir Direction, channel int, balance complex128) error

	SetupStream(dir Direction, format string, channels []int) (Stream, error)
	ActivateStream(s Stream) error
	DeactivateStream(s Stream) error
	CloseStream(s Stream) error

	// HardwareTime returns the device clock in nanoseconds.
	HardwareTime() (int64, error)
	ReadStream(s Stream, buf []complex64, timeout time.Duration) (ReadResult, error)
	WriteStream(s Stream, buf []complex64, timeout time.Duration) (int, error)

	// WriteCalibration persists a correction into non-volatile storage.
	WriteCalibration(dir Direction, channel int, cal Calibration) error

	Close() error
}

// Opener builds a Device from parsed device arguments.
type Opener func(args map[string]string) (Device, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Opener{}
)

// Register makes a driver available to OpenDevice under name.
func Register(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[strings.ToLower(name)] = open
}

// Drivers lists registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseArgs splits a "key=value,key=value" device string. A bare word is
// taken as the driver name.
func ParseArgs(s string) map[string]string {
	args := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			args["driver"] = part
			continue
		}
		args[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return args
}

// OpenDevice resolves the driver named in args and opens it.
func OpenDevice(args string) (Device, error) {
	kv := ParseArgs(args)
	name := strings.ToLower(kv["driver"])
	if name == "" {
		return nil, fmt.Errorf("%w: no driver in device arguments %q", ErrDeviceOpen, args)
	}

	driversMu.RLock()
	open, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown driver %q (available: %s)", ErrDeviceOpen, name, strings.Join(Drivers(), ", "))
	}

	dev, err := open(kv)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceOpen, name, err)
	}
	return dev, nil
}
