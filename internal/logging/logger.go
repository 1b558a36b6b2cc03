package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) charm() charmlog.Level {
	switch l {
	case Debug:
		return charmlog.DebugLevel
	case Warn:
		return charmlog.WarnLevel
	case Error:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
	Logfmt
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	case Logfmt:
		return "logfmt"
	default:
		return "unknown"
	}
}

func (f Format) charm() charmlog.Formatter {
	switch f {
	case JSON:
		return charmlog.JSONFormatter
	case Logfmt:
		return charmlog.LogfmtFormatter
	default:
		return charmlog.TextFormatter
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "logfmt":
		return Logfmt, nil
	case "text", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Default returns the process-wide logger.
func Default() Logger {
	if defaultLogger == nil {
		defaultLogger = New(Info, Text, io.Discard)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}

var defaultLogger Logger

type charmLogger struct {
	underlying *charmlog.Logger
}

// New constructs a Logger with the given level, format, and output writer.
func New(level Level, format Format, out io.Writer) Logger {
	return &charmLogger{
		underlying: charmlog.NewWithOptions(out, charmlog.Options{
			Level:           level.charm(),
			Formatter:       format.charm(),
			ReportTimestamp: format != JSON,
			TimeFormat:      time.RFC3339Nano,
		}),
	}
}

// NewRotatingFile returns a size-rotated log file writer suitable for New.
func NewRotatingFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}
}

func (l *charmLogger) With(fields ...Field) Logger {
	return &charmLogger{underlying: l.underlying.With(keyvals(fields)...)}
}

func (l *charmLogger) Debug(msg string, fields ...Field) { l.underlying.Debug(msg, keyvals(fields)...) }
func (l *charmLogger) Info(msg string, fields ...Field)  { l.underlying.Info(msg, keyvals(fields)...) }
func (l *charmLogger) Warn(msg string, fields ...Field)  { l.underlying.Warn(msg, keyvals(fields)...) }
func (l *charmLogger) Error(msg string, fields ...Field) { l.underlying.Error(msg, keyvals(fields)...) }

func keyvals(fields []Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		out = append(out, f.Key, f.Value)
	}
	return out
}
