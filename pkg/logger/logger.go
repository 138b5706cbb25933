package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	zl zerolog.Logger
}

type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	Output     string // stdout, stderr, or file path
	TimeFormat string
}

func New(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		output = file
	}

	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		CallerWithSkipFrameCount(4).
		Logger()

	return &Logger{zl: zl}, nil
}

// NewWriter builds a JSON logger on w. Used by tests that inspect output.
func NewWriter(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that always carries fields.
func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = f.onContext(ctx)
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Info(msg string, fields ...Field) {
	emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...Field) {
	emit(l.zl.Error(), msg, fields)
}

func (l *Logger) Debug(msg string, fields ...Field) {
	emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	emit(l.zl.Warn(), msg, fields)
}

func emit(event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		f.onEvent(event)
	}
	event.Msg(msg)
}

// Field is one structured key/value. Build it with the constructors below.
type Field struct {
	onEvent   func(*zerolog.Event)
	onContext func(zerolog.Context) zerolog.Context
}

func String(key, value string) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Str(key, value) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Str(key, value) },
	}
}

func Int(key string, value int) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Int(key, value) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Int(key, value) },
	}
}

func Int64(key string, value int64) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Int64(key, value) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Int64(key, value) },
	}
}

func Float64(key string, value float64) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Float64(key, value) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Float64(key, value) },
	}
}

func Bool(key string, value bool) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Bool(key, value) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Bool(key, value) },
	}
}

func Error(err error) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Err(err) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Err(err) },
	}
}

func Any(key string, value interface{}) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Interface(key, value) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) },
	}
}

// Stringer logs v.String(), e.g. a decimal price or units.
func Stringer(key string, v fmt.Stringer) Field {
	return Field{
		onEvent:   func(e *zerolog.Event) { e.Stringer(key, v) },
		onContext: func(c zerolog.Context) zerolog.Context { return c.Stringer(key, v) },
	}
}

// Duration is logged in milliseconds.
func Duration(key string, value time.Duration) Field {
	return Int64(key, int64(value/time.Millisecond))
}

func Strings(key string, value []string) Field {
	return String(key, strings.Join(value, ", "))
}

// Run tags every line of a run with its id and instrument.
func Run(runID, instrument string) []Field {
	return []Field{String("run_id", runID), String("instrument", instrument)}
}
