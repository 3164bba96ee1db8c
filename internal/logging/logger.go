package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with a key/value field API.
// Fields attached through With live in the zerolog context, so children are cheap to emit.
type Logger struct {
	zl zerolog.Logger
}

var global = NewDevelopment()

// NewProduction creates a JSON logger on stdout at info level
func NewProduction() *Logger {
	return NewWithWriter(os.Stdout, zerolog.InfoLevel)
}

// NewDevelopment creates a console logger on stdout at debug level
func NewDevelopment() *Logger {
	return NewWithWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, zerolog.DebugLevel)
}

// NewNop creates a logger that discards everything
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// NewWithWriter creates a timestamped logger writing to w
func NewWithWriter(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// SetGlobal replaces the process-wide logger
func SetGlobal(logger *Logger) {
	global = logger
}

// Global returns the process-wide logger
func Global() *Logger {
	return global
}

// appendFields copies key/value pairs onto a zerolog event or context.
// Non-string keys and a trailing key without value are ignored.
func appendFields(fields []interface{}, add func(key string, value interface{})) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		add(key, fields[i+1])
	}
}

func (l *Logger) emit(e *zerolog.Event, msg string, fields []interface{}) {
	if e == nil {
		return
	}
	appendFields(fields, func(key string, value interface{}) {
		if err, ok := value.(error); ok {
			e.AnErr(key, err)
			return
		}
		e.Interface(key, value)
	})
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.emit(l.zl.Error(), msg, fields)
}

// Fatal logs and exits the process
func (l *Logger) Fatal(msg string, fields ...interface{}) {
	l.emit(l.zl.Fatal(), msg, fields)
}

// With returns a child logger that always carries the given key/value pairs
func (l *Logger) With(fields ...interface{}) *Logger {
	zctx := l.zl.With()
	appendFields(fields, func(key string, value interface{}) {
		zctx = zctx.Interface(key, value)
	})
	return &Logger{zl: zctx.Logger()}
}

// WithContext returns a child logger carrying the worker and store found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func Debug(msg string, fields ...interface{}) { global.Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { global.Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { global.Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { global.Error(msg, fields...) }

// With creates a child of the global logger
func With(fields ...interface{}) *Logger {
	return global.With(fields...)
}
