package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	WithFields(fields ...Field) Logger
	WithError(err error) Logger
}

// Field is one structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// Config configures the global logger.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json or console
	Output string `json:"output" yaml:"output"` // stdout, stderr or a path
}

type zeroLogger struct {
	logger zerolog.Logger
	fields []Field
}

var (
	globalMu sync.RWMutex
	global   *zeroLogger
)

// Initialize configures the global logger. Safe to call more than once;
// the last call wins.
func Initialize(cfg Config) {
	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			output = os.Stdout
		} else {
			output = file
		}
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	globalMu.Lock()
	global = &zeroLogger{logger: zerolog.New(output).With().Timestamp().Logger()}
	globalMu.Unlock()
}

// Get returns the global logger, initializing defaults if needed.
func Get() Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l == nil {
		Initialize(Config{Level: "info", Format: "json", Output: "stdout"})
		globalMu.RLock()
		l = global
		globalMu.RUnlock()
	}
	return l
}

// New returns a logger scoped to a named component.
func New(component string) Logger {
	return Get().WithFields(String("component", component))
}

func (l *zeroLogger) WithFields(fields ...Field) Logger {
	return &zeroLogger{
		logger: l.logger,
		fields: append(append([]Field{}, l.fields...), fields...),
	}
}

func (l *zeroLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Err(err))
}

func (l *zeroLogger) Debug(msg string, fields ...Field) { l.emit(l.logger.Debug(), msg, fields) }
func (l *zeroLogger) Info(msg string, fields ...Field)  { l.emit(l.logger.Info(), msg, fields) }
func (l *zeroLogger) Warn(msg string, fields ...Field)  { l.emit(l.logger.Warn(), msg, fields) }
func (l *zeroLogger) Error(msg string, fields ...Field) { l.emit(l.logger.Error(), msg, fields) }

func (l *zeroLogger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range l.fields {
		event = addField(event, f)
	}
	for _, f := range fields {
		event = addField(event, f)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return event.Str(f.Key, v)
	case int:
		return event.Int(f.Key, v)
	case int64:
		return event.Int64(f.Key, v)
	case float64:
		return event.Float64(f.Key, v)
	case bool:
		return event.Bool(f.Key, v)
	case time.Time:
		return event.Time(f.Key, v)
	case time.Duration:
		return event.Dur(f.Key, v)
	case error:
		return event.AnErr(f.Key, v)
	default:
		return event.Interface(f.Key, v)
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field constructors.

func String(key, value string) Field            { return Field{Key: key, Value: value} }
func Int(key string, value int) Field           { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field       { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field         { return Field{Key: key, Value: value} }
func Duration(key string, v time.Duration) Field { return Field{Key: key, Value: v} }
func Err(err error) Field                       { return Field{Key: "error", Value: err} }
func Any(key string, value interface{}) Field   { return Field{Key: key, Value: value} }
