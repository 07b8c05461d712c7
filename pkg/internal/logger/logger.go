package logger

import (
	"fmt"
	"io"
	"os"

	charm "github.com/charmbracelet/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name (debug, info, warn, error) into a Level
func ParseLevel(name string) (Level, error) {
	switch name {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "warn", "WARN", "warning":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Logger is the interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	SetLevel(level Level)
}

// DefaultLogger writes structured records through zap
type DefaultLogger struct {
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
}

// NewDefaultLogger creates a new default logger writing to stdout
func NewDefaultLogger(level Level) *DefaultLogger {
	atom := zap.NewAtomicLevelAt(zapLevel(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &DefaultLogger{level: atom, sugar: z.Sugar()}
}

// NewZapLogger wraps an existing zap logger. The level can only be raised
// above what the wrapped core already enables.
func NewZapLogger(z *zap.Logger, level Level) *DefaultLogger {
	atom := zap.NewAtomicLevelAt(zapLevel(level))
	return &DefaultLogger{level: atom, sugar: z.WithOptions(zap.IncreaseLevel(atom)).Sugar()}
}

// Debug logs debug message
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs info message
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs warning message
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs error message
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// SetLevel sets the logging level
func (l *DefaultLogger) SetLevel(level Level) {
	l.level.SetLevel(zapLevel(level))
}

// Sync flushes buffered records
func (l *DefaultLogger) Sync() error {
	return l.sugar.Sync()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ConsoleLogger renders human-readable, colourised output for interactive use
type ConsoleLogger struct {
	l *charm.Logger
}

// NewConsoleLogger creates a console logger writing to w
func NewConsoleLogger(w io.Writer, level Level) *ConsoleLogger {
	if w == nil {
		w = os.Stderr
	}
	l := charm.NewWithOptions(w, charm.Options{
		ReportTimestamp: true,
		Prefix:          "lapd",
	})
	c := &ConsoleLogger{l: l}
	c.SetLevel(level)
	return c
}

// Debug logs debug message
func (c *ConsoleLogger) Debug(format string, args ...interface{}) {
	c.l.Debugf(format, args...)
}

// Info logs info message
func (c *ConsoleLogger) Info(format string, args ...interface{}) {
	c.l.Infof(format, args...)
}

// Warn logs warning message
func (c *ConsoleLogger) Warn(format string, args ...interface{}) {
	c.l.Warnf(format, args...)
}

// Error logs error message
func (c *ConsoleLogger) Error(format string, args ...interface{}) {
	c.l.Errorf(format, args...)
}

// SetLevel sets the logging level
func (c *ConsoleLogger) SetLevel(level Level) {
	switch level {
	case LevelDebug:
		c.l.SetLevel(charm.DebugLevel)
	case LevelWarn:
		c.l.SetLevel(charm.WarnLevel)
	case LevelError:
		c.l.SetLevel(charm.ErrorLevel)
	default:
		c.l.SetLevel(charm.InfoLevel)
	}
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that doesn't log
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug does nothing
func (l *NoOpLogger) Debug(format string, args ...interface{}) {}

// Info does nothing
func (l *NoOpLogger) Info(format string, args ...interface{}) {}

// Warn does nothing
func (l *NoOpLogger) Warn(format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(format string, args ...interface{}) {}

// SetLevel does nothing
func (l *NoOpLogger) SetLevel(level Level) {}

// Global default logger
var defaultLogger Logger = NewDefaultLogger(LevelInfo)

var frameDebug = atomic.NewBool(false)

// SetDefault sets the default logger
func SetDefault(logger Logger) {
	defaultLogger = logger
}

// GetDefault returns the default logger
func GetDefault() Logger {
	return defaultLogger
}

// SetFrameDebug toggles hex dumps of every frame sent and received
func SetFrameDebug(enable bool) {
	frameDebug.Store(enable)
}

// FrameDebug reports whether frame hex dumps are enabled
func FrameDebug() bool {
	return frameDebug.Load()
}

// Helper functions using default logger

// Debug logs debug message using default logger
func Debug(format string, args ...interface{}) {
	defaultLogger.Debug(format, args...)
}

// Info logs info message using default logger
func Info(format string, args ...interface{}) {
	defaultLogger.Info(format, args...)
}

// Warn logs warning message using default logger
func Warn(format string, args ...interface{}) {
	defaultLogger.Warn(format, args...)
}

// Error logs error message using default logger
func Error(format string, args ...interface{}) {
	defaultLogger.Error(format, args...)
}

// Logf is a generic logging function
func Logf(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case LevelDebug:
		defaultLogger.Debug("%s", msg)
	case LevelInfo:
		defaultLogger.Info("%s", msg)
	case LevelWarn:
		defaultLogger.Warn("%s", msg)
	case LevelError:
		defaultLogger.Error("%s", msg)
	}
}
