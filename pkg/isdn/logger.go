package isdn

import (
	"os"

	"avaneesh/lapd-go/pkg/internal/logger"
)

// Logger is the logging interface used throughout the stack
type Logger = logger.Logger

// DefaultLogger returns the logger installed by SetLogLevel or
// SetConsoleLogLevel
func DefaultLogger() Logger {
	return logger.GetDefault()
}

// LogLevel represents logging level
type LogLevel int

const (
	// LevelDebug shows all log messages (most verbose)
	LevelDebug LogLevel = iota
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn
	// LevelError shows only error messages
	LevelError
)

// SetLogLevel replaces the default logger with a structured logger at the
// given level
func SetLogLevel(level LogLevel) {
	logger.SetDefault(logger.NewDefaultLogger(logger.Level(level)))
}

// SetConsoleLogLevel replaces the default logger with a human readable
// console logger on stderr
func SetConsoleLogLevel(level LogLevel) {
	logger.SetDefault(logger.NewConsoleLogger(os.Stderr, logger.Level(level)))
}

// ParseLogLevel converts a level name (debug, info, warn, error)
func ParseLogLevel(name string) (LogLevel, error) {
	level, err := logger.ParseLevel(name)
	return LogLevel(level), err
}

// EnableFrameDebug enables or disables frame debugging
// When enabled, shows hex dumps of all LAPD frames sent and received
func EnableFrameDebug(enable bool) {
	logger.SetFrameDebug(enable)
}
