// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New creates a logger configured from LOG_FORMAT and LOG_LEVEL. It is used
// before the configuration file has been read.
func New(serviceName, version string) zerolog.Logger {
	config := DefaultLogConfig()
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	logger, _ := NewWithConfig(serviceName, version, config)
	return logger
}

// NewWithConfig creates a logger with the given configuration. The returned
// closer releases the log file, if one was opened.
func NewWithConfig(serviceName, version string, config LogConfig) (zerolog.Logger, io.Closer) {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)

	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = file
			closer = file
		}
	}

	if useConsole(config.Format, output) {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}

	logger := zerolog.New(output).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()
	return logger, closer
}

// useConsole decides between console and JSON output. "auto" picks the
// console writer only when output is a terminal.
func useConsole(format string, output io.Writer) bool {
	switch format {
	case "console", "text":
		return true
	case "auto":
		f, ok := output.(*os.File)
		return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	default:
		return false
	}
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Format     string // "json", "console" or "auto"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "auto",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
	}
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithDeviceContext adds device context to the logger.
func WithDeviceContext(logger zerolog.Logger, deviceID, protocol string) zerolog.Logger {
	return logger.With().
		Str("device_id", deviceID).
		Str("protocol", protocol).
		Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
