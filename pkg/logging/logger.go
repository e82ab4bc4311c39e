// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a configured level name to a zerolog.Level.
// Unknown names fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Store lookups (hit/miss, store, key)
//   - Strategy decisions and race outcomes
//   - Client channel traffic
//
// Info: Normal operation events
//   - Version installed / activated, stores deleted
//   - Update check results
//   - Notifications shown, clients focused or opened
//   - Server startup/shutdown
//
// Warn: Recoverable conditions, the unit continues
//   - Best-effort manifest entry failed
//   - Store write failed after a successful fetch
//   - Single update-check URL failed
//   - Push event without payload
//
// Error: Fatal-to-unit conditions
//   - Critical manifest entry failed, install aborted
//   - Activation could not clean up old stores
//   - Generic request failed after the final retry
//
// Context Fields:
//   - url: Intercepted or fetched URL
//   - class: Request class (navigation, static-asset, generic)
//   - store: Store name (version tag)
//   - version: Version tag being installed or activated
//   - task_id: Task identifier carried by a notification
//   - client_id: Client window identifier
//   - tag: Notification tag
//   - duration: Elapsed time of the operation
