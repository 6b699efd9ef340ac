// Package logging configures zerolog for the loader library.
//
// Library packages never set the global level or output themselves: they
// derive component-tagged loggers from the process logger via NewLogger,
// and whoever owns the process (the daemon's main, an embedding
// application, a test) decides level and format once through Setup. An
// embedder that configures zerolog on its own can skip Setup entirely;
// component loggers inherit whatever global logger is in place.
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

// apply builds the root logger the configuration describes.
func (c Config) apply() zerolog.Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}
	if c.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Setup configures the global zerolog logger from cfg and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	log.Logger = cfg.apply()
	return log.Logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown levels fall back
// to info rather than failing: a bad logging knob must not keep the
// daemon from starting.
func parseLevel(level LogLevel) zerolog.Level {
	s := strings.ToLower(string(level))
	if s == "warning" {
		s = "warn"
	}
	if l, err := zerolog.ParseLevel(s); err == nil && l != zerolog.NoLevel {
		return l
	}
	return zerolog.InfoLevel
}

// NewLogger derives a component-tagged logger from the process logger.
// Every package in the library logs through one of these.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Stream records (key, operation)
//   - Pool admission decisions
//   - Request state transitions
//   - Catch-up scheduling and replay
//
// Info: Normal operation events
//   - Completed load cycles
//   - Shared loader construction and teardown
//   - Event-source connections established
//
// Warn: Warning conditions that don't prevent operation
//   - Skipped records (bad key prefix)
//   - Busy responses from the data service
//   - Event-source reconnect attempts
//
// Error: Error conditions requiring attention
//   - Failed requests (backed off and retried)
//   - Processor failures during distribution
//   - Configuration errors
//
// Context Fields:
//   - pool: request pool name
//   - request_id: tracked request ID
//   - url: data service or event-source URL
//   - fingerprint: shared loader configuration fingerprint
//   - key: entity key
//   - count: entity count from an envelope header
//   - flags: loader UI state bit flags
