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
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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
//   - Strategy decisions (class, cache hit/miss, bucket)
//   - Cache store operations (key, bucket, entry size)
//   - Detector probe evaluations (probe, fingerprint)
//   - Queue state changes (enqueue, cancel, attempt)
//
// Info: Normal operation events
//   - Version lifecycle transitions (install, activate)
//   - Queue drain start/finish with counts
//   - Deployment change detections
//   - Agent startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Offline fallbacks served (stale api-data, offline page)
//   - Cache store failures (read continues uncached)
//   - Stale bucket deletions that failed (retried next activation)
//   - Retryable drain failures (backoff scheduled)
//
// Error: Error conditions requiring attention
//   - Queued actions past the attempt ceiling (surfaced to UI)
//   - Shell precache failures (install aborted)
//   - Storage open/migration failures
//   - Configuration errors
//
// Context Fields:
//   - endpoint: backend endpoint path
//   - class: request class (app-shell, static-asset, api-data, default)
//   - bucket: cache bucket name
//   - version_tag: active or installing version tag
//   - sequence_id: queued action sequence number
//   - attempt_count: drain attempts for an action
//   - probe: deployment probe name
//   - status_code: HTTP status code
//   - duration: request duration
//   - error_class: error classification (client, server, network)
