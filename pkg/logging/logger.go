// Package logging configures zerolog for ledgerscan and hands out
// component-scoped loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string

	// Pretty switches from JSON lines to a human-readable console writer.
	Pretty bool

	// Output defaults to os.Stderr so stdout stays free for scan results.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stderr,
	}
}

// Setup installs the configured logger as the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name to a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ChunkLogger tags logger with the half-open height range of one work unit.
func ChunkLogger(logger zerolog.Logger, start, end uint64) zerolog.Logger {
	return logger.With().
		Uint64("chunk_start", start).
		Uint64("chunk_end", end).
		Logger()
}

// BatchLogger tags logger with an account batch index and its size.
func BatchLogger(logger zerolog.Logger, batch, size int) zerolog.Logger {
	return logger.With().
		Int("batch", batch).
		Int("batch_size", size).
		Logger()
}

// Level guidelines:
//
// Debug: per-chunk and per-account detail, probe steps of the boundary search.
// Info: plan sizes, progress lines, final summaries.
// Warn: dropped chunks, retries, error budget throttling.
// Error: setup failures and aborted runs.
//
// Common fields: component, chunk_start, chunk_end, batch, attempt, op,
// endpoint, status_code, error_class.
