// Package logging provides structured logging setup using log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents the logging verbosity level.
type Level int

const (
	// LevelInfo is the default logging level for normal operation.
	LevelInfo Level = iota
	// LevelDebug enables verbose debug output.
	LevelDebug
	// LevelWarn only reports problems.
	LevelWarn
	// LevelError only reports failures.
	LevelError
)

// Format selects the handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// DebugEnv enables debug logging when set to 1.
const DebugEnv = "ABESLINK_DEBUG"

// ParseLevel maps a config string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds a handler writing to w.
func NewHandler(w io.Writer, level Level, format Format) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level.slogLevel(),
	}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup initializes the global slog logger.
// Call this once at application startup. JSON goes to stdout, text to stderr.
func Setup(level Level, format Format) {
	var w io.Writer = os.Stderr
	if format == FormatJSON {
		w = os.Stdout
	}
	slog.SetDefault(slog.New(NewHandler(w, level, format)))
}

// SetupFromEnv initializes a text logger on stderr.
// Set ABESLINK_DEBUG=1 to enable debug logging.
func SetupFromEnv() {
	Setup(LevelFromEnv(LevelInfo), FormatText)
}

// LevelFromEnv returns LevelDebug when ABESLINK_DEBUG=1, otherwise fallback.
func LevelFromEnv(fallback Level) Level {
	if os.Getenv(DebugEnv) == "1" {
		return LevelDebug
	}
	return fallback
}
