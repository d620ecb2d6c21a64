// Package telemetry sets up structured logging and tracing for the broker.
package telemetry

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger creates a structured logger writing to w. Supported levels:
// "debug", "info", "warn", "error"; anything else means "info". format is
// "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var slevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slevel = slog.LevelDebug
	case "warn":
		slevel = slog.LevelWarn
	case "error":
		slevel = slog.LevelError
	default:
		slevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slevel}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
