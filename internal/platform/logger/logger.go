// Package logger builds the structured loggers the resolution and
// delivery pipeline logs through, plus the request-log middleware.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a structured logger writing to stdout. level is one of
// "debug", "info", "warn", "error" (default "info"); format is "json"
// or "text" (default "json"). External lookup failures in the pipeline
// log at debug, so raise the level to see them.
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
