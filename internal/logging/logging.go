// Package logging builds the service's JSON slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger writing to w and installs it as the slog default.
func New(level string, w io.Writer) *slog.Logger {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lv,
	}))
	slog.SetDefault(l)
	return l
}
