package main

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger initializes the structured logger with JSON output.
// Log level is controlled by the LOG_LEVEL env var (debug/info/warn/error).
func InitLogger(levelStr string) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String())
}

// shortID truncates event ids and pubkeys for log lines
func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16]
}
