package logger

import (
	"log/slog"
	"os"
	"strings"
)

func toSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process-wide slog logger for the configured level.
func New(level string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: toSlogLevel(level),
	})
	return slog.New(h)
}

// Init installs the default logger. Called once from the root command.
func Init(level string) {
	slog.SetDefault(New(level))
}
