package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ConfigureDefaultLogger points the default slog logger at stdout (text) or
// at logFile (JSON), filtered to logLevel. Valid levels are "none", "error",
// "warn", "info" and "debug".
//
// The returned os.File is the open log file, or nil when logging to stdout,
// so the caller may close it on shutdown.
func ConfigureDefaultLogger(logLevel string, logFile string) (*os.File, error) {
	var opts slog.HandlerOptions
	switch logLevel {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unexpected log level %q", logLevel)
	}

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &opts)))
		return nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &opts)))
	return f, nil
}
