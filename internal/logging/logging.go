package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the default logger for a binary: JSON (default) or text
// output on stdout, tagged with the service name.
func Init(service, format, level string) *slog.Logger {
	logger, warn := build(os.Stdout, service, format, level)
	slog.SetDefault(logger)
	if warn != "" {
		logger.Warn(warn, "format", format, "level", level)
	}
	return logger
}

func build(w io.Writer, service, format, level string) (*slog.Logger, string) {
	var warn string

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
		if level != "" {
			warn = "unknown log level, defaulting to info"
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
		warn = "unknown log format, defaulting to json"
	}
	return slog.New(handler).With("service", service), warn
}
