// Package logging wraps log/slog into the application-wide structured
// logger: JSON or text output, level filtering, and default service
// and version attributes on every record. Never log secrets or tokens.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/janitor-project/janitor-core/internal/infrastructure/config"
)

// Logger is a thin slog wrapper that stamps every record with the
// service name and version.
type Logger struct {
	*slog.Logger
}

// New builds a logger from the logging config section. Format "text"
// gives a human-readable handler for development; anything else is
// JSON. Output "stderr" or "stdout" (default).
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "janitor"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

// parseLevel maps a config string to a slog level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child logger carrying extra default attributes, e.g.
// logger.With("component", "mqtt").
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is a JSON/info/stdout logger for early startup, before the
// configuration file has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
