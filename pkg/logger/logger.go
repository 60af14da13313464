// Package logger provides the shared slog logger for all packages.
//
// Log level comes from LOG_LEVEL (debug, info, warn/warning, error;
// case-insensitive, defaults to info). GO_ENV=production switches to the
// JSON handler for log aggregation; anything else uses the text handler.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the logger to the fx app.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger builds a *slog.Logger from LOG_LEVEL and GO_ENV.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// Scope returns the attribute identifying which component emitted the record,
// e.g. logger.Scope("mutation.saga").
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns the standard attribute for attaching an error to a record.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
