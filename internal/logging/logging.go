package logging

import (
	"os"
	"strings"

	"log/slog"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger builds the service-wide JSON logger. Every record carries
// the service name and environment so logs from the api and the seed
// tool stay distinguishable in aggregation.
func NewLogger(level, service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: LevelFor(level),
	})
	return slog.New(handler).With(
		slog.String("service", service),
		slog.String("env", env),
	)
}

// LevelFor maps a config string to a slog level, defaulting to info.
func LevelFor(name string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
