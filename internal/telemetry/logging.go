// Package telemetry wires logging, tracing and metrics for the scheduler
// process, in the same style as the swarmguard orchestrator's
// libs/go/core/logging and libs/go/core/otelinit packages.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON if
// SCHED_JSON_LOG=1/true/json, text otherwise.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("SCHED_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("SCHED_LOG_LEVEL")) {
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
