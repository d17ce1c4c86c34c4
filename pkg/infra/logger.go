package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Guizzs26/fb-discord-relay/internal/config"
)

// SetupLogger builds the process-wide logger: level and format from config,
// stdout plus an optional shared log file, tagged with the service name so
// ingress and worker lines interleave readably in one stream.
func SetupLogger(cfg *config.Config, service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			out = io.MultiWriter(os.Stdout, f)
		} else {
			slog.Warn("Could not open log file, logging to stdout only", "path", cfg.LogFile, "error", err)
		}
	}

	var handler slog.Handler
	if strings.ToUpper(cfg.LogFormat) == "JSON" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler).With("service", service)
}

// parseLevel maps the configured level onto slog's four: trace collapses
// into debug, fatal into error.
func parseLevel(raw string) slog.Level {
	switch strings.ToUpper(raw) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR", "FATAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
