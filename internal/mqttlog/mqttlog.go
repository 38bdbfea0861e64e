// Package mqttlog wires up the slog.Logger shared by every cmd/* role, so
// log level and format stay consistent across mqttbroker, mqttintegrator,
// mqttbridge, mqttpub, and mqttsub.
package mqttlog

import (
	"io"
	"log/slog"
	"os"
)

// New builds a text-handler slog.Logger writing to w (os.Stderr when w is
// nil), tagged with a "role" attribute so multi-role deployments can filter
// log lines by binary.
func New(role string, level slog.Level, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(slog.String("role", role))
}

// SetDefault builds a logger via New and installs it as slog's package-level
// default, matching the pattern every haivivi-giztoy command's initConfig
// uses.
func SetDefault(role string, level slog.Level) *slog.Logger {
	logger := New(role, level, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps the conventional CLI level names to slog.Level, defaulting
// to slog.LevelInfo for anything unrecognized.
func ParseLevel(name string) slog.Level {
	switch name {
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
