package mqttlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewTagsRole(t *testing.T) {
	var buf bytes.Buffer
	logger := New("mqttbroker", slog.LevelInfo, &buf)
	logger.Info("starting")

	out := buf.String()
	if !strings.Contains(out, "role=mqttbroker") {
		t.Fatalf("expected role attribute in output, got %q", out)
	}
	if !strings.Contains(out, "starting") {
		t.Fatalf("expected message in output, got %q", out)
	}
}

func TestNewDefaultsToStderrWithoutPanicking(t *testing.T) {
	logger := New("mqttsub", slog.LevelWarn, nil)
	if logger == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
