package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTextLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := Text(&buf, slog.LevelWarn)
	l.Info("hidden")
	l.Warn("visible", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record passed a warn-level handler")
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "key=value") {
		t.Errorf("warn record missing from output: %q", out)
	}
}

func TestWithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := JSON(&buf, slog.LevelInfo).With("device", "sim")
	l.Info("ready")
	if !strings.Contains(buf.String(), `"device":"sim"`) {
		t.Errorf("bound attribute missing: %q", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := Text(&buf, slog.LevelInfo)
	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Error("logger did not round-trip through the context")
	}

	if FromContext(context.Background()) == nil {
		t.Error("missing logger must fall back to a default")
	}
}
