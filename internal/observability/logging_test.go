package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
		json   bool
	}{
		{
			name:   "json format",
			config: LogConfig{Level: "info", Format: "json"},
			json:   true,
		},
		{
			name:   "text format",
			config: LogConfig{Level: "debug", Format: "text"},
		},
		{
			name:   "defaults",
			config: LogConfig{},
			json:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf
			logger, _ := NewLogger(tt.config)
			logger.Info("hello", "session", "room")

			out := buf.String()
			if !strings.Contains(out, "hello") {
				t.Fatalf("missing message in %q", out)
			}
			var m map[string]any
			isJSON := json.Unmarshal([]byte(out), &m) == nil
			if isJSON != tt.json {
				t.Fatalf("json output = %v, want %v: %q", isJSON, tt.json, out)
			}
		})
	}
}

func TestLoggerLevelVar(t *testing.T) {
	var buf bytes.Buffer
	logger, level := NewLogger(LogConfig{Level: "info", Output: &buf})

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug logged at info level: %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.With("component", "test").Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug not logged after level change: %q", buf.String())
	}
}

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(LogConfig{Output: &buf})

	logger.Info("config",
		"api_key", "plain-value",
		"url", "https://example.test?key=sk-abcdefghijklmnopqrstuvwxyz",
		"error", errors.New("auth failed for sk-ant-REDACTED"),
		"session", "room",
	)

	out := buf.String()
	for _, secret := range []string{"plain-value", "sk-abcdefghijklmnop", "sk-ant-abcdefghijklmnop"} {
		if strings.Contains(out, secret) {
			t.Errorf("secret %q leaked: %s", secret, out)
		}
	}
	if !strings.Contains(out, `"session":"room"`) {
		t.Errorf("ordinary attribute lost: %s", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
