package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func resetForTest() {
	logger = nil
	once = sync.Once{}
}

func TestSetupWriter_JSON(t *testing.T) {
	resetForTest()
	defer resetForTest()

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	WithPlugin("echo").Debug("spawned", "pid", 42)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["plugin"] != "echo" {
		t.Errorf("plugin = %v, want echo", entry["plugin"])
	}
	if entry["msg"] != "spawned" {
		t.Errorf("msg = %v, want spawned", entry["msg"])
	}
}

func TestSetupWriter_TextAndLevel(t *testing.T) {
	resetForTest()
	defer resetForTest()

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "text")
	WithComponent("supervisor").Info("dropped")
	WithComponent("supervisor").Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "component=supervisor") || !strings.Contains(out, "kept") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
