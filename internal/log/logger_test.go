package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON %q: %v", buf.String(), err)
	}
	return out
}

func TestSetupWithWriter(t *testing.T) {
	logger = nil
	once = sync.Once{}
	t.Cleanup(func() {
		logger = nil
		once = sync.Once{}
	})

	var buf bytes.Buffer
	SetupWithWriter("DEBUG", &buf)
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	var ignored bytes.Buffer
	SetupWithWriter("ERROR", &ignored)

	Get().Debug("debug line", "k", "v")
	if ignored.Len() != 0 {
		t.Fatalf("second setup should be a no-op, got %q", ignored.String())
	}

	out := decodeLine(t, &buf)
	if out["level"] != "DEBUG" {
		t.Errorf("Expected level DEBUG, got %v", out["level"])
	}
	if out["k"] != "v" {
		t.Errorf("Expected k=v, got %v", out["k"])
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
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	New("info", &buf).Info("request", "api_key", "s3cret", "Authorization", "Bearer x", "path", "/recognize")

	out := decodeLine(t, &buf)
	if out["api_key"] != "[redacted]" {
		t.Errorf("api_key = %v, want [redacted]", out["api_key"])
	}
	if out["Authorization"] != "[redacted]" {
		t.Errorf("Authorization = %v, want [redacted]", out["Authorization"])
	}
	if out["path"] != "/recognize" {
		t.Errorf("path = %v, want /recognize", out["path"])
	}
}

func TestNewKeepsEmptySecrets(t *testing.T) {
	var buf bytes.Buffer
	New("info", &buf).Info("config", "api_key", "")

	if out := decodeLine(t, &buf); out["api_key"] != "" {
		t.Errorf("api_key = %v, want empty", out["api_key"])
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = New("info", &buf)
	t.Cleanup(func() { logger = nil })

	WithComponent("router").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "router" {
		t.Errorf("Expected component 'router', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithWorker(t *testing.T) {
	var buf bytes.Buffer
	logger = New("info", &buf)
	t.Cleanup(func() { logger = nil })

	WithWorker("Worker-3", "dispatch").Info("worker msg")

	out := decodeLine(t, &buf)
	if out["worker_id"] != "Worker-3" {
		t.Errorf("Expected worker_id 'Worker-3', got %v", out["worker_id"])
	}
	if out["component"] != "dispatch" {
		t.Errorf("Expected component 'dispatch', got %v", out["component"])
	}
}
