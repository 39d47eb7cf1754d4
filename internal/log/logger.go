// Package log holds the process-wide slog logger. Output is always JSON;
// the destination is stdout for the host and stderr inside a sandbox
// subprocess, whose stdout carries envelopes.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// redactedKeys are attribute keys whose values never reach the log.
var redactedKeys = map[string]bool{
	"api_key":       true,
	"authorization": true,
	"token":         true,
}

// Setup initializes the global logger writing to stdout. Only the first
// call has any effect.
func Setup(level string) {
	SetupWithWriter(level, os.Stdout)
}

// SetupWithWriter is Setup with an explicit destination.
func SetupWithWriter(level string, w io.Writer) {
	once.Do(func() {
		logger = New(level, w)
		slog.SetDefault(logger)
	})
}

// New builds a JSON logger without touching the global one.
func New(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redact,
	}))
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, setting up an INFO logger on stdout
// if nobody has yet.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithWorker tags records with the worker id and the component.
func WithWorker(id, component string) *slog.Logger {
	return Get().With(slog.String("worker_id", id), slog.String("component", component))
}
