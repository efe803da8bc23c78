package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"unknown", InfoLevel}, // default
		{"", InfoLevel},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNew(t *testing.T) {
	// nil config uses defaults
	log := New(nil)
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	log = New(&Config{Level: DebugLevel, Format: "text", Output: "stdout"})
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	log := New(&Config{Level: InfoLevel, Format: "json", Output: logFile})
	log.Info("hello", "key", "value")
	log.InfoContext(context.Background(), "with context")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "hello") || !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
	if !strings.Contains(out, "with context") {
		t.Fatalf("context call missing from output: %s", out)
	}
}

func TestSetLevelFilters(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	log := New(&Config{Level: InfoLevel, Format: "text", Output: logFile})
	log.Debug("hidden")
	log.SetLevel(DebugLevel)
	log.Debug("visible")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked below the level: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("debug line missing after SetLevel: %s", out)
	}
}

func TestWithAttachesAttributes(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	log := New(&Config{Level: InfoLevel, Format: "json", Output: logFile})
	derived := log.With("saga", "order")
	derived.Info("event")
	if err := derived.Close(); err != nil {
		t.Fatalf("derived Close() error = %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"saga":"order"`) {
		t.Fatalf("With attribute missing: %s", data)
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	log := Nop()
	log.Debug("a")
	log.Info("b")
	log.Warn("c")
	log.Error("d")
	log.ErrorContext(context.Background(), "e")
	log.SetLevel(DebugLevel)
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
