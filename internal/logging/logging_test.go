package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codemachine-cli/codemachine/internal/config"
)

func TestNewFromConfig_DefaultsToStderr(t *testing.T) {
	cfg := config.Default()

	logger, closer, err := NewFromConfig(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if closer != nil {
		t.Error("Expected no closer when no file configured")
	}
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewWithWriter_JSONAndFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.Format = config.LogFormatJSON
	cfg.Logging.Level = config.LogLevelDebug
	cfg.Logging.File = "run.log"

	var buf bytes.Buffer
	logger, closer, err := NewWithWriter(cfg, &buf, dir)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}
	if closer == nil {
		t.Fatal("Expected closer for file logging")
	}
	defer closer.Close()

	WithRun(logger, "run-1").Debug("hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("primary writer did not get JSON: %v (%q)", err, buf.String())
	}
	if entry["run_id"] != "run-1" || entry["key"] != "value" {
		t.Errorf("unexpected entry: %v", entry)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".codemachine", "logs", "run.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	l := WithEngine(WithAgent(WithStep(logger, "build", 2), "coder"), "codex")
	l.Info("msg")

	out := buf.String()
	for _, want := range []string{"step=build", "index=2", "agent=coder", "engine=codex"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNewForTest_IsSilent(t *testing.T) {
	logger := NewForTest()
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("test logger should not be enabled at info")
	}
}
