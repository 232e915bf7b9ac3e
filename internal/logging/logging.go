// Package logging provides structured logging infrastructure for codemachine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/codemachine-cli/codemachine/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration.
// When a log file is configured, records go to both stderr and the file.
func NewFromConfig(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stderr, baseDir)
}

// NewWithWriter is NewFromConfig with an explicit primary writer.
func NewWithWriter(cfg *config.Config, w io.Writer, baseDir string) (*slog.Logger, io.Closer, error) {
	return newLogger(cfg, w, baseDir)
}

func newLogger(cfg *config.Config, w io.Writer, baseDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	var closer io.Closer
	if logPath := cfg.LogFile(baseDir); logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, err
		}

		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		closer = file
		w = io.MultiWriter(w, file)
	}

	return slog.New(newHandler(cfg.Logging.Format, w, level)), closer, nil
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler creates a slog.Handler based on format.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case config.LogFormatJSON:
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// WithRun returns a logger with orchestration run context.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithStep returns a logger with workflow step context.
func WithStep(logger *slog.Logger, stepID string, index int) *slog.Logger {
	return logger.With("step", stepID, "index", index)
}

// WithAgent returns a logger with agent context.
func WithAgent(logger *slog.Logger, agentID string) *slog.Logger {
	return logger.With("agent", agentID)
}

// WithEngine returns a logger with engine context.
func WithEngine(logger *slog.Logger, engineID string) *slog.Logger {
	return logger.With("engine", engineID)
}
