package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/codemachine-cli/codemachine/internal/config"
	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/engine/builtin"
	"github.com/codemachine-cli/codemachine/internal/instance"
	"github.com/codemachine-cli/codemachine/internal/logging"
	"github.com/codemachine-cli/codemachine/internal/memory"
	"github.com/codemachine-cli/codemachine/internal/orchestrator"
	"github.com/codemachine-cli/codemachine/internal/process"
	"github.com/codemachine-cli/codemachine/internal/recovery"
	"github.com/codemachine-cli/codemachine/internal/status"
	"github.com/codemachine-cli/codemachine/internal/stream"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

// app is the wiring shared by every command: configuration, the process
// environment, the logger and the engine registry.
type app struct {
	dir       string
	cfg       *config.Config
	runtime   config.Runtime
	logger    *slog.Logger
	logCloser io.Closer
	tracker   *instance.Tracker
	memory    *memory.Store
	telemetry *telemetry.Recorder
	registry  *engine.Registry
	format    status.FormatOptions
}

func newApp() (*app, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rt := config.RuntimeFromOS()
	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}

	a := &app{
		dir:       dir,
		cfg:       cfg,
		runtime:   rt,
		logger:    logger,
		logCloser: closer,
		tracker:   instance.NewTracker(),
		memory:    memory.NewStore(cfg.MemoryDir(dir)),
		telemetry: telemetry.NewRecorder(),
		format: status.FormatOptions{
			NoColor: rt.PlainLogs || !isatty.IsTerminal(os.Stdout.Fd()),
		},
	}

	a.registry, err = builtin.NewRegistry(engine.Deps{
		Runner:    process.NewRunner(logger, process.WithTracker(a.tracker)),
		Memory:    a.memory,
		Telemetry: a.telemetry,
		Logger:    logger,
		Runtime:   rt,
		Process:   cfg.Process,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.registry.ApplyOverrides(cfg.Engines); err != nil {
		a.Close()
		return nil, err
	}
	if id := cfg.Workflow.DefaultEngine; id != "" {
		a.registry.SetDefault(id)
	}
	return a, nil
}

// loadConfig reads --config when given, otherwise the global and project
// config files.
func loadConfig(dir string) (*config.Config, error) {
	if configPath == "" {
		cfg, err := config.LoadFromDir(dir)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func (a *app) Close() {
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

func (a *app) orchestrator(progress *stream.Hub[engine.Progress], completion recovery.Completion) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Options{
		Config:     a.cfg,
		BaseDir:    a.dir,
		Registry:   a.registry,
		Memory:     a.memory,
		Telemetry:  a.telemetry,
		Progress:   progress,
		Completion: completion,
		Logger:     a.logger,
	})
}
