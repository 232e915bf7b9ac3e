package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// DefaultProcessTimeout bounds a single engine invocation.
const DefaultProcessTimeout = 30 * time.Minute

// DefaultGracePeriod is how long a terminated child gets before SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// DefaultCompletionMarker is the text an agent prints when a task's
// acceptance criteria are met.
const DefaultCompletionMarker = "TASK_COMPLETED"

// PathsConfig holds path configuration. Relative paths resolve against the
// project directory.
type PathsConfig struct {
	StateDir   string `toml:"state_dir"`
	MemoryDir  string `toml:"memory_dir"`
	PromptsDir string `toml:"prompts_dir"`
	RunsDir    string `toml:"runs_dir"`
	LogsDir    string `toml:"logs_dir"`
	Ledger     string `toml:"ledger"`
	Template   string `toml:"template"`
	Agents     string `toml:"agents"`
}

// ProcessConfig holds subprocess limits.
type ProcessConfig struct {
	Timeout     time.Duration `toml:"timeout"`
	GracePeriod time.Duration `toml:"grace_period"`
}

// WorkflowConfig holds workflow engine settings.
type WorkflowConfig struct {
	// CompletionMarker is the output text that satisfies a task's acceptance check.
	CompletionMarker string `toml:"completion_marker"`

	// MaxResumes bounds how many times recovery re-enters the workflow in one invocation.
	MaxResumes int `toml:"max_resumes"`

	// DefaultEngine is used when neither step nor agent names an engine.
	DefaultEngine string `toml:"default_engine"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// EngineConfig overrides built-in engine metadata.
type EngineConfig struct {
	Binary                 string   `toml:"binary"`
	DefaultModel           string   `toml:"default_model"`
	DefaultReasoningEffort string   `toml:"default_reasoning_effort"`
	Order                  *int     `toml:"order"`
	Disabled               bool     `toml:"disabled"`
	ExtraArgs              []string `toml:"extra_args"`
}

// Config is the main configuration struct for codemachine.
type Config struct {
	Version  string                  `toml:"version"`
	Paths    PathsConfig             `toml:"paths"`
	Process  ProcessConfig           `toml:"process"`
	Workflow WorkflowConfig          `toml:"workflow"`
	Logging  LoggingConfig           `toml:"logging"`
	Engines  map[string]EngineConfig `toml:"engines"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			StateDir:   ".codemachine",
			MemoryDir:  ".codemachine/memory",
			PromptsDir: ".codemachine/prompts",
			RunsDir:    ".codemachine/runs",
			LogsDir:    ".codemachine/logs",
			Ledger:     ".codemachine/plan/tasks.json",
			Template:   ".codemachine/workflow.toml",
			Agents:     ".codemachine/agents.toml",
		},
		Process: ProcessConfig{
			Timeout:     DefaultProcessTimeout,
			GracePeriod: DefaultGracePeriod,
		},
		Workflow: WorkflowConfig{
			CompletionMarker: DefaultCompletionMarker,
			MaxResumes:       3,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
		Engines: map[string]EngineConfig{},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.codemachine/config.toml -> <dir>/.codemachine/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".codemachine", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".codemachine", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Paths.Template == "" {
		return fmt.Errorf("template is required")
	}
	if c.Process.Timeout <= 0 {
		return fmt.Errorf("process.timeout must be positive")
	}
	if c.Process.GracePeriod < 0 {
		return fmt.Errorf("process.grace_period must not be negative")
	}
	if c.Workflow.MaxResumes < 0 {
		return fmt.Errorf("workflow.max_resumes must not be negative")
	}
	switch c.Logging.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case LogFormatJSON, LogFormatText, "":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	for id, ec := range c.Engines {
		switch ec.DefaultReasoningEffort {
		case "", "low", "medium", "high":
		default:
			return fmt.Errorf("engines.%s.default_reasoning_effort must be low, medium or high, got %q", id, ec.DefaultReasoningEffort)
		}
	}
	return nil
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// StateDir returns the absolute state directory path.
func (c *Config) StateDir(baseDir string) string { return resolve(baseDir, c.Paths.StateDir) }

// MemoryDir returns the absolute memory directory path.
func (c *Config) MemoryDir(baseDir string) string { return resolve(baseDir, c.Paths.MemoryDir) }

// PromptsDir returns the absolute prompt artifact directory path.
func (c *Config) PromptsDir(baseDir string) string { return resolve(baseDir, c.Paths.PromptsDir) }

// RunsDir returns the absolute runs directory path.
func (c *Config) RunsDir(baseDir string) string { return resolve(baseDir, c.Paths.RunsDir) }

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string { return resolve(baseDir, c.Paths.LogsDir) }

// LedgerPath returns the absolute task ledger path.
func (c *Config) LedgerPath(baseDir string) string { return resolve(baseDir, c.Paths.Ledger) }

// TemplatePath returns the absolute workflow template path.
func (c *Config) TemplatePath(baseDir string) string { return resolve(baseDir, c.Paths.Template) }

// AgentsPath returns the absolute agent catalog path.
func (c *Config) AgentsPath(baseDir string) string { return resolve(baseDir, c.Paths.Agents) }

// LogFile returns the absolute log file path, or "" when file logging is off.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.LogsDir(baseDir), c.Logging.File)
}

// TelemetryPath returns where accumulated token and timing telemetry is kept.
func (c *Config) TelemetryPath(baseDir string) string {
	return filepath.Join(c.StateDir(baseDir), "telemetry.json")
}
