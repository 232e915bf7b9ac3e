package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/config"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/logging"
	"github.com/codemachine-cli/codemachine/internal/memory"
	"github.com/codemachine-cli/codemachine/internal/process"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

// Invocation is the provider-specific command shape for one run.
type Invocation struct {
	Args  []string
	Stdin string

	// Env entries override the runtime environment.
	Env []string
}

// Invoker knows a provider's command line and protocol.
type Invoker interface {
	// Invocation builds the command for opts. Model and ReasoningEffort are
	// already resolved against engine defaults.
	Invocation(opts RunOptions) (Invocation, error)

	// NewDecoder returns a fresh decoder for one run.
	NewDecoder() Decoder
}

// MemoryWriter persists an agent's latest context.
type MemoryWriter interface {
	Write(agentID, content string) error
}

// Deps are the shared collaborators every CLI engine needs.
type Deps struct {
	Runner    *process.Runner
	Memory    MemoryWriter
	Telemetry *telemetry.Recorder
	Logger    *slog.Logger
	Runtime   config.Runtime
	Process   config.ProcessConfig
}

// CLIEngine runs a provider CLI through the process runner and decodes its
// stdout protocol.
type CLIEngine struct {
	mu        sync.RWMutex
	meta      Metadata
	extraArgs []string

	auth    Authenticator
	invoker Invoker
	deps    Deps
	logger  *slog.Logger
}

var _ Engine = (*CLIEngine)(nil)

// NewCLIEngine assembles an engine from its parts.
func NewCLIEngine(meta Metadata, auth Authenticator, inv Invoker, deps Deps) *CLIEngine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Runner == nil {
		deps.Runner = process.NewRunner(logger)
	}
	return &CLIEngine{
		meta:    meta,
		auth:    auth,
		invoker: inv,
		deps:    deps,
		logger:  logging.WithEngine(logger, meta.ID),
	}
}

// Metadata implements Engine.
func (e *CLIEngine) Metadata() Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta
}

// Auth implements Engine.
func (e *CLIEngine) Auth() Authenticator {
	return e.auth
}

// ApplyConfig applies user overrides from [engines.<id>].
func (e *CLIEngine) ApplyConfig(ec config.EngineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ec.Binary != "" {
		e.meta.CLIBinary = ec.Binary
	}
	if ec.DefaultModel != "" {
		e.meta.DefaultModel = ec.DefaultModel
	}
	if ec.DefaultReasoningEffort != "" {
		e.meta.DefaultReasoningEffort = agents.ReasoningEffort(ec.DefaultReasoningEffort)
	}
	if ec.Order != nil {
		e.meta.Order = *ec.Order
	}
	e.extraArgs = append([]string(nil), ec.ExtraArgs...)
}

// Run implements Engine.
func (e *CLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	meta := e.Metadata()
	e.mu.RLock()
	extra := append([]string(nil), e.extraArgs...)
	e.mu.RUnlock()

	if opts.Model == "" {
		opts.Model = meta.DefaultModel
	}
	if opts.ReasoningEffort == "" {
		opts.ReasoningEffort = meta.DefaultReasoningEffort
	}

	inv, err := e.invoker.Invocation(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.deps.Process.Timeout
	}
	env := e.deps.Runtime.Env
	if len(inv.Env) > 0 {
		env = MergeEnv(env, inv.Env...)
	}

	spec := process.Spec{
		Command:     meta.CLIBinary,
		Args:        append(extra, inv.Args...),
		Dir:         opts.WorkDir,
		Env:         env,
		Stdin:       inv.Stdin,
		Timeout:     timeout,
		GracePeriod: e.deps.Process.GracePeriod,
		StripANSI:   e.deps.Runtime.PlainLogs,
		AgentID:     opts.AgentID,
		EngineID:    meta.ID,
		InstallHint: meta.InstallCommand,
	}

	logger := logging.WithAgent(e.logger, opts.AgentID).With("model", opts.Model)
	logger.Debug("invoking engine", "binary", spec.Command, "args", len(spec.Args))

	exe, err := e.deps.Runner.Start(ctx, spec)
	if err != nil {
		return nil, err
	}

	dec := e.invoker.NewDecoder()
	var (
		lines    []string
		message  []string
		memLines []string
		usage    telemetry.Usage
	)
	emit := func(p Progress) {
		switch p.Kind {
		case KindUsage:
			if p.Usage != nil {
				usage.Add(*p.Usage)
			}
		case KindMessage:
			message = append(message, p.Text)
			memLines = append(memLines, p.Text)
		case KindTool:
			memLines = append(memLines, p.Line())
		}
		lines = append(lines, p.Line())
		if opts.Progress != nil {
			opts.Progress.Publish(p)
		}
	}

	for ev := range exe.Events() {
		if ev.Stream == process.Stderr {
			logger.Debug("engine stderr", "line", ev.Line)
			continue
		}
		events, err := dec.Decode(ev.Line)
		if err != nil {
			logger.Debug("dropping stream event", "error", cmerrors.MalformedStreamEvent(meta.ID, err))
			continue
		}
		for _, p := range events {
			emit(p)
		}
	}
	if f, ok := dec.(Flusher); ok {
		for _, p := range f.Flush() {
			emit(p)
		}
	}

	res, runErr := exe.Wait()
	if res != nil && strings.TrimSpace(res.Stderr) == "" && cmerrors.HasCode(runErr, cmerrors.CodeProcessNonZeroExit) {
		// Raw stdout is protocol JSON; report the decoded lines instead.
		runErr = cmerrors.ProcessNonZeroExit(spec.Command, res.ExitCode, strings.Join(lines, "\n"))
	}

	result := &RunResult{
		Stdout:  strings.Join(lines, "\n"),
		Message: strings.Join(message, "\n"),
		Usage:   usage,
		Model:   opts.Model,
	}
	var duration time.Duration
	if res != nil {
		result.Stderr = res.Stderr
		result.InstanceID = res.InstanceID
		result.Duration = res.Duration
		duration = res.Duration
	}

	e.deps.Telemetry.Record(telemetry.Sample{
		Provider: meta.ID,
		Model:    opts.Model,
		AgentID:  opts.AgentID,
		Usage:    usage,
		Duration: duration,
		Failed:   runErr != nil,
	})

	if runErr != nil {
		return result, runErr
	}

	if !opts.SkipMemory && e.deps.Memory != nil && opts.AgentID != "" {
		content := memory.Sanitize(strings.Join(memLines, "\n"), opts.Prompt)
		if err := e.deps.Memory.Write(opts.AgentID, content); err != nil {
			return result, err
		}
	}

	logger.Debug("engine finished",
		"duration", result.Duration,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens)
	return result, nil
}

// MergeEnv returns base with the KEY=VALUE entries in overrides replacing
// any existing entries for the same key.
func MergeEnv(base []string, overrides ...string) []string {
	keys := make(map[string]bool, len(overrides))
	for _, kv := range overrides {
		if k, _, ok := strings.Cut(kv, "="); ok {
			keys[k] = true
		}
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if keys[k] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, overrides...)
}
