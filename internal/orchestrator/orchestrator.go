// Package orchestrator drives one orchestration run: it loads and validates
// the workflow, prepares engines, executes steps and hands halted runs to
// recovery.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/config"
	"github.com/codemachine-cli/codemachine/internal/engine"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/logging"
	"github.com/codemachine-cli/codemachine/internal/memory"
	"github.com/codemachine-cli/codemachine/internal/prompt"
	"github.com/codemachine-cli/codemachine/internal/recovery"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/stream"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
	"github.com/codemachine-cli/codemachine/internal/workflow"
)

// Options are the collaborators for an Orchestrator. Config, BaseDir and
// Registry are required.
type Options struct {
	Config   *config.Config
	BaseDir  string
	Registry *engine.Registry

	// Memory must point at the same directory the engines write to.
	// Defaults to the configured memory dir.
	Memory *memory.Store

	Telemetry  *telemetry.Recorder
	Progress   *stream.Hub[engine.Progress]
	Completion recovery.Completion
	Evaluator  workflow.Evaluator
	Logger     *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// Result summarizes what one Run or Resume call did.
type Result struct {
	RunID       string
	Status      runstate.Status
	Reason      string
	Cursor      int
	Invocations int
	Resumes     int

	// Done and Total are ledger progress at the end of the call.
	Done  int
	Total int

	// Err is the step error behind a halt.
	Err error
}

// Orchestrator runs workflows for one project directory.
type Orchestrator struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
}

// New returns an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewStore(opts.Config.MemoryDir(opts.BaseDir))
	}
	if opts.Evaluator == nil {
		opts.Evaluator = workflow.NewMarkerEvaluator(opts.Config.Workflow.CompletionMarker)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{opts: opts, cfg: opts.Config, logger: logger}
}

// session is everything loaded before the first step runs.
type session struct {
	template *workflow.Template
	catalog  *agents.Catalog
	composer *prompt.Composer
	ledger   *ledger.Ledger
	store    *runstate.YAMLStore
}

// Load reads the agent catalog and the workflow template and validates
// them against the registry. Every error it returns is fatal to a run.
func (o *Orchestrator) Load(templatePath string) (*workflow.Template, *agents.Catalog, error) {
	if err := o.opts.Registry.ApplyOverrides(o.cfg.Engines); err != nil {
		return nil, nil, err
	}
	if id := o.cfg.Workflow.DefaultEngine; id != "" {
		if !o.opts.Registry.Has(id) {
			return nil, nil, cmerrors.ConfigInvalidValue("workflow.default_engine", id, "no such engine")
		}
		o.opts.Registry.SetDefault(id)
	}

	catalog, err := agents.Load(o.cfg.AgentsPath(o.opts.BaseDir))
	if err != nil {
		return nil, nil, err
	}
	if templatePath == "" {
		templatePath = o.cfg.TemplatePath(o.opts.BaseDir)
	}
	tmpl, err := workflow.Load(templatePath)
	if err != nil {
		return nil, nil, err
	}
	if err := workflow.Validate(tmpl, catalog, o.opts.Registry); err != nil {
		return nil, nil, err
	}
	return tmpl, catalog, nil
}

func (o *Orchestrator) prepare(ctx context.Context, templatePath string) (*session, error) {
	tmpl, catalog, err := o.Load(templatePath)
	if err != nil {
		return nil, err
	}

	composer := prompt.NewComposer(o.cfg.PromptsDir(o.opts.BaseDir))
	invalidated, err := composer.CheckTemplate(tmpl.Path)
	if err != nil {
		return nil, err
	}
	if invalidated {
		o.logger.Info("workflow template changed, prompt artifacts regenerated", "template", tmpl.Path)
	}

	if err := o.opts.Registry.SyncAll(ctx, catalog.List()); err != nil {
		return nil, err
	}
	if err := o.ensureAuth(ctx, tmpl, catalog); err != nil {
		return nil, err
	}

	l, err := ledger.Load(o.cfg.LedgerPath(o.opts.BaseDir))
	switch {
	case cmerrors.HasCode(err, cmerrors.CodeIOFileNotFound):
		o.logger.Debug("no task ledger, steps run without tasks")
		l = nil
	case err != nil:
		return nil, err
	}

	store, err := runstate.NewYAMLStore(o.cfg.RunsDir(o.opts.BaseDir))
	if err != nil {
		return nil, err
	}
	return &session{template: tmpl, catalog: catalog, composer: composer, ledger: l, store: store}, nil
}

// ensureAuth runs EnsureAuth once for every engine the template can reach.
func (o *Orchestrator) ensureAuth(ctx context.Context, tmpl *workflow.Template, catalog *agents.Catalog) error {
	seen := make(map[string]bool)
	for _, step := range tmpl.Steps {
		for _, agentID := range []string{step.Agent, step.Fallback} {
			if agentID == "" {
				continue
			}
			agent, _ := catalog.Get(agentID)
			eng, err := o.opts.Registry.Resolve(step.Engine, agent.Engine)
			if err != nil {
				return err
			}
			id := eng.Metadata().ID
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := eng.Auth().EnsureAuth(ctx); err != nil {
				return fmt.Errorf("authenticating %s: %w", id, err)
			}
			o.logger.Debug("engine ready", "engine", id)
		}
	}
	return nil
}

// Run starts a new run of the configured workflow.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	s, err := o.prepare(ctx, "")
	if err != nil {
		return nil, err
	}

	run := runstate.NewRun(o.opts.NewID(), s.template.Name, s.template.Path, o.opts.Now())
	if err := s.store.Create(ctx, run); err != nil {
		return nil, err
	}
	lock, err := s.store.AcquireLock(run.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	o.logger.Info("run started", "run_id", run.ID, "template", s.template.Name, "steps", len(s.template.Steps))
	return o.drive(ctx, s, run, "")
}

// Resume continues a halted run from its persisted cursor. An empty runID
// picks the most recent run.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	store, err := runstate.NewYAMLStore(o.cfg.RunsDir(o.opts.BaseDir))
	if err != nil {
		return nil, err
	}
	var run *runstate.Run
	if runID == "" {
		run, err = store.Latest(ctx)
		if err == nil && run == nil {
			err = fmt.Errorf("no runs to resume in %s", store.Dir())
		}
	} else {
		run, err = store.Get(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	if run.Status == runstate.StatusCompleted {
		return nil, fmt.Errorf("run %s already completed", run.ID)
	}

	lock, err := store.AcquireLock(run.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	s, err := o.prepare(ctx, run.TemplatePath)
	if err != nil {
		return nil, err
	}
	if run.Cursor > len(s.template.Steps) {
		run.Cursor = len(s.template.Steps)
	}

	summary := ""
	if s.ledger != nil {
		summary = recovery.Summarize(s.ledger)
	}
	o.logger.Info("run resumed", "run_id", run.ID, "cursor", run.Cursor)
	return o.drive(ctx, s, run, summary)
}

// drive alternates executor passes and recovery decisions until the run
// completes or recovery gives up.
func (o *Orchestrator) drive(ctx context.Context, s *session, run *runstate.Run, summary string) (*Result, error) {
	logger := logging.WithRun(o.logger, run.ID)
	defer o.saveTelemetry()

	exec := workflow.NewExecutor(workflow.Options{
		Catalog:   s.catalog,
		Engines:   o.opts.Registry,
		Composer:  s.composer,
		Memory:    o.opts.Memory,
		Ledger:    s.ledger,
		Store:     s.store,
		Evaluator: o.opts.Evaluator,
		Progress:  o.opts.Progress,
		WorkDir:   o.opts.BaseDir,
		Logger:    o.logger,
		Now:       o.opts.Now,
	})
	ctrl := recovery.NewController(recovery.Options{
		LedgerPath: o.cfg.LedgerPath(o.opts.BaseDir),
		MaxResumes: o.cfg.Workflow.MaxResumes,
		Completion: o.opts.Completion,
		Logger:     o.logger,
	})

	res := &Result{RunID: run.ID}
	resumes := 0
	for {
		out, err := exec.Run(ctx, workflow.RunInput{Template: s.template, Run: run, Summary: summary})
		if err != nil {
			return nil, err
		}
		res.Invocations += out.Invocations
		res.Err = out.Err

		d, err := ctrl.Recover(ctx, recovery.Halt{
			RunID:    run.ID,
			Template: s.template,
			Cursor:   run.Cursor,
			Reason:   out.Reason,
			Err:      out.Err,
			Resumes:  resumes,
		})
		if err != nil {
			return nil, err
		}
		res.Done, res.Total = d.Done, d.Total

		switch d.Action {
		case recovery.ActionResume:
			resumes++
			run.Resumes++
			run.Cursor = d.StartAt
			summary = d.Summary
			logger.Info("re-entering workflow", "cursor", d.StartAt, "task", d.TaskID, "done", d.Done, "total", d.Total)
			continue

		case recovery.ActionComplete:
			run.Status = runstate.StatusCompleted
			run.Reason = ""

		default:
			run.Status = runstate.StatusHalted
			run.Reason = d.Reason
			if d.Reason == "" {
				run.Reason = out.Reason
			}
			logger.Warn("run halted", "reason", run.Reason)
		}

		run.UpdatedAt = o.opts.Now()
		if err := s.store.Save(context.WithoutCancel(ctx), run); err != nil {
			return nil, err
		}
		res.Status = run.Status
		res.Reason = run.Reason
		res.Cursor = run.Cursor
		res.Resumes = resumes
		return res, nil
	}
}

// saveTelemetry folds this process's samples into the project's totals.
func (o *Orchestrator) saveTelemetry() {
	if o.opts.Telemetry == nil {
		return
	}
	path := o.cfg.TelemetryPath(o.opts.BaseDir)
	prev, err := telemetry.Load(path)
	if err != nil {
		o.logger.Warn("reading telemetry", "path", path, "error", err)
	}
	total := telemetry.NewRecorder()
	total.Merge(prev)
	total.Merge(o.opts.Telemetry.Snapshot())
	if err := total.Save(path); err != nil {
		o.logger.Warn("saving telemetry", "path", path, "error", err)
	}
}

// Runs lists persisted runs, oldest first.
func (o *Orchestrator) Runs(ctx context.Context, filter runstate.Filter) ([]*runstate.Run, error) {
	store, err := runstate.NewYAMLStore(o.cfg.RunsDir(o.opts.BaseDir))
	if err != nil {
		return nil, err
	}
	return store.List(ctx, filter)
}
