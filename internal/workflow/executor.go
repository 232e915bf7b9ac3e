package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/engine"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/logging"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/stream"
)

// EngineResolver picks the engine for a step.
type EngineResolver interface {
	Resolve(stepEngine, agentEngine string) (engine.Engine, error)
}

// PromptComposer builds the composite prompt for one invocation.
type PromptComposer interface {
	Compose(agent agents.Definition, memoryPath, request string) (string, error)
}

// MemoryLocator maps an agent id to its memory file.
type MemoryLocator interface {
	Path(agentID string) string
}

// Options are the collaborators an Executor needs.
type Options struct {
	Catalog   *agents.Catalog
	Engines   EngineResolver
	Composer  PromptComposer
	Memory    MemoryLocator
	Ledger    *ledger.Ledger
	Store     runstate.Store
	Evaluator Evaluator
	Progress  *stream.Hub[engine.Progress]
	WorkDir   string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Executor runs a template as a cursor-driven state machine. Steps run one
// at a time; the ledger and run state are saved after every step.
type Executor struct {
	opts   Options
	logger *slog.Logger
}

// NewExecutor returns an executor. Evaluator defaults to the marker
// evaluator and Now to time.Now.
func NewExecutor(opts Options) *Executor {
	if opts.Evaluator == nil {
		opts.Evaluator = NewMarkerEvaluator("")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{opts: opts, logger: logger}
}

// Halt reasons recorded on an Outcome.
const (
	ReasonInterrupted       = "interrupted"
	ReasonEngineUnavailable = "engine unavailable"
)

// Outcome is how a call to Run ended.
type Outcome struct {
	Status runstate.Status
	Reason string

	// Cursor is the index of the next step that would run.
	Cursor int

	// Invocations counts engine runs made during this call.
	Invocations int

	// History holds the steps executed during this call.
	History []runstate.StepRecord

	// Err is the step error that caused a halt, if any.
	Err error
}

// RunInput is one entry into the executor.
type RunInput struct {
	Template *Template
	Run      *runstate.Run

	// Summary is extra context for the first step executed, used when
	// recovery re-enters a run.
	Summary string
}

// Run executes from in.Run.Cursor until the cursor passes the last step or
// the run halts. The returned error is reserved for failures to persist
// state; step failures are reported through the Outcome.
func (e *Executor) Run(ctx context.Context, in RunInput) (*Outcome, error) {
	t, run := in.Template, in.Run
	logger := logging.WithRun(e.logger, run.ID)
	out := &Outcome{Status: runstate.StatusRunning}
	summary := in.Summary

	run.Status = runstate.StatusRunning
	run.Reason = ""
	if run.Cursor < 0 {
		run.Cursor = 0
	}

	for run.Cursor < len(t.Steps) {
		if err := ctx.Err(); err != nil {
			return e.halt(ctx, run, out, ReasonInterrupted, err)
		}

		i := run.Cursor
		step := t.Steps[i]
		stepLog := logging.WithStep(logger, step.ID, i)

		if run.SkipOwner == step.ID {
			run.Skip, run.SkipOwner = nil, ""
		}
		if run.Skipping(step.ID) || (step.ExecuteOnce && run.Completed[step.ID]) {
			stepLog.Info("skipping step")
			rec := runstate.StepRecord{StepID: step.ID, Index: i, AgentID: step.Agent, Skipped: true, FinishedAt: e.opts.Now()}
			e.record(run, out, rec)
			run.Cursor = i + 1
			if err := e.save(ctx, run); err != nil {
				return out, err
			}
			continue
		}

		var task *ledger.Task
		if e.opts.Ledger != nil {
			task = e.opts.Ledger.FirstIncompleteInPhase(step.Phase)
		}

		rec, res, stepErr := e.invoke(ctx, t, step, step.Agent, task, summary, stepLog)
		rec.Index = i
		run.Invocations++
		out.Invocations++
		summary = ""

		if stepErr != nil && haltsRun(ctx, stepErr) {
			e.record(run, out, rec)
			reason := ReasonEngineUnavailable
			if cmerrors.IsCancelled(stepErr) || ctx.Err() != nil {
				reason = ReasonInterrupted
			}
			return e.halt(ctx, run, out, reason, stepErr)
		}

		accepted, err := e.accept(task, res, stepErr)
		if err != nil {
			return out, err
		}
		rec.Accepted = accepted

		if !accepted && step.Fallback != "" {
			stepLog.Info("step not completed, running fallback", "fallback", step.Fallback)
			fbRec, fbRes, fbErr := e.invoke(ctx, t, step, step.Fallback, task, "", stepLog)
			fbRec.Index = i
			fbRec.Fallback = true
			run.Invocations++
			out.Invocations++
			if fbErr != nil && haltsRun(ctx, fbErr) {
				e.record(run, out, rec)
				e.record(run, out, fbRec)
				reason := ReasonEngineUnavailable
				if cmerrors.IsCancelled(fbErr) || ctx.Err() != nil {
					reason = ReasonInterrupted
				}
				return e.halt(ctx, run, out, reason, fbErr)
			}
			fbAccepted, err := e.accept(task, fbRes, fbErr)
			if err != nil {
				return out, err
			}
			fbRec.Accepted = fbAccepted
			e.record(run, out, rec)
			rec, res, stepErr = fbRec, fbRes, fbErr
		}

		if stepErr == nil {
			run.Completed[step.ID] = true
		}

		next := i + 1
		loops, err := t.LoopsFor(step)
		if err != nil {
			return out, err
		}
		output := stepOutput(res)
		for _, l := range loops {
			if !l.Matcher.Match(output) {
				continue
			}
			// Only the first matching loop applies.
			if run.LoopCounts[l.Key] >= l.Limit() {
				budget := cmerrors.LoopBudgetExhausted(step.ID, l.Key, l.Limit())
				stepLog.Warn("loop budget exhausted, advancing", "error", budget)
				if rec.Error == "" {
					rec.Error = budget.Error()
				}
				break
			}
			run.LoopCounts[l.Key]++
			skip := make(map[string]bool, len(l.Skip))
			for _, id := range l.Skip {
				skip[id] = true
			}
			next = NextCursor(i, l.Steps, func(idx int) bool { return skip[t.Steps[idx].ID] })
			run.Skip = append([]string(nil), l.Skip...)
			run.SkipOwner = step.ID
			target := next
			rec.LoopedTo = &target
			stepLog.Info("loop triggered",
				"loop", l.Key,
				"trigger", l.Matcher.String(),
				"iteration", run.LoopCounts[l.Key],
				"target", next)
			break
		}

		e.record(run, out, rec)
		run.Cursor = next
		if err := e.save(ctx, run); err != nil {
			return out, err
		}
	}

	run.Status = runstate.StatusCompleted
	out.Status = runstate.StatusCompleted
	out.Cursor = run.Cursor
	if err := e.save(ctx, run); err != nil {
		return out, err
	}
	logger.Info("workflow completed", "invocations", out.Invocations)
	return out, nil
}

// haltsRun reports whether a step error stops the run instead of being
// handled by loop-back and fallback.
func haltsRun(ctx context.Context, err error) bool {
	return ctx.Err() != nil || cmerrors.IsCancelled(err) || cmerrors.IsEngineUnavailable(err)
}

func (e *Executor) halt(ctx context.Context, run *runstate.Run, out *Outcome, reason string, cause error) (*Outcome, error) {
	run.Status = runstate.StatusHalted
	run.Reason = reason
	out.Status = runstate.StatusHalted
	out.Reason = reason
	out.Cursor = run.Cursor
	out.Err = cause
	e.logger.Warn("workflow halted", "run_id", run.ID, "reason", reason, "cursor", run.Cursor, "error", cause)
	// Persist even when ctx is done so the halt is visible to resume.
	return out, e.save(context.WithoutCancel(ctx), run)
}

func (e *Executor) record(run *runstate.Run, out *Outcome, rec runstate.StepRecord) {
	run.History = append(run.History, rec)
	out.History = append(out.History, rec)
}

func (e *Executor) save(ctx context.Context, run *runstate.Run) error {
	run.UpdatedAt = e.opts.Now()
	if e.opts.Store == nil {
		return nil
	}
	if err := e.opts.Store.Save(ctx, run); err != nil {
		return fmt.Errorf("saving run state: %w", err)
	}
	return nil
}

// accept evaluates the step against its task and persists a newly done task.
// A step without a task is accepted when it ran without error.
func (e *Executor) accept(task *ledger.Task, res *engine.RunResult, stepErr error) (bool, error) {
	if stepErr != nil {
		return false, nil
	}
	if task == nil {
		return true, nil
	}
	if !e.opts.Evaluator.Accept(task, res) {
		return false, nil
	}
	if err := e.opts.Ledger.SetDone(task.ID, true); err != nil {
		return false, fmt.Errorf("updating ledger: %w", err)
	}
	return true, nil
}

// invoke runs agentID for step. The returned record is filled except for
// Index and Accepted.
func (e *Executor) invoke(ctx context.Context, t *Template, step Step, agentID string, task *ledger.Task, summary string, logger *slog.Logger) (runstate.StepRecord, *engine.RunResult, error) {
	started := e.opts.Now()
	rec := runstate.StepRecord{StepID: step.ID, AgentID: agentID}
	if task != nil {
		rec.TaskID = task.ID
	}
	finish := func(res *engine.RunResult, err error) (runstate.StepRecord, *engine.RunResult, error) {
		rec.FinishedAt = e.opts.Now()
		rec.Duration = rec.FinishedAt.Sub(started)
		if res != nil {
			rec.InstanceID = res.InstanceID
		}
		if err != nil {
			rec.Error = err.Error()
			logger.Warn("step failed", "agent", agentID, "error", err)
		}
		return rec, res, err
	}

	agent, ok := e.opts.Catalog.Get(agentID)
	if !ok {
		return finish(nil, cmerrors.WorkflowUnknownAgent(step.ID, agentID))
	}
	eng, err := e.opts.Engines.Resolve(step.Engine, agent.Engine)
	if err != nil {
		return finish(nil, err)
	}
	rec.EngineID = eng.Metadata().ID

	// A step-level prompt gets its own artifact so it never shadows the
	// agent's default.
	promptAgent := agent
	if step.Prompt != "" {
		promptAgent.ID = agent.ID + "." + step.ID
		promptAgent.Prompt = step.Prompt
		if !filepath.IsAbs(promptAgent.Prompt) && t.Path != "" {
			promptAgent.Prompt = filepath.Join(filepath.Dir(t.Path), promptAgent.Prompt)
		}
	}
	memoryPath := ""
	if e.opts.Memory != nil {
		memoryPath = e.opts.Memory.Path(agent.ID)
	}
	prompt, err := e.opts.Composer.Compose(promptAgent, memoryPath, e.request(step, task, summary))
	if err != nil {
		return finish(nil, err)
	}

	model := step.Model
	if model == "" {
		model = agent.Model
	}
	effort := step.ReasoningEffort
	if effort == "" {
		effort = agent.ReasoningEffort
	}

	logger.Info("running step", "agent", agentID, "engine", rec.EngineID, "task", rec.TaskID)
	res, err := eng.Run(ctx, engine.RunOptions{
		AgentID:         agent.ID,
		Prompt:          prompt,
		WorkDir:         e.opts.WorkDir,
		Model:           model,
		ReasoningEffort: effort,
		Progress:        e.opts.Progress,
	})
	return finish(res, err)
}

// request is the task part of the composite prompt.
func (e *Executor) request(step Step, task *ledger.Task, summary string) string {
	var parts []string
	if r := strings.TrimSpace(step.Request); r != "" {
		parts = append(parts, r)
	}
	if task != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "Current task %s: %s", task.ID, task.Name)
		if task.Details != "" {
			b.WriteString("\n\n" + task.Details)
		}
		if task.AcceptanceCriteria != "" {
			b.WriteString("\n\nAcceptance criteria: " + task.AcceptanceCriteria)
		}
		if in, ok := e.opts.Evaluator.(Instructor); ok {
			b.WriteString("\n\n" + in.Instruction(task))
		}
		parts = append(parts, b.String())
	}
	if s := strings.TrimSpace(summary); s != "" {
		parts = append(parts, "Progress so far:\n"+s)
	}
	return strings.Join(parts, "\n\n")
}

// stepOutput is the text loop triggers are matched against.
func stepOutput(res *engine.RunResult) string {
	if res == nil {
		return ""
	}
	if res.Stderr == "" {
		return res.Stdout
	}
	return res.Stdout + "\n" + res.Stderr
}
