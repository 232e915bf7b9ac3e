// Package recovery decides what happens after a workflow pass ends without
// finishing the task ledger.
package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/workflow"
)

// Action is the outcome of a recovery decision.
type Action string

const (
	// ActionComplete means every task is done and completion was signalled.
	ActionComplete Action = "complete"
	// ActionResume means the executor should re-enter at Decision.StartAt.
	ActionResume Action = "resume"
	// ActionGiveUp means the run stays halted.
	ActionGiveUp Action = "give_up"
)

// Halt describes how the last executor pass ended.
type Halt struct {
	RunID    string
	Template *workflow.Template

	// Cursor is the persisted cursor of the run.
	Cursor int

	// Reason is empty when the pass ran to the end of the template.
	Reason string
	Err    error

	// Resumes counts recoveries already performed for the run.
	Resumes int
}

// Decision is what the controller chose.
type Decision struct {
	Action  Action
	StartAt int
	TaskID  string
	Summary string
	Reason  string
	Done    int
	Total   int
}

// Report is handed to the Completion collaborator.
type Report struct {
	RunID string
	Done  int
	Total int
	Tasks []*ledger.Task
}

// Completion delivers the user-facing completion signal.
type Completion interface {
	Complete(ctx context.Context, r Report) error
}

// CompletionFunc adapts a function to Completion.
type CompletionFunc func(ctx context.Context, r Report) error

// Complete implements Completion.
func (f CompletionFunc) Complete(ctx context.Context, r Report) error { return f(ctx, r) }

// Options configure a Controller.
type Options struct {
	LedgerPath string
	MaxResumes int
	Completion Completion
	Logger     *slog.Logger
}

// Controller is the retry/recovery policy.
type Controller struct {
	opts   Options
	logger *slog.Logger
}

// NewController returns a controller.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{opts: opts, logger: logger}
}

// Recover reads the ledger and decides between completion, re-entry and
// giving up. Re-entry starts at the first step bound to the phase of the
// first incomplete task; without one it uses the halted cursor, then 0.
func (c *Controller) Recover(ctx context.Context, h Halt) (Decision, error) {
	logger := c.logger.With("run_id", h.RunID)

	if err := ctx.Err(); err != nil {
		return Decision{Action: ActionGiveUp, Reason: "interrupted"}, nil
	}
	if h.Err != nil && cmerrors.IsEngineUnavailable(h.Err) {
		return Decision{Action: ActionGiveUp, Reason: h.Err.Error()}, nil
	}

	l, err := c.loadLedger()
	if err != nil {
		return Decision{}, err
	}
	if l == nil {
		// Nothing to track; a pass that reached the end is complete.
		if h.Reason == "" {
			return c.complete(ctx, h, Report{RunID: h.RunID})
		}
		return c.resume(logger, h, Decision{StartAt: clampCursor(h)})
	}

	done, total := l.Progress()
	if l.AllDone() {
		return c.complete(ctx, h, Report{RunID: h.RunID, Done: done, Total: total, Tasks: l.Tasks})
	}

	task := l.FirstIncomplete()
	start := -1
	if h.Template != nil {
		start = h.Template.IndexOfPhase(task.Phase)
	}
	if start < 0 {
		start = clampCursor(h)
	}
	return c.resume(logger, h, Decision{
		StartAt: start,
		TaskID:  task.ID,
		Summary: Summarize(l),
		Done:    done,
		Total:   total,
	})
}

func (c *Controller) resume(logger *slog.Logger, h Halt, d Decision) (Decision, error) {
	if h.Resumes >= c.opts.MaxResumes {
		d.Action = ActionGiveUp
		d.Reason = fmt.Sprintf("resume limit %d reached", c.opts.MaxResumes)
		logger.Warn("giving up on run", "resumes", h.Resumes, "task", d.TaskID)
		return d, nil
	}
	d.Action = ActionResume
	logger.Info("resuming run", "start_at", d.StartAt, "task", d.TaskID, "attempt", h.Resumes+1)
	return d, nil
}

func (c *Controller) complete(ctx context.Context, h Halt, r Report) (Decision, error) {
	if c.opts.Completion != nil {
		if err := c.opts.Completion.Complete(ctx, r); err != nil {
			return Decision{}, fmt.Errorf("signalling completion: %w", err)
		}
	}
	c.logger.Info("all tasks complete", "run_id", h.RunID, "tasks", r.Total)
	return Decision{Action: ActionComplete, Done: r.Done, Total: r.Total}, nil
}

func (c *Controller) loadLedger() (*ledger.Ledger, error) {
	if c.opts.LedgerPath == "" {
		return nil, nil
	}
	l, err := ledger.Load(c.opts.LedgerPath)
	if cmerrors.HasCode(err, cmerrors.CodeIOFileNotFound) {
		return nil, nil
	}
	return l, err
}

func clampCursor(h Halt) int {
	if h.Template == nil || h.Cursor < 0 || h.Cursor >= len(h.Template.Steps) {
		return 0
	}
	return h.Cursor
}

// Summarize describes completed work for the first prompt after re-entry.
func Summarize(l *ledger.Ledger) string {
	done, total := l.Progress()
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d tasks are done.", done, total)
	if completed := l.Completed(); len(completed) > 0 {
		b.WriteString(" Completed:")
		for _, t := range completed {
			fmt.Fprintf(&b, "\n- %s: %s", t.ID, t.Name)
		}
	}
	if next := l.FirstIncomplete(); next != nil {
		fmt.Fprintf(&b, "\nContinue with %s: %s.", next.ID, next.Name)
	}
	return b.String()
}
