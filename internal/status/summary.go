package status

import (
	"time"

	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/workflow"
)

// RunSummary contains computed information about a run for display.
type RunSummary struct {
	ID          string          `json:"id"`
	Template    string          `json:"template"`
	Status      runstate.Status `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Cursor      int             `json:"cursor"`
	TotalSteps  int             `json:"total_steps,omitempty"`
	NextStep    string          `json:"next_step,omitempty"`
	Invocations int             `json:"invocations"`
	Resumes     int             `json:"resumes"`
	StepStats   StepStats       `json:"step_stats"`
	Loops       map[string]int  `json:"loops,omitempty"`
	Tasks       *TaskStats      `json:"tasks,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
}

// StepStats tallies a run's step history.
type StepStats struct {
	Executed  int `json:"executed"`
	Accepted  int `json:"accepted"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Fallbacks int `json:"fallbacks"`
	LoopBacks int `json:"loop_backs"`
}

// TaskStats is ledger progress.
type TaskStats struct {
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Next  string `json:"next,omitempty"`
}

// NewRunSummary creates a summary from a run. The template and ledger are
// optional and add step names and task progress.
func NewRunSummary(run *runstate.Run, tmpl *workflow.Template, l *ledger.Ledger) *RunSummary {
	summary := &RunSummary{
		ID:          run.ID,
		Template:    run.Template,
		Status:      run.Status,
		Reason:      run.Reason,
		StartedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		Cursor:      run.Cursor,
		Invocations: run.Invocations,
		Resumes:     run.Resumes,
		StepStats:   computeStepStats(run.History),
	}
	if len(run.LoopCounts) > 0 {
		summary.Loops = make(map[string]int, len(run.LoopCounts))
		for k, v := range run.LoopCounts {
			summary.Loops[k] = v
		}
	}

	if tmpl != nil {
		summary.TotalSteps = len(tmpl.Steps)
		if run.Cursor >= 0 && run.Cursor < len(tmpl.Steps) {
			summary.NextStep = tmpl.Steps[run.Cursor].ID
		}
	}

	if l != nil {
		done, total := l.Progress()
		summary.Tasks = &TaskStats{Done: done, Total: total}
		if next := l.FirstIncomplete(); next != nil {
			summary.Tasks.Next = next.ID
		}
	}

	for _, rec := range run.History {
		if rec.Error != "" {
			summary.Errors = append(summary.Errors, rec.StepID+": "+rec.Error)
		}
	}
	return summary
}

// computeStepStats tallies up step records.
func computeStepStats(history []runstate.StepRecord) StepStats {
	var stats StepStats
	for _, rec := range history {
		if rec.Skipped {
			stats.Skipped++
			continue
		}
		stats.Executed++
		if rec.Accepted {
			stats.Accepted++
		}
		if rec.Error != "" {
			stats.Failed++
		}
		if rec.Fallback {
			stats.Fallbacks++
		}
		if rec.LoopedTo != nil {
			stats.LoopBacks++
		}
	}
	return stats
}
