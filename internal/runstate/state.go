// Package runstate persists orchestration runs so an interrupted run can be
// resumed where it stopped.
package runstate

import (
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusHalted    Status = "halted"
)

// IsTerminal reports whether the run will not continue without a resume.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusHalted
}

// StepRecord is one executed step in a run's history.
type StepRecord struct {
	StepID     string        `yaml:"step_id"`
	Index      int           `yaml:"index"`
	AgentID    string        `yaml:"agent_id"`
	EngineID   string        `yaml:"engine_id"`
	InstanceID string        `yaml:"instance_id,omitempty"`
	TaskID     string        `yaml:"task_id,omitempty"`
	Accepted   bool          `yaml:"accepted"`
	Fallback   bool          `yaml:"fallback,omitempty"`
	LoopedTo   *int          `yaml:"looped_to,omitempty"`
	Skipped    bool          `yaml:"skipped,omitempty"`
	Error      string        `yaml:"error,omitempty"`
	Duration   time.Duration `yaml:"duration"`
	FinishedAt time.Time     `yaml:"finished_at"`
}

// Run is the persisted state of one orchestration run.
type Run struct {
	ID           string    `yaml:"id"`
	Template     string    `yaml:"template"`
	TemplatePath string    `yaml:"template_path"`
	Status       Status    `yaml:"status"`
	Reason       string    `yaml:"reason,omitempty"`
	CreatedAt    time.Time `yaml:"created_at"`
	UpdatedAt    time.Time `yaml:"updated_at"`

	// Cursor is the index of the next step to execute.
	Cursor int `yaml:"cursor"`

	// LoopCounts holds loop-backs taken per loop key.
	LoopCounts map[string]int `yaml:"loop_counts,omitempty"`

	// Completed holds ids of steps that finished successfully at least once.
	Completed map[string]bool `yaml:"completed,omitempty"`

	// Skip is the skip set installed by the last loop-back. It stays active
	// until SkipOwner runs again.
	Skip      []string `yaml:"skip,omitempty"`
	SkipOwner string   `yaml:"skip_owner,omitempty"`

	Invocations int          `yaml:"invocations"`
	Resumes     int          `yaml:"resumes"`
	History     []StepRecord `yaml:"history,omitempty"`
}

// NewRun returns a run in the running state.
func NewRun(id, template, templatePath string, now time.Time) *Run {
	return &Run{
		ID:           id,
		Template:     template,
		TemplatePath: templatePath,
		Status:       StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
		LoopCounts:   make(map[string]int),
		Completed:    make(map[string]bool),
	}
}

// ensureMaps fills maps that YAML decoding leaves nil.
func (r *Run) ensureMaps() {
	if r.LoopCounts == nil {
		r.LoopCounts = make(map[string]int)
	}
	if r.Completed == nil {
		r.Completed = make(map[string]bool)
	}
}

// Skipping reports whether stepID is in the active skip set.
func (r *Run) Skipping(stepID string) bool {
	for _, id := range r.Skip {
		if id == stepID {
			return true
		}
	}
	return false
}

// Filter narrows List results.
type Filter struct {
	Status Status
}
