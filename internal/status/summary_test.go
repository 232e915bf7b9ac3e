package status

import (
	"testing"
	"time"

	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/workflow"
)

func TestNewRunSummary(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	back := 1
	run := runstate.NewRun("run-1", "pbt", "workflow.toml", now)
	run.Status = runstate.StatusHalted
	run.Cursor = 2
	run.Invocations = 4
	run.LoopCounts["test#0"] = 1
	run.History = []runstate.StepRecord{
		{StepID: "plan", Accepted: true},
		{StepID: "setup", Skipped: true},
		{StepID: "build", Error: "[PROC_001] make exited with 2"},
		{StepID: "build", Fallback: true, Accepted: true},
		{StepID: "test", Accepted: true, LoopedTo: &back},
	}

	tmpl, err := workflow.ParseTOML([]byte(`
[[steps]]
id = "plan"
agent = "p"
[[steps]]
id = "build"
agent = "b"
[[steps]]
id = "test"
agent = "t"
`))
	if err != nil {
		t.Fatalf("ParseTOML() error = %v", err)
	}
	l := ledger.New("tasks.json",
		&ledger.Task{ID: "T1", Done: true},
		&ledger.Task{ID: "T2"},
	)

	summary := NewRunSummary(run, tmpl, l)

	if summary.ID != "run-1" || summary.Template != "pbt" {
		t.Errorf("identity = %s/%s", summary.ID, summary.Template)
	}
	if summary.TotalSteps != 3 || summary.NextStep != "test" {
		t.Errorf("steps = %d next %q", summary.TotalSteps, summary.NextStep)
	}
	want := StepStats{Executed: 4, Accepted: 3, Failed: 1, Skipped: 1, Fallbacks: 1, LoopBacks: 1}
	if summary.StepStats != want {
		t.Errorf("StepStats = %+v, want %+v", summary.StepStats, want)
	}
	if summary.Tasks == nil || summary.Tasks.Done != 1 || summary.Tasks.Total != 2 || summary.Tasks.Next != "T2" {
		t.Errorf("Tasks = %+v", summary.Tasks)
	}
	if len(summary.Errors) != 1 || summary.Errors[0] != "build: [PROC_001] make exited with 2" {
		t.Errorf("Errors = %v", summary.Errors)
	}
	if summary.Loops["test#0"] != 1 {
		t.Errorf("Loops = %v", summary.Loops)
	}

	run.LoopCounts["test#0"] = 2
	if summary.Loops["test#0"] != 1 {
		t.Error("summary should not alias the run's loop counts")
	}
}

func TestNewRunSummary_WithoutTemplateOrLedger(t *testing.T) {
	run := runstate.NewRun("run-2", "pbt", "", time.Now())
	run.Cursor = 7

	summary := NewRunSummary(run, nil, nil)

	if summary.TotalSteps != 0 || summary.NextStep != "" {
		t.Errorf("steps = %d next %q", summary.TotalSteps, summary.NextStep)
	}
	if summary.Tasks != nil {
		t.Errorf("Tasks = %+v, want nil", summary.Tasks)
	}
	if summary.Loops != nil {
		t.Errorf("Loops = %v, want nil", summary.Loops)
	}
}
