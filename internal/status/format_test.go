package status

import (
	"strings"
	"testing"
	"time"

	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/instance"
	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

func TestFormatRun(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	summary := &RunSummary{
		ID:          "run-123",
		Template:    "feature",
		Status:      runstate.StatusHalted,
		Reason:      "engine unavailable",
		StartedAt:   start,
		UpdatedAt:   start.Add(90 * time.Second),
		Cursor:      2,
		TotalSteps:  4,
		NextStep:    "test",
		Invocations: 5,
		StepStats:   StepStats{Executed: 5, Accepted: 3, Failed: 1, LoopBacks: 1},
		Loops:       map[string]int{"test#0": 1},
		Tasks:       &TaskStats{Done: 1, Total: 2, Next: "T2"},
		Errors:      []string{"build: [PROC_001] make exited with 2\nsecond line"},
	}

	output := FormatRun(summary, FormatOptions{NoColor: true})

	for _, want := range []string{
		"run-123",
		"feature",
		"halted (engine unavailable)",
		"took 1m30s",
		"2/4 (next: test)",
		"1/2 done (next: T2)",
		"5 invocations",
		"3 accepted",
		"1 failed",
		"1 loop-backs",
		"test#0: 1",
		"build: [PROC_001] make exited with 2 …",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "second line") {
		t.Error("errors should show only their first line")
	}

	quiet := FormatRun(summary, FormatOptions{NoColor: true, Quiet: true})
	if strings.Contains(quiet, "Errors:") || strings.Contains(quiet, "Loops:") {
		t.Errorf("quiet output should omit details:\n%s", quiet)
	}
}

func TestFormatRunList(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	summaries := []*RunSummary{
		{ID: "run-old", Template: "a", Status: runstate.StatusCompleted, StartedAt: now.Add(-time.Hour)},
		{ID: "run-new", Template: "b", Status: runstate.StatusRunning, StartedAt: now},
	}

	output := FormatRunList(summaries, FormatOptions{NoColor: true})

	for _, want := range []string{"RUN", "TEMPLATE", "run-old", "run-new", "completed", "running"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Index(output, "run-new") > strings.Index(output, "run-old") {
		t.Error("newest run should be listed first")
	}
	if got := FormatRunList(nil, FormatOptions{}); got != "No runs.\n" {
		t.Errorf("empty list = %q", got)
	}
}

func TestFormatLedger(t *testing.T) {
	l, err := ledger.Parse([]byte(`{"tasks": [
		{"id": "T1", "name": "Parser", "phase": "build", "done": true, "subtasks": [{"id": "T1.1", "name": "lexer"}]},
		{"id": "T2", "name": "Docs", "phase": "docs", "done": false}
	]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	output := FormatLedger(l, FormatOptions{NoColor: true})

	for _, want := range []string{"1/2 done", "T1", "Parser", "build", "T2", "Docs", "✓", "○"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestFormatInstances(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Second)
	code := 1
	instances := []instance.Instance{
		{ID: "builder-1", AgentID: "builder", EngineID: "codex", State: instance.StateError, StartedAt: start, EndedAt: &end, ExitCode: &code},
		{ID: "tester-2", AgentID: "tester", EngineID: "claude", State: instance.StateRunning, StartedAt: start},
	}

	output := FormatInstances(instances, start.Add(2*time.Minute), FormatOptions{NoColor: true})

	for _, want := range []string{"builder-1", "codex", "error", "45s", "tester-2", "running", "2m0s"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if got := FormatInstances(nil, start, FormatOptions{}); got != "No instances.\n" {
		t.Errorf("empty = %q", got)
	}
}

func TestFormatTelemetry(t *testing.T) {
	entries := []telemetry.Entry{
		{Provider: "codex", Model: "gpt-5", Invocations: 3, Usage: telemetry.Usage{InputTokens: 12_000, OutputTokens: 800}, Duration: 3 * time.Minute},
		{Provider: "ollama", Model: "llama3.1", Invocations: 1, Failures: 1, Usage: telemetry.Usage{InputTokens: 50, OutputTokens: 20}},
	}

	output := FormatTelemetry(entries, FormatOptions{NoColor: true})

	for _, want := range []string{"PROVIDER", "codex", "gpt-5", "12.0k", "800", "3m0s", "ollama", "Total tokens: 12.9k"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestFormatEngines(t *testing.T) {
	rows := []EngineRow{
		{Meta: engine.Metadata{ID: "codex", Name: "Codex", CLIBinary: "codex", DefaultModel: "gpt-5-codex", DefaultReasoningEffort: "medium"}, Authenticated: true, Default: true},
		{Meta: engine.Metadata{ID: "ollama", Name: "Ollama", CLIBinary: "curl"}},
	}

	output := FormatEngines(rows, FormatOptions{NoColor: true})

	for _, want := range []string{"ENGINE", "codex *", "gpt-5-codex", "medium", "✓ yes", "ollama", "curl", "✗ no"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if got := FormatEngines(nil, FormatOptions{}); got != "No engines.\n" {
		t.Errorf("empty = %q", got)
	}
}

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		agent string
		ev    engine.Progress
		want  string
	}{
		{"", engine.Progress{Kind: engine.KindMessage, Text: "done"}, "done"},
		{"builder", engine.Progress{Kind: engine.KindTool, Text: "go test ./..."}, "builder › [tool] go test ./..."},
		{"builder", engine.Progress{Kind: engine.KindTool, Text: "make", Failed: true}, "builder › [tool failed] make"},
		{"", engine.Progress{Kind: engine.KindReasoning, Text: "hmm"}, "[thinking] hmm"},
	}

	for _, tt := range tests {
		if got := FormatProgress(tt.agent, tt.ev, FormatOptions{NoColor: true}); got != tt.want {
			t.Errorf("FormatProgress(%q, %+v) = %q, want %q", tt.agent, tt.ev, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		done, total int
		filled      int
	}{
		{0, 10, 0},
		{5, 10, 10},
		{10, 10, 20},
		{12, 10, 20},
		{0, 0, 0},
	}
	for _, tt := range tests {
		bar := progressBar(tt.done, tt.total)
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("progressBar(%d, %d) filled = %d, want %d", tt.done, tt.total, got, tt.filled)
		}
		if got := strings.Count(bar, "█") + strings.Count(bar, "░"); got != 20 {
			t.Errorf("progressBar(%d, %d) width = %d", tt.done, tt.total, got)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
