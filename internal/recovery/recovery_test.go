package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/workflow"
)

func testTemplate(t *testing.T) *workflow.Template {
	t.Helper()
	tmpl, err := workflow.ParseTOML([]byte(`
[[steps]]
id = "plan"
agent = "planner"
phase = "plan"

[[steps]]
id = "build"
agent = "builder"
phase = "build"

[[steps]]
id = "review"
agent = "reviewer"
`))
	require.NoError(t, err)
	return tmpl
}

func writeLedger(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

type recordingCompletion struct {
	reports []Report
	err     error
}

func (r *recordingCompletion) Complete(_ context.Context, rep Report) error {
	r.reports = append(r.reports, rep)
	return r.err
}

func TestRecover_ResumesAtFirstIncompleteTaskStep(t *testing.T) {
	path := writeLedger(t, `{"tasks": [
		{"id": "T1", "name": "Plan it", "phase": "plan", "done": true},
		{"id": "T2", "name": "Build it", "phase": "build", "done": false}
	]}`)
	completion := &recordingCompletion{}
	c := NewController(Options{LedgerPath: path, MaxResumes: 3, Completion: completion})

	d, err := c.Recover(context.Background(), Halt{RunID: "r", Template: testTemplate(t), Cursor: 2, Reason: workflow.ReasonInterrupted})
	require.NoError(t, err)

	assert.Equal(t, ActionResume, d.Action)
	assert.Equal(t, 1, d.StartAt, "re-entry is at the task's step, not step 0")
	assert.Equal(t, "T2", d.TaskID)
	assert.Equal(t, 1, d.Done)
	assert.Equal(t, 2, d.Total)
	assert.Contains(t, d.Summary, "- T1: Plan it")
	assert.Contains(t, d.Summary, "Continue with T2: Build it.")
	assert.Empty(t, completion.reports)
}

func TestRecover_AllDoneSignalsCompletion(t *testing.T) {
	path := writeLedger(t, `{"tasks": [{"id": "T1", "name": "x", "done": true}]}`)
	completion := &recordingCompletion{}
	c := NewController(Options{LedgerPath: path, MaxResumes: 3, Completion: completion})

	d, err := c.Recover(context.Background(), Halt{RunID: "r", Template: testTemplate(t), Reason: workflow.ReasonInterrupted})
	require.NoError(t, err)

	assert.Equal(t, ActionComplete, d.Action)
	require.Len(t, completion.reports, 1)
	assert.Equal(t, "r", completion.reports[0].RunID)
	assert.Equal(t, 1, completion.reports[0].Total)
}

func TestRecover_CompletionErrorPropagates(t *testing.T) {
	path := writeLedger(t, `{"tasks": []}`)
	boom := errors.New("boom")
	c := NewController(Options{LedgerPath: path, Completion: &recordingCompletion{err: boom}})

	_, err := c.Recover(context.Background(), Halt{RunID: "r"})
	assert.ErrorIs(t, err, boom)
}

func TestRecover_StartFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		cursor int
		want   int
	}{
		{"persisted cursor", 2, 2},
		{"cursor past end", 3, 0},
		{"negative cursor", -1, 0},
	}
	// T1's phase has no step, so the cursor decides.
	path := writeLedger(t, `{"tasks": [{"id": "T1", "name": "Docs", "phase": "docs", "done": false}]}`)
	c := NewController(Options{LedgerPath: path, MaxResumes: 1})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := c.Recover(context.Background(), Halt{RunID: "r", Template: testTemplate(t), Cursor: tt.cursor})
			require.NoError(t, err)
			assert.Equal(t, ActionResume, d.Action)
			assert.Equal(t, tt.want, d.StartAt)
		})
	}
}

func TestRecover_ResumeLimit(t *testing.T) {
	path := writeLedger(t, `{"tasks": [{"id": "T1", "name": "x", "phase": "build", "done": false}]}`)
	c := NewController(Options{LedgerPath: path, MaxResumes: 2})

	d, err := c.Recover(context.Background(), Halt{RunID: "r", Template: testTemplate(t), Resumes: 2})
	require.NoError(t, err)
	assert.Equal(t, ActionGiveUp, d.Action)
	assert.Contains(t, d.Reason, "resume limit 2")
}

func TestRecover_GivesUpWithoutRetrying(t *testing.T) {
	path := writeLedger(t, `{"tasks": [{"id": "T1", "name": "x", "done": false}]}`)
	c := NewController(Options{LedgerPath: path, MaxResumes: 5})

	t.Run("engine unavailable", func(t *testing.T) {
		d, err := c.Recover(context.Background(), Halt{
			RunID:  "r",
			Reason: workflow.ReasonEngineUnavailable,
			Err:    cmerrors.BinaryNotInstalled("codex", "npm i -g @openai/codex"),
		})
		require.NoError(t, err)
		assert.Equal(t, ActionGiveUp, d.Action)
		assert.Contains(t, d.Reason, "npm i -g @openai/codex")
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d, err := c.Recover(ctx, Halt{RunID: "r"})
		require.NoError(t, err)
		assert.Equal(t, ActionGiveUp, d.Action)
	})
}

func TestRecover_NoLedger(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "tasks.json")
	completion := &recordingCompletion{}
	c := NewController(Options{LedgerPath: missing, MaxResumes: 1, Completion: completion})

	d, err := c.Recover(context.Background(), Halt{RunID: "r", Template: testTemplate(t), Cursor: 3})
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, d.Action)
	assert.Len(t, completion.reports, 1)

	d, err = c.Recover(context.Background(), Halt{RunID: "r", Template: testTemplate(t), Cursor: 1, Reason: workflow.ReasonInterrupted})
	require.NoError(t, err)
	assert.Equal(t, ActionResume, d.Action)
	assert.Equal(t, 1, d.StartAt)
}

func TestRecover_BadLedger(t *testing.T) {
	path := writeLedger(t, `{"tasks": [`)
	c := NewController(Options{LedgerPath: path})

	_, err := c.Recover(context.Background(), Halt{RunID: "r"})
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeLedgerParse))
}
