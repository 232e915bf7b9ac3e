package cmd

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/testutil"
)

func TestRootCmdFlags(t *testing.T) {
	for _, name := range []string{"verbose", "workdir", "config"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("--%s flag not found", name)
		}
	}
	if f := rootCmd.PersistentFlags().ShorthandLookup("C"); f == nil || f.Name != "workdir" {
		t.Error("-C should be the workdir shorthand")
	}
}

func TestCommandTree(t *testing.T) {
	want := map[string][]string{
		"run":      nil,
		"resume":   nil,
		"status":   nil,
		"validate": nil,
		"engines":  nil,
		"auth":     {"login", "logout", "status"},
		"ledger":   {"done", "reopen"},
	}
	for name, subs := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
			continue
		}
		for _, sub := range subs {
			if c, _, err := rootCmd.Find([]string{name, sub}); err != nil || c.Name() != sub {
				t.Errorf("command %q %q not registered", name, sub)
			}
		}
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd  string
		flag string
	}{
		{"run", "template"},
		{"run", "quiet"},
		{"resume", "quiet"},
		{"status", "json"},
		{"status", "filter"},
		{"status", "telemetry"},
	}
	for _, tt := range tests {
		cmd, _, err := rootCmd.Find([]string{tt.cmd})
		require.NoError(t, err)
		assert.NotNil(t, cmd.Flags().Lookup(tt.flag), "%s --%s", tt.cmd, tt.flag)
	}
}

// execute runs the CLI against a project directory and returns stdout.
func execute(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	// Flag variables outlive a single Execute.
	statusJSON, statusTelemetry, statusQuiet, statusFilter = false, false, false, ""
	runTemplate, runQuiet, authLogoutYes = "", false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"-C", dir}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	p := testutil.NewProject(t)
	p.WriteAgents(t, "planner", "builder")
	p.WriteTemplate(t, `
[[steps]]
id = "plan"
agent = "planner"

[[steps]]
id = "build"
agent = "builder"
fallback = "planner"

[[steps.loops]]
steps = 1
trigger = "FAIL"
`)

	out, err := execute(t, p.Dir, "", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 2 steps, 2 agents")
	assert.Contains(t, out, "2. build (builder), fallback planner, 1 loop(s)")
}

func TestValidateCommand_ReportsEveryProblem(t *testing.T) {
	p := testutil.NewProject(t)
	p.WriteAgents(t, "planner")
	p.WriteTemplate(t, `
[[steps]]
agent = "ghost"

[[steps]]
agent = "planner"
engine = "nope"
`)

	out, err := execute(t, p.Dir, "", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template invalid: 2 problem(s)")
	assert.Contains(t, out, "WF_002")
}

func TestLedgerCommands(t *testing.T) {
	p := testutil.NewProject(t)
	path := p.WriteLedger(t, `{"tasks": [
  {"id": "T1", "name": "Parser", "phase": "build", "done": false, "owner": "ana"},
  {"id": "T2", "name": "Docs", "phase": "docs", "done": false}
]}`)

	out, err := execute(t, p.Dir, "", "ledger", "done", "T1")
	require.NoError(t, err)
	assert.Contains(t, out, "1/2 tasks done")

	l, err := ledger.Load(path)
	require.NoError(t, err)
	task, ok := l.Task("T1")
	require.True(t, ok)
	assert.True(t, task.Done)
	assert.Contains(t, p.ReadFile(t, path), `"owner"`)

	out, err = execute(t, p.Dir, "", "ledger")
	require.NoError(t, err)
	assert.Contains(t, out, "Parser")
	assert.Contains(t, out, "1/2 done")

	_, err = execute(t, p.Dir, "", "ledger", "done", "T9")
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	p := testutil.NewProject(t)

	out, err := execute(t, p.Dir, "", "status")
	require.NoError(t, err)
	assert.Equal(t, "No runs.\n", out)

	store, err := runstate.NewYAMLStore(p.Config.RunsDir(p.Dir))
	require.NoError(t, err)
	run := runstate.NewRun("run-a", "feature", p.Config.TemplatePath(p.Dir), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	run.Status = runstate.StatusHalted
	run.Reason = "interrupted"
	require.NoError(t, store.Create(context.Background(), run))

	out, err = execute(t, p.Dir, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "run-a")

	out, err = execute(t, p.Dir, "", "status", "run-a")
	require.NoError(t, err)
	assert.Contains(t, out, "halted (interrupted)")

	out, err = execute(t, p.Dir, "", "status", "--json", "run-a")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "run-a"`)

	_, err = execute(t, p.Dir, "", "status", "--filter", "bogus")
	assert.ErrorContains(t, err, "unknown status filter")

	out, err = execute(t, p.Dir, "", "status", "--telemetry")
	require.NoError(t, err)
	assert.Equal(t, "No telemetry recorded.\n", out)
}

func TestAuthLogout_Declined(t *testing.T) {
	p := testutil.NewProject(t)
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)
	cred := home + "/auth.json"
	require.NoError(t, os.WriteFile(cred, []byte("{}"), 0600))

	out, err := execute(t, p.Dir, "n\n", "auth", "logout", "codex")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled.")
	assert.FileExists(t, cred)
}

func TestRunCommand_InvalidTemplate(t *testing.T) {
	p := testutil.NewProject(t)
	p.WriteAgents(t, "planner")
	p.WriteTemplate(t, "[[steps]]\nagent = \"ghost\"\n")

	_, err := execute(t, p.Dir, "", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WF_002")
}
