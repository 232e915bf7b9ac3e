package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

const sampleTOML = `
name = "feature"

[[steps]]
id = "plan"
agent = "planner"
execute_once = true

[[steps]]
agent = "builder"
phase = "build"
module = "qa"
reasoning_effort = "high"

[[steps]]
id = "test"
agent = "tester"
engine = "claude"
fallback = "fixer"

[[steps.loops]]
steps = 2
trigger = "FAIL"
max_iterations = 3
skip = ["plan"]

[modules.qa]
[[modules.qa.loops]]
id = "qa-retry"
steps = 1
trigger = "re:lint (error|warning)"
`

const sampleYAML = `
name: feature
steps:
  - id: plan
    agent: planner
    execute_once: true
  - agent: builder
    phase: build
    module: qa
    reasoning_effort: high
  - id: test
    agent: tester
    engine: claude
    fallback: fixer
    loops:
      - steps: 2
        trigger: FAIL
        max_iterations: 3
        skip: [plan]
modules:
  qa:
    loops:
      - id: qa-retry
        steps: 1
        trigger: "re:lint (error|warning)"
`

func writeTemplate(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FormatsAgree(t *testing.T) {
	for _, tc := range []struct{ file, content string }{
		{"workflow.toml", sampleTOML},
		{"workflow.yaml", sampleYAML},
		{"workflow.yml", sampleYAML},
	} {
		t.Run(tc.file, func(t *testing.T) {
			path := writeTemplate(t, tc.file, tc.content)
			tmpl, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, path, tmpl.Path)
			assert.Equal(t, "feature", tmpl.Name)
			require.Len(t, tmpl.Steps, 3)

			assert.True(t, tmpl.Steps[0].ExecuteOnce)
			assert.Equal(t, "builder-1", tmpl.Steps[1].ID)
			assert.Equal(t, StepTypeModule, tmpl.Steps[1].Type)
			assert.Equal(t, "high", string(tmpl.Steps[1].ReasoningEffort))
			assert.Equal(t, "claude", tmpl.Steps[2].Engine)
			assert.Equal(t, "fixer", tmpl.Steps[2].Fallback)

			loop := tmpl.Steps[2].Loops[0]
			assert.Equal(t, ActionStepBack, loop.Action)
			assert.Equal(t, 2, loop.Steps)
			assert.Equal(t, 3, loop.Limit())
			assert.Equal(t, []string{"plan"}, loop.Skip)
			assert.Equal(t, ActionStepBack, tmpl.Modules["qa"].Loops[0].Action)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.True(t, cmerrors.HasCode(err, cmerrors.CodeIOFileNotFound))
	})
	t.Run("unknown TOML key", func(t *testing.T) {
		path := writeTemplate(t, "w.toml", "[[steps]]\nagent = \"a\"\nagnet = \"typo\"\n")
		_, err := Load(path)
		assert.True(t, cmerrors.HasCode(err, cmerrors.CodeWorkflowParse))
		assert.Contains(t, err.Error(), "agnet")
	})
	t.Run("unknown YAML key", func(t *testing.T) {
		path := writeTemplate(t, "w.yaml", "steps:\n  - agent: a\n    agnet: typo\n")
		_, err := Load(path)
		assert.True(t, cmerrors.HasCode(err, cmerrors.CodeWorkflowParse))
	})
	t.Run("syntax", func(t *testing.T) {
		path := writeTemplate(t, "w.toml", "[[steps]\n")
		_, err := Load(path)
		assert.True(t, cmerrors.HasCode(err, cmerrors.CodeWorkflowParse))
	})
	t.Run("no steps", func(t *testing.T) {
		path := writeTemplate(t, "w.toml", "name = \"empty\"\n")
		_, err := Load(path)
		assert.True(t, cmerrors.HasCode(err, cmerrors.CodeWorkflowEmpty))
	})
}

func TestParseTOML_Defaults(t *testing.T) {
	tmpl, err := ParseTOML([]byte("[[steps]]\nagent = \"solo\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "default", tmpl.Name)
	assert.Equal(t, "solo-0", tmpl.Steps[0].ID)
	assert.Equal(t, DefaultMaxIterations, Loop{}.Limit())
}

func TestTemplate_Lookups(t *testing.T) {
	tmpl, err := ParseTOML([]byte(sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, 2, tmpl.Index("test"))
	assert.Equal(t, -1, tmpl.Index("deploy"))
	assert.Equal(t, 1, tmpl.IndexOfPhase("build"))
	assert.Equal(t, -1, tmpl.IndexOfPhase(""))
	assert.Equal(t, []string{"planner", "builder", "tester", "fixer"}, tmpl.AgentIDs())
}

func TestTemplate_LoopsFor(t *testing.T) {
	tmpl, err := ParseTOML([]byte(sampleTOML))
	require.NoError(t, err)

	loops, err := tmpl.LoopsFor(tmpl.Steps[1])
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, "qa-retry", loops[0].Key)
	assert.True(t, loops[0].Matcher.Match("lint warning: unused"))

	loops, err = tmpl.LoopsFor(tmpl.Steps[2])
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, "test#0", loops[0].Key)

	loops, err = tmpl.LoopsFor(tmpl.Steps[0])
	require.NoError(t, err)
	assert.Empty(t, loops)

	bad := Step{ID: "x", Loops: []Loop{{Steps: 1}}}
	_, err = tmpl.LoopsFor(bad)
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeWorkflowInvalidLoop))
}
