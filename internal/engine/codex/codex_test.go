package codex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/config"
	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/logging"
)

func TestDecoder(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []engine.Progress
	}{
		{"blank", "  ", nil},
		{"thread started", `{"type":"thread.started","thread_id":"t-1"}`,
			[]engine.Progress{{Kind: engine.KindStatus, Text: "session t-1 started"}}},
		{"turn started ignored", `{"type":"turn.started"}`, nil},
		{"reasoning", `{"type":"item.completed","item":{"id":"item_0","type":"reasoning","text":"**Planning** the change"}}`,
			[]engine.Progress{{Kind: engine.KindReasoning, Text: "**Planning** the change"}}},
		{"message", `{"type":"item.completed","item":{"id":"item_3","type":"agent_message","text":"All done. TASK_COMPLETED"}}`,
			[]engine.Progress{{Kind: engine.KindMessage, Text: "All done. TASK_COMPLETED"}}},
		{"command ok", `{"type":"item.completed","item":{"type":"command_execution","command":"go test ./...","exit_code":0,"status":"completed"}}`,
			[]engine.Progress{{Kind: engine.KindTool, Text: "go test ./..."}}},
		{"command failed", `{"type":"item.completed","item":{"type":"command_execution","command":"make","exit_code":2,"status":"failed"}}`,
			[]engine.Progress{{Kind: engine.KindTool, Text: "make (exit 2)", Failed: true}}},
		{"command started", `{"type":"item.started","item":{"type":"command_execution","command":"ls","status":"in_progress"}}`,
			[]engine.Progress{{Kind: engine.KindStatus, Text: "running ls"}}},
		{"file change", `{"type":"item.completed","item":{"type":"file_change","changes":[{"path":"a.go","kind":"add"},{"path":"b.go","kind":"update"}],"status":"completed"}}`,
			[]engine.Progress{{Kind: engine.KindTool, Text: "edit add a.go, update b.go"}}},
		{"turn failed", `{"type":"turn.failed","error":{"message":"rate limited"}}`,
			[]engine.Progress{{Kind: engine.KindError, Text: "rate limited"}}},
		{"unknown type", `{"type":"item.updated","item":{"type":"todo_list"}}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decoder{}
			got, err := d.Decode(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoder_Usage(t *testing.T) {
	d := &Decoder{}
	got, err := d.Decode(`{"type":"turn.completed","usage":{"input_tokens":1200,"cached_input_tokens":800,"output_tokens":90}}`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Usage)
	assert.Equal(t, int64(1200), got[0].Usage.InputTokens)
	assert.Equal(t, int64(800), got[0].Usage.CachedTokens)
	assert.Equal(t, int64(90), got[0].Usage.OutputTokens)
}

func TestDecoder_Malformed(t *testing.T) {
	d := &Decoder{}
	for _, line := range []string{
		"Reading prompt from stdin...",
		`{"type":`,
		`{"no_type":true}`,
		`{"type":"item.completed"}`,
	} {
		_, err := d.Decode(line)
		assert.Error(t, err, line)
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	home := filepath.Join(t.TempDir(), ".codex")
	return New(engine.Deps{
		Logger:  logging.NewForTest(),
		Runtime: config.Runtime{CodexHome: home},
	})
}

func TestInvocation(t *testing.T) {
	e := newTestEngine(t)

	inv, err := e.inv.Invocation(engine.RunOptions{
		AgentID:         "builder",
		Prompt:          "-build it",
		WorkDir:         "/work",
		Model:           "gpt-5",
		ReasoningEffort: agents.EffortHigh,
	})
	require.NoError(t, err)

	joined := strings.Join(inv.Args, " ")
	assert.True(t, strings.HasPrefix(joined, "exec --json"))
	assert.Contains(t, joined, "-C /work")
	assert.Contains(t, joined, "--model gpt-5")
	assert.Contains(t, joined, `model_reasoning_effort="high"`)
	assert.NotContains(t, joined, "--profile")
	assert.Equal(t, []string{"--", "-build it"}, inv.Args[len(inv.Args)-2:])
	assert.Equal(t, []string{"CODEX_HOME=" + e.home}, inv.Env)
}

func TestSyncConfig(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, os.MkdirAll(e.home, 0700))
	require.NoError(t, os.WriteFile(e.ConfigPath(), []byte("approval_policy = \"never\"\n\n[profiles.old]\nmodel = \"o3\"\n"), 0600))

	defs := []agents.Definition{
		{ID: "builder", Model: "gpt-5-codex", ReasoningEffort: agents.EffortHigh},
		{ID: "reviewer"},
		{ID: "writer", Engine: "claude"},
	}
	require.NoError(t, e.SyncConfig(context.Background(), defs))

	var doc struct {
		ApprovalPolicy string `toml:"approval_policy"`
		Profiles       map[string]struct {
			Model  string `toml:"model"`
			Effort string `toml:"model_reasoning_effort"`
		} `toml:"profiles"`
	}
	_, err := toml.DecodeFile(e.ConfigPath(), &doc)
	require.NoError(t, err)

	assert.Equal(t, "never", doc.ApprovalPolicy)
	assert.Equal(t, "o3", doc.Profiles["old"].Model)
	assert.Equal(t, "gpt-5-codex", doc.Profiles["builder"].Model)
	assert.Equal(t, "high", doc.Profiles["builder"].Effort)
	assert.Equal(t, "gpt-5-codex", doc.Profiles["reviewer"].Model)
	assert.Equal(t, "medium", doc.Profiles["reviewer"].Effort)
	_, hasWriter := doc.Profiles["writer"]
	assert.False(t, hasWriter)

	inv, err := e.inv.Invocation(engine.RunOptions{AgentID: "builder", Prompt: "x"})
	require.NoError(t, err)
	assert.Contains(t, strings.Join(inv.Args, " "), "--profile builder")
}

func TestSyncConfig_NothingToSync(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SyncConfig(context.Background(), []agents.Definition{{ID: "w", Engine: "claude"}}))
	_, err := os.Stat(e.ConfigPath())
	assert.True(t, os.IsNotExist(err))
}

func TestAuth_SkipAuthPlaceholder(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".codex")
	e := New(engine.Deps{Runtime: config.Runtime{CodexHome: home, SkipAuth: true}})

	ok, err := e.Auth().EnsureAuth(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, filepath.Join(home, "auth.json"))

	e.Auth().ClearAuth(context.Background())
	assert.NoFileExists(t, filepath.Join(home, "auth.json"))
}

func TestMetadata(t *testing.T) {
	e := newTestEngine(t)
	meta := e.Metadata()
	assert.Equal(t, ID, meta.ID)
	assert.Equal(t, "codex", meta.CLIBinary)
	assert.Contains(t, meta.InstallCommand, "@openai/codex")
	assert.True(t, meta.Streams)
}
