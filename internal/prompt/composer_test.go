package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-cli/codemachine/internal/agents"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCompose_Order(t *testing.T) {
	root := t.TempDir()
	promptPath := filepath.Join(root, "prompts", "builder.md")
	mustWrite(t, promptPath, "You are the builder.\n")

	c := NewComposer(filepath.Join(root, ".codemachine", "prompts"))
	agent := agents.Definition{ID: "builder", Prompt: promptPath}

	got, err := c.Compose(agent, "/mem/builder.md", "Implement T1.")
	require.NoError(t, err)

	sys := strings.Index(got, "You are the builder.")
	mem := strings.Index(got, "/mem/builder.md")
	req := strings.Index(got, "Implement T1.")
	require.True(t, sys >= 0 && mem >= 0 && req >= 0, got)
	assert.Less(t, sys, mem)
	assert.Less(t, mem, req)
	assert.True(t, strings.HasSuffix(got, "\n"))
	assert.FileExists(t, c.ArtifactPath("builder"))
}

func TestCompose_OmitsEmptyParts(t *testing.T) {
	c := NewComposer(t.TempDir())
	got, err := c.Compose(agents.Definition{ID: "a"}, "", "  just the request  ")
	require.NoError(t, err)
	assert.Equal(t, "just the request\n", got)
}

func TestCompose_UsesArtifactUntilCleared(t *testing.T) {
	root := t.TempDir()
	promptPath := filepath.Join(root, "a.md")
	mustWrite(t, promptPath, "v1")
	c := NewComposer(filepath.Join(root, "artifacts"))
	agent := agents.Definition{ID: "a", Prompt: promptPath}

	got, err := c.Compose(agent, "", "")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", got)

	mustWrite(t, promptPath, "v2")
	got, err = c.Compose(agent, "", "")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", got, "artifact is reused")

	require.NoError(t, c.Clear())
	got, err = c.Compose(agent, "", "")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", got)
}

func TestCompose_MissingPromptFile(t *testing.T) {
	c := NewComposer(t.TempDir())
	_, err := c.Compose(agents.Definition{ID: "a", Prompt: "/nope/a.md"}, "", "x")
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeIOFileNotFound))
}

func TestCheckTemplate(t *testing.T) {
	root := t.TempDir()
	tmpl := filepath.Join(root, "workflow.toml")
	mustWrite(t, tmpl, "name = \"one\"\n")
	c := NewComposer(filepath.Join(root, "artifacts"))
	mustWrite(t, c.ArtifactPath("a"), "stale")

	changed, err := c.CheckTemplate(tmpl)
	require.NoError(t, err)
	assert.True(t, changed, "first check has no marker")
	assert.NoFileExists(t, c.ArtifactPath("a"))

	mustWrite(t, c.ArtifactPath("a"), "fresh")
	changed, err = c.CheckTemplate(tmpl)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.FileExists(t, c.ArtifactPath("a"))

	mustWrite(t, tmpl, "name = \"two\"\n")
	changed, err = c.CheckTemplate(tmpl)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoFileExists(t, c.ArtifactPath("a"))

	_, err = c.CheckTemplate(filepath.Join(root, "missing.toml"))
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeIOFileNotFound))
}
