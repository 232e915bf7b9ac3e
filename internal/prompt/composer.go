// Package prompt assembles the composite prompt sent to an agent.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codemachine-cli/codemachine/internal/agents"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// markerFile holds the hash of the template the artifacts were built from.
const markerFile = ".template.sha256"

// Composer builds prompts from per-agent artifacts kept in a prompts
// directory. An artifact is the agent's system prompt as read at first use.
type Composer struct {
	dir string
}

// NewComposer returns a composer that keeps artifacts in dir.
func NewComposer(dir string) *Composer {
	return &Composer{dir: dir}
}

// Dir returns the artifacts directory.
func (c *Composer) Dir() string { return c.dir }

// ArtifactPath returns where the agent's system prompt artifact lives.
func (c *Composer) ArtifactPath(agentID string) string {
	return filepath.Join(c.dir, agentID+".md")
}

// Compose returns the system prompt, a pointer to the agent's memory file and
// the request, in that order. Empty parts are left out.
func (c *Composer) Compose(agent agents.Definition, memoryPath, request string) (string, error) {
	system, err := c.systemPrompt(agent)
	if err != nil {
		return "", err
	}

	var parts []string
	if s := strings.TrimSpace(system); s != "" {
		parts = append(parts, s)
	}
	if memoryPath != "" {
		parts = append(parts, MemoryPointer(memoryPath))
	}
	if r := strings.TrimSpace(request); r != "" {
		parts = append(parts, r)
	}
	return strings.Join(parts, "\n\n") + "\n", nil
}

// MemoryPointer is the standing instruction that points an agent at its memory.
func MemoryPointer(path string) string {
	return fmt.Sprintf("Your memory from previous steps is stored at %s. Read it before starting; it is replaced with your latest output when this step succeeds.", path)
}

// systemPrompt returns the artifact for agent, generating it from the agent's
// prompt file when missing.
func (c *Composer) systemPrompt(agent agents.Definition) (string, error) {
	if agent.Prompt == "" {
		return "", nil
	}
	artifact := c.ArtifactPath(agent.ID)
	if data, err := os.ReadFile(artifact); err == nil {
		return string(data), nil
	} else if !os.IsNotExist(err) {
		return "", cmerrors.IOReadError(artifact, err)
	}

	data, err := os.ReadFile(agent.Prompt)
	if err != nil {
		if os.IsNotExist(err) {
			return "", cmerrors.IOFileNotFound(agent.Prompt).WithDetail("agent", agent.ID)
		}
		return "", cmerrors.IOReadError(agent.Prompt, err)
	}
	if err := writeFile(artifact, data); err != nil {
		return "", err
	}
	return string(data), nil
}

// CheckTemplate compares the template's hash with the stored marker. When
// they differ every artifact is removed so the next Compose regenerates it.
// It reports whether artifacts were invalidated.
func (c *Composer) CheckTemplate(templatePath string) (bool, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, cmerrors.IOFileNotFound(templatePath)
		}
		return false, cmerrors.IOReadError(templatePath, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	markerPath := filepath.Join(c.dir, markerFile)
	if prev, err := os.ReadFile(markerPath); err == nil && strings.TrimSpace(string(prev)) == hash {
		return false, nil
	}

	if err := c.Clear(); err != nil {
		return false, err
	}
	if err := writeFile(markerPath, []byte(hash+"\n")); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every artifact, leaving the marker in place.
func (c *Composer) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cmerrors.IOReadError(c.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return cmerrors.IOWriteError(path, err)
		}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return cmerrors.IOWriteError(path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return cmerrors.IOWriteError(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return cmerrors.IOWriteError(path, err)
	}
	return nil
}
