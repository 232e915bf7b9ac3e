// Package codex drives the Codex CLI in non-interactive JSON mode.
package codex

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/config"
	"github.com/codemachine-cli/codemachine/internal/engine"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// ID is the engine id.
const ID = "codex"

// Metadata returns the built-in codex metadata.
func Metadata() engine.Metadata {
	return engine.Metadata{
		ID:                     ID,
		Name:                   "Codex",
		CLIBinary:              "codex",
		InstallCommand:         "npm install -g @openai/codex",
		DefaultModel:           "gpt-5-codex",
		DefaultReasoningEffort: agents.EffortMedium,
		Order:                  1,
		Streams:                true,
	}
}

// Engine is the codex provider. It syncs per-agent profiles into the codex
// config file and selects them on invocation.
type Engine struct {
	*engine.CLIEngine

	home string
	inv  *invoker
}

var (
	_ engine.Engine       = (*Engine)(nil)
	_ engine.ConfigSyncer = (*Engine)(nil)
)

// New creates the codex engine. Credentials and config live in the
// runtime's CODEX_HOME.
func New(deps engine.Deps) *Engine {
	meta := Metadata()
	home := deps.Runtime.CodexHome
	auth := &engine.FileAuth{
		EngineID:        ID,
		Binary:          meta.CLIBinary,
		InstallCommand:  meta.InstallCommand,
		Home:            home,
		CredentialFiles: []string{"auth.json"},
		ClearPaths:      []string{"auth.json"},
		LoginArgs:       []string{"login"},
		Remediation:     "run `codex login` or set " + config.EnvCodexHome + " to an authenticated codex home",
		Placeholder:     `{"OPENAI_API_KEY":"codemachine-skip-auth"}`,
		SkipAuth:        deps.Runtime.SkipAuth,
		Env:             engine.MergeEnv(deps.Runtime.Env, config.EnvCodexHome+"="+home),
	}
	inv := &invoker{home: home, profiles: make(map[string]bool)}
	return &Engine{
		CLIEngine: engine.NewCLIEngine(meta, auth, inv, deps),
		home:      home,
		inv:       inv,
	}
}

// ConfigPath is the codex config file the engine syncs profiles into.
func (e *Engine) ConfigPath() string {
	return filepath.Join(e.home, "config.toml")
}

// SyncConfig writes a [profiles.<agent>] table for every agent that runs on
// codex (or names no engine). Unrelated settings in the file are preserved.
func (e *Engine) SyncConfig(ctx context.Context, defs []agents.Definition) error {
	path := e.ConfigPath()
	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return cmerrors.Wrap(cmerrors.CodeConfigInvalidValue, "parsing codex config "+path, err)
		}
	} else if !os.IsNotExist(err) {
		return cmerrors.IOReadError(path, err)
	}

	profiles, _ := doc["profiles"].(map[string]any)
	if profiles == nil {
		profiles = map[string]any{}
	}

	meta := e.Metadata()
	var synced []string
	for _, d := range defs {
		if d.Engine != "" && d.Engine != ID {
			continue
		}
		model := d.Model
		if model == "" {
			model = meta.DefaultModel
		}
		effort := d.ReasoningEffort
		if effort == "" {
			effort = meta.DefaultReasoningEffort
		}
		profile := map[string]any{"model": model}
		if effort != "" {
			profile["model_reasoning_effort"] = string(effort)
		}
		profiles[d.ID] = profile
		synced = append(synced, d.ID)
	}
	if len(synced) == 0 {
		return nil
	}
	doc["profiles"] = profiles

	if err := os.MkdirAll(e.home, 0700); err != nil {
		return cmerrors.IOWriteError(e.home, err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return cmerrors.IOWriteError(path, err)
	}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(path, err)
	}

	e.inv.markSynced(synced)
	return nil
}

type invoker struct {
	home string

	mu       sync.RWMutex
	profiles map[string]bool
}

func (i *invoker) markSynced(ids []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		i.profiles[id] = true
	}
}

func (i *invoker) hasProfile(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.profiles[id]
}

// Invocation implements engine.Invoker.
func (i *invoker) Invocation(opts engine.RunOptions) (engine.Invocation, error) {
	args := []string{
		"exec",
		"--json",
		"--skip-git-repo-check",
		"--dangerously-bypass-approvals-and-sandbox",
	}
	if opts.WorkDir != "" {
		args = append(args, "-C", opts.WorkDir)
	}
	if opts.AgentID != "" && i.hasProfile(opts.AgentID) {
		args = append(args, "--profile", opts.AgentID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "-c", `model_reasoning_effort="`+string(opts.ReasoningEffort)+`"`)
	}
	args = append(args, "--", opts.Prompt)

	return engine.Invocation{
		Args: args,
		Env:  []string{config.EnvCodexHome + "=" + i.home},
	}, nil
}

// NewDecoder implements engine.Invoker.
func (i *invoker) NewDecoder() engine.Decoder {
	return &Decoder{}
}
