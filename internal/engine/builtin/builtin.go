// Package builtin registers the providers that ship with codemachine.
package builtin

import (
	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/engine/claude"
	"github.com/codemachine-cli/codemachine/internal/engine/codex"
	"github.com/codemachine-cli/codemachine/internal/engine/ollama"
)

// Register adds every built-in engine to reg.
func Register(reg *engine.Registry, deps engine.Deps) error {
	for _, e := range []engine.Engine{
		codex.New(deps),
		claude.New(deps),
		ollama.New(deps),
	} {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in engines.
func NewRegistry(deps engine.Deps) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	if err := Register(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}
