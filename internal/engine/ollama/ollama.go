// Package ollama runs prompts against a local Ollama server. The request is
// made by curl so it goes through the same supervised process path as the
// CLI providers.
package ollama

import (
	"encoding/json"
	"strings"

	"github.com/codemachine-cli/codemachine/internal/engine"
)

// ID is the engine id.
const ID = "ollama"

// Metadata returns the built-in ollama metadata.
func Metadata() engine.Metadata {
	return engine.Metadata{
		ID:             ID,
		Name:           "Ollama",
		CLIBinary:      "curl",
		InstallCommand: "install curl and start an Ollama server (https://ollama.com/download)",
		DefaultModel:   "llama3.1",
		Order:          3,
		Streams:        true,
	}
}

// Engine is the ollama provider.
type Engine struct {
	*engine.CLIEngine

	inv *invoker
}

var _ engine.Engine = (*Engine)(nil)

// New creates the ollama engine against the runtime's OLLAMA_HOST.
func New(deps engine.Deps) *Engine {
	meta := Metadata()
	inv := &invoker{host: strings.TrimRight(deps.Runtime.OllamaHost, "/")}
	auth := &engine.BinaryAuth{Binary: meta.CLIBinary, InstallCommand: meta.InstallCommand}
	return &Engine{
		CLIEngine: engine.NewCLIEngine(meta, auth, inv, deps),
		inv:       inv,
	}
}

type request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type invoker struct {
	host string
}

// Invocation implements engine.Invoker.
func (i *invoker) Invocation(opts engine.RunOptions) (engine.Invocation, error) {
	body, err := json.Marshal(request{Model: opts.Model, Prompt: opts.Prompt, Stream: true})
	if err != nil {
		return engine.Invocation{}, err
	}
	return engine.Invocation{
		Args: []string{
			"-sS", "-N", "--fail-with-body",
			"-X", "POST", i.host + "/api/generate",
			"-H", "Content-Type: application/json",
			"--data-binary", "@-",
		},
		Stdin: string(body),
	}, nil
}

// NewDecoder implements engine.Invoker.
func (i *invoker) NewDecoder() engine.Decoder {
	return &Decoder{}
}
