// Package claude drives the Claude CLI in print mode with stream-json output.
package claude

import (
	"strconv"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/config"
	"github.com/codemachine-cli/codemachine/internal/engine"
)

// ID is the engine id.
const ID = "claude"

// Thinking budgets per reasoning effort.
var thinkingTokens = map[agents.ReasoningEffort]int{
	agents.EffortLow:    4000,
	agents.EffortMedium: 10000,
	agents.EffortHigh:   31999,
}

// Metadata returns the built-in claude metadata.
func Metadata() engine.Metadata {
	return engine.Metadata{
		ID:                     ID,
		Name:                   "Claude",
		CLIBinary:              "claude",
		InstallCommand:         "npm install -g @anthropic-ai/claude-code",
		DefaultModel:           "sonnet",
		DefaultReasoningEffort: agents.EffortMedium,
		Order:                  2,
		Streams:                true,
	}
}

// Engine is the claude provider.
type Engine struct {
	*engine.CLIEngine

	inv *invoker
}

var _ engine.Engine = (*Engine)(nil)

// New creates the claude engine. Credentials live in the runtime's
// CLAUDE_CONFIG_DIR unless an OAuth token is supplied.
func New(deps engine.Deps) *Engine {
	meta := Metadata()
	dir := deps.Runtime.ClaudeConfigDir
	auth := &engine.FileAuth{
		EngineID:        ID,
		Binary:          meta.CLIBinary,
		InstallCommand:  meta.InstallCommand,
		Home:            dir,
		CredentialFiles: []string{".credentials.json"},
		ClearPaths:      []string{".credentials.json"},
		Token:           deps.Runtime.ClaudeOAuthToken,
		LoginArgs:       []string{"setup-token"},
		Remediation:     "run `claude setup-token` or set " + config.EnvClaudeOAuthToken,
		Placeholder:     `{"claudeAiOauth":{"accessToken":"codemachine-skip-auth"}}`,
		SkipAuth:        deps.Runtime.SkipAuth,
		Env:             engine.MergeEnv(deps.Runtime.Env, config.EnvClaudeConfigDir+"="+dir),
	}
	inv := &invoker{configDir: dir, token: deps.Runtime.ClaudeOAuthToken}
	return &Engine{
		CLIEngine: engine.NewCLIEngine(meta, auth, inv, deps),
		inv:       inv,
	}
}

type invoker struct {
	configDir string
	token     string
}

// Invocation implements engine.Invoker.
func (i *invoker) Invocation(opts engine.RunOptions) (engine.Invocation, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, "--", opts.Prompt)

	env := []string{config.EnvClaudeConfigDir + "=" + i.configDir}
	if i.token != "" {
		env = append(env, config.EnvClaudeOAuthToken+"="+i.token)
	}
	if n, ok := thinkingTokens[opts.ReasoningEffort]; ok {
		env = append(env, "MAX_THINKING_TOKENS="+strconv.Itoa(n))
	}
	return engine.Invocation{Args: args, Env: env}, nil
}

// NewDecoder implements engine.Invoker.
func (i *invoker) NewDecoder() engine.Decoder {
	return NewDecoder()
}
