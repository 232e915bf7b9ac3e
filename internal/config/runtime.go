package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variables read once at start-up by RuntimeFromEnv.
const (
	EnvSkipAuth         = "CODEMACHINE_SKIP_AUTH"
	EnvPlainLogs        = "CODEMACHINE_PLAIN_LOGS"
	EnvCodexHome        = "CODEX_HOME"
	EnvClaudeConfigDir  = "CLAUDE_CONFIG_DIR"
	EnvClaudeOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvOllamaHost       = "OLLAMA_HOST"
)

// Runtime carries the process environment that components need. It is built
// once in main and passed down; nothing below the CLI reads os.Getenv.
type Runtime struct {
	// SkipAuth writes placeholder credentials instead of running login flows.
	SkipAuth bool

	// PlainLogs strips ANSI sequences from normalized process output.
	PlainLogs bool

	// Home is the user's home directory, used to derive provider defaults.
	Home string

	// CodexHome is the codex credential/config directory.
	CodexHome string

	// ClaudeConfigDir is the claude credential/config directory.
	ClaudeConfigDir string

	// ClaudeOAuthToken authenticates claude without a credentials file.
	ClaudeOAuthToken string

	// OllamaHost is the base URL of the local model server.
	OllamaHost string

	// Env is the complete environment for child processes. RuntimeFromEnv
	// never leaves it nil.
	Env []string
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// RuntimeFromEnv builds a Runtime from an environment lookup function.
func RuntimeFromEnv(lookup LookupFunc, environ []string) Runtime {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	home := get("HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}

	rt := Runtime{
		SkipAuth:         parseBool(get(EnvSkipAuth)),
		PlainLogs:        parseBool(get(EnvPlainLogs)),
		Home:             home,
		CodexHome:        get(EnvCodexHome),
		ClaudeConfigDir:  get(EnvClaudeConfigDir),
		ClaudeOAuthToken: get(EnvClaudeOAuthToken),
		OllamaHost:       get(EnvOllamaHost),
		Env:              append([]string{}, environ...),
	}
	if rt.CodexHome == "" && home != "" {
		rt.CodexHome = filepath.Join(home, ".codex")
	}
	if rt.ClaudeConfigDir == "" && home != "" {
		rt.ClaudeConfigDir = filepath.Join(home, ".claude")
	}
	if rt.OllamaHost == "" {
		rt.OllamaHost = "http://127.0.0.1:11434"
	}
	return rt
}

// RuntimeFromOS is RuntimeFromEnv over the real process environment.
func RuntimeFromOS() Runtime {
	return RuntimeFromEnv(os.LookupEnv, os.Environ())
}

func parseBool(s string) bool {
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		// Any other non-empty value ("yes", "on") counts as set.
		return s != "0"
	}
	return b
}
