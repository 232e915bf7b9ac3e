// Package engine defines the contract every provider backend implements and
// the registry the workflow uses to pick one per step.
//
// An engine owns three things: static metadata, a credential lifecycle, and
// a Run method that turns a composite prompt into a provider CLI invocation
// and decodes the provider's streaming protocol into human-readable
// progress. The workflow never sees raw protocol frames.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/stream"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

// Metadata is an engine's static identity.
type Metadata struct {
	ID                     string
	Name                   string
	CLIBinary              string
	InstallCommand         string
	DefaultModel           string
	DefaultReasoningEffort agents.ReasoningEffort
	Order                  int
	Streams                bool
}

// Authenticator manages a provider's credentials.
type Authenticator interface {
	// IsAuthenticated checks for credentials without side effects.
	IsAuthenticated(ctx context.Context) bool

	// EnsureAuth runs a login flow when needed. It fails fast with an
	// install hint when the provider CLI is missing.
	EnsureAuth(ctx context.Context) (bool, error)

	// ClearAuth removes every credential artifact. It never fails.
	ClearAuth(ctx context.Context)
}

// RunOptions describes one agent invocation.
type RunOptions struct {
	AgentID         string
	Prompt          string
	WorkDir         string
	Model           string
	ReasoningEffort agents.ReasoningEffort

	// Timeout overrides the configured process timeout when positive.
	Timeout time.Duration

	// Progress receives decoded events. The engine does not close it.
	Progress *stream.Hub[Progress]

	// SkipMemory disables the memory write on success.
	SkipMemory bool
}

// RunResult is what a successful or failed invocation produced.
type RunResult struct {
	// Stdout holds the decoded progress lines, one per event.
	Stdout string

	// Stderr holds the normalized diagnostic stream.
	Stderr string

	// Message is the concatenated final assistant text.
	Message string

	Usage      telemetry.Usage
	Model      string
	InstanceID string
	Duration   time.Duration
}

// Engine is a pluggable provider backend.
type Engine interface {
	Metadata() Metadata
	Auth() Authenticator
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// ConfigSyncer is implemented by engines that mirror agent settings into
// the provider's own configuration before a run.
type ConfigSyncer interface {
	SyncConfig(ctx context.Context, defs []agents.Definition) error
}

// ProgressKind classifies a decoded protocol event.
type ProgressKind string

const (
	KindStatus    ProgressKind = "status"
	KindReasoning ProgressKind = "reasoning"
	KindTool      ProgressKind = "tool"
	KindMessage   ProgressKind = "message"
	KindUsage     ProgressKind = "usage"
	KindError     ProgressKind = "error"
)

// Progress is one human-readable event decoded from a provider stream.
type Progress struct {
	Kind ProgressKind
	Text string

	// Failed marks a tool call that did not succeed.
	Failed bool

	// Usage is set on KindUsage events.
	Usage *telemetry.Usage
}

// Line renders the event the way it appears in step output.
func (p Progress) Line() string {
	switch p.Kind {
	case KindReasoning:
		return "[thinking] " + p.Text
	case KindTool:
		if p.Failed {
			return "[tool failed] " + p.Text
		}
		return "[tool] " + p.Text
	case KindUsage:
		if p.Usage == nil {
			return "[usage]"
		}
		return fmt.Sprintf("[usage] input=%d cached=%d output=%d",
			p.Usage.InputTokens, p.Usage.CachedTokens, p.Usage.OutputTokens)
	case KindStatus:
		return "[status] " + p.Text
	case KindError:
		return "[error] " + p.Text
	default:
		return p.Text
	}
}

// Decoder turns one protocol line into zero or more progress events.
// An error means the line was malformed and is dropped.
type Decoder interface {
	Decode(line string) ([]Progress, error)
}

// Flusher is implemented by decoders that buffer partial output.
type Flusher interface {
	Flush() []Progress
}

// PlainDecoder treats every non-empty line as message text.
type PlainDecoder struct{}

// Decode implements Decoder.
func (PlainDecoder) Decode(line string) ([]Progress, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	return []Progress{{Kind: KindMessage, Text: line}}, nil
}

// Truncate shortens s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
