// Package testutil provides fakes and fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/codemachine-cli/codemachine/internal/engine"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// Reply is one scripted engine response.
type Reply struct {
	Output string
	Err    error

	// Message overrides the final message; it defaults to Output.
	Message string

	// Before runs inside Run before the reply is returned.
	Before func()
}

// FakeEngine is an engine.Engine that returns scripted replies per agent.
// Agents without a script get Default.
type FakeEngine struct {
	mu      sync.Mutex
	meta    engine.Metadata
	scripts map[string][]Reply
	calls   []engine.RunOptions

	Default Reply
}

var _ engine.Engine = (*FakeEngine)(nil)

// NewFakeEngine returns a fake registered under id.
func NewFakeEngine(id string) *FakeEngine {
	return &FakeEngine{
		meta: engine.Metadata{
			ID:           id,
			Name:         "Fake " + id,
			CLIBinary:    "fake-" + id,
			DefaultModel: "fake-model",
			Streams:      true,
		},
		scripts: make(map[string][]Reply),
	}
}

// Script queues replies for agentID, consumed in order.
func (f *FakeEngine) Script(agentID string, replies ...Reply) *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[agentID] = append(f.scripts[agentID], replies...)
	return f
}

// Outputs queues successful replies with the given outputs.
func (f *FakeEngine) Outputs(agentID string, outputs ...string) *FakeEngine {
	replies := make([]Reply, len(outputs))
	for i, o := range outputs {
		replies[i] = Reply{Output: o}
	}
	return f.Script(agentID, replies...)
}

// Metadata implements engine.Engine.
func (f *FakeEngine) Metadata() engine.Metadata { return f.meta }

// Auth implements engine.Engine.
func (f *FakeEngine) Auth() engine.Authenticator {
	return &engine.BinaryAuth{
		Binary:   f.meta.CLIBinary,
		LookPath: func(string) (string, error) { return "/usr/bin/" + f.meta.CLIBinary, nil },
	}
}

// Run implements engine.Engine.
func (f *FakeEngine) Run(ctx context.Context, opts engine.RunOptions) (*engine.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	n := len(f.calls)
	reply := f.Default
	if queue := f.scripts[opts.AgentID]; len(queue) > 0 {
		reply = queue[0]
		f.scripts[opts.AgentID] = queue[1:]
	}
	f.mu.Unlock()

	if reply.Before != nil {
		reply.Before()
	}
	if err := ctx.Err(); err != nil {
		return nil, cmerrors.ProcessCancelled(f.meta.CLIBinary, err)
	}

	msg := reply.Message
	if msg == "" {
		msg = reply.Output
	}
	res := &engine.RunResult{
		Stdout:     reply.Output,
		Message:    msg,
		Model:      opts.Model,
		InstanceID: fmt.Sprintf("%s-%d", opts.AgentID, n),
	}
	if opts.Progress != nil && reply.Output != "" {
		opts.Progress.Publish(engine.Progress{Kind: engine.KindMessage, Text: reply.Output})
	}
	return res, reply.Err
}

// Calls returns every RunOptions the fake received.
func (f *FakeEngine) Calls() []engine.RunOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.RunOptions(nil), f.calls...)
}

// CallAgents returns the agent id of every call, in order.
func (f *FakeEngine) CallAgents() []string {
	calls := f.Calls()
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.AgentID
	}
	return ids
}
