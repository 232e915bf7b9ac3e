package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/config"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

type stubEngine struct {
	meta    Metadata
	synced  []agents.Definition
	syncErr error
	applied *config.EngineConfig
}

func (s *stubEngine) Metadata() Metadata { return s.meta }
func (s *stubEngine) Auth() Authenticator { return &BinaryAuth{} }
func (s *stubEngine) Run(context.Context, RunOptions) (*RunResult, error) {
	return &RunResult{}, nil
}
func (s *stubEngine) ApplyConfig(ec config.EngineConfig) {
	s.applied = &ec
	if ec.Order != nil {
		s.meta.Order = *ec.Order
	}
}

type syncingEngine struct{ stubEngine }

func (s *syncingEngine) SyncConfig(_ context.Context, defs []agents.Definition) error {
	s.synced = defs
	return s.syncErr
}

func newRegistry(t *testing.T, engines ...Engine) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, e := range engines {
		require.NoError(t, r.Register(e))
	}
	return r
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newRegistry(t, &stubEngine{meta: Metadata{ID: "codex"}})

	e, err := r.Get("codex")
	require.NoError(t, err)
	assert.Equal(t, "codex", e.Metadata().ID)

	_, err = r.Get("nope")
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeEngineNotFound))

	err = r.Register(&stubEngine{meta: Metadata{ID: "codex"}})
	assert.Error(t, err, "duplicate ids must be rejected")

	err = r.Register(&stubEngine{})
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeConfigMissingField))
}

func TestRegistry_ListOrder(t *testing.T) {
	r := newRegistry(t,
		&stubEngine{meta: Metadata{ID: "ollama", Order: 3}},
		&stubEngine{meta: Metadata{ID: "codex", Order: 1}},
		&stubEngine{meta: Metadata{ID: "claude", Order: 2}},
		&stubEngine{meta: Metadata{ID: "aaa", Order: 2}},
	)
	assert.Equal(t, []string{"codex", "aaa", "claude", "ollama"}, r.IDs())
}

func TestRegistry_ResolveAndDefault(t *testing.T) {
	r := newRegistry(t,
		&stubEngine{meta: Metadata{ID: "codex", Order: 1}},
		&stubEngine{meta: Metadata{ID: "claude", Order: 2}},
	)

	e, err := r.Resolve("claude", "codex")
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Metadata().ID)

	e, err = r.Resolve("", "claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Metadata().ID)

	e, err = r.Resolve("", "")
	require.NoError(t, err)
	assert.Equal(t, "codex", e.Metadata().ID, "first in order is the default")

	r.SetDefault("claude")
	e, err = r.Default()
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Metadata().ID)

	_, err = r.Resolve("missing", "")
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeEngineNotFound))

	_, err = NewRegistry().Default()
	assert.Error(t, err)
}

func TestRegistry_ApplyOverrides(t *testing.T) {
	codex := &stubEngine{meta: Metadata{ID: "codex", Order: 1}}
	claude := &stubEngine{meta: Metadata{ID: "claude", Order: 2}}
	r := newRegistry(t, codex, claude)

	first := 0
	require.NoError(t, r.ApplyOverrides(map[string]config.EngineConfig{
		"claude": {Order: &first, DefaultModel: "opus"},
		"codex":  {Disabled: true},
	}))

	require.NotNil(t, claude.applied)
	assert.Equal(t, "opus", claude.applied.DefaultModel)
	assert.Equal(t, []string{"claude"}, r.IDs())
	assert.False(t, r.Has("codex"))
	assert.Error(t, r.Validate([]string{"codex"}))
	assert.NoError(t, r.Validate([]string{"claude"}))

	err := r.ApplyOverrides(map[string]config.EngineConfig{"ghost": {}})
	assert.True(t, cmerrors.HasCode(err, cmerrors.CodeConfigInvalidValue))
}

func TestRegistry_SyncAll(t *testing.T) {
	a := &syncingEngine{stubEngine{meta: Metadata{ID: "a"}}}
	b := &syncingEngine{stubEngine{meta: Metadata{ID: "b", Order: 1}, syncErr: errors.New("disk full")}}
	plain := &stubEngine{meta: Metadata{ID: "plain"}}
	r := newRegistry(t, a, b, plain)

	defs := []agents.Definition{{ID: "builder"}}
	err := r.SyncAll(context.Background(), defs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syncing b")
	assert.Equal(t, defs, a.synced, "a failing engine must not stop the others")
	assert.Equal(t, defs, b.synced)
}
