package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/codemachine-cli/codemachine/internal/agents"
	"github.com/codemachine-cli/codemachine/internal/config"
	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// Configurable is implemented by engines that accept [engines.<id>] overrides.
type Configurable interface {
	ApplyConfig(ec config.EngineConfig)
}

// Registry is the process-wide catalog of engines, indexed by id.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]Engine
	disabled  map[string]bool
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[string]Engine),
		disabled: make(map[string]bool),
	}
}

// Register adds an engine. Ids must be unique.
func (r *Registry) Register(e Engine) error {
	id := e.Metadata().ID
	if id == "" {
		return cmerrors.ConfigMissingField("engine id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[id]; exists {
		return cmerrors.ConfigInvalidValue("engine id", id, "engine already registered")
	}
	r.engines[id] = e
	return nil
}

// Get returns the engine registered under id. Disabled engines are not found.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok || r.disabled[id] {
		return nil, cmerrors.EngineNotFound(id)
	}
	return e, nil
}

// Has reports whether id resolves to an enabled engine.
func (r *Registry) Has(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// List returns enabled engines ordered by Metadata.Order, then id.
func (r *Registry) List() []Engine {
	r.mu.RLock()
	out := make([]Engine, 0, len(r.engines))
	for id, e := range r.engines {
		if !r.disabled[id] {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := out[i].Metadata(), out[j].Metadata()
		if mi.Order != mj.Order {
			return mi.Order < mj.Order
		}
		return mi.ID < mj.ID
	})
	return out
}

// IDs returns the enabled engine ids in List order.
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.Metadata().ID
	}
	return ids
}

// SetDefault selects the engine used when neither step nor agent names one.
func (r *Registry) SetDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultID = id
}

// Default returns the configured default, or the first engine in order.
func (r *Registry) Default() (Engine, error) {
	r.mu.RLock()
	id := r.defaultID
	r.mu.RUnlock()
	if id != "" {
		return r.Get(id)
	}
	list := r.List()
	if len(list) == 0 {
		return nil, cmerrors.EngineNotFound("<default>")
	}
	return list[0], nil
}

// Resolve picks the engine for a step: the step's own engine, then the
// agent's, then the default.
func (r *Registry) Resolve(stepEngine, agentEngine string) (Engine, error) {
	switch {
	case stepEngine != "":
		return r.Get(stepEngine)
	case agentEngine != "":
		return r.Get(agentEngine)
	default:
		return r.Default()
	}
}

// ApplyOverrides applies configuration overrides to registered engines.
// Overrides for unknown ids are rejected.
func (r *Registry) ApplyOverrides(overrides map[string]config.EngineConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ec := range overrides {
		e, ok := r.engines[id]
		if !ok {
			return cmerrors.ConfigInvalidValue("engines."+id, id, "no such engine")
		}
		r.disabled[id] = ec.Disabled
		if c, ok := e.(Configurable); ok {
			c.ApplyConfig(ec)
		}
	}
	return nil
}

// SyncAll fans SyncConfig out to every engine that supports it. All
// engines are attempted; failures are joined.
func (r *Registry) SyncAll(ctx context.Context, defs []agents.Definition) error {
	var errs []error
	for _, e := range r.List() {
		s, ok := e.(ConfigSyncer)
		if !ok {
			continue
		}
		if err := s.SyncConfig(ctx, defs); err != nil {
			errs = append(errs, fmt.Errorf("syncing %s: %w", e.Metadata().ID, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks that every id is registered and enabled.
func (r *Registry) Validate(ids []string) error {
	for _, id := range ids {
		if !r.Has(id) {
			return cmerrors.EngineNotFound(id)
		}
	}
	return nil
}
