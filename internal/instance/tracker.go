// Package instance tracks every engine invocation spawned during a process
// lifetime. The tracker is the one structure the process runner mutates
// while monitoring readers look at it, so all access is synchronized.
package instance

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// State is the lifecycle state of an instance.
type State string

const (
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateTerminated
}

var (
	// ErrUnknownInstance is returned when finishing an id the tracker never saw.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrAlreadyTerminal is returned on a second terminal transition.
	ErrAlreadyTerminal = errors.New("instance already in terminal state")
)

// Instance is one spawned invocation of an engine for one agent call.
type Instance struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	EngineID   string     `json:"engine_id,omitempty"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ExitSignal string     `json:"exit_signal,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Duration returns how long the instance ran, or has been running.
func (i Instance) Duration(now time.Time) time.Duration {
	if i.EndedAt != nil {
		return i.EndedAt.Sub(i.StartedAt)
	}
	return now.Sub(i.StartedAt)
}

// Outcome describes a terminal transition.
type Outcome struct {
	State      State
	ExitCode   *int
	ExitSignal string
	Err        error
}

// Tracker maps instance ids to lifecycle state.
type Tracker struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	lastStamp int64
	clock     func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		instances: make(map[string]*Instance),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start registers a new running instance and returns a copy of it.
// The id is "<agentID>-<stamp>" where stamp is a millisecond timestamp that
// never repeats within this tracker, so ids cannot collide.
func (t *Tracker) Start(agentID, engineID string) Instance {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	stamp := now.UnixMilli()
	if stamp <= t.lastStamp {
		stamp = t.lastStamp + 1
	}
	t.lastStamp = stamp

	inst := &Instance{
		ID:        agentID + "-" + strconv.FormatInt(stamp, 10),
		AgentID:   agentID,
		EngineID:  engineID,
		State:     StateRunning,
		StartedAt: now,
	}
	t.instances[inst.ID] = inst
	return *inst
}

// Finish performs the single terminal transition for id.
func (t *Tracker) Finish(id string, out Outcome) error {
	if !out.State.IsTerminal() {
		return fmt.Errorf("finish %s: %q is not a terminal state", id, out.State)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.instances[id]
	if !ok {
		return fmt.Errorf("finish %s: %w", id, ErrUnknownInstance)
	}
	if inst.State.IsTerminal() {
		return fmt.Errorf("finish %s (%s -> %s): %w", id, inst.State, out.State, ErrAlreadyTerminal)
	}

	ended := t.clock()
	inst.State = out.State
	inst.EndedAt = &ended
	inst.ExitCode = out.ExitCode
	inst.ExitSignal = out.ExitSignal
	if out.Err != nil {
		inst.Error = out.Err.Error()
	}
	return nil
}

// Get returns a copy of the instance with the given id.
func (t *Tracker) Get(id string) (Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	inst, ok := t.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Snapshot returns a point-in-time copy of every instance, oldest first.
func (t *Tracker) Snapshot() []Instance {
	t.mu.RLock()
	out := make([]Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, *inst)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Running returns the instances that have not reached a terminal state.
func (t *Tracker) Running() []Instance {
	var out []Instance
	for _, inst := range t.Snapshot() {
		if inst.State == StateRunning {
			out = append(out, inst)
		}
	}
	return out
}

// ByAgent returns all instances spawned for agentID, oldest first.
func (t *Tracker) ByAgent(agentID string) []Instance {
	var out []Instance
	for _, inst := range t.Snapshot() {
		if inst.AgentID == agentID {
			out = append(out, inst)
		}
	}
	return out
}
