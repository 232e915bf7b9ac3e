// Package telemetry aggregates token usage and timing per provider and model.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Usage is the token accounting reported by one invocation.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	CachedTokens int64 `json:"cached_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.CachedTokens += o.CachedTokens
	u.OutputTokens += o.OutputTokens
}

// Total is input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Sample is one finished invocation.
type Sample struct {
	Provider string
	Model    string
	AgentID  string
	Usage    Usage
	Duration time.Duration
	Failed   bool
}

// Entry is the running total for one provider+model pair.
type Entry struct {
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Invocations int           `json:"invocations"`
	Failures    int           `json:"failures"`
	Usage       Usage         `json:"usage"`
	Duration    time.Duration `json:"duration_ns"`
	LastAt      time.Time     `json:"last_at"`
}

type key struct{ provider, model string }

// Recorder is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries map[key]*Entry
	now     func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{entries: make(map[key]*Entry), now: time.Now}
}

// Record adds a sample. A nil recorder discards it.
func (r *Recorder) Record(s Sample) {
	if r == nil {
		return
	}
	model := s.Model
	if model == "" {
		model = "default"
	}
	k := key{s.Provider, model}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	if !ok {
		e = &Entry{Provider: s.Provider, Model: model}
		r.entries[k] = e
	}
	e.Invocations++
	if s.Failed {
		e.Failures++
	}
	e.Usage.Add(s.Usage)
	e.Duration += s.Duration
	e.LastAt = r.now()
}

// Snapshot returns a copy of all entries sorted by provider, then model.
func (r *Recorder) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Merge folds previously saved entries into the recorder.
func (r *Recorder) Merge(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range entries {
		k := key{in.Provider, in.Model}
		e, ok := r.entries[k]
		if !ok {
			cp := in
			r.entries[k] = &cp
			continue
		}
		e.Invocations += in.Invocations
		e.Failures += in.Failures
		e.Usage.Add(in.Usage)
		e.Duration += in.Duration
		if in.LastAt.After(e.LastAt) {
			e.LastAt = in.LastAt
		}
	}
}

// Save writes the snapshot to path as JSON.
func (r *Recorder) Save(path string) error {
	data, err := json.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling telemetry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating telemetry dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing telemetry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming telemetry: %w", err)
	}
	return nil
}

// Load reads entries saved by Save. A missing file yields no entries.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading telemetry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing telemetry %s: %w", path, err)
	}
	return entries, nil
}
