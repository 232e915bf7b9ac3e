package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// LogEntry is one captured record.
type LogEntry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// LogCapture records structured log entries for assertions.
type LogCapture struct {
	mu      sync.RWMutex
	entries []LogEntry
	Logger  *slog.Logger
}

// NewLogCapture returns a capture whose Logger records every level.
func NewLogCapture() *LogCapture {
	c := &LogCapture{}
	c.Logger = slog.New(&captureHandler{capture: c})
	return c
}

type captureHandler struct {
	capture *LogCapture
	attrs   []slog.Attr
	group   string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Level: r.Level, Message: r.Message, Attrs: make(map[string]any)}
	add := func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		entry.Attrs[key] = a.Value.Any()
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)

	h.capture.mu.Lock()
	h.capture.entries = append(h.capture.entries, entry)
	h.capture.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &captureHandler{capture: h.capture, attrs: merged, group: h.group}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &captureHandler{capture: h.capture, attrs: h.attrs, group: group}
}

// Entries returns a copy of the captured entries.
func (c *LogCapture) Entries() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]LogEntry(nil), c.entries...)
}

// Containing returns entries whose message contains substr.
func (c *LogCapture) Containing(substr string) []LogEntry {
	var out []LogEntry
	for _, e := range c.Entries() {
		if strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}

// CountLevel returns how many entries were logged at level.
func (c *LogCapture) CountLevel(level slog.Level) int {
	n := 0
	for _, e := range c.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}
