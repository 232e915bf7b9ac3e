// Package stream fans one producer's events out to any number of
// subscribers. The producer never learns who is listening.
package stream

import "sync"

// DefaultBuffer is the subscriber channel capacity used when none is given.
const DefaultBuffer = 256

// Hub broadcasts values of type T to subscribers.
//
// Publish blocks while a subscriber's buffer is full, so subscribers that
// only observe (UI, telemetry) must keep draining. Every subscriber sees
// every event in publish order, and all subscriber channels are closed by
// Close, after which Publish is a no-op.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   []chan T
	closed bool
}

// NewHub creates an open hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{}
}

// Subscribe returns a channel receiving every event published from now on.
// Subscribing to a closed hub returns an already-closed channel.
func (h *Hub[T]) Subscribe(buffer int) <-chan T {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

// Publish delivers v to every subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		ch <- v
	}
}

// Close closes every subscriber channel. It is safe to call more than once.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

// Collect drains ch into a slice until it is closed.
func Collect[T any](ch <-chan T) []T {
	var out []T
	for v := range ch {
		out = append(out, v)
	}
	return out
}
