// Package broadcast fans a current value out to subscribers. Only the
// latest value matters: a slow subscriber skips intermediate values
// rather than blocking the publisher.
package broadcast

import "sync"

// Hub holds a current value of type T and notifies subscribers of changes.
type Hub[T comparable] struct {
	mu     sync.Mutex
	value  T
	subs   map[int]chan T
	nextID int
}

// New returns a hub holding initial.
func New[T comparable](initial T) *Hub[T] {
	return &Hub[T]{value: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (h *Hub[T]) Get() T {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.value
}

// Set stores v and notifies subscribers when it differs from the current
// value. Reports whether the value changed.
func (h *Hub[T]) Set(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v == h.value {
		return false
	}

	h.value = v

	for _, ch := range h.subs {
		deliver(ch, v)
	}

	return true
}

// deliver replaces any undelivered value in ch with v.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel that first receives the current value and
// then every change. Call cancel to unsubscribe; the channel is closed.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan T, 1)
	ch <- h.value
	h.subs[id] = ch

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}
