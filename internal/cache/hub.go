// Package cache implements the local mirror of server entities.
package cache

import "sync"

// Hub fans out table change notifications to live queries.
//
// Each subscriber owns a channel with a single slot. Publish never blocks:
// when the slot is full the subscriber already has a pending notification
// and will recompute its query anyway.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers interest in table. The returned func unsubscribes.
func (h *Hub) Subscribe(table string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.subs[table] == nil {
		h.subs[table] = make(map[chan struct{}]struct{})
	}
	h.subs[table][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[table], ch)
			h.mu.Unlock()
		})
	}
}

// Publish notifies every subscriber of the given tables.
func (h *Hub) Publish(tables ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, table := range tables {
		for ch := range h.subs[table] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers returns the number of live subscriptions on table.
func (h *Hub) Subscribers(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[table])
}
