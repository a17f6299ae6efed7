// Package registry maps live session IDs to their single authoritative
// owner. It is the only place the rest of the hub looks up a running
// session, and the registration race on concurrent starts is settled
// here: the first Register wins, losers discard their candidate.
package registry

import "sync"

// Registry is a concurrency-safe id-to-handle map. H is the handle type
// registered per ID; it must be comparable so Unregister can refuse to
// remove an entry that has since been replaced.
type Registry[H comparable] struct {
	mu      sync.RWMutex
	entries map[string]H
}

// New creates an empty registry.
func New[H comparable]() *Registry[H] {
	return &Registry[H]{entries: make(map[string]H)}
}

// Lookup returns the handle registered under id, if any.
func (r *Registry[H]) Lookup(id string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[id]
	return h, ok
}

// Register installs h under id. Returns false without modification when
// the id is already taken; the caller lost the race and must discard h.
func (r *Registry[H]) Register(id string, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	r.entries[id] = h
	return true
}

// Unregister removes the entry for id, but only while it still holds h.
// A stale owner unregistering after its replacement registered is a
// no-op, as is unregistering an absent id.
func (r *Registry[H]) Unregister(id string, h H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[id]; ok && current == h {
		delete(r.entries, id)
	}
}

// Len returns the number of registered sessions.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns a snapshot of all registered session IDs.
func (r *Registry[H]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
