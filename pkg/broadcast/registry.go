package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the set of connected subscribers.
type Registry struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[uuid.UUID]*Subscriber)}
}

// Add registers s and returns it. Adding the same subscriber twice keeps a
// single entry.
func (r *Registry) Add(s *Subscriber) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[s.id] = s
	return s
}

// Remove deregisters s and reports whether it was present. Removing a
// subscriber that is already gone is a no-op.
func (r *Registry) Remove(s *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[s.id]; !ok {
		return false
	}
	delete(r.subs, s.id)
	return true
}

// ForEach calls fn once for every subscriber registered when ForEach was
// called. fn runs without the registry lock held, so it may Add or Remove.
func (r *Registry) ForEach(fn func(*Subscriber)) {
	for _, s := range r.snapshot() {
		fn(s)
	}
}

// Len returns the number of registered subscribers, including those still
// catching up.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Active returns the number of subscribers receiving live chunks.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.subs {
		if s.State() == StateActive {
			n++
		}
	}
	return n
}

func (r *Registry) snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}
