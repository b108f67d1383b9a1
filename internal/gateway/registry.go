package gateway

import (
	"sync"

	"github.com/adred-codev/pushline/internal/shared/types"
)

// Registry is the online connection map of one gateway: ConnectionKey to
// session and back. Both directions change together under one lock.
type Registry struct {
	mu      sync.RWMutex
	forward map[types.ConnectionKey]*Session
	reverse map[*Session]types.ConnectionKey
}

func NewRegistry() *Registry {
	return &Registry{
		forward: make(map[types.ConnectionKey]*Session),
		reverse: make(map[*Session]types.ConnectionKey),
	}
}

// Register maps key to s and returns the session it replaced, if any. The
// replaced session loses its reverse entry but is not closed.
func (r *Registry) Register(key types.ConnectionKey, s *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.forward[key]; ok && prev != s {
		delete(r.reverse, prev)
		previous = prev
	}
	r.forward[key] = s
	r.reverse[s] = key
	return previous
}

// Unregister removes s. owned reports whether s still held its key; a
// superseded session leaves the newer mapping untouched.
func (r *Registry) Unregister(s *Session) (key types.ConnectionKey, owned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.reverse[s]
	if !ok {
		return key, false
	}
	delete(r.reverse, s)
	if r.forward[key] == s {
		delete(r.forward, key)
	}
	return key, true
}

func (r *Registry) Lookup(key types.ConnectionKey) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.forward[key]
	return s, ok
}

// Len returns the number of registered keys
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward)
}
