package gateway

import (
	"sort"
	"sync"

	"github.com/boristopalov/gladiator/pkg/core"
)

// Registry is the gateway's session table. It is owned by one Gateway and
// passed to it explicitly.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*Session
	capacity int
}

// NewRegistry returns an empty table. capacity <= 0 means unbounded.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*Session),
		capacity: capacity,
	}
}

func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return core.Errorf(core.CodeDuplicateSession, "session %s is already logged in", s.id)
	}
	if r.capacity > 0 && len(r.sessions) >= r.capacity {
		return core.Errorf(core.CodeCapacityExceeded, "gateway is at its limit of %d sessions", r.capacity)
	}
	r.sessions[s.id] = s
	return nil
}

func (r *Registry) Get(id core.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id core.SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Capacity() int {
	return r.capacity
}

// IDs returns the logged-in session ids in sorted order.
func (r *Registry) IDs() []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
