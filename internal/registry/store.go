package registry

import (
	"sync"
)

// Store is the process-wide session map. Membership changes (insert,
// remove) are guarded by mu; mutation of an individual Session's fields
// happens through that Session's own mutex, never through Store's.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore returns an empty, ready-to-use Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns the session for id, or nil if it doesn't exist.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// GetOrCreate returns the existing session for id, or creates, inserts, and
// returns a new one. The second return value reports whether a new session
// was created.
func (st *Store) GetOrCreate(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s, false
	}
	s := newSession(id)
	st.sessions[id] = s
	return s, true
}

// Remove deletes the session for id, if present, and returns it.
func (st *Store) Remove(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.sessions[id]
	delete(st.sessions, id)
	return s
}

// All returns a snapshot slice of every tracked session pointer. The slice
// itself is a copy; the Sessions it points to are still live and must be
// locked individually before reading mutable fields.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of tracked sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
