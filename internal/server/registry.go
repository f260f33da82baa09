package server

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Registry tracks the paired downstream sessions of one upstream role. It
// is the role's remote selector and is safe for concurrent access.
type Registry struct {
	mu sync.RWMutex

	// sessions maps sessionID -> Session
	sessions map[string]*Session

	// byDownstream maps downstream id -> Session
	byDownstream map[uint32]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		byDownstream: make(map[uint32]*Session),
	}
}

// Add registers a paired session. Downstream ids must be unique.
func (r *Registry) Add(session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := session.DownstreamData().ID
	if existing, ok := r.byDownstream[id]; ok && existing.ID != session.ID {
		return fmt.Errorf("downstream id %d already registered by session %s", id, existing.ID)
	}

	r.sessions[session.ID] = session
	r.byDownstream[id] = session
	return nil
}

// Remove forgets a session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.byDownstream[session.DownstreamData().ID] == session {
		delete(r.byDownstream, session.DownstreamData().ID)
	}
}

// GetSession returns a session by ID.
func (r *Registry) GetSession(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	return session, exists
}

// Lookup returns the session of a downstream id.
func (r *Registry) Lookup(downstreamID uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.byDownstream[downstreamID]
	return session, exists
}

// Downstreams returns all paired sessions ordered by downstream id.
func (r *Registry) Downstreams() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return cmp.Compare(a.DownstreamData().ID, b.DownstreamData().ID)
	})
	return sessions
}

// GetSessionCount returns the number of paired sessions.
func (r *Registry) GetSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
