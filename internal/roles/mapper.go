package roles

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownRequestID is returned when a response carries an upstream
// request id that is not outstanding.
var ErrUnknownRequestID = errors.New("roles: unknown upstream request id")

// UnknownRequestIDError reports the offending id. It matches ErrUnknownRequestID.
type UnknownRequestIDError struct {
	UpstreamID uint32
}

func (e *UnknownRequestIDError) Error() string {
	return fmt.Sprintf("roles: upstream request id %d is not outstanding", e.UpstreamID)
}

func (e *UnknownRequestIDError) Unwrap() error {
	return ErrUnknownRequestID
}

// RequestIDMapper rewrites the request ids chosen by downstreams into ids
// unique on one upstream connection, and restores the original id exactly
// once when the upstream answers.
//
// A mapper belongs to a single upstream connection and has no internal
// locking: the owner serializes OnOpenChannel and Remove.
//
// Ids are handed out from 0 upward. After math.MaxUint32 the counter wraps
// to 0 and skips any id that is still outstanding, so a live mapping is
// never overwritten. The skip cannot end if all 2^32 ids are outstanding;
// the owner's pending requests are bounded far below that.
type RequestIDMapper struct {
	// upstream id -> downstream id
	ids    map[uint32]uint32
	nextID uint32
}

// NewRequestIDMapper returns an empty mapper whose first id is 0.
func NewRequestIDMapper() *RequestIDMapper {
	return &RequestIDMapper{ids: make(map[uint32]uint32)}
}

// OnOpenChannel records original and returns the id to use upstream.
func (m *RequestIDMapper) OnOpenChannel(original uint32) uint32 {
	if m.ids == nil {
		m.ids = make(map[uint32]uint32)
	}
	id := m.nextID
	for {
		if _, taken := m.ids[id]; !taken {
			break
		}
		id++
	}
	m.nextID = id + 1
	m.ids[id] = original
	return id
}

// Remove resolves an upstream id back to the downstream's original id and
// forgets it. Resolving an id that was never handed out, or that was
// already resolved, returns an *UnknownRequestIDError.
func (m *RequestIDMapper) Remove(upstreamID uint32) (uint32, error) {
	original, ok := m.ids[upstreamID]
	if !ok {
		return 0, &UnknownRequestIDError{UpstreamID: upstreamID}
	}
	delete(m.ids, upstreamID)
	return original, nil
}

// Len returns the number of outstanding requests.
func (m *RequestIDMapper) Len() int {
	return len(m.ids)
}

// SharedMapper is the handle an upstream hands out through Upstream.Mapper.
// It guards one RequestIDMapper with a lock so observers can read it while
// the owning connection remaps requests, and Reset swaps in a fresh mapper
// for a new connection without invalidating the handle.
type SharedMapper struct {
	mu sync.Mutex
	m  RequestIDMapper
}

// NewSharedMapper returns a handle over an empty mapper.
func NewSharedMapper() *SharedMapper {
	return &SharedMapper{}
}

// OnOpenChannel records original and returns the id to use upstream.
func (s *SharedMapper) OnOpenChannel(original uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.OnOpenChannel(original)
}

// Remove resolves an upstream id back to the downstream's original id once.
func (s *SharedMapper) Remove(upstreamID uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Remove(upstreamID)
}

// Len returns the number of outstanding requests.
func (s *SharedMapper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Len()
}

// Reset forgets every mapping and restarts ids at 0.
func (s *SharedMapper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = RequestIDMapper{}
}
