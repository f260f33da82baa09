package server

import (
	"testing"

	"github.com/anyhost/sv2relay/internal/roles"
)

func newTestSession(downstreamID uint32) *Session {
	return NewSession(&SessionConfig{Data: roles.DownstreamData{ID: downstreamID}})
}

func TestRegistry_AddAndLookup(t *testing.T) {
	registry := NewRegistry()

	a := newTestSession(2)
	b := newTestSession(1)

	for _, s := range []*Session{a, b} {
		if err := registry.Add(s); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if got := registry.GetSessionCount(); got != 2 {
		t.Errorf("GetSessionCount() = %d, want 2", got)
	}

	if s, ok := registry.Lookup(2); !ok || s != a {
		t.Errorf("Lookup(2) = %v, %v", s, ok)
	}
	if s, ok := registry.GetSession(b.ID); !ok || s != b {
		t.Errorf("GetSession(%s) = %v, %v", b.ID, s, ok)
	}

	downstreams := registry.Downstreams()
	if len(downstreams) != 2 || downstreams[0] != b || downstreams[1] != a {
		t.Errorf("Downstreams() not ordered by downstream id")
	}
}

func TestRegistry_DuplicateDownstreamID(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Add(newTestSession(5)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := registry.Add(newTestSession(5)); err == nil {
		t.Error("expected error for duplicate downstream id")
	}
}

func TestRegistry_Remove(t *testing.T) {
	registry := NewRegistry()
	s := newTestSession(9)
	if err := registry.Add(s); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	registry.Remove(s.ID)
	registry.Remove("missing")

	if _, ok := registry.Lookup(9); ok {
		t.Error("session should be gone after Remove")
	}
	if registry.GetSessionCount() != 0 {
		t.Errorf("GetSessionCount() = %d, want 0", registry.GetSessionCount())
	}
	if len(registry.Downstreams()) != 0 {
		t.Error("Downstreams() should be empty")
	}
}

func TestRegistry_IsSelector(t *testing.T) {
	var sel roles.Selector[*Session] = NewRegistry()
	if len(sel.Downstreams()) != 0 {
		t.Error("new registry should be empty")
	}
}
