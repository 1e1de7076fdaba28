package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "presaleskb", "Anna_public_3_20240108")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.AgentID != "presaleskb" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.ForUser("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ForUser() error = %v, want ErrNotFound", err)
	}
	if _, err := m.End("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerSelectAgentCountsSwitches(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "presaleskb", "Anna")

	if err := m.SelectAgent(s.ID, "presaleskb", "Anna"); err != nil {
		t.Fatalf("SelectAgent() error = %v", err)
	}
	if err := m.SelectAgent(s.ID, "socialmedia", "Wayne"); err != nil {
		t.Fatalf("SelectAgent() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AgentID != "socialmedia" || got.AvatarID != "Wayne" {
		t.Fatalf("agent = %s/%s, want socialmedia/Wayne", got.AgentID, got.AvatarID)
	}
	if got.AgentSwitches != 1 {
		t.Fatalf("AgentSwitches = %d, want 1", got.AgentSwitches)
	}

	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := m.SelectAgent(s.ID, "presaleskb", "Anna"); !errors.Is(err, ErrEnded) {
		t.Fatalf("SelectAgent() after end error = %v, want ErrEnded", err)
	}
}

func TestManagerForUserKeepsNewestSession(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("u1", "a", "")
	second := m.Create("u1", "b", "")

	if _, err := m.End(first.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	got, err := m.ForUser("u1")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("ForUser() = %s, want %s", got.ID, second.ID)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "presaleskb", "")

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expired = %v, want [%s]", expired, s.ID)
	}
}
