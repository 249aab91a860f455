package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/orchestrator"
	"github.com/tamv/isabella/internal/testutil"
)

func TestSessions_Cap(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewSessionsWithLimits(core.ModuleBank, SessionLimits{
		MaxSessions: 2,
		IdleTimeout: time.Minute,
		Now:         clock.Now,
	})

	for _, id := range []string{"a", "b"} {
		if _, err := s.Track(id, core.CrumView, 1); err != nil {
			t.Fatalf("Track(%s) error = %v", id, err)
		}
	}

	if _, err := s.Track("c", core.CrumView, 1); !errors.Is(err, core.ErrTooManySessions) {
		t.Fatalf("Track(c) error = %v, want ErrTooManySessions", err)
	}

	// Existing sessions keep working at the cap
	if _, err := s.Track("a", core.CrumView, 1); err != nil {
		t.Errorf("Track(a) at cap error = %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSessions_IdleExpiry(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewSessionsWithLimits(core.ModuleBank, SessionLimits{
		MaxSessions: 2,
		IdleTimeout: time.Minute,
		Now:         clock.Now,
	})

	s.Track("old", core.CrumView, 1)
	clock.Advance(45 * time.Second)
	s.Track("fresh", core.CrumView, 1)
	clock.Advance(30 * time.Second)

	// "old" has been idle 75s and makes room for a new session
	if _, err := s.Track("new", core.CrumView, 1); err != nil {
		t.Fatalf("Track(new) error = %v, idle session should have been swept", err)
	}
	if _, ok := s.Pattern("old"); ok {
		t.Error("idle session should be gone")
	}
	if _, ok := s.Pattern("fresh"); !ok {
		t.Error("fresh session should survive")
	}

	clock.Advance(2 * time.Minute)
	if n := s.Sweep(); n != 2 {
		t.Errorf("Sweep() = %d, want 2", n)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestSessions_ExpiredLookup(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewSessionsWithLimits(core.ModuleBank, SessionLimits{IdleTimeout: time.Minute, Now: clock.Now})

	s.Track("s", core.CrumView, 1)
	clock.Advance(61 * time.Second)

	if _, err := s.Snapshot("s"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("Snapshot() error = %v, want ErrSessionNotFound", err)
	}
}

func TestAPI_TrackAction_TooManySessions(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll, func(c *Config) {
		c.Sessions = NewSessionsWithLimits(core.ModuleIntelligence, SessionLimits{MaxSessions: 1})
	})

	if rr := env.do(t, http.MethodPost, "/v1/sessions/first/actions", ActionRequest{Action: core.CrumView}); rr.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/v1/sessions/second/actions", ActionRequest{Action: core.CrumView}); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/v1/sessions/first/actions", ActionRequest{Action: core.CrumView}); rr.Code != http.StatusCreated {
		t.Errorf("existing session status = %d, want 201", rr.Code)
	}
}
