package api

import (
	"sync"
	"time"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/telemetry"
)

// Session registry defaults
const (
	DefaultMaxSessions = 10000
	DefaultSessionIdle = 30 * time.Minute
)

// SessionLimits bounds the registry. Zero fields take the defaults.
type SessionLimits struct {
	MaxSessions int
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Sessions owns one telemetry tracker per client session. Trackers are
// single-writer, so each is guarded by its own mutex.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	module   core.Module
	opts     []telemetry.Option
	limits   SessionLimits
}

type session struct {
	mu       sync.Mutex
	tracker  *telemetry.Tracker
	lastSeen time.Time // guarded by Sessions.mu
}

// SessionSnapshot is a consistent view of one tracker
type SessionSnapshot struct {
	ID         string            `json:"sessionId"`
	Module     core.Module       `json:"module"`
	Pattern    core.EcgPattern   `json:"pattern"`
	EventCount int               `json:"eventCount"`
	History    []core.TAMVCrum   `json:"history"`
	Summary    telemetry.Summary `json:"summary"`
}

// NewSessions creates a registry with default limits whose trackers use module and opts
func NewSessions(module core.Module, opts ...telemetry.Option) *Sessions {
	return NewSessionsWithLimits(module, SessionLimits{}, opts...)
}

// NewSessionsWithLimits creates a registry bounded by limits
func NewSessionsWithLimits(module core.Module, limits SessionLimits, opts ...telemetry.Option) *Sessions {
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = DefaultMaxSessions
	}
	if limits.IdleTimeout <= 0 {
		limits.IdleTimeout = DefaultSessionIdle
	}
	if limits.Now == nil {
		limits.Now = time.Now
	}
	return &Sessions{
		sessions: make(map[string]*session),
		module:   module,
		opts:     opts,
		limits:   limits,
	}
}

// get looks a session up and marks it used. A new session first sweeps idle
// ones and fails with ErrTooManySessions if the registry is still full.
func (s *Sessions) get(id string, create bool) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.limits.Now()
	sess, ok := s.sessions[id]
	if ok && now.Sub(sess.lastSeen) > s.limits.IdleTimeout {
		delete(s.sessions, id)
		sess, ok = nil, false
	}
	if ok {
		sess.lastSeen = now
		return sess, nil
	}
	if !create {
		return nil, core.ErrSessionNotFound
	}

	if len(s.sessions) >= s.limits.MaxSessions {
		s.sweepLocked(now)
		if len(s.sessions) >= s.limits.MaxSessions {
			return nil, core.ErrTooManySessions
		}
	}
	sess = &session{
		tracker:  telemetry.NewTracker(s.module, s.opts...),
		lastSeen: now,
	}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Sessions) sweepLocked(now time.Time) int {
	n := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.limits.IdleTimeout {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Sweep drops sessions idle longer than the timeout and returns how many
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.limits.Now())
}

// Track records an action in the session's tracker, creating it on first use
func (s *Sessions) Track(id string, action core.CrumAction, credits float64, intensity ...float64) (core.TAMVCrum, error) {
	sess, err := s.get(id, true)
	if err != nil {
		return core.TAMVCrum{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.tracker.TrackAction(action, credits, intensity...), nil
}

// Pattern returns the session's current pattern
func (s *Sessions) Pattern(id string) (core.EcgPattern, bool) {
	sess, err := s.get(id, false)
	if err != nil {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.tracker.Pattern(), true
}

// Snapshot returns history, summary and pattern
func (s *Sessions) Snapshot(id string) (SessionSnapshot, error) {
	sess, err := s.get(id, false)
	if err != nil {
		return SessionSnapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	history := sess.tracker.History()
	return SessionSnapshot{
		ID:         id,
		Module:     sess.tracker.Module(),
		Pattern:    sess.tracker.Pattern(),
		EventCount: sess.tracker.EventCount(),
		History:    history,
		Summary:    telemetry.Summarize(history),
	}, nil
}

// End discards a session. Reports whether it existed.
func (s *Sessions) End(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Len is the number of live sessions
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
