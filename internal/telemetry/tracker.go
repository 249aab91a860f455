package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	mrand "math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/tamv/isabella/internal/core"
)

const (
	// DefaultMaxHistory is the number of events a tracker keeps
	DefaultMaxHistory = 32

	// DefaultSocialIndex is stamped on every event's impact
	DefaultSocialIndex = 0.1
)

// Tracker is the bounded event log of one session.
// It is not safe for concurrent writers; each session owns exactly one tracker.
type Tracker struct {
	module core.Module

	// Ring buffer: events[head] is the oldest surviving event
	events []core.TAMVCrum
	head   int
	size   int

	eventCount   int
	sessionStart time.Time

	now       func() time.Time
	newID     func() string
	intensity func() float64
	observer  func(core.TAMVCrum)
}

// Option configures a Tracker
type Option func(*Tracker)

// WithMaxHistory sets the history capacity. Values below 1 become 1.
func WithMaxHistory(n int) Option {
	return func(t *Tracker) {
		if n < 1 {
			n = 1
		}
		t.events = make([]core.TAMVCrum, n)
	}
}

// WithIDGenerator replaces the event id generator
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// WithIntensitySource replaces the default random intensity
func WithIntensitySource(src func() float64) Option {
	return func(t *Tracker) {
		if src != nil {
			t.intensity = src
		}
	}
}

// WithClock replaces the wall clock. The session start is read from it at construction.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithObserver registers a callback invoked with every appended event
func WithObserver(fn func(core.TAMVCrum)) Option {
	return func(t *Tracker) {
		t.observer = fn
	}
}

// NewTracker creates a tracker for one session in the given module
func NewTracker(module core.Module, opts ...Option) *Tracker {
	t := &Tracker{
		module:    module,
		events:    make([]core.TAMVCrum, DefaultMaxHistory),
		now:       time.Now,
		newID:     NewEventID,
		intensity: mrand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sessionStart = t.now()
	return t
}

// TrackAction records one user action and returns the stored event.
// An optional intensity overrides the configured source.
func (t *Tracker) TrackAction(action core.CrumAction, impactCredits float64, intensity ...float64) core.TAMVCrum {
	now := t.now()
	duration := t.durationMs(now)
	pattern := ClassifyPattern(t.eventCount, duration)

	var raw float64
	if len(intensity) > 0 {
		raw = intensity[0]
	} else {
		raw = t.intensity()
	}

	crum := core.TAMVCrum{
		ID:        t.newID(),
		Timestamp: now,
		Module:    t.module,
		Action:    action,
		Impact: core.Impact{
			Credits:     impactCredits,
			SocialIndex: DefaultSocialIndex,
		},
		EcgContext: core.EcgContext{
			Pattern:         pattern,
			Intensity:       clamp01(raw),
			SessionDuration: duration,
		},
		Metadata: map[string]any{},
	}

	t.push(crum)
	t.eventCount++

	if t.observer != nil {
		t.observer(crum)
	}
	return crum
}

// push appends to the ring, overwriting the oldest event when full
func (t *Tracker) push(crum core.TAMVCrum) {
	capacity := len(t.events)
	if t.size < capacity {
		t.events[(t.head+t.size)%capacity] = crum
		t.size++
		return
	}
	t.events[t.head] = crum
	t.head = (t.head + 1) % capacity
}

// History returns the surviving events, oldest first
func (t *Tracker) History() []core.TAMVCrum {
	out := make([]core.TAMVCrum, 0, t.size)
	for i := 0; i < t.size; i++ {
		out = append(out, t.events[(t.head+i)%len(t.events)])
	}
	return out
}

// Len returns the number of surviving events
func (t *Tracker) Len() int { return t.size }

// Cap returns the history capacity
func (t *Tracker) Cap() int { return len(t.events) }

// EventCount returns how many actions were ever tracked, evicted ones included
func (t *Tracker) EventCount() int { return t.eventCount }

// Module returns the content area this tracker records
func (t *Tracker) Module() core.Module { return t.module }

// SessionStart returns when the tracker was created
func (t *Tracker) SessionStart() time.Time { return t.sessionStart }

// Pattern returns the pattern the next tracked event would carry
func (t *Tracker) Pattern() core.EcgPattern {
	return ClassifyPattern(t.eventCount, t.durationMs(t.now()))
}

func (t *Tracker) durationMs(now time.Time) int64 {
	d := now.Sub(t.sessionStart).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

// NewEventID returns a random UUID, or a time+random composite when the
// secure generator is unavailable
func NewEventID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	return fallbackID()
}

func fallbackID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d-%x", time.Now().UnixNano(), mrand.Uint64())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}
