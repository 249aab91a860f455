package sentinel

import (
	"context"
	"sync"
	"time"
)

// MemoryReputationStore keeps scores in process
type MemoryReputationStore struct {
	mu     sync.Mutex
	scores map[string]scoreEntry
	now    func() time.Time
}

type scoreEntry struct {
	score   float64
	expires time.Time
}

// NewMemoryReputationStore creates an empty store. now may be nil.
func NewMemoryReputationStore(now func() time.Time) *MemoryReputationStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryReputationStore{
		scores: make(map[string]scoreEntry),
		now:    now,
	}
}

// Add adjusts the score and refreshes its expiry
func (s *MemoryReputationStore) Add(_ context.Context, subject string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := s.scores[subject]
	if !entry.expires.After(now) {
		entry.score = 0
	}
	entry.score += delta
	entry.expires = now.Add(ttl)
	s.scores[subject] = entry
	return entry.score, nil
}

// Score returns the live score
func (s *MemoryReputationStore) Score(_ context.Context, subject string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.scores[subject]
	if !ok || !entry.expires.After(s.now()) {
		delete(s.scores, subject)
		return 0, nil
	}
	return entry.score, nil
}
