package x402

import (
	"context"
	"sync"
	"time"
)

// MemoryChallengeStore is the process-local ChallengeStore
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
	now        Clock

	lastSweep  time.Time
	sweepEvery time.Duration
}

// NewMemoryChallengeStore creates an empty store. A nil clock uses time.Now.
func NewMemoryChallengeStore(now Clock) *MemoryChallengeStore {
	if now == nil {
		now = systemClock
	}
	return &MemoryChallengeStore{
		challenges: make(map[string]Challenge),
		now:        now,
		sweepEvery: time.Minute,
	}
}

// Save stores the challenge until its expiry
func (s *MemoryChallengeStore) Save(_ context.Context, c Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.sweepEvery {
		s.lastSweep = now
		for id, stored := range s.challenges {
			if stored.Expired(now) {
				delete(s.challenges, id)
			}
		}
	}
	s.challenges[c.ChallengeID] = c
	return nil
}

// Load returns an unexpired challenge by id
func (s *MemoryChallengeStore) Load(_ context.Context, challengeID string) (Challenge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[challengeID]
	if !ok {
		return Challenge{}, false, nil
	}
	if c.Expired(s.now()) {
		delete(s.challenges, challengeID)
		return Challenge{}, false, nil
	}
	return c, true, nil
}

// Len returns the number of stored challenges
func (s *MemoryChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

var _ ChallengeStore = (*MemoryChallengeStore)(nil)
