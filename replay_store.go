package x402

import (
	"context"
	"sync"
	"time"
)

// DefaultReplayRetention is how long stores that must expire keys remember consumed ones
const DefaultReplayRetention = 24 * time.Hour

// MemoryReplayStore is the process-local ReplayStore.
// It tracks consumed replay keys, the settlement transactions bound to them,
// and keys currently reserved by an in-progress settlement attempt.
type MemoryReplayStore struct {
	mu       sync.Mutex
	consumed map[string]ReplayRecord
	byTx     map[string]string
	inFlight map[string]struct{}

	// retention bounds how long consumed records are remembered; zero keeps them forever
	retention time.Duration
	now       Clock
}

// MemoryStoreOption configures a MemoryReplayStore
type MemoryStoreOption func(*MemoryReplayStore)

// WithRetention forgets consumed records older than d.
// d must exceed the challenge TTL, otherwise an expired challenge's key could be reused.
func WithRetention(d time.Duration) MemoryStoreOption {
	return func(s *MemoryReplayStore) {
		s.retention = d
	}
}

// WithStoreClock replaces time.Now
func WithStoreClock(now Clock) MemoryStoreOption {
	return func(s *MemoryReplayStore) {
		s.now = now
	}
}

// NewMemoryReplayStore creates an empty in-memory replay store.
func NewMemoryReplayStore(opts ...MemoryStoreOption) *MemoryReplayStore {
	s := &MemoryReplayStore{
		consumed: make(map[string]ReplayRecord),
		byTx:     make(map[string]string),
		inFlight: make(map[string]struct{}),
		now:      systemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve atomically checks the key and marks it in-flight if it is free.
// Returns:
// - ReplayConsumed + record if an earlier settlement used the key
// - ReplayInFlight if another attempt holds it
// - ReplayReserved if this attempt should proceed (now marked in-flight)
func (s *MemoryReplayStore) Reserve(_ context.Context, replayKey string) (ReplayStatus, *ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.consumed[replayKey]; ok {
		if !s.expiredLocked(rec) {
			out := rec
			return ReplayConsumed, &out, nil
		}
		s.forgetLocked(rec)
	}

	if _, ok := s.inFlight[replayKey]; ok {
		return ReplayInFlight, nil, nil
	}

	s.inFlight[replayKey] = struct{}{}
	return ReplayReserved, nil, nil
}

// Commit consumes a reserved key and binds its settlement transaction.
func (s *MemoryReplayStore) Commit(_ context.Context, record ReplayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.TxHash != "" {
		if owner, ok := s.byTx[record.TxHash]; ok && owner != record.ReplayKey {
			if rec, live := s.consumed[owner]; live && !s.expiredLocked(rec) {
				return ErrTxHashConsumed
			}
		}
		s.byTx[record.TxHash] = record.ReplayKey
	}

	if record.SettledAt.IsZero() {
		record.SettledAt = stamp(s.now())
	}
	s.consumed[record.ReplayKey] = record
	delete(s.inFlight, record.ReplayKey)

	// Lazy cleanup of expired records
	s.cleanupExpiredLocked()
	return nil
}

// Release drops the in-flight marker without consuming the key,
// allowing the settlement to be retried.
func (s *MemoryReplayStore) Release(_ context.Context, replayKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, replayKey)
	return nil
}

// Lookup returns the consumed record for replayKey, if any
func (s *MemoryReplayStore) Lookup(replayKey string) (ReplayRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.consumed[replayKey]
	if !ok || s.expiredLocked(rec) {
		return ReplayRecord{}, false
	}
	return rec, true
}

// Len returns the number of consumed keys
func (s *MemoryReplayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}

func (s *MemoryReplayStore) expiredLocked(rec ReplayRecord) bool {
	if s.retention <= 0 {
		return false
	}
	return s.now().After(rec.SettledAt.Add(s.retention))
}

func (s *MemoryReplayStore) forgetLocked(rec ReplayRecord) {
	delete(s.consumed, rec.ReplayKey)
	if owner, ok := s.byTx[rec.TxHash]; ok && owner == rec.ReplayKey {
		delete(s.byTx, rec.TxHash)
	}
}

// cleanupExpiredLocked removes expired records. Must be called with lock held.
func (s *MemoryReplayStore) cleanupExpiredLocked() {
	if s.retention <= 0 {
		return
	}
	for _, rec := range s.consumed {
		if s.expiredLocked(rec) {
			s.forgetLocked(rec)
		}
	}
}

var _ ReplayStore = (*MemoryReplayStore)(nil)
