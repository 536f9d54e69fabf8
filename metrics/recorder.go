// Package metrics counts x402 protocol events.
//
// A Recorder owns a fixed vocabulary of monotonically increasing counters.
// The vocabulary is decided at construction so a Snapshot always has the
// same key set for the life of the process. Recorders are explicitly owned
// and injected; there is no package-level instance.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// Counter names a protocol event
type Counter string

const (
	ChallengeIssued     Counter = "challenge_issued"
	PaywallRequired     Counter = "paywall_required"
	PaymentVerified     Counter = "payment_verified"
	PaymentRejected     Counter = "payment_rejected"
	SettlementConfirmed Counter = "settlement_confirmed"
	SettlementPending   Counter = "settlement_pending"
	PaymentMalformed    Counter = "payment_malformed"
	RateLimited         Counter = "rate_limited"
)

// DefaultCounters is the protocol's counter vocabulary
var DefaultCounters = []Counter{
	ChallengeIssued,
	PaywallRequired,
	PaymentVerified,
	PaymentRejected,
	SettlementConfirmed,
	SettlementPending,
	PaymentMalformed,
	RateLimited,
}

// ErrUnknownCounter is returned when incrementing a name outside the vocabulary
var ErrUnknownCounter = errors.New("metrics: unknown counter")

// Recorder holds one atomic count per counter. Safe for concurrent use.
//
// A nil *Recorder is a valid no-op recorder: increments are dropped and
// reads return nothing.
type Recorder struct {
	counts map[Counter]*atomic.Uint64
}

// NewRecorder creates a recorder for DefaultCounters plus any extra names.
// The protocol vocabulary is always present so components may increment it
// unconditionally.
func NewRecorder(extra ...Counter) *Recorder {
	r := &Recorder{counts: make(map[Counter]*atomic.Uint64, len(DefaultCounters)+len(extra))}
	for _, c := range DefaultCounters {
		r.counts[c] = new(atomic.Uint64)
	}
	for _, c := range extra {
		if _, ok := r.counts[c]; !ok {
			r.counts[c] = new(atomic.Uint64)
		}
	}
	return r
}

// Increment adds one to the named counter
func (r *Recorder) Increment(name Counter) error {
	if r == nil {
		return nil
	}
	c, ok := r.counts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCounter, name)
	}
	c.Add(1)
	return nil
}

// MustIncrement is Increment for names known at compile time. It panics on
// a name outside the vocabulary.
func (r *Recorder) MustIncrement(name Counter) {
	if err := r.Increment(name); err != nil {
		panic(err)
	}
}

// Get returns the current value of one counter
func (r *Recorder) Get(name Counter) (uint64, bool) {
	if r == nil {
		return 0, false
	}
	c, ok := r.counts[name]
	if !ok {
		return 0, false
	}
	return c.Load(), true
}

// Snapshot returns every counter's current value
func (r *Recorder) Snapshot() map[string]uint64 {
	if r == nil {
		return map[string]uint64{}
	}
	out := make(map[string]uint64, len(r.counts))
	for name, c := range r.counts {
		out[string(name)] = c.Load()
	}
	return out
}

// Names returns the vocabulary in sorted order
func (r *Recorder) Names() []Counter {
	if r == nil {
		return nil
	}
	names := make([]Counter, 0, len(r.counts))
	for name := range r.counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Reset zeroes every counter. Test tooling only.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	for _, c := range r.counts {
		c.Store(0)
	}
}
