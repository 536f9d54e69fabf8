// Package ratelimit throttles the x402 protocol endpoints with fixed windows.
//
// State is keyed by (scope, identity). Scopes are independent, so the
// challenge endpoint and the settlement endpoint can run different rules
// without interfering.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Scopes used by the paywall layers
const (
	ScopeChallenge  = "challenge"
	ScopeSettlement = "settlement"
)

// Rule is a fixed-window limit: at most Limit requests per Window
type Rule struct {
	Limit  int
	Window time.Duration
}

// Valid reports whether the rule can be enforced
func (r Rule) Valid() bool {
	return r.Limit > 0 && r.Window > 0
}

// Decision is the outcome of one Consume call
type Decision struct {
	Allowed           bool `json:"allowed"`
	Remaining         int  `json:"remaining"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
}

// RetryAfter returns the wait as a duration
func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterSeconds) * time.Second
}

type key struct {
	scope    string
	identity string
}

type window struct {
	start  time.Time
	length time.Duration
	count  int
}

func (w *window) elapsed(now time.Time) bool {
	return !now.Before(w.start.Add(w.length))
}

// Limiter is a concurrency-safe fixed-window counter.
// Increment-and-compare is atomic under one mutex.
type Limiter struct {
	mu      sync.Mutex
	windows map[key]*window
	now     func() time.Time

	// sweep bookkeeping: expired windows are pruned at most once per sweepEvery
	lastSweep  time.Time
	sweepEvery time.Duration
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates an empty limiter
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows:    make(map[key]*window),
		now:        time.Now,
		sweepEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Consume counts one request for (scope, identity) against rule.
//
// The first request of a window opens it; once more than rule.Limit requests
// were counted within rule.Window of the window start, requests are refused
// and RetryAfterSeconds is the time left in the window, rounded up.
// An invalid rule allows everything.
func (l *Limiter) Consume(scope, identity string, rule Rule) Decision {
	if !rule.Valid() {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeSweepLocked(now)

	k := key{scope: scope, identity: identity}
	w, ok := l.windows[k]
	if !ok || w.elapsed(now) {
		w = &window{start: now, length: rule.Window}
		l.windows[k] = w
	}
	w.count++

	if w.count > rule.Limit {
		remaining := w.start.Add(w.length).Sub(now)
		return Decision{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: ceilSeconds(remaining),
		}
	}
	return Decision{Allowed: true, Remaining: rule.Limit - w.count}
}

// Clear drops all state. Test isolation only.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[key]*window)
}

// Len returns the number of tracked windows
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// maybeSweepLocked prunes elapsed windows. Must be called with lock held.
func (l *Limiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepEvery {
		return
	}
	l.lastSweep = now
	for k, w := range l.windows {
		if w.elapsed(now) {
			delete(l.windows, k)
		}
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
