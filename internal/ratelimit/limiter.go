// Package ratelimit implements the gateway's fixed-window rate limiter
// with block escalation: a key that exceeds its window quota is blocked
// for a separate, longer duration that survives window rollovers.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Policy configures one limiter.
type Policy struct {
	Window        time.Duration // counting window
	MaxRequests   int           // requests allowed per window
	BlockDuration time.Duration // how long a violator stays blocked
}

// DefaultPolicy applies to ordinary client traffic.
var DefaultPolicy = Policy{
	Window:        15 * time.Minute,
	MaxRequests:   100,
	BlockDuration: time.Hour,
}

// AuthPolicy is the stricter policy for authentication endpoints.
var AuthPolicy = Policy{
	Window:        15 * time.Minute,
	MaxRequests:   5,
	BlockDuration: 30 * time.Minute,
}

// Result is the outcome of one Check. Remaining and ResetAt are
// populated on both allowed and denied outcomes so callers can always
// attach rate-limit headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	Blocked    bool
	BlockedTil time.Time
	RetryAfter time.Duration
}

// Limiter is the store abstraction injected wherever requests are
// counted, so tests can swap in a deterministic clock.
type Limiter interface {
	Check(key string) Result
}

type entry struct {
	count      int
	resetAt    time.Time
	blocked    bool
	blockUntil time.Time
}

// MemoryLimiter is the in-process limiter. The map mutex scopes to the
// limiter, not the gateway; each Check is one atomic read-modify-write.
type MemoryLimiter struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	stop    chan struct{}
}

// New creates a limiter with the given policy.
func New(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy,
		now:     time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// WithClock injects a clock for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Check counts one request against key and reports whether it is
// allowed. A key over quota flips to blocked until blockUntil passes;
// the block is never lifted early by a window rollover.
func (l *MemoryLimiter) Check(key string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]

	if ok && e.blocked {
		if now.Before(e.blockUntil) {
			return Result{
				Allowed:    false,
				Limit:      l.policy.MaxRequests,
				Remaining:  0,
				ResetAt:    e.blockUntil,
				Blocked:    true,
				BlockedTil: e.blockUntil,
				RetryAfter: e.blockUntil.Sub(now),
			}
		}
		// Block served; start a fresh window.
		ok = false
	}

	if !ok || !now.Before(e.resetAt) {
		e = &entry{resetAt: now.Add(l.policy.Window)}
		l.entries[key] = e
	}

	e.count++
	if e.count > l.policy.MaxRequests {
		e.blocked = true
		e.blockUntil = now.Add(l.policy.BlockDuration)
		return Result{
			Allowed:    false,
			Limit:      l.policy.MaxRequests,
			Remaining:  0,
			ResetAt:    e.blockUntil,
			Blocked:    true,
			BlockedTil: e.blockUntil,
			RetryAfter: l.policy.BlockDuration,
		}
	}

	return Result{
		Allowed:   true,
		Limit:     l.policy.MaxRequests,
		Remaining: l.policy.MaxRequests - e.count,
		ResetAt:   e.resetAt,
	}
}

// Cleanup evicts entries whose window has elapsed and that are not
// under an active block. Liveness only; Check stays correct without it.
func (l *MemoryLimiter) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, e := range l.entries {
		if now.Before(e.resetAt) {
			continue
		}
		if e.blocked && now.Before(e.blockUntil) {
			continue
		}
		delete(l.entries, key)
		removed++
	}
	return removed
}

// Start begins background eviction on interval.
func (l *MemoryLimiter) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				if n := l.Cleanup(); n > 0 {
					log.Printf("rate limiter evicted %d expired entries", n)
				}
			}
		}
	}()
}

// Stop stops the background eviction routine.
func (l *MemoryLimiter) Stop() {
	close(l.stop)
}
