package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests step time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(p Policy) (*MemoryLimiter, *fakeClock) {
	clock := newFakeClock()
	return New(p).WithClock(clock.Now), clock
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(Policy{Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour})

	for i := 1; i <= 3; i++ {
		res := l.Check("user-42:masebuy")
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if res.Remaining != 3-i {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, 3-i)
		}
	}

	res := l.Check("user-42:masebuy")
	if res.Allowed {
		t.Fatal("request over quota was allowed")
	}
	if !res.Blocked {
		t.Error("over-quota result should be marked blocked")
	}
	if res.RetryAfter <= 0 {
		t.Error("denied result should carry RetryAfter")
	}
}

func TestCheck_BlockSurvivesWindowRollover(t *testing.T) {
	policy := Policy{Window: time.Minute, MaxRequests: 100, BlockDuration: time.Hour}
	l, clock := newTestLimiter(policy)

	// Requests 1..100 pass the check, 101 flips the key to blocked.
	for i := 0; i < 100; i++ {
		if res := l.Check("k"); !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	if res := l.Check("k"); res.Allowed {
		t.Fatal("request 101 allowed, want denied")
	}

	// The nominal window reset passes, but the block must hold.
	clock.Advance(2 * time.Minute)
	res := l.Check("k")
	if res.Allowed {
		t.Fatal("blocked key was allowed after window rollover")
	}
	if !res.Blocked {
		t.Error("result should still be marked blocked")
	}

	// Only blockUntil lifts the block.
	clock.Advance(time.Hour)
	if res := l.Check("k"); !res.Allowed {
		t.Errorf("key should be allowed after blockUntil passes, got %+v", res)
	}
}

func TestCheck_WindowResetsCount(t *testing.T) {
	l, clock := newTestLimiter(Policy{Window: time.Minute, MaxRequests: 2, BlockDuration: time.Hour})

	l.Check("k")
	l.Check("k")
	clock.Advance(61 * time.Second)

	res := l.Check("k")
	if !res.Allowed {
		t.Fatal("count should reset after the window elapses")
	}
	if res.Remaining != 1 {
		t.Errorf("remaining = %d, want 1 after reset", res.Remaining)
	}
}

func TestCheck_IndependentKeys(t *testing.T) {
	l, _ := newTestLimiter(Policy{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour})

	if res := l.Check("a"); !res.Allowed {
		t.Fatal("first request for a denied")
	}
	if res := l.Check("a"); res.Allowed {
		t.Fatal("second request for a allowed")
	}
	if res := l.Check("b"); !res.Allowed {
		t.Error("key b should be unaffected by key a's block")
	}
}

func TestAuthPolicy_StricterThreshold(t *testing.T) {
	l, clock := newTestLimiter(AuthPolicy)

	for i := 0; i < 5; i++ {
		if res := l.Check("1.2.3.4"); !res.Allowed {
			t.Fatalf("auth request %d denied, want allowed", i+1)
		}
	}
	res := l.Check("1.2.3.4")
	if res.Allowed {
		t.Fatal("6th auth request allowed, want denied")
	}

	// 30 minute block.
	clock.Advance(29 * time.Minute)
	if res := l.Check("1.2.3.4"); res.Allowed {
		t.Error("auth block lifted before 30 minutes")
	}
	clock.Advance(2 * time.Minute)
	if res := l.Check("1.2.3.4"); !res.Allowed {
		t.Error("auth block should lift after 30 minutes")
	}
}

func TestCleanup_KeepsActiveBlocks(t *testing.T) {
	l, clock := newTestLimiter(Policy{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour})

	l.Check("expired")  // one allowed request, window will elapse
	l.Check("violator") // allowed
	l.Check("violator") // blocked for an hour

	clock.Advance(2 * time.Minute)
	removed := l.Cleanup()
	if removed != 1 {
		t.Errorf("Cleanup removed %d entries, want 1", removed)
	}

	// The violator's block must survive eviction.
	if res := l.Check("violator"); res.Allowed {
		t.Error("blocked entry was evicted by cleanup")
	}
}

func TestCheck_ConcurrentSameKey(t *testing.T) {
	l, _ := newTestLimiter(Policy{Window: time.Minute, MaxRequests: 1000, BlockDuration: time.Hour})

	var wg sync.WaitGroup
	allowed := make([]bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allowed[i] = l.Check("shared").Allowed
		}(i)
	}
	wg.Wait()

	for i, ok := range allowed {
		if !ok {
			t.Fatalf("request %d denied under limit", i)
		}
	}
	// All 200 must have been counted: 800 remaining on the next check.
	res := l.Check("shared")
	if res.Remaining != 1000-201 {
		t.Errorf("remaining = %d, want %d (lost updates under concurrency)", res.Remaining, 1000-201)
	}
}
