package csrf

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestGuard(ttl time.Duration) (*Guard, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(ttl).WithClock(clk.Now), clk
}

func TestIssueReusesLiveToken(t *testing.T) {
	g, clk := newTestGuard(time.Hour)

	tok1, exp1, err := g.Issue("user_1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok1 == "" {
		t.Fatal("empty token")
	}

	clk.Advance(30 * time.Minute)
	tok2, exp2, err := g.Issue("user_1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok2 != tok1 {
		t.Error("unexpired token should be reused")
	}
	if !exp2.Equal(exp1) {
		t.Error("reuse should not extend the expiry")
	}
}

func TestIssueMintsAfterExpiry(t *testing.T) {
	g, clk := newTestGuard(time.Hour)

	tok1, _, _ := g.Issue("user_1")
	clk.Advance(time.Hour)
	tok2, _, _ := g.Issue("user_1")
	if tok2 == tok1 {
		t.Error("expired token should be replaced")
	}
}

func TestVerify(t *testing.T) {
	g, clk := newTestGuard(time.Hour)
	tok, _, _ := g.Issue("user_1")

	if err := g.Verify("user_1", tok); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := g.Verify("user_1", ""); !errors.Is(err, ErrMissing) {
		t.Errorf("want ErrMissing, got %v", err)
	}
	if err := g.Verify("user_1", "deadbeef"); !errors.Is(err, ErrInvalid) {
		t.Errorf("want ErrInvalid, got %v", err)
	}
	if err := g.Verify("user_1", tok[:len(tok)-2]); !errors.Is(err, ErrInvalid) {
		t.Errorf("truncated token: want ErrInvalid, got %v", err)
	}
	if err := g.Verify("user_2", tok); !errors.Is(err, ErrInvalid) {
		t.Errorf("token for unknown key: want ErrInvalid, got %v", err)
	}

	clk.Advance(time.Hour)
	if err := g.Verify("user_1", tok); !errors.Is(err, ErrExpired) {
		t.Errorf("want ErrExpired, got %v", err)
	}
	// Expiry evicts the entry, so a retry reports invalid rather
	// than expired.
	if err := g.Verify("user_1", tok); !errors.Is(err, ErrInvalid) {
		t.Errorf("after eviction: want ErrInvalid, got %v", err)
	}
}

func TestTokensAreDistinctPerKey(t *testing.T) {
	g, _ := newTestGuard(time.Hour)
	a, _, _ := g.Issue("user_1")
	b, _, _ := g.Issue("user_2")
	if a == b {
		t.Error("distinct session keys got the same token")
	}
	if err := g.Verify("user_1", b); !errors.Is(err, ErrInvalid) {
		t.Errorf("cross-key token accepted: %v", err)
	}
}

func TestSweep(t *testing.T) {
	g, clk := newTestGuard(time.Hour)
	g.Issue("a")
	g.Issue("b")
	clk.Advance(30 * time.Minute)
	g.Issue("c")
	clk.Advance(45 * time.Minute)

	if n := g.Sweep(); n != 2 {
		t.Errorf("sweep removed %d, want 2", n)
	}
	tok, _, _ := g.Issue("c")
	if err := g.Verify("c", tok); err != nil {
		t.Errorf("live token lost in sweep: %v", err)
	}
}

func TestSafeMethod(t *testing.T) {
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		if !SafeMethod(m) {
			t.Errorf("%s should be safe", m)
		}
	}
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		if SafeMethod(m) {
			t.Errorf("%s should not be safe", m)
		}
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey("42", "1.2.3.4", "curl"); got != "user_42" {
		t.Errorf("authenticated key = %q", got)
	}
	anon1 := SessionKey("", "1.2.3.4", "curl")
	anon2 := SessionKey("", "1.2.3.4", "curl")
	if anon1 != anon2 {
		t.Error("anonymous key should be stable for same ip and agent")
	}
	if anon1 == SessionKey("", "5.6.7.8", "curl") {
		t.Error("different ips should hash differently")
	}
	if len(anon1) != 64 {
		t.Errorf("anonymous key should be sha256 hex, got len %d", len(anon1))
	}
}

func TestConcurrentIssue(t *testing.T) {
	g, _ := newTestGuard(time.Hour)
	var wg sync.WaitGroup
	tokens := make([]string, 50)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, _, err := g.Issue("shared")
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()
	for _, tok := range tokens[1:] {
		if tok != tokens[0] {
			t.Fatal("concurrent issues for one key returned different tokens")
		}
	}
}
