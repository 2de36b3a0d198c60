// Package csrf issues and verifies per-session anti-CSRF tokens.
// Exactly one token is live per session key; regenerating replaces it.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultTTL is the token lifetime when the guard is not configured
// with one.
const DefaultTTL = time.Hour

var (
	// ErrMissing reports a request without a CSRF token.
	ErrMissing = errors.New("csrf: token missing")
	// ErrInvalid reports a token that does not match the session's.
	ErrInvalid = errors.New("csrf: token invalid")
	// ErrExpired reports a token past its TTL.
	ErrExpired = errors.New("csrf: token expired")
)

type entry struct {
	token   string
	expires time.Time
}

// Guard is the in-process CSRF token store.
type Guard struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]entry
	stop   chan struct{}
}

// New creates a guard. A zero ttl uses DefaultTTL.
func New(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]entry),
		stop:   make(chan struct{}),
	}
}

// WithClock injects a clock for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Issue returns the live token for sessionKey, minting a fresh one if
// none exists or the current one has expired.
func (g *Guard) Issue(sessionKey string) (token string, expiresAt time.Time, err error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.tokens[sessionKey]; ok && now.Before(e.expires) {
		return e.token, e.expires, nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, fmt.Errorf("csrf: generating token: %w", err)
	}
	e := entry{token: hex.EncodeToString(b), expires: now.Add(g.ttl)}
	g.tokens[sessionKey] = e
	return e.token, e.expires, nil
}

// Verify checks supplied against the live token for sessionKey.
func (g *Guard) Verify(sessionKey, supplied string) error {
	if supplied == "" {
		return ErrMissing
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.tokens[sessionKey]
	if !ok {
		return ErrInvalid
	}
	if !now.Before(e.expires) {
		delete(g.tokens, sessionKey)
		return ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(e.token)) != 1 {
		return ErrInvalid
	}
	return nil
}

// Sweep deletes expired tokens and returns how many were removed.
func (g *Guard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, e := range g.tokens {
		if !now.Before(e.expires) {
			delete(g.tokens, key)
			removed++
		}
	}
	return removed
}

// Start begins background sweeping on interval.
func (g *Guard) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}

// Stop stops the background sweep routine.
func (g *Guard) Stop() {
	close(g.stop)
}

// SafeMethod reports whether method is read-only and exempt from CSRF
// verification.
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// SessionKey derives the anti-CSRF anchor for a request: the user id
// when authenticated, otherwise a stable hash of client IP and agent
// string so unauthenticated flows still get a consistent key.
func SessionKey(userID, clientIP, userAgent string) string {
	if userID != "" {
		return "user_" + userID
	}
	sum := sha256.Sum256([]byte(clientIP + "_" + userAgent))
	return hex.EncodeToString(sum[:])
}
