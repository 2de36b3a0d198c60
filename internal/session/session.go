// Package session persists SSO sessions: the grant that a specific
// user has authorized a specific external service. A session id stays
// stable across token refreshes for the same grant.
package session

import (
	"context"
	"errors"
	"time"
)

// DefaultGrace is how long past expiry a session may still be
// refreshed. Expired sessions are invisible to Find throughout; the
// grace window exists only for refresh.
const DefaultGrace = 24 * time.Hour

var (
	// ErrNotFound reports a session that does not exist or has passively
	// expired.
	ErrNotFound = errors.New("session: not found")
)

// Session is one SSO grant.
type Session struct {
	ID          string                 `json:"sessionId"`
	UserID      string                 `json:"userId"`
	ServiceSlug string                 `json:"serviceId"`
	AccessToken string                 `json:"accessToken"`
	Scopes      []string               `json:"scopes,omitempty"`
	ExpiresAt   time.Time              `json:"expiresAt"`
	RedirectURL string                 `json:"redirectUrl,omitempty"`
	State       string                 `json:"state,omitempty"`
	UserInfo    map[string]interface{} `json:"userInfo,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	LastUsedAt  time.Time              `json:"lastUsedAt,omitempty"`
}

// Expired reports whether the session's absolute expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Refreshable reports whether the session is still inside the refresh
// grace window.
func (s *Session) Refreshable(now time.Time, grace time.Duration) bool {
	return now.Before(s.ExpiresAt.Add(grace))
}

// Store is the persistence contract for SSO sessions.
//
// Find and FindByUserService treat expired sessions as absent even if
// not yet physically deleted. Get returns the raw record regardless of
// expiry; it exists for the refresh path, which must see sessions
// inside the grace window.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, sessionID string) (*Session, error)
	FindByUserService(ctx context.Context, userID, serviceSlug string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Revoke(ctx context.Context, sessionID string) error
	RevokeAll(ctx context.Context, userID string) (int, error)
	List(ctx context.Context, userID string) ([]*Session, error)
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}
