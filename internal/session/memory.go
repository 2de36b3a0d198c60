package session

import (
	"context"
	"sync"
	"time"

	"masegate/internal/metrics"
)

// MemoryStore is an in-memory session store. All methods take the
// store mutex, so each operation is atomic with respect to concurrent
// requests touching the same session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// WithClock injects a clock for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Create stores a new session. An existing session for the same
// (user, service) pair is superseded by lookup order, not overwritten.
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}
	if _, ok := m.sessions[s.ID]; !ok {
		metrics.SessionsActive.Inc()
	}
	m.sessions[s.ID] = *s
	return nil
}

// Find returns the session by id, treating expired records as absent.
func (m *MemoryStore) Find(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Expired(m.now()) {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

// FindByUserService returns the most recently created live session for
// the (user, service) pair.
func (m *MemoryStore) FindByUserService(_ context.Context, userID, serviceSlug string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var best *Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.ServiceSlug != serviceSlug || s.Expired(now) {
			continue
		}
		s := s
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = &s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// Get returns the raw record regardless of expiry.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

// Update replaces the stored record. Last successful write wins.
func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = *s
	return nil
}

// Touch updates the last-used timestamp without extending expiry.
func (m *MemoryStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastUsedAt = at.UTC()
	m.sessions[sessionID] = s
	return nil
}

// Revoke deletes the session.
func (m *MemoryStore) Revoke(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	metrics.SessionsActive.Dec()
	return nil
}

// RevokeAll deletes every session belonging to userID and returns how
// many were removed.
func (m *MemoryStore) RevokeAll(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
			removed++
		}
	}
	metrics.SessionsActive.Sub(float64(removed))
	return removed, nil
}

// List returns the user's live sessions.
func (m *MemoryStore) List(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.Expired(now) {
			continue
		}
		s := s
		out = append(out, &s)
	}
	return out, nil
}

// Sweep deletes sessions whose expiry is older than olderThan and
// returns how many were removed. Liveness only; Find already hides
// expired records.
func (m *MemoryStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(olderThan) {
			delete(m.sessions, id)
			removed++
		}
	}
	metrics.SessionsActive.Sub(float64(removed))
	return removed, nil
}
