package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"masegate/internal/metrics"
)

const (
	sessionKeyPrefix = "sso:session:"
	pairKeyPrefix    = "sso:grant:" // (user, service) -> session id
	userSetPrefix    = "sso:user:"  // user -> set of session ids
)

// RedisStore keeps sessions in Redis. Records live with a TTL of
// expiry plus the refresh grace window, so refresh can still see a
// just-expired session while Redis handles physical deletion; no sweep
// is needed.
type RedisStore struct {
	client *redis.Client
	grace  time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store on client. grace extends the record
// TTL past session expiry; zero uses DefaultGrace.
func NewRedisStore(client *redis.Client, grace time.Duration) *RedisStore {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &RedisStore{client: client, grace: grace, now: time.Now}
}

func (r *RedisStore) sessionKey(id string) string { return sessionKeyPrefix + id }

func (r *RedisStore) pairKey(userID, slug string) string {
	return fmt.Sprintf("%s%s:%s", pairKeyPrefix, userID, slug)
}

func (r *RedisStore) userSetKey(userID string) string { return userSetPrefix + userID }

func (r *RedisStore) recordTTL(s *Session) time.Duration {
	ttl := time.Until(s.ExpiresAt.Add(r.grace))
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *RedisStore) write(ctx context.Context, s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encoding record: %w", err)
	}
	ttl := r.recordTTL(s)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(s.ID), payload, ttl)
	pipe.Set(ctx, r.pairKey(s.UserID, s.ServiceSlug), s.ID, ttl)
	pipe.SAdd(ctx, r.userSetKey(s.UserID), s.ID)
	// Same clamped TTL as the record, so a write for an almost-swept
	// session can never expire the user index out from under List.
	pipe.Expire(ctx, r.userSetKey(s.UserID), ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Create stores a new session. The active-sessions gauge drifts when
// Redis expires records on its own; revokes keep it honest.
func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC()
	}
	if err := r.write(ctx, s); err != nil {
		return err
	}
	metrics.SessionsActive.Inc()
	return nil
}

// Get returns the raw record regardless of expiry (Redis removes it
// physically only after the grace window).
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session: decoding record: %w", err)
	}
	return &s, nil
}

// Find returns the session by id, treating expired records as absent.
func (r *RedisStore) Find(ctx context.Context, sessionID string) (*Session, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Expired(r.now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

// FindByUserService returns the live session for the (user, service)
// pair. The pair index always points at the most recent grant, so an
// older superseded session is never returned.
func (r *RedisStore) FindByUserService(ctx context.Context, userID, serviceSlug string) (*Session, error) {
	id, err := r.client.Get(ctx, r.pairKey(userID, serviceSlug)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	return r.Find(ctx, id)
}

// Update replaces the stored record and resets its TTL from the new
// expiry.
func (r *RedisStore) Update(ctx context.Context, s *Session) error {
	if _, err := r.Get(ctx, s.ID); err != nil {
		return err
	}
	return r.write(ctx, s)
}

// Touch updates the last-used timestamp without extending expiry.
func (r *RedisStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.LastUsedAt = at.UTC()
	return r.write(ctx, s)
}

// Revoke deletes the session and its indexes.
func (r *RedisStore) Revoke(ctx context.Context, sessionID string) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(sessionID))
	pipe.Del(ctx, r.pairKey(s.UserID, s.ServiceSlug))
	pipe.SRem(ctx, r.userSetKey(s.UserID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	metrics.SessionsActive.Dec()
	return nil
}

// RevokeAll deletes every session belonging to userID.
func (r *RedisStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	ids, err := r.client.SMembers(ctx, r.userSetKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("session: redis smembers: %w", err)
	}
	removed := 0
	for _, id := range ids {
		if err := r.Revoke(ctx, id); err == nil {
			removed++
		}
	}
	r.client.Del(ctx, r.userSetKey(userID))
	return removed, nil
}

// List returns the user's live sessions.
func (r *RedisStore) List(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, r.userSetKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: redis smembers: %w", err)
	}
	var out []*Session
	for _, id := range ids {
		s, err := r.Find(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Sweep is a no-op for Redis; record TTLs handle physical deletion.
func (r *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
