package authz

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masegate/internal/crypto"
	"masegate/internal/directory"
	"masegate/internal/httpapi"
	"masegate/internal/ratelimit"
	"masegate/internal/registry"
	"masegate/internal/session"
	"masegate/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	chain    *Chain
	issuer   *token.Issuer
	cipher   *crypto.Cipher
	users    *directory.Memory
	services *registry.Memory
	sessions *session.MemoryStore
	limiter  *ratelimit.MemoryLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	issuer, err := token.NewIssuer(testSecret, "masegate-test")
	require.NoError(t, err)
	verifier, err := token.NewVerifier(testSecret)
	require.NoError(t, err)
	cipher, err := crypto.New(testSecret)
	require.NoError(t, err)

	users := directory.NewMemory()
	users.Put(directory.User{ID: "u1", Email: "ana@example.com", Role: "user", Active: true})
	users.Put(directory.User{ID: "u2", Email: "off@example.com", Role: "user", Active: false})

	services := registry.NewMemory()
	services.Put(registry.Service{
		Slug:       "files",
		Name:       "File Service",
		BackendURL: "http://files.internal:9000",
		Enabled:    true,
		SSOEnabled: true,
	})
	services.Put(registry.Service{
		Slug:         "admin-panel",
		Name:         "Admin Panel",
		BackendURL:   "http://admin.internal:9001",
		Enabled:      true,
		SSOEnabled:   true,
		AllowedRoles: []string{"admin"},
	})
	services.Put(registry.Service{
		Slug:       "parked",
		Name:       "Parked Service",
		BackendURL: "http://parked.internal:9002",
		Enabled:    false,
	})

	sessions := session.NewMemoryStore()
	limiter := ratelimit.New(ratelimit.DefaultPolicy)

	return &fixture{
		chain: &Chain{
			Verifier:  verifier,
			Cipher:    cipher,
			Directory: users,
			Registry:  services,
			Sessions:  sessions,
			Limiter:   limiter,
		},
		issuer:   issuer,
		cipher:   cipher,
		users:    users,
		services: services,
		sessions: sessions,
		limiter:  limiter,
	}
}

// mintToken signs a token bound to slug and sid. subject overrides the
// plain user id, which lets tests exercise encrypted identifiers.
func (f *fixture) mintToken(t *testing.T, userID, slug, sid, subject string) string {
	t.Helper()
	if subject == "" {
		subject = userID
	}
	claims := &token.Claims{Service: slug, SessionID: sid}
	claims.Subject = subject
	raw, err := f.issuer.Issue(claims, 0)
	require.NoError(t, err)
	return raw
}

// mintGrant creates a live session for userID against slug and returns
// a matching signed token.
func (f *fixture) mintGrant(t *testing.T, userID, slug, subject string) string {
	t.Helper()
	sid := "sess-" + userID + "-" + slug
	err := f.sessions.Create(context.Background(), &session.Session{
		ID:          sid,
		UserID:      userID,
		ServiceSlug: slug,
		ExpiresAt:   time.Now().Add(time.Hour),
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)
	return f.mintToken(t, userID, slug, sid, subject)
}

func headerWith(tok string) http.Header {
	h := http.Header{}
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func TestAuthorizeSuccess(t *testing.T) {
	f := newFixture(t)
	tok := f.mintGrant(t, "u1", "files", "")

	g, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.Nil(t, err)
	assert.Equal(t, "authorized", decision)
	assert.Equal(t, "u1", g.User.ID)
	assert.Equal(t, "files", g.Service.Slug)
	assert.NotNil(t, g.Session)
	assert.True(t, g.RateLimit.Allowed)
}

func TestAuthorizeEncryptedSubject(t *testing.T) {
	f := newFixture(t)
	encrypted, err := f.cipher.Encrypt("u1")
	require.NoError(t, err)
	tok := f.mintGrant(t, "u1", "files", encrypted)

	g, decision, chainErr := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.Nil(t, chainErr)
	assert.Equal(t, "authorized", decision)
	assert.Equal(t, "u1", g.User.ID)
}

func TestAuthorizeMalformedEncryptedSubject(t *testing.T) {
	f := newFixture(t)
	// Well-formed shape but undecryptable content must surface as a
	// crypto failure, not an unknown user.
	tok := f.mintGrant(t, "u1", "files", "deadbeefdeadbeefdeadbeefdeadbeef:deadbeefdeadbeefdeadbeefdeadbeef")

	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, "identity", decision)
	assert.Equal(t, httpapi.KindCrypto, err.Kind)
}

func TestAuthorizeNoToken(t *testing.T) {
	f := newFixture(t)
	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      http.Header{},
	})
	require.NotNil(t, err)
	assert.Equal(t, "credential", decision)
	assert.Equal(t, httpapi.KindCredential, err.Kind)
	assert.Equal(t, http.StatusUnauthorized, err.Status)
}

func TestAuthorizeGarbageToken(t *testing.T) {
	f := newFixture(t)
	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith("not.a.jwt"),
	})
	require.NotNil(t, err)
	assert.Equal(t, "token", decision)
	assert.Equal(t, httpapi.KindCredential, err.Kind)
}

func TestAuthorizeUnknownUser(t *testing.T) {
	f := newFixture(t)
	tok := f.mintGrant(t, "ghost", "files", "")

	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, "identity", decision)
	assert.Equal(t, httpapi.KindIdentity, err.Kind)
	assert.Equal(t, http.StatusUnauthorized, err.Status)
}

func TestAuthorizeDisabledUser(t *testing.T) {
	f := newFixture(t)
	tok := f.mintGrant(t, "u2", "files", "")

	_, _, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, httpapi.KindIdentity, err.Kind)
	assert.Equal(t, http.StatusForbidden, err.Status)
}

func TestAuthorizeUnknownService(t *testing.T) {
	f := newFixture(t)
	tok := f.mintGrant(t, "u1", "nowhere", "")

	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "nowhere",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, "service", decision)
	assert.Equal(t, http.StatusNotFound, err.Status)
}

func TestAuthorizeDisabledService(t *testing.T) {
	f := newFixture(t)
	tok := f.mintGrant(t, "u1", "parked", "")

	_, _, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "parked",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, httpapi.KindService, err.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
}

func TestAuthorizeServiceMismatch(t *testing.T) {
	f := newFixture(t)
	// Token and session are bound to files but the request targets
	// admin-panel.
	tok := f.mintGrant(t, "u1", "files", "")

	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "admin-panel",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, "service", decision)
	assert.Equal(t, httpapi.KindAuthorization, err.Kind)
}

func TestAuthorizeNoSession(t *testing.T) {
	f := newFixture(t)
	tok := f.mintToken(t, "u1", "files", "sess-missing", "")

	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, "session", decision)
	assert.Equal(t, httpapi.KindSession, err.Kind)
}

func TestAuthorizeExpiredSession(t *testing.T) {
	f := newFixture(t)
	sid := "sess-expired"
	require.NoError(t, f.sessions.Create(context.Background(), &session.Session{
		ID:          sid,
		UserID:      "u1",
		ServiceSlug: "files",
		ExpiresAt:   time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-2 * time.Hour),
	}))
	tok := f.mintToken(t, "u1", "files", sid, "")

	_, _, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, httpapi.KindSession, err.Kind)
}

func TestAuthorizeRoleDenied(t *testing.T) {
	f := newFixture(t)
	tok := f.mintGrant(t, "u1", "admin-panel", "")

	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "admin-panel",
		Header:      headerWith(tok),
	})
	require.NotNil(t, err)
	assert.Equal(t, "role", decision)
	assert.Equal(t, httpapi.KindAuthorization, err.Kind)
}

func TestAuthorizeQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	f.chain.Limiter = ratelimit.New(ratelimit.Policy{
		Window:        time.Minute,
		MaxRequests:   2,
		BlockDuration: time.Hour,
	})
	tok := f.mintGrant(t, "u1", "files", "")

	req := &Request{ServiceSlug: "files", Header: headerWith(tok)}
	for i := 0; i < 2; i++ {
		_, _, err := f.chain.Authorize(context.Background(), req)
		require.Nil(t, err)
	}
	g, decision, err := f.chain.Authorize(context.Background(), req)
	require.NotNil(t, err)
	assert.Equal(t, "quota", decision)
	assert.Equal(t, httpapi.KindQuota, err.Kind)
	assert.Equal(t, http.StatusTooManyRequests, err.Status)
	// The result still carries limit metadata for response headers.
	assert.Equal(t, 2, g.RateLimit.Limit)
	assert.False(t, g.RateLimit.Allowed)
}

// Rejected unauthenticated traffic must not consume the user's quota.
func TestQuotaUntouchedByFailedAuth(t *testing.T) {
	f := newFixture(t)
	f.chain.Limiter = ratelimit.New(ratelimit.Policy{
		Window:        time.Minute,
		MaxRequests:   1,
		BlockDuration: time.Hour,
	})
	tok := f.mintGrant(t, "u1", "files", "")

	// Unauthenticated attempts first.
	for i := 0; i < 5; i++ {
		_, _, err := f.chain.Authorize(context.Background(), &Request{
			ServiceSlug: "files",
			Header:      http.Header{},
		})
		require.NotNil(t, err)
		require.Equal(t, httpapi.KindCredential, err.Kind)
	}

	// The single allowed authenticated request still goes through.
	_, decision, err := f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "files",
		Header:      headerWith(tok),
	})
	require.Nil(t, err)
	assert.Equal(t, "authorized", decision)
}

// A block earned on one service must not carry over to the user's
// sessions with other services.
func TestQuotaScopedPerService(t *testing.T) {
	f := newFixture(t)
	f.chain.Limiter = ratelimit.New(ratelimit.Policy{
		Window:        time.Minute,
		MaxRequests:   1,
		BlockDuration: time.Hour,
	})
	f.services.Put(registry.Service{
		Slug:       "reports",
		Name:       "Report Service",
		BackendURL: "http://reports.internal:9003",
		Enabled:    true,
		SSOEnabled: true,
	})
	filesTok := f.mintGrant(t, "u1", "files", "")
	reportsTok := f.mintGrant(t, "u1", "reports", "")

	filesReq := &Request{ServiceSlug: "files", Header: headerWith(filesTok)}
	_, _, err := f.chain.Authorize(context.Background(), filesReq)
	require.Nil(t, err)
	_, decision, err := f.chain.Authorize(context.Background(), filesReq)
	require.NotNil(t, err)
	require.Equal(t, "quota", decision)
	require.Equal(t, httpapi.KindQuota, err.Kind)

	_, decision, err = f.chain.Authorize(context.Background(), &Request{
		ServiceSlug: "reports",
		Header:      headerWith(reportsTok),
	})
	require.Nil(t, err)
	assert.Equal(t, "authorized", decision)
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc.def.ghi", "abc.def.ghi"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"Bearer   spaced  ", "spaced"},
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.header != "" {
			h.Set("Authorization", tc.header)
		}
		assert.Equal(t, tc.want, BearerToken(h), "header %q", tc.header)
	}
}
