package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "masegate-jwt-test-secret"

func newTestIssuer(t *testing.T, opts ...IssuerOption) *Issuer {
	t.Helper()
	i, err := NewIssuer(testSecret, "masegate", opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return i
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)
	verifier := newTestVerifier(t)

	claims := &Claims{Service: "masebuy", SessionID: "sess-1"}
	claims.Subject = "user-42"
	raw, err := issuer.Issue(claims, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := verifier.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Subject != "user-42" {
		t.Errorf("sub = %q, want user-42", got.Subject)
	}
	if got.Service != "masebuy" {
		t.Errorf("service = %q, want masebuy", got.Service)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("sid = %q, want sess-1", got.SessionID)
	}
	if got.State == "" {
		t.Error("state nonce should be generated on issuance")
	}
	if got.IssuedAt == nil || got.ExpiresAt == nil {
		t.Fatal("iat/exp should be set")
	}
	if ttl := got.ExpiresAt.Sub(got.IssuedAt.Time); ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", ttl, DefaultTTL)
	}
}

func TestIssue_FreshStatePerIssuance(t *testing.T) {
	issuer := newTestIssuer(t)

	a := &Claims{Service: "masebuy", SessionID: "s"}
	a.Subject = "u"
	b := &Claims{Service: "masebuy", SessionID: "s"}
	b.Subject = "u"

	if _, err := issuer.Issue(a, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Issue(b, 0); err != nil {
		t.Fatal(err)
	}
	if a.State == b.State {
		t.Error("two issuances produced the same state nonce")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer := newTestIssuer(t)
	other, err := NewVerifier("a-different-secret")
	if err != nil {
		t.Fatal(err)
	}

	claims := &Claims{Service: "masebuy", SessionID: "sess-1"}
	claims.Subject = "user-42"
	raw, err := issuer.Issue(claims, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := other.Verify(raw); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify with wrong secret = %v, want ErrInvalid", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	issuer := newTestIssuer(t, WithClock(func() time.Time { return past }))
	verifier := newTestVerifier(t)

	claims := &Claims{Service: "masebuy", SessionID: "sess-1"}
	claims.Subject = "user-42"
	raw, err := issuer.Issue(claims, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := verifier.Verify(raw); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify of expired token = %v, want ErrInvalid", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	verifier := newTestVerifier(t)
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := verifier.Verify(raw); !errors.Is(err, ErrInvalid) {
			t.Errorf("Verify(%q) = %v, want ErrInvalid", raw, err)
		}
	}
}

func TestIssue_RequiresCoreClaims(t *testing.T) {
	issuer := newTestIssuer(t)

	missingSub := &Claims{Service: "masebuy", SessionID: "s"}
	if _, err := issuer.Issue(missingSub, 0); err == nil {
		t.Error("Issue without subject should fail")
	}

	missingService := &Claims{SessionID: "s"}
	missingService.Subject = "u"
	if _, err := issuer.Issue(missingService, 0); err == nil {
		t.Error("Issue without service slug should fail")
	}

	missingSID := &Claims{Service: "masebuy"}
	missingSID.Subject = "u"
	if _, err := issuer.Issue(missingSID, 0); err == nil {
		t.Error("Issue without session id should fail")
	}
}

func TestRSAIssuerAndJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	issuer := newTestIssuer(t, WithRSAKey(key, "kid-1"))

	jwks, err := issuer.PublicJWKS()
	if err != nil {
		t.Fatalf("PublicJWKS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, srv.Client(), time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	verifier := NewJWKSVerifier(cache)

	claims := &Claims{Service: "masebuy", SessionID: "sess-1"}
	claims.Subject = "user-42"
	raw, err := issuer.Issue(claims, 0)
	if err != nil {
		t.Fatal(err)
	}

	got, err := verifier.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Subject != "user-42" {
		t.Errorf("sub = %q, want user-42", got.Subject)
	}
}

func TestJWKSCache_ServesStaleOnRefreshFailure(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	issuer := newTestIssuer(t, WithRSAKey(key, "kid-1"))
	jwks, err := issuer.PublicJWKS()
	if err != nil {
		t.Fatal(err)
	}

	failing := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, srv.Client(), 0) // always stale
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	failing = true
	if _, err := cache.Get(context.Background(), "kid-1"); err != nil {
		t.Errorf("Get should serve the stale key when refresh fails, got %v", err)
	}
	if _, err := cache.Get(context.Background(), "unknown-kid"); err == nil {
		t.Error("Get of never-seen kid should fail when refresh fails")
	}
}
