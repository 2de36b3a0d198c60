// Package token signs and validates the bearer tokens that carry an SSO
// grant between the hub, the gateway, and external services.
package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the token lifetime when the issuer is not configured
// with one.
const DefaultTTL = time.Hour

// ErrInvalid reports a token that failed verification: bad signature,
// wrong secret, expired, or missing required claims.
var ErrInvalid = errors.New("token: invalid")

// Claims is the payload of every gateway-issued token. Subject may be a
// pre-encrypted identifier; the authorization chain decrypts it before
// resolving the user.
type Claims struct {
	Service   string `json:"service"`         // target service slug
	SessionID string `json:"sid"`             // stable across refreshes
	State     string `json:"state"`           // per-issuance anti-replay nonce
	Email     string `json:"email,omitempty"` // user-info snapshot
	jwt.RegisteredClaims
}

// Issuer signs tokens. HMAC-SHA256 with the shared hub secret is the
// default; an RSA key switches issuance to RS256 and enables the
// published JWKS.
type Issuer struct {
	secret []byte
	rsaKey *rsa.PrivateKey
	keyID  string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL overrides the default 1h token lifetime.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithRSAKey switches issuance to RS256 with the given signing key.
func WithRSAKey(key *rsa.PrivateKey, keyID string) IssuerOption {
	return func(i *Issuer) {
		i.rsaKey = key
		i.keyID = keyID
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer signing with the shared secret.
func NewIssuer(secret, issuerName string, opts ...IssuerOption) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret is required")
	}
	i := &Issuer{
		secret: []byte(secret),
		issuer: issuerName,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the given claims. Issued-at, expiry and the
// state nonce are filled in; a zero ttl uses the issuer default. The
// generated state nonce is written back into claims so callers can bind
// it into the session record.
func (i *Issuer) Issue(claims *Claims, ttl time.Duration) (string, error) {
	if claims.Subject == "" {
		return "", errors.New("token: subject is required")
	}
	if claims.Service == "" {
		return "", errors.New("token: service slug is required")
	}
	if claims.SessionID == "" {
		return "", errors.New("token: session id is required")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	if claims.State == "" {
		state, err := NewState()
		if err != nil {
			return "", err
		}
		claims.State = state
	}

	now := i.now().UTC()
	claims.Issuer = i.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	if i.rsaKey != nil {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		if i.keyID != "" {
			tok.Header["kid"] = i.keyID
		}
		return tok.SignedString(i.rsaKey)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// IssueCredential signs a bare user credential: subject and expiry
// only, no session or service binding. The hub mints these; the
// gateway uses this only in tests and local development.
func (i *Issuer) IssueCredential(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token: subject is required")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	now := i.now().UTC()
	claims := &Claims{}
	claims.Subject = subject
	claims.Issuer = i.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if i.rsaKey != nil {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		if i.keyID != "" {
			tok.Header["kid"] = i.keyID
		}
		return tok.SignedString(i.rsaKey)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// PublicJWKS returns the key set external verifiers can use when the
// issuer signs with RSA. HMAC issuers have no publishable keys.
func (i *Issuer) PublicJWKS() (*jose.JSONWebKeySet, error) {
	if i.rsaKey == nil {
		return nil, errors.New("token: issuer has no asymmetric key")
	}
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &i.rsaKey.PublicKey,
			KeyID:     i.keyID,
			Use:       "sig",
			Algorithm: "RS256",
		}},
	}, nil
}

// Verifier validates tokens. It checks signature, expiry and claim
// completeness only; session liveness is a separate concern layered by
// the authorization chain.
type Verifier struct {
	keyFunc jwt.Keyfunc
	algs    []string
	leeway  time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier for HMAC tokens signed with secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("token: verification secret is required")
	}
	key := []byte(secret)
	return &Verifier{
		keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil },
		algs:    []string{"HS256"},
		leeway:  10 * time.Second,
		now:     time.Now,
	}, nil
}

// NewRSAVerifier creates a verifier for tokens signed with the issuer's
// own RSA key.
func NewRSAVerifier(pub *rsa.PublicKey) *Verifier {
	return &Verifier{
		keyFunc: func(*jwt.Token) (interface{}, error) { return pub, nil },
		algs:    []string{"RS256"},
		leeway:  10 * time.Second,
		now:     time.Now,
	}
}

// NewJWKSVerifier creates a verifier that resolves RS256 signing keys
// from a remote JWKS endpoint through cache.
func NewJWKSVerifier(cache *JWKSCache) *Verifier {
	return &Verifier{
		keyFunc: func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			return cache.Get(context.Background(), kid)
		},
		algs:   []string{"RS256", "ES256"},
		leeway: 10 * time.Second,
		now:    time.Now,
	}
}

// WithVerifierClock injects a clock for tests.
func (v *Verifier) WithVerifierClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify parses and validates raw. All failures are wrapped in
// ErrInvalid so callers can classify without string matching.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	tok, err := parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !tok.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalid)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrInvalid)
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing iat/exp", ErrInvalid)
	}
	return claims, nil
}

// VerifyCredential parses and validates a hub credential: a token that
// authenticates a user but is not yet bound to a session or service.
// Signature, expiry and a subject are required; sid and service are
// not.
func (v *Verifier) VerifyCredential(raw string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	tok, err := parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !tok.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalid)
	}
	return claims, nil
}

// NewState returns a 32-byte random hex nonce for the SSO handshake.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: generating state nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
