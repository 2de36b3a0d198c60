// Package authz implements the ordered authorization chain every
// proxied request passes before reaching a backend service.
package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"masegate/internal/crypto"
	"masegate/internal/directory"
	"masegate/internal/httpapi"
	"masegate/internal/ratelimit"
	"masegate/internal/registry"
	"masegate/internal/session"
	"masegate/internal/token"
)

// Request carries the inputs of one authorization decision.
type Request struct {
	ServiceSlug string
	Header      http.Header
}

// Grant is the outcome of a successful authorization: everything the
// proxy layer needs to forward the request. RateLimit is populated on
// both success and quota rejection so handlers can always emit the
// X-RateLimit response headers.
type Grant struct {
	Token     string
	Claims    *token.Claims
	User      *directory.User
	Service   *registry.Service
	Session   *session.Session
	RateLimit ratelimit.Result
}

// Chain evaluates the steps in a fixed order. Each step either enriches
// the grant under construction or rejects the request; a rejection at
// step N guarantees no later step ran, so cheap checks shield the
// expensive ones.
type Chain struct {
	Verifier  *token.Verifier
	Cipher    *crypto.Cipher
	Directory directory.Directory
	Registry  registry.Registry
	Sessions  session.Store
	Limiter   ratelimit.Limiter
}

type step struct {
	name string
	run  func(ctx context.Context, c *Chain, req *Request, g *Grant) *httpapi.Error
}

var steps = []step{
	{"credential", stepCredential},
	{"token", stepToken},
	{"identity", stepIdentity},
	{"service", stepService},
	{"session", stepSession},
	{"role", stepRole},
	{"quota", stepQuota},
}

// Authorize runs the chain. On failure it returns the typed error plus
// whatever grant state had accumulated, which may include a rate-limit
// result. The decision string names the step that rejected, or
// "authorized".
func (c *Chain) Authorize(ctx context.Context, req *Request) (*Grant, string, *httpapi.Error) {
	g := &Grant{}
	for _, s := range steps {
		if err := s.run(ctx, c, req, g); err != nil {
			return g, s.name, err
		}
	}
	return g, "authorized", nil
}

// BearerToken extracts the bearer credential from an Authorization
// header. It returns "" when the header is absent or not bearer-typed.
func BearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func stepCredential(_ context.Context, _ *Chain, req *Request, g *Grant) *httpapi.Error {
	tok := BearerToken(req.Header)
	if tok == "" {
		return httpapi.Credential("authentication token required")
	}
	g.Token = tok
	return nil
}

func stepToken(_ context.Context, c *Chain, _ *Request, g *Grant) *httpapi.Error {
	claims, err := c.Verifier.Verify(g.Token)
	if err != nil {
		return httpapi.Credential("invalid or expired token").WithCause(err)
	}
	g.Claims = claims
	return nil
}

// stepIdentity resolves the token subject to a hub user. The subject
// may arrive encrypted; a malformed or undecryptable identifier is a
// crypto failure, never a silent identity miss.
func stepIdentity(ctx context.Context, c *Chain, _ *Request, g *Grant) *httpapi.Error {
	userID := g.Claims.Subject
	if crypto.IsEncrypted(userID) {
		plain, err := c.Cipher.Decrypt(userID)
		if err != nil {
			return httpapi.Crypto("unable to decrypt user identifier").WithCause(err)
		}
		userID = plain
	}

	user, err := c.Directory.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return httpapi.IdentityUnknown("user not found")
		}
		return httpapi.Internal("user lookup failed").WithCause(err)
	}
	if !user.Active {
		return httpapi.IdentityDisabled("user account is disabled")
	}
	g.User = user
	return nil
}

func stepService(ctx context.Context, c *Chain, req *Request, g *Grant) *httpapi.Error {
	svc, err := c.Registry.FindBySlug(ctx, req.ServiceSlug)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return httpapi.ServiceUnknown("service not found")
		}
		return httpapi.Internal("service lookup failed").WithCause(err)
	}
	if !svc.Enabled {
		return httpapi.ServiceDisabled("service is temporarily unavailable")
	}
	if g.Claims.Service != "" && g.Claims.Service != svc.Slug {
		return httpapi.Authorization("token was not issued for this service")
	}
	g.Service = svc
	return nil
}

func stepSession(ctx context.Context, c *Chain, _ *Request, g *Grant) *httpapi.Error {
	sess, err := c.Sessions.Find(ctx, g.Claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return httpapi.Session("no active session for this service")
		}
		return httpapi.Internal("session lookup failed").WithCause(err)
	}
	if sess.UserID != g.User.ID || sess.ServiceSlug != g.Service.Slug {
		return httpapi.Session("session does not match this grant")
	}
	g.Session = sess
	return nil
}

func stepRole(_ context.Context, _ *Chain, _ *Request, g *Grant) *httpapi.Error {
	if !g.Service.RoleAllowed(g.User.Role) {
		return httpapi.Authorization("role is not permitted to use this service")
	}
	return nil
}

// stepQuota runs last so anonymous or misauthenticated traffic never
// consumes a user's budget. Budgets are tracked per (user, service);
// a block on one service leaves the user's other services reachable.
func stepQuota(_ context.Context, c *Chain, _ *Request, g *Grant) *httpapi.Error {
	g.RateLimit = c.Limiter.Check("user_" + g.User.ID + ":" + g.Service.Slug)
	if !g.RateLimit.Allowed {
		if g.RateLimit.Blocked {
			return httpapi.Quota("too many requests, temporarily blocked")
		}
		return httpapi.Quota("rate limit exceeded")
	}
	return nil
}
