// Package gateway assembles the HTTP surface: the dynamic service
// proxy, the SSO session endpoints, service callbacks, and the
// supporting middleware.
package gateway

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"masegate/internal/authz"
	"masegate/internal/config"
	"masegate/internal/crypto"
	"masegate/internal/csrf"
	"masegate/internal/directory"
	"masegate/internal/proxy"
	"masegate/internal/ratelimit"
	"masegate/internal/registry"
	"masegate/internal/session"
	"masegate/internal/token"
)

// HeaderCSRFToken carries the anti-CSRF token on mutating requests.
const HeaderCSRFToken = "X-CSRF-Token"

// Deps are the stores the gateway operates on. They are injected so
// main can pick Redis or memory and tests can seed fixtures.
type Deps struct {
	Users    directory.Directory
	Services registry.Registry
	Sessions session.Store
}

// Gateway owns every request handler and the wiring between them.
type Gateway struct {
	cfg      config.Config
	issuer   *token.Issuer
	verifier *token.Verifier
	cipher   *crypto.Cipher
	users    directory.Directory
	services registry.Registry
	sessions session.Store
	chain    *authz.Chain
	proxy    *proxy.Proxy
	csrf     *csrf.Guard
	health   *registry.HealthTracker

	// clientLimiter throttles per client address on the SSO surface;
	// authLimiter adds the stricter budget on credential endpoints.
	clientLimiter ratelimit.Limiter
	authLimiter   ratelimit.Limiter

	refreshLocks *session.KeyedMutex
	grace        time.Duration
	now          func() time.Time
	auditOut     io.Writer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAuditWriter redirects the audit stream, used by tests.
func WithAuditWriter(w io.Writer) Option {
	return func(g *Gateway) { g.auditOut = w }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New builds a gateway from cfg and the injected stores.
func New(cfg config.Config, d Deps, opts ...Option) (*Gateway, error) {
	issuerOpts := []token.IssuerOption{token.WithTTL(cfg.TokenTTL.Std())}
	var accessVerifier *token.Verifier
	if cfg.RSAKeyFile != "" {
		key, kid, err := token.LoadRSAKey(cfg.RSAKeyFile)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		issuerOpts = append(issuerOpts, token.WithRSAKey(key, kid))
		accessVerifier = token.NewRSAVerifier(&key.PublicKey)
	}
	issuer, err := token.NewIssuer(cfg.Secret, cfg.Issuer, issuerOpts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	// Access tokens are gateway-issued: verified with the gateway's
	// own secret unless an RSA key is configured for issuance.
	if accessVerifier == nil {
		accessVerifier, err = token.NewVerifier(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}

	// Hub credentials default to HMAC with the shared secret; a JWKS
	// URL switches them to the hub's published RS256 keys.
	var credVerifier *token.Verifier
	if cfg.HubJWKSURL != "" {
		credVerifier = token.NewJWKSVerifier(token.NewJWKSCache(cfg.HubJWKSURL, nil, 5*time.Minute))
	} else {
		credVerifier, err = token.NewVerifier(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}
	cipher, err := crypto.New(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	signer, err := proxy.NewSigner(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	health := registry.NewHealthTracker()
	userLimiter := ratelimit.New(policyFromConfig(cfg.DefaultRateLimit, ratelimit.DefaultPolicy))

	g := &Gateway{
		cfg:      cfg,
		issuer:   issuer,
		verifier: credVerifier,
		cipher:   cipher,
		users:    d.Users,
		services: d.Services,
		sessions: d.Sessions,
		health:   health,
		proxy:    proxy.New(cipher, signer, health, proxy.WithTimeout(cfg.ProxyTimeout.Std())),
		csrf:     csrf.New(cfg.CSRFTokenTTL.Std()),
		chain: &authz.Chain{
			Verifier:  accessVerifier,
			Cipher:    cipher,
			Directory: d.Users,
			Registry:  d.Services,
			Sessions:  d.Sessions,
			Limiter:   userLimiter,
		},
		clientLimiter: ratelimit.New(policyFromConfig(cfg.DefaultRateLimit, ratelimit.DefaultPolicy)),
		authLimiter:   ratelimit.New(policyFromConfig(cfg.AuthRateLimit, ratelimit.AuthPolicy)),
		refreshLocks:  session.NewKeyedMutex(),
		grace:         cfg.RefreshGrace.Std(),
		now:           time.Now,
		auditOut:      os.Stdout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func policyFromConfig(p config.RateLimitPolicy, def ratelimit.Policy) ratelimit.Policy {
	out := ratelimit.Policy{
		Window:        p.Window.Std(),
		MaxRequests:   p.MaxRequests,
		BlockDuration: p.BlockDuration.Std(),
	}
	if out.Window <= 0 {
		out.Window = def.Window
	}
	if out.MaxRequests <= 0 {
		out.MaxRequests = def.MaxRequests
	}
	if out.BlockDuration <= 0 {
		out.BlockDuration = def.BlockDuration
	}
	return out
}

// CSRFGuard exposes the guard so main can start its sweep loop.
func (g *Gateway) CSRFGuard() *csrf.Guard { return g.csrf }

// Router builds the full route tree.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.With(g.clientRateLimit).Get("/csrf-token", g.handleCSRFToken)

	r.Route("/sso", func(r chi.Router) {
		r.Use(g.clientRateLimit)
		r.With(g.authRateLimit, g.csrfProtect).Post("/authorize", g.handleAuthorize)
		r.With(g.authRateLimit, g.csrfProtect).Post("/refresh", g.handleRefresh)
		r.Get("/sessions", g.handleListSessions)
		r.With(g.csrfProtect).Delete("/sessions", g.handleRevokeAll)
		r.With(g.csrfProtect).Delete("/sessions/{sessionID}", g.handleRevokeOne)
	})

	r.With(g.clientRateLimit, g.csrfProtect).Post("/session/logout", g.handleLogout)

	r.Route("/service-callback", func(r chi.Router) {
		r.Post("/logout", g.handleCallbackLogout)
		r.Post("/session-activity", g.handleCallbackActivity)
	})

	r.Get("/gateway/services", g.handleServices)
	r.Get("/gateway/jwks.json", g.handleJWKS)

	// Everything else is dynamic proxy territory keyed by the first
	// path segment.
	r.HandleFunc("/{slug}", g.handleProxy)
	r.HandleFunc("/{slug}/*", g.handleProxy)

	return r
}
