// Package proxy forwards authorized requests to backend services. It
// owns the per-service reverse-proxy cache, the identity headers it
// injects, and the HMAC signature that lets backends trust them.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"masegate/internal/authz"
	"masegate/internal/crypto"
	"masegate/internal/httpapi"
	"masegate/internal/metrics"
	"masegate/internal/registry"
)

// Forwarded request headers.
const (
	HeaderUserID      = "X-User-Id"
	HeaderUserEmail   = "X-User-Email"
	HeaderUserRole    = "X-User-Role"
	HeaderSessionID   = "X-Session-Id"
	HeaderServiceID   = "X-Service-Id"
	HeaderServiceName = "X-Service-Name"
	HeaderTimestamp   = "X-Proxy-Timestamp"
	HeaderSignature   = "X-Gateway-Signature"
)

// Response headers added on the way back.
const (
	HeaderProxiedBy    = "X-Proxied-By"
	HeaderResponseTime = "X-Response-Time"
)

// DefaultTimeout bounds one proxied round trip.
const DefaultTimeout = 30 * time.Second

const gatewayName = "masegate"

// Proxy serves authorized requests by forwarding them to the grant's
// backend service.
type Proxy struct {
	cipher  *crypto.Cipher
	signer  *Signer
	health  *registry.HealthTracker
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]*cachedHandler
	group    singleflight.Group
}

// cachedHandler pins the backend URL the handler was built for, so a
// registry update to the URL invalidates the cache entry.
type cachedHandler struct {
	backend string
	rp      *httputil.ReverseProxy
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithTimeout overrides the per-request forwarding deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New creates a proxy.
func New(cipher *crypto.Cipher, signer *Signer, health *registry.HealthTracker, opts ...Option) *Proxy {
	p := &Proxy{
		cipher:   cipher,
		signer:   signer,
		health:   health,
		timeout:  DefaultTimeout,
		handlers: make(map[string]*cachedHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SecureHeaders builds the identity header set for one forwarded
// request: the encrypted user id, the user-info snapshot, and the HMAC
// binding them to the current timestamp.
func SecureHeaders(id Identity, cipher *crypto.Cipher, signer *Signer) (http.Header, error) {
	encrypted, err := cipher.Encrypt(id.UserID)
	if err != nil {
		return nil, fmt.Errorf("proxy: encrypting user id: %w", err)
	}
	ts := signer.Timestamp()

	h := http.Header{}
	h.Set(HeaderUserID, encrypted)
	h.Set(HeaderUserEmail, id.Email)
	h.Set(HeaderUserRole, id.Role)
	h.Set(HeaderSessionID, id.SessionID)
	h.Set(HeaderServiceID, id.ServiceSlug)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, signer.Sign(id, ts))
	return h, nil
}

// Serve forwards r to the grant's backend. The inbound credential
// headers never reach the backend; the signed identity set replaces
// them.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, g *authz.Grant) {
	svc := g.Service
	handler, err := p.handlerFor(svc)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(svc.Slug).Inc()
		httpapi.WriteError(w, httpapi.Internal("proxy configuration error").WithCause(err))
		return
	}

	headers, err := SecureHeaders(Identity{
		UserID:      g.User.ID,
		Email:       g.User.Email,
		Role:        g.User.Role,
		SessionID:   g.Session.ID,
		ServiceSlug: svc.Slug,
	}, p.cipher, p.signer)
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to prepare identity headers").WithCause(err))
		return
	}

	r.Header.Del("Authorization")
	r.Header.Del("Cookie")
	for key, vals := range headers {
		r.Header[key] = vals
	}
	r.Header.Set(HeaderServiceName, svc.Name)

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK, start: start}
	handler.rp.ServeHTTP(sw, r.WithContext(ctx))

	elapsed := time.Since(start)
	failed := sw.status == http.StatusBadGateway || sw.status == http.StatusGatewayTimeout
	p.health.Observe(svc.Slug, elapsed, failed)
	metrics.ProxyDuration.WithLabelValues(svc.Slug).Observe(elapsed.Seconds())
}

// Invalidate drops the cached handler for slug. Registry updates that
// change a backend URL also self-heal lazily via the URL pin, so this
// exists for explicit administrative refresh.
func (p *Proxy) Invalidate(slug string) {
	p.mu.Lock()
	delete(p.handlers, slug)
	p.mu.Unlock()
}

// handlerFor returns the reverse proxy for svc, building it at most
// once per backend URL even under concurrent first requests.
func (p *Proxy) handlerFor(svc *registry.Service) (*cachedHandler, error) {
	p.mu.RLock()
	h, ok := p.handlers[svc.Slug]
	p.mu.RUnlock()
	if ok && h.backend == svc.BackendURL {
		return h, nil
	}

	v, err, _ := p.group.Do(svc.Slug+"|"+svc.BackendURL, func() (interface{}, error) {
		p.mu.RLock()
		h, ok := p.handlers[svc.Slug]
		p.mu.RUnlock()
		if ok && h.backend == svc.BackendURL {
			return h, nil
		}
		built, err := p.build(svc)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.handlers[svc.Slug] = built
		p.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedHandler), nil
}

func (p *Proxy) build(svc *registry.Service) (*cachedHandler, error) {
	target, err := url.Parse(svc.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("proxy: backend url for %s: %w", svc.Slug, err)
	}
	slug := svc.Slug
	prefix := strings.TrimSuffix(svc.APIPrefix, "/")

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.URL.Path = rewritePath(pr.In.URL.Path, slug, prefix)
			pr.Out.Host = target.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(HeaderProxiedBy, gatewayName)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			metrics.UpstreamErrors.WithLabelValues(slug).Inc()
			httpapi.WriteUpstreamError(w, slug)
		},
	}
	return &cachedHandler{backend: svc.BackendURL, rp: rp}, nil
}

// rewritePath strips the routing slug from the inbound path and mounts
// the remainder under the service's API prefix.
func rewritePath(inbound, slug, prefix string) string {
	rest := strings.TrimPrefix(inbound, "/"+slug)
	if rest == "" {
		rest = "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if prefix == "" {
		return rest
	}
	if rest == "/" {
		return prefix
	}
	return prefix + rest
}

// statusWriter records the response status so the proxy can classify
// the forward as failed or healthy, and stamps the elapsed time header
// just before the status line is committed.
type statusWriter struct {
	http.ResponseWriter
	status int
	start  time.Time
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.Header().Set(HeaderResponseTime, fmt.Sprintf("%dms", time.Since(w.start).Milliseconds()))
	w.ResponseWriter.WriteHeader(status)
}
