package gateway

import (
	"errors"
	"net"
	"net/http"
	"strconv"

	"masegate/internal/authz"
	"masegate/internal/csrf"
	"masegate/internal/httpapi"
	"masegate/internal/metrics"
	"masegate/internal/ratelimit"
)

// clientIP returns the caller's address. The RealIP middleware has
// already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setRateHeaders writes the standard quota headers from a limiter
// result. They are emitted on allowed and rejected responses alike.
func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
	}
}

func (g *Gateway) rateLimitWith(limiter ratelimit.Limiter, policy string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := limiter.Check("ip_" + clientIP(r))
		setRateHeaders(w, res)
		if !res.Allowed {
			metrics.RateLimited.WithLabelValues(policy).Inc()
			msg := "rate limit exceeded"
			if res.Blocked {
				msg = "too many requests, temporarily blocked"
			}
			httpapi.WriteError(w, httpapi.Quota(msg))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientRateLimit applies the general per-client budget.
func (g *Gateway) clientRateLimit(next http.Handler) http.Handler {
	return g.rateLimitWith(g.clientLimiter, "default", next)
}

// authRateLimit applies the stricter budget on credential endpoints.
func (g *Gateway) authRateLimit(next http.Handler) http.Handler {
	return g.rateLimitWith(g.authLimiter, "auth", next)
}

// csrfKey anchors the CSRF token: the authenticated user when the
// request carries a verifiable credential, the client address plus
// agent string otherwise.
func (g *Gateway) csrfKey(r *http.Request) string {
	userID := ""
	if raw := bearerToken(r); raw != "" {
		if claims, err := g.verifier.VerifyCredential(raw); err == nil {
			if id, err := g.resolveSubject(claims.Subject); err == nil {
				userID = id
			}
		}
	}
	return csrf.SessionKey(userID, clientIP(r), r.UserAgent())
}

// csrfProtect verifies the anti-CSRF token on mutating requests.
func (g *Gateway) csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if csrf.SafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		err := g.csrf.Verify(g.csrfKey(r), r.Header.Get(HeaderCSRFToken))
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, csrf.ErrMissing):
			httpapi.WriteError(w, httpapi.CSRF("csrf token required"))
		case errors.Is(err, csrf.ErrExpired):
			httpapi.WriteError(w, httpapi.CSRF("csrf token expired"))
		default:
			httpapi.WriteError(w, httpapi.CSRF("invalid csrf token"))
		}
	})
}

func bearerToken(r *http.Request) string {
	return authz.BearerToken(r.Header)
}
