package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"masegate/internal/authz"
	"masegate/internal/httpapi"
	"masegate/internal/metrics"
)

// handleProxy runs the authorization chain and forwards the request to
// the target service's backend.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	grant, decision, apiErr := g.chain.Authorize(r.Context(), &authz.Request{
		ServiceSlug: slug,
		Header:      r.Header,
	})
	// Quota headers are emitted whenever the chain got far enough to
	// consult the limiter, on success and rejection alike.
	if grant.RateLimit.Limit > 0 {
		setRateHeaders(w, grant.RateLimit)
	}
	metrics.RequestsTotal.WithLabelValues(decision, slug).Inc()

	if apiErr != nil {
		if apiErr.Kind == httpapi.KindQuota {
			metrics.RateLimited.WithLabelValues("user").Inc()
		}
		ev := AuditEvent{Event: "proxy", Decision: "deny", Reason: apiErr.Message,
			Service: slug, Method: r.Method, Path: r.URL.Path, ClientIP: clientIP(r)}
		if grant.User != nil {
			ev.UserID = grant.User.ID
		}
		g.audit(ev)
		httpapi.WriteError(w, apiErr)
		return
	}

	// Forwarding counts as session activity.
	_ = g.sessions.Touch(r.Context(), grant.Session.ID, g.now().UTC())

	g.audit(AuditEvent{Event: "proxy", Decision: "allow",
		UserID: grant.User.ID, SessionID: grant.Session.ID, Service: slug,
		Method: r.Method, Path: r.URL.Path, ClientIP: clientIP(r)})

	g.proxy.Serve(w, r, grant)
}
