package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"masegate/internal/httpapi"
	"masegate/internal/registry"
	"masegate/internal/session"
)

// Service callback headers. External services authenticate with their
// API key and identify the user with the same encrypted id the proxy
// forwarded to them.
const (
	HeaderServiceAPIKey = "X-Service-Api-Key"
	HeaderCallbackUser  = "X-User-Id"
)

// callbackAuth authenticates a service-to-gateway callback and
// resolves the user it concerns.
func (g *Gateway) callbackAuth(r *http.Request) (*registry.Service, string, *httpapi.Error) {
	apiKey := r.Header.Get(HeaderServiceAPIKey)
	if apiKey == "" {
		return nil, "", httpapi.Credential("service api key required")
	}
	svc, err := g.services.FindByAPIKey(r.Context(), apiKey)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, "", httpapi.Credential("unknown service api key")
		}
		return nil, "", httpapi.Internal("service lookup failed").WithCause(err)
	}

	encID := r.Header.Get(HeaderCallbackUser)
	if encID == "" {
		return nil, "", httpapi.Validation("user id header required")
	}
	userID, err := g.resolveSubject(encID)
	if err != nil {
		return nil, "", httpapi.Crypto("unable to decrypt user identifier").WithCause(err)
	}
	return svc, userID, nil
}

// handleCallbackLogout lets a service report that a user logged out on
// its side; the gateway revokes the matching grant.
func (g *Gateway) handleCallbackLogout(w http.ResponseWriter, r *http.Request) {
	svc, userID, apiErr := g.callbackAuth(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}

	revoked := 0
	sess, err := g.sessions.FindByUserService(r.Context(), userID, svc.Slug)
	if err == nil {
		if err := g.sessions.Revoke(r.Context(), sess.ID); err == nil {
			revoked = 1
		}
	} else if !errors.Is(err, session.ErrNotFound) {
		httpapi.WriteError(w, httpapi.Internal("session lookup failed").WithCause(err))
		return
	}

	g.audit(AuditEvent{Event: "callback_logout", Decision: "allow",
		UserID: userID, Service: svc.Slug, ClientIP: clientIP(r)})
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"revoked": revoked,
	})
}

type activityRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// handleCallbackActivity lets a service report user activity so the
// grant's last-used time stays current.
func (g *Gateway) handleCallbackActivity(w http.ResponseWriter, r *http.Request) {
	svc, userID, apiErr := g.callbackAuth(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}

	var req activityRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sid := req.SessionID
	if sid == "" {
		sess, err := g.sessions.FindByUserService(r.Context(), userID, svc.Slug)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				httpapi.WriteError(w, httpapi.Session("no active session for this service"))
				return
			}
			httpapi.WriteError(w, httpapi.Internal("session lookup failed").WithCause(err))
			return
		}
		sid = sess.ID
	}

	if err := g.sessions.Touch(r.Context(), sid, g.now().UTC()); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpapi.WriteError(w, httpapi.Session("session not found"))
			return
		}
		httpapi.WriteError(w, httpapi.Internal("unable to update session").WithCause(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// serviceView is the public shape of a registry entry: routing and
// display fields only, never the backend address or the api key.
type serviceView struct {
	Slug        string               `json:"slug"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	FrontendURL string               `json:"frontendUrl,omitempty"`
	Enabled     bool                 `json:"enabled"`
	SSOEnabled  bool                 `json:"ssoEnabled"`
	Health      registry.HealthStats `json:"health"`
}

// handleServices lists registered services with their health counters.
func (g *Gateway) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := g.services.List(r.Context())
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("service lookup failed").WithCause(err))
		return
	}
	views := make([]serviceView, 0, len(services))
	for _, svc := range services {
		views = append(views, serviceView{
			Slug:        svc.Slug,
			Name:        svc.Name,
			Description: svc.Description,
			FrontendURL: svc.FrontendURL,
			Enabled:     svc.Enabled,
			SSOEnabled:  svc.SSOEnabled,
			Health:      g.health.Snapshot(svc.Slug),
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"services": views,
	})
}

// handleJWKS publishes the signing keys when the issuer uses an
// asymmetric key. HMAC deployments have nothing to publish.
func (g *Gateway) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := g.issuer.PublicJWKS()
	if err != nil {
		httpapi.WriteError(w, httpapi.ServiceUnknown("no published signing keys"))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, jwks)
}
