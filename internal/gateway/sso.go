package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"masegate/internal/crypto"
	"masegate/internal/directory"
	"masegate/internal/httpapi"
	"masegate/internal/registry"
	"masegate/internal/session"
	"masegate/internal/token"
)

// resolveSubject turns a token subject into a plain user id, decrypting
// it when it arrives in encrypted form.
func (g *Gateway) resolveSubject(subject string) (string, error) {
	if crypto.IsEncrypted(subject) {
		return g.cipher.Decrypt(subject)
	}
	return subject, nil
}

// authenticate resolves the request's bearer credential to an active
// user. It is the entry check for every SSO endpoint.
func (g *Gateway) authenticate(r *http.Request) (*directory.User, *httpapi.Error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, httpapi.Credential("authentication token required")
	}
	claims, err := g.verifier.VerifyCredential(raw)
	if err != nil {
		return nil, httpapi.Credential("invalid or expired token").WithCause(err)
	}
	userID, err := g.resolveSubject(claims.Subject)
	if err != nil {
		return nil, httpapi.Crypto("unable to decrypt user identifier").WithCause(err)
	}
	user, err := g.users.FindByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, httpapi.IdentityUnknown("user not found")
		}
		return nil, httpapi.Internal("user lookup failed").WithCause(err)
	}
	if !user.Active {
		return nil, httpapi.IdentityDisabled("user account is disabled")
	}
	return user, nil
}

// ssoService resolves slug and checks it can take new SSO grants.
func (g *Gateway) ssoService(r *http.Request, slug string) (*registry.Service, *httpapi.Error) {
	if slug == "" {
		return nil, httpapi.Validation("serviceId is required")
	}
	svc, err := g.services.FindBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, httpapi.ServiceUnknown("service not found")
		}
		return nil, httpapi.Internal("service lookup failed").WithCause(err)
	}
	if !svc.Enabled {
		return nil, httpapi.ServiceDisabled("service is temporarily unavailable")
	}
	if !svc.SSOEnabled {
		return nil, httpapi.Authorization("single sign-on is not enabled for this service")
	}
	return svc, nil
}

// handleCSRFToken hands the caller its anti-CSRF token.
func (g *Gateway) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	tok, expires, err := g.csrf.Issue(g.csrfKey(r))
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to issue csrf token").WithCause(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"csrfToken":  tok,
		"expiresAt":  expires.UTC(),
		"headerName": HeaderCSRFToken,
	})
}

type authorizeRequest struct {
	ServiceID   string   `json:"serviceId"`
	RedirectURL string   `json:"redirectUrl,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// handleAuthorize establishes a new SSO grant: it mints the session,
// signs the access token, and builds the hand-off URL the caller
// follows into the external service.
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	user, apiErr := g.authenticate(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}

	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, httpapi.Validation("invalid request body").WithCause(err))
		return
	}

	svc, apiErr := g.ssoService(r, req.ServiceID)
	if apiErr != nil {
		g.audit(AuditEvent{Event: "sso_authorize", Decision: "deny", Reason: apiErr.Message,
			UserID: user.ID, Service: req.ServiceID, ClientIP: clientIP(r)})
		httpapi.WriteError(w, apiErr)
		return
	}
	if !svc.RoleAllowed(user.Role) {
		g.audit(AuditEvent{Event: "sso_authorize", Decision: "deny", Reason: "role not permitted",
			UserID: user.ID, Service: svc.Slug, ClientIP: clientIP(r)})
		httpapi.WriteError(w, httpapi.Authorization("role is not permitted to use this service"))
		return
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = svc.Scopes
	}

	now := g.now().UTC()
	sid := uuid.NewString()
	claims := &token.Claims{
		Service:   svc.Slug,
		SessionID: sid,
		Email:     user.Email,
	}
	claims.Subject = user.ID
	accessToken, err := g.issuer.Issue(claims, 0)
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to issue token").WithCause(err))
		return
	}
	expiresAt := now.Add(g.issuer.TTL())

	sess := &session.Session{
		ID:          sid,
		UserID:      user.ID,
		ServiceSlug: svc.Slug,
		AccessToken: accessToken,
		Scopes:      scopes,
		ExpiresAt:   expiresAt,
		RedirectURL: req.RedirectURL,
		State:       claims.State,
		UserInfo: map[string]interface{}{
			"email": user.Email,
			"role":  user.Role,
		},
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := g.sessions.Create(r.Context(), sess); err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to persist session").WithCause(err))
		return
	}

	ssoURL, err := buildSSOURL(svc, accessToken, claims.State, req.RedirectURL, scopes)
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to build sso url").WithCause(err))
		return
	}

	g.audit(AuditEvent{Event: "sso_authorize", Decision: "allow",
		UserID: user.ID, SessionID: sid, Service: svc.Slug, ClientIP: clientIP(r)})

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"ssoUrl":    ssoURL,
		"sessionId": sid,
		"token":     accessToken,
		"expiresAt": expiresAt,
	})
}

// buildSSOURL composes the hand-off URL on the service's auth endpoint
// with the token and state in the query string.
func buildSSOURL(svc *registry.Service, accessToken, state, redirectURL string, scopes []string) (string, error) {
	endpoint := svc.AuthEndpoint
	if endpoint == "" {
		endpoint = "/auth/sso"
	}
	base := strings.TrimSuffix(svc.FrontendURL, "/") + endpoint
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("gateway: sso url for %s: %w", svc.Slug, err)
	}

	q := u.Query()
	q.Set("token", accessToken)
	q.Set("state", state)
	q.Set("client_id", svc.Slug)
	if redirectURL != "" {
		q.Set("redirect_uri", redirectURL)
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type refreshRequest struct {
	SessionID string `json:"sessionId"`
}

// handleRefresh rotates the access token of an existing grant. The
// session id stays stable; only the token, state and expiry move.
// Concurrent refreshes of one session are serialized so both callers
// settle on a single outcome.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user, apiErr := g.authenticate(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, httpapi.Validation("invalid request body").WithCause(err))
		return
	}
	if req.SessionID == "" {
		httpapi.WriteError(w, httpapi.Validation("sessionId is required"))
		return
	}

	unlock := g.refreshLocks.Lock(req.SessionID)
	defer unlock()

	sess, err := g.sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpapi.WriteError(w, httpapi.Session("session not found"))
			return
		}
		httpapi.WriteError(w, httpapi.Internal("session lookup failed").WithCause(err))
		return
	}
	if sess.UserID != user.ID {
		httpapi.WriteError(w, httpapi.Session("session does not belong to this user"))
		return
	}

	now := g.now().UTC()
	if !sess.Refreshable(now, g.grace) {
		_ = g.sessions.Revoke(r.Context(), sess.ID)
		g.audit(AuditEvent{Event: "sso_refresh", Decision: "deny", Reason: "refresh window elapsed",
			UserID: user.ID, SessionID: sess.ID, Service: sess.ServiceSlug, ClientIP: clientIP(r)})
		httpapi.WriteError(w, httpapi.Session("session can no longer be refreshed"))
		return
	}

	svc, apiErr := g.ssoService(r, sess.ServiceSlug)
	if apiErr != nil {
		g.audit(AuditEvent{Event: "sso_refresh", Decision: "deny", Reason: apiErr.Message,
			UserID: user.ID, SessionID: sess.ID, Service: sess.ServiceSlug, ClientIP: clientIP(r)})
		httpapi.WriteError(w, apiErr)
		return
	}

	claims := &token.Claims{
		Service:   svc.Slug,
		SessionID: sess.ID,
		Email:     user.Email,
	}
	claims.Subject = user.ID
	accessToken, err := g.issuer.Issue(claims, 0)
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to issue token").WithCause(err))
		return
	}

	sess.AccessToken = accessToken
	sess.State = claims.State
	sess.ExpiresAt = now.Add(g.issuer.TTL())
	sess.LastUsedAt = now
	if err := g.sessions.Update(r.Context(), sess); err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to persist session").WithCause(err))
		return
	}

	g.audit(AuditEvent{Event: "sso_refresh", Decision: "allow",
		UserID: user.ID, SessionID: sess.ID, Service: svc.Slug, ClientIP: clientIP(r)})

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     accessToken,
		"sessionId": sess.ID,
		"expiresAt": sess.ExpiresAt,
	})
}

// sessionView is the sanitized session shape handed to clients. The
// access token never leaves the gateway through listings.
type sessionView struct {
	SessionID   string    `json:"sessionId"`
	ServiceSlug string    `json:"serviceId"`
	Scopes      []string  `json:"scopes,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt,omitempty"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		SessionID:   s.ID,
		ServiceSlug: s.ServiceSlug,
		Scopes:      s.Scopes,
		ExpiresAt:   s.ExpiresAt,
		CreatedAt:   s.CreatedAt,
		LastUsedAt:  s.LastUsedAt,
	}
}

// handleListSessions lists the caller's live grants.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, apiErr := g.authenticate(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}
	sessions, err := g.sessions.List(r.Context(), user.ID)
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("session lookup failed").WithCause(err))
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": views,
	})
}

// handleRevokeAll revokes every grant of the caller.
func (g *Gateway) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	user, apiErr := g.authenticate(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}
	n, err := g.sessions.RevokeAll(r.Context(), user.ID)
	if err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to revoke sessions").WithCause(err))
		return
	}
	g.audit(AuditEvent{Event: "session_revoke_all", Decision: "allow",
		UserID: user.ID, ClientIP: clientIP(r)})
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"revoked": n,
	})
}

// handleRevokeOne revokes one grant after checking ownership.
func (g *Gateway) handleRevokeOne(w http.ResponseWriter, r *http.Request) {
	user, apiErr := g.authenticate(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}
	sid := chi.URLParam(r, "sessionID")
	sess, err := g.sessions.Get(r.Context(), sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpapi.WriteError(w, httpapi.Session("session not found"))
			return
		}
		httpapi.WriteError(w, httpapi.Internal("session lookup failed").WithCause(err))
		return
	}
	if sess.UserID != user.ID {
		httpapi.WriteError(w, httpapi.Session("session does not belong to this user"))
		return
	}
	if err := g.sessions.Revoke(r.Context(), sid); err != nil {
		httpapi.WriteError(w, httpapi.Internal("unable to revoke session").WithCause(err))
		return
	}
	g.audit(AuditEvent{Event: "session_revoke", Decision: "allow",
		UserID: user.ID, SessionID: sid, Service: sess.ServiceSlug, ClientIP: clientIP(r)})
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type logoutRequest struct {
	ServiceID string `json:"serviceId,omitempty"`
}

// logoutUser identifies the logout caller. A bearer credential wins;
// otherwise the encrypted X-User-Id header is accepted. A plaintext
// identifier in the header is refused since anyone could forge it.
func (g *Gateway) logoutUser(r *http.Request) (*directory.User, *httpapi.Error) {
	if bearerToken(r) != "" {
		return g.authenticate(r)
	}
	encID := r.Header.Get(HeaderCallbackUser)
	if encID == "" {
		return nil, httpapi.Credential("authentication token required")
	}
	if !crypto.IsEncrypted(encID) {
		return nil, httpapi.Crypto("user identifier must be encrypted")
	}
	userID, err := g.cipher.Decrypt(encID)
	if err != nil {
		return nil, httpapi.Crypto("unable to decrypt user identifier").WithCause(err)
	}
	user, err := g.users.FindByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, httpapi.IdentityUnknown("user not found")
		}
		return nil, httpapi.Internal("user lookup failed").WithCause(err)
	}
	if !user.Active {
		return nil, httpapi.IdentityDisabled("user account is disabled")
	}
	return user, nil
}

// handleLogout revokes the caller's grant for one service, or all
// grants when no service is named. The caller identifies itself with
// a bearer credential, or with the encrypted X-User-Id header that
// services already forward on callbacks.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	user, apiErr := g.logoutUser(r)
	if apiErr != nil {
		httpapi.WriteError(w, apiErr)
		return
	}

	var req logoutRequest
	if r.Body != nil {
		// An empty body means log out everywhere.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ServiceID == "" {
		req.ServiceID = r.Header.Get("X-Service-Id")
	}

	revoked := 0
	if req.ServiceID != "" {
		sess, err := g.sessions.FindByUserService(r.Context(), user.ID, req.ServiceID)
		if err == nil {
			if err := g.sessions.Revoke(r.Context(), sess.ID); err == nil {
				revoked = 1
			}
		} else if !errors.Is(err, session.ErrNotFound) {
			httpapi.WriteError(w, httpapi.Internal("session lookup failed").WithCause(err))
			return
		}
	} else {
		n, err := g.sessions.RevokeAll(r.Context(), user.ID)
		if err != nil {
			httpapi.WriteError(w, httpapi.Internal("unable to revoke sessions").WithCause(err))
			return
		}
		revoked = n
	}

	g.audit(AuditEvent{Event: "logout", Decision: "allow",
		UserID: user.ID, Service: req.ServiceID, ClientIP: clientIP(r)})
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"revoked": revoked,
	})
}
