// Package httpapi defines the gateway's error taxonomy and the JSON
// response envelope shared by every handler.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a request failure. Kinds separate expected
// authorization rejections from infrastructure faults so callers never
// have to string-match messages.
type Kind string

const (
	KindCredential    Kind = "CREDENTIAL_ERROR"    // missing/invalid/expired token
	KindIdentity      Kind = "IDENTITY_ERROR"      // unknown or disabled user
	KindService       Kind = "SERVICE_ERROR"       // unknown or disabled target service
	KindSession       Kind = "SESSION_ERROR"       // no active SSO grant, or grant too old
	KindAuthorization Kind = "AUTHORIZATION_ERROR" // role not permitted
	KindQuota         Kind = "QUOTA_ERROR"         // rate-limited or blocked
	KindCSRF          Kind = "CSRF_ERROR"          // missing, stale or forged csrf token
	KindUpstream      Kind = "UPSTREAM_ERROR"      // connect failure, timeout, bad upstream
	KindCrypto        Kind = "CRYPTO_ERROR"        // malformed or undecryptable identifier
	KindValidation    Kind = "VALIDATION_ERROR"    // malformed request input
	KindInternal      Kind = "INTERNAL_ERROR"
)

// Error is a typed request failure carrying the HTTP status it maps to.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error for logs. The cause is never
// serialized into the response body.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newError(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// Constructors cover every failure the authorization chain and the SSO
// endpoints produce. The status codes follow the gateway's contract:
// 400 malformed input, 401 missing/invalid credential, 403 authenticated
// but not entitled, 404 unknown service, 429 rate-limited, 502 upstream
// unreachable, 503 service administratively disabled.

func Credential(message string) *Error {
	return newError(KindCredential, http.StatusUnauthorized, message)
}

func IdentityUnknown(message string) *Error {
	return newError(KindIdentity, http.StatusUnauthorized, message)
}

func IdentityDisabled(message string) *Error {
	return newError(KindIdentity, http.StatusForbidden, message)
}

func ServiceUnknown(message string) *Error {
	return newError(KindService, http.StatusNotFound, message)
}

func ServiceDisabled(message string) *Error {
	return newError(KindService, http.StatusServiceUnavailable, message)
}

func Session(message string) *Error {
	return newError(KindSession, http.StatusForbidden, message)
}

func Authorization(message string) *Error {
	return newError(KindAuthorization, http.StatusForbidden, message)
}

func Quota(message string) *Error {
	return newError(KindQuota, http.StatusTooManyRequests, message)
}

func CSRF(message string) *Error {
	return newError(KindCSRF, http.StatusForbidden, message)
}

func Upstream(message string) *Error {
	return newError(KindUpstream, http.StatusBadGateway, message)
}

func Crypto(message string) *Error {
	return newError(KindCrypto, http.StatusUnauthorized, message)
}

func Validation(message string) *Error {
	return newError(KindValidation, http.StatusBadRequest, message)
}

func Internal(message string) *Error {
	return newError(KindInternal, http.StatusInternalServerError, message)
}

// failureBody is the envelope every failure path serializes.
type failureBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Service string `json:"service,omitempty"`
}

// WriteError renders err as the standard JSON failure envelope. Errors
// that are not *Error are masked as internal faults so upstream detail
// never leaks to the caller.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = Internal("internal gateway error").WithCause(err)
	}
	writeJSON(w, apiErr.Status, failureBody{
		Success: false,
		Message: apiErr.Message,
		Code:    string(apiErr.Kind),
	})
}

// WriteUpstreamError renders a 502 naming the failing service slug. The
// raw upstream error text is deliberately withheld.
func WriteUpstreamError(w http.ResponseWriter, serviceSlug string) {
	writeJSON(w, http.StatusBadGateway, failureBody{
		Success: false,
		Message: "service unavailable",
		Code:    string(KindUpstream),
		Service: serviceSlug,
	})
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
