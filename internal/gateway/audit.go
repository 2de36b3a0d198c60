package gateway

import (
	"encoding/json"
	"time"
)

// AuditEvent is one line of the gateway's decision log, emitted as
// JSON on the audit stream.
type AuditEvent struct {
	Timestamp time.Time `json:"ts"`
	Event     string    `json:"event"`
	Decision  string    `json:"decision,omitempty"` // allow|deny|error
	Reason    string    `json:"reason,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Service   string    `json:"service,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
}

func (g *Gateway) audit(ev AuditEvent) {
	ev.Timestamp = g.now().UTC()
	_ = json.NewEncoder(g.auditOut).Encode(ev)
}
