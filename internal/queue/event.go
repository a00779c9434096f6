// Package queue carries the audit trail of the SSO service over RabbitMQ:
// the event payload, a publisher, a log-only fallback and the consumer that
// writes events to logs/audit.log.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Audit event types.
const (
	EventLoginSucceeded    = "login.succeeded"
	EventLoginFailed       = "login.failed"
	EventAccountLocked     = "account.locked"
	EventCodeIssued        = "code.issued"
	EventTokenIssued       = "token.issued"
	EventTokenRefreshed    = "token.refreshed"
	EventTokenRejected     = "token.rejected"
	EventLogout            = "logout"
	EventClientRegistered  = "client.registered"
	EventClientUpdated     = "client.updated"
	EventClientDeactivated = "client.deactivated"
	EventSecurityViolation = "client.security_violation"
	EventSessionTerminated = "session.terminated"
	EventRateLimited       = "request.rate_limited"
)

// AuditEvent is one security-relevant fact.  It never carries passwords,
// secrets or token strings.
type AuditEvent struct {
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Username  string            `json:"username,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	At        string            `json:"at"`
}

// NewEvent stamps an event of type typ with the current UTC time.
func NewEvent(typ string) AuditEvent {
	return AuditEvent{Type: typ, At: time.Now().UTC().Format(time.RFC3339)}
}

// Auditor receives audit events.  Implementations must not block the
// request path for long and report failures instead of panicking.
type Auditor interface {
	Audit(ctx context.Context, ev AuditEvent) error
}

// LogAuditor writes events to a zap logger.  It is used when no broker is
// configured.
type LogAuditor struct {
	logger *zap.Logger
}

func NewLogAuditor(logger *zap.Logger) *LogAuditor {
	return &LogAuditor{logger: logger}
}

func (a *LogAuditor) Audit(_ context.Context, ev AuditEvent) error {
	a.logger.Info("audit", eventFields(ev)...)
	return nil
}

func eventFields(ev AuditEvent) []zap.Field {
	fields := []zap.Field{zap.String("type", ev.Type), zap.String("at", ev.At)}
	add := func(key, val string) {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	add("user_id", ev.UserID)
	add("username", ev.Username)
	add("client_id", ev.ClientID)
	add("session_id", ev.SessionID)
	add("ip", ev.IPAddress)
	add("reason", ev.Reason)
	if len(ev.Details) > 0 {
		fields = append(fields, zap.Any("details", ev.Details))
	}
	return fields
}
