package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"agentvoice.io/internal/auth"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names written by the API.
const (
	EventLoginSucceeded  = "auth.login.succeeded"
	EventLoginFailed     = "auth.login.failed"
	EventTokenRefreshed  = "auth.token.refreshed"
	EventPasswordChanged = "auth.password.changed"
	EventAccessDenied    = "authz.denied"
	EventUserCreated     = "user.created"
	EventTenantSuspended = "organization.suspended"
	EventTenantRestored  = "organization.reinstated"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder writes audit entries to a dedicated logger.
type Recorder struct {
	log *zap.Logger
}

// NewRecorder returns a Recorder writing through log. A nil log discards entries.
func NewRecorder(log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{log: log.Named("audit")}
}

// Record writes an audit log entry enriched with request, identity and tenant context.
func (r *Recorder) Record(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if r == nil {
		return nil
	}
	entry := make([]zap.Field, 0, len(fields)+5)
	entry = append(entry, zap.String("type", "audit"), zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry = append(entry, zap.String("user_id", id.ID), zap.String("role", string(id.Role)))
	}
	if t, ok := auth.TenantFromContext(ctx); ok {
		entry = append(entry, zap.String("organization_id", t.ID))
	}
	entry = append(entry, fields...)
	r.log.Info(event, entry...)
	return nil
}
