// Package audit provides an append-only structured event sink for the relay.
// Logging is best-effort: a failing or panicking sink must never affect the
// operation being audited, so every emission is guarded and falls back to a
// secondary stderr logger.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger records relay audit events. The zero value is not usable; construct
// with New.
type Logger struct {
	logger   *slog.Logger
	fallback *slog.Logger
	enabled  bool
}

// New creates an audit logger writing through logger. A nil logger falls back
// to slog.Default.
func New(logger *slog.Logger, enabled bool) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		logger:   logger,
		fallback: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		enabled:  enabled,
	}
}

// Event is a single audit record. Timestamp is stamped at emission.
type Event struct {
	Type      string
	TenantID  string
	ServerID  string
	Details   map[string]any
	Timestamp time.Time
}

// Log appends an audit event. It never returns an error and never panics.
func (a *Logger) Log(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.fallback.Error("audit sink panic", "event_type", event.Type, "panic", r)
		}
	}()

	event.Timestamp = time.Now()

	a.logger.InfoContext(ctx, "audit",
		"event_type", event.Type,
		"tenant_id", event.TenantID,
		"server_id", event.ServerID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// Connected records a successful connect, noting whether the pool reused an
// existing session.
func (a *Logger) Connected(ctx context.Context, tenantID, serverID string, reused bool) {
	a.Log(ctx, Event{
		Type:     "server_connected",
		TenantID: tenantID,
		ServerID: serverID,
		Details:  map[string]any{"reused": reused},
	})
}

// Disconnected records an explicit disconnect.
func (a *Logger) Disconnected(ctx context.Context, tenantID, serverID string) {
	a.Log(ctx, Event{Type: "server_disconnected", TenantID: tenantID, ServerID: serverID})
}

// Invoked records an upstream operation invocation.
func (a *Logger) Invoked(ctx context.Context, tenantID, serverID, operation string, ok bool) {
	a.Log(ctx, Event{
		Type:     "operation_invoked",
		TenantID: tenantID,
		ServerID: serverID,
		Details:  map[string]any{"operation": operation, "ok": ok},
	})
}

// AuthorizationStarted records that a connect was deferred pending external
// authorization.
func (a *Logger) AuthorizationStarted(ctx context.Context, tenantID, serverID string) {
	a.Log(ctx, Event{Type: "authorization_required", TenantID: tenantID, ServerID: serverID})
}

// TokenIssued records issuance of a relay bearer token.
func (a *Logger) TokenIssued(ctx context.Context, tenantID string) {
	a.Log(ctx, Event{Type: "token_issued", TenantID: tenantID})
}

// AuthFailure records a rejected bearer token. Reason should be a stable,
// machine-readable label ("invalid", "expired").
func (a *Logger) AuthFailure(ctx context.Context, reason string) {
	a.Log(ctx, Event{Type: "auth_failure", Details: map[string]any{"reason": reason}})
}

// RateLimited records a rejected over-budget request.
func (a *Logger) RateLimited(ctx context.Context, tenantID, serverID string, resetIn time.Duration) {
	a.Log(ctx, Event{
		Type:     "rate_limited",
		TenantID: tenantID,
		ServerID: serverID,
		Details:  map[string]any{"reset_in_seconds": int(resetIn.Seconds())},
	})
}

// CredentialsCleared records explicit credential invalidation.
func (a *Logger) CredentialsCleared(ctx context.Context, tenantID, serverID, scope string) {
	a.Log(ctx, Event{
		Type:     "credentials_cleared",
		TenantID: tenantID,
		ServerID: serverID,
		Details:  map[string]any{"scope": scope},
	})
}
