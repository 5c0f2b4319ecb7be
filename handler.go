// Package relay exposes the multi-tenant MCP relay over HTTP: tenants obtain
// bearer tokens, connect to target MCP servers (completing OAuth when a
// target demands it), and invoke tools through pooled upstream sessions.
// Every request runs bearer authentication, context-scoped logging, and
// audit emission around the actual operation.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/relaykit/mcp-relay/audit"
	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/internal/ident"
	"github.com/relaykit/mcp-relay/internal/logctx"
	"github.com/relaykit/mcp-relay/oauthflow"
	"github.com/relaykit/mcp-relay/pool"
	"github.com/relaykit/mcp-relay/ratelimit"
	"github.com/relaykit/mcp-relay/reconnect"
	"github.com/relaykit/mcp-relay/tenantauth"
)

const (
	authorizationHeader = "Authorization"

	defaultRateLimit  = 30
	defaultRatePeriod = time.Minute

	maxBodyBytes = 1 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Handler is the relay's HTTP surface.
type Handler struct {
	log      *slog.Logger
	store    credstore.Store
	sessions pool.Pool
	authn    *tenantauth.Authenticator
	ensure   *reconnect.Orchestrator
	limiter  *ratelimit.Limiter
	audit    *audit.Logger

	httpClient     *http.Client
	discovery      *oauthflow.Discovery
	clientMetadata oauthflow.ClientMetadata
	allowedOrigins map[string]struct{}

	mux *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	audit          *audit.Logger
	httpClient     *http.Client
	clientMetadata oauthflow.ClientMetadata
	allowedOrigins []string
	rateLimit      int
	ratePeriod     time.Duration
}

func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuditLogger replaces the default audit logger.
func WithAuditLogger(a *audit.Logger) Option {
	return func(c *newConfig) { c.audit = a }
}

// WithHTTPClient sets the client used for OAuth discovery, registration, and
// code exchange against targets.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.httpClient = hc }
}

// WithClientMetadata sets the registration payload presented to targets that
// support dynamic client registration.
func WithClientMetadata(md oauthflow.ClientMetadata) Option {
	return func(c *newConfig) { c.clientMetadata = md }
}

// WithAllowedOrigins sets the Origin allow-list for token issuance. A request
// carrying an Origin header not on the list is refused.
func WithAllowedOrigins(origins []string) Option {
	return func(c *newConfig) { c.allowedOrigins = origins }
}

// WithRateLimit overrides the per-(tenant, server) invoke budget.
func WithRateLimit(limit int, period time.Duration) Option {
	return func(c *newConfig) { c.rateLimit = limit; c.ratePeriod = period }
}

func New(store credstore.Store, sessions pool.Pool, authn *tenantauth.Authenticator, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	cfg := &newConfig{
		logger:     slog.Default(),
		rateLimit:  defaultRateLimit,
		ratePeriod: defaultRatePeriod,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	if cfg.audit == nil {
		cfg.audit = audit.New(log, true)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	h := &Handler{
		log:            log,
		store:          store,
		sessions:       sessions,
		authn:          authn,
		audit:          cfg.audit,
		httpClient:     cfg.httpClient,
		clientMetadata: cfg.clientMetadata,
		allowedOrigins: make(map[string]struct{}, len(cfg.allowedOrigins)),
	}
	for _, origin := range cfg.allowedOrigins {
		h.allowedOrigins[origin] = struct{}{}
	}
	h.ensure = reconnect.New(sessions, store, reconnect.WithLogger(log))
	h.limiter = ratelimit.New(cfg.rateLimit, cfg.ratePeriod, log)
	h.discovery = oauthflow.NewDiscovery(cfg.httpClient)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", h.handleIssueToken)
	mux.HandleFunc("GET /auth/jwks", h.handleJWKS)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("POST /connect", h.authenticated(h.handleConnect))
	mux.Handle("POST /disconnect", h.authenticated(h.handleDisconnect))
	mux.Handle("POST /invoke", h.authenticated(h.handleInvoke))
	mux.Handle("GET /capabilities/{serverId}", h.authenticated(h.handleCapabilities))
	mux.Handle("GET /status/{serverId}", h.authenticated(h.handleStatus))
	mux.Handle("GET /connections", h.authenticated(h.handleConnections))
	mux.Handle("POST /clear-credentials", h.authenticated(h.handleClearCredentials))
	h.mux = mux
	return h, nil
}

// Close releases the handler's background resources. The pool and store are
// owned by the caller and are not closed here.
func (h *Handler) Close() error {
	h.limiter.Stop()
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// authenticated resolves the bearer token to a tenant id before invoking
// next. Expired tokens are distinguished from invalid ones so clients know
// to re-request rather than re-authenticate.
func (h *Handler) authenticated(next func(w http.ResponseWriter, r *http.Request, tenantID string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		raw := r.Header.Get(authorizationHeader)
		if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
			h.audit.AuthFailure(r.Context(), "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		tenantID, err := h.authn.Verify(r.Context(), strings.TrimSpace(raw[len(prefix):]))
		if err != nil {
			if errors.Is(err, tenantauth.ErrTokenExpired) {
				h.audit.AuthFailure(r.Context(), "token_expired")
				writeError(w, http.StatusUnauthorized, "token_expired", "token expired")
				return
			}
			h.audit.AuthFailure(r.Context(), "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ctx := logctx.WithTenantData(r.Context(), &logctx.TenantData{TenantID: tenantID})
		next(w, r.WithContext(ctx), tenantID)
	})
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenantId"`
	}
	if !h.decodeJSON(w, r, &body) {
		return
	}
	if err := ident.CheckTenantID(body.TenantID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tenant_id", err.Error())
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		if _, ok := h.allowedOrigins[origin]; !ok {
			h.audit.AuthFailure(r.Context(), "origin_forbidden")
			writeError(w, http.StatusForbidden, "origin_forbidden", "origin not allowed")
			return
		}
	}

	token, err := h.authn.Issue(body.TenantID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "token issuance failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "token issuance failed")
		return
	}
	h.audit.TokenIssued(r.Context(), body.TenantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"tokenType": "bearer",
		"expiresIn": int(h.authn.TokenTTL().Seconds()),
	})
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.authn.PublicJWKS()
	if err != nil {
		h.log.ErrorContext(r.Context(), "jwks rendering failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "keyset unavailable")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jwks)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type connectRequest struct {
	ServerID          string              `json:"serverId"`
	ServerName        string              `json:"serverName,omitempty"`
	URL               string              `json:"url,omitempty"`
	TransportKind     string              `json:"transportKind,omitempty"`
	Auth              *credstore.AuthSpec `json:"auth,omitempty"`
	AuthorizationCode string              `json:"authorizationCode,omitempty"`
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body connectRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}
	if err := ident.CheckServerID(body.ServerID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_server_id", err.Error())
		return
	}
	ctx := logctx.WithServerData(r.Context(), &logctx.ServerData{ServerID: body.ServerID, Transport: body.TransportKind})

	if body.AuthorizationCode != "" {
		h.resumeConnect(ctx, w, tenantID, body.ServerID, body.AuthorizationCode)
		return
	}

	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	cfg := &credstore.ServerConfig{
		ServerName:    body.ServerName,
		URL:           body.URL,
		TransportKind: body.TransportKind,
		Auth:          body.Auth,
	}
	if cfg.ServerName == "" {
		cfg.ServerName = body.ServerID
	}

	res, err := h.sessions.Connect(ctx, tenantID, body.ServerID, cfg)
	if err != nil {
		if are, ok := oauthflow.IsAuthorizationRequired(err); ok {
			// The config must be on record before the user returns with
			// the authorization code.
			if perr := h.store.PutServerConfig(ctx, tenantID, body.ServerID, cfg); perr != nil {
				h.log.ErrorContext(ctx, "config persistence failed", slog.String("err", perr.Error()))
				writeError(w, http.StatusInternalServerError, "internal", "could not persist server configuration")
				return
			}
			h.audit.AuthorizationStarted(ctx, tenantID, body.ServerID)
			writeNeedsAuth(w, are)
			return
		}
		h.log.ErrorContext(ctx, "connect failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "connect_failed", "could not connect to server")
		return
	}

	if err := h.store.PutServerConfig(ctx, tenantID, body.ServerID, cfg); err != nil {
		h.log.ErrorContext(ctx, "config persistence failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not persist server configuration")
		return
	}
	h.audit.Connected(ctx, tenantID, body.ServerID, res.Reused)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"serverId": body.ServerID,
		"reused":   res.Reused,
	})
}

// resumeConnect finishes an authorization round trip: redeem the code with
// the stored PKCE verifier, then connect with the now-valid tokens.
func (h *Handler) resumeConnect(ctx context.Context, w http.ResponseWriter, tenantID, serverID, code string) {
	cfg, err := h.store.GetServerConfig(ctx, tenantID, serverID)
	if err != nil {
		h.log.ErrorContext(ctx, "config load failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not load server configuration")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "not_connected", "no stored configuration for server")
		return
	}

	flow := h.flowFor(tenantID, serverID, cfg)
	if _, err := flow.ExchangeCode(ctx, code); err != nil {
		if errors.Is(err, oauthflow.ErrVerifierExpired) {
			writeError(w, http.StatusBadRequest, "verifier_expired", "authorization attempt expired, reconnect to restart")
			return
		}
		h.log.ErrorContext(ctx, "code exchange failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "authorization code exchange failed")
		return
	}

	res, err := h.sessions.Connect(ctx, tenantID, serverID, cfg)
	if err != nil {
		h.log.ErrorContext(ctx, "connect after authorization failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "connect_failed", "could not connect to server")
		return
	}
	h.audit.Connected(ctx, tenantID, serverID, res.Reused)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"serverId": serverID,
		"reused":   res.Reused,
	})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body struct {
		ServerID string `json:"serverId"`
		Forget   bool   `json:"forget,omitempty"`
	}
	if !h.decodeJSON(w, r, &body) {
		return
	}
	if err := ident.CheckServerID(body.ServerID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_server_id", err.Error())
		return
	}
	ctx := r.Context()

	// Idempotent.
	if err := h.sessions.Disconnect(ctx, tenantID, body.ServerID); err != nil {
		h.log.ErrorContext(ctx, "disconnect failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "disconnect failed")
		return
	}

	provider := oauthflow.NewStoreProvider(h.store, tenantID, body.ServerID, h.clientMetadata)
	if body.Forget {
		// Forget severs the pair entirely: config, registration, tokens,
		// and any in-flight verifier.
		if err := h.store.DeleteServerConfig(ctx, tenantID, body.ServerID); err != nil {
			h.log.ErrorContext(ctx, "config deletion failed", slog.String("err", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal", "could not forget server")
			return
		}
		if err := provider.InvalidateCredentials(ctx, oauthflow.InvalidateAll); err != nil {
			h.log.ErrorContext(ctx, "credential invalidation failed", slog.String("err", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal", "could not forget server")
			return
		}
	} else {
		// Tokens and the registration stay on record for a later reconnect;
		// only an in-flight authorization attempt is abandoned.
		if err := provider.InvalidateCredentials(ctx, oauthflow.InvalidateVerifier); err != nil {
			h.log.ErrorContext(ctx, "verifier invalidation failed", slog.String("err", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal", "disconnect failed")
			return
		}
	}
	h.audit.Disconnected(ctx, tenantID, body.ServerID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "serverId": body.ServerID})
}

type invokeRequest struct {
	ServerID      string         `json:"serverId"`
	OperationName string         `json:"operationName"`
	Arguments     map[string]any `json:"arguments,omitempty"`
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body invokeRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}
	if err := ident.CheckServerID(body.ServerID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_server_id", err.Error())
		return
	}
	if body.OperationName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "operationName is required")
		return
	}
	ctx := logctx.WithServerData(r.Context(), &logctx.ServerData{ServerID: body.ServerID})

	if !h.ensureConnected(ctx, w, tenantID, body.ServerID) {
		return
	}

	rl := h.limiter.Check(tenantID + ":" + body.ServerID)
	if !rl.Allowed {
		h.audit.RateLimited(ctx, tenantID, body.ServerID, rl.ResetIn)
		writeRateLimited(w, rl.ResetIn)
		return
	}

	sess, err := h.sessions.Client(ctx, tenantID, body.ServerID)
	if err != nil {
		h.log.ErrorContext(ctx, "session lookup failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "session unavailable")
		return
	}

	result, err := sess.CallTool(ctx, body.OperationName, body.Arguments)
	if err != nil {
		h.audit.Invoked(ctx, tenantID, body.ServerID, body.OperationName, false)
		h.log.ErrorContext(ctx, "tool call failed",
			slog.String("operation", body.OperationName),
			slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "invoke_failed", "tool call failed")
		return
	}
	h.audit.Invoked(ctx, tenantID, body.ServerID, body.OperationName, true)
	writeJSON(w, http.StatusOK, map[string]any{
		"serverId": body.ServerID,
		"result":   result,
	})
}

func (h *Handler) handleCapabilities(w http.ResponseWriter, r *http.Request, tenantID string) {
	serverID := r.PathValue("serverId")
	if err := ident.CheckServerID(serverID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_server_id", err.Error())
		return
	}
	ctx := logctx.WithServerData(r.Context(), &logctx.ServerData{ServerID: serverID})

	if !h.ensureConnected(ctx, w, tenantID, serverID) {
		return
	}

	sess, err := h.sessions.Client(ctx, tenantID, serverID)
	if err != nil {
		h.log.ErrorContext(ctx, "session lookup failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "session unavailable")
		return
	}
	tools, err := sess.ListTools(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "tool listing failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not list tools")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serverId": serverID, "tools": tools})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	serverID := r.PathValue("serverId")
	if err := ident.CheckServerID(serverID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_server_id", err.Error())
		return
	}
	ctx := r.Context()

	cfg, err := h.store.GetServerConfig(ctx, tenantID, serverID)
	if err != nil {
		h.log.ErrorContext(ctx, "config load failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not load server configuration")
		return
	}

	status := map[string]any{
		"serverId":   serverID,
		"connected":  false,
		"configured": cfg != nil,
	}
	infos, err := h.sessions.List(ctx, tenantID)
	if err != nil {
		h.log.ErrorContext(ctx, "session listing failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not inspect sessions")
		return
	}
	for _, info := range infos {
		if info.ServerID != serverID {
			continue
		}
		status["connected"] = true
		status["transport"] = info.Transport
		status["connectedAt"] = info.ConnectedAt
		status["lastUsedAt"] = info.LastUsedAt
		break
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request, tenantID string) {
	infos, err := h.sessions.List(r.Context(), tenantID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "session listing failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not list sessions")
		return
	}
	if infos == nil {
		infos = []pool.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": infos})
}

func (h *Handler) handleClearCredentials(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body struct {
		ServerID string `json:"serverId"`
	}
	if !h.decodeJSON(w, r, &body) {
		return
	}
	if err := ident.CheckServerID(body.ServerID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_server_id", err.Error())
		return
	}

	provider := oauthflow.NewStoreProvider(h.store, tenantID, body.ServerID, h.clientMetadata)
	if err := provider.InvalidateCredentials(r.Context(), oauthflow.InvalidateAll); err != nil {
		h.log.ErrorContext(r.Context(), "credential invalidation failed", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "could not clear credentials")
		return
	}
	h.audit.CredentialsCleared(r.Context(), tenantID, body.ServerID, string(oauthflow.InvalidateAll))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "serverId": body.ServerID})
}

// ensureConnected restores the session or writes the failure, reporting
// whether the caller may proceed.
func (h *Handler) ensureConnected(ctx context.Context, w http.ResponseWriter, tenantID, serverID string) bool {
	err := h.ensure.EnsureConnected(ctx, tenantID, serverID)
	if err == nil {
		return true
	}
	if errors.Is(err, reconnect.ErrNotConnectedNoConfig) {
		writeError(w, http.StatusNotFound, "not_connected", "server is not connected and has no stored configuration")
		return false
	}
	if are, ok := oauthflow.IsAuthorizationRequired(err); ok {
		h.audit.AuthorizationStarted(ctx, tenantID, serverID)
		writeNeedsAuth(w, are)
		return false
	}
	h.log.ErrorContext(ctx, "reconnect failed", slog.String("err", err.Error()))
	writeError(w, http.StatusInternalServerError, "connect_failed", "could not restore session")
	return false
}

func (h *Handler) flowFor(tenantID, serverID string, cfg *credstore.ServerConfig) *oauthflow.Flow {
	provider := oauthflow.NewStoreProvider(h.store, tenantID, serverID, h.clientMetadata)
	var scopes []string
	if cfg.Auth != nil {
		scopes = cfg.Auth.Scopes
	}
	return oauthflow.NewFlow(provider, cfg.URL, scopes,
		oauthflow.WithHTTPClient(h.httpClient),
		oauthflow.WithDiscovery(h.discovery),
		oauthflow.WithLogger(h.log))
}

// decodeJSON enforces the JSON content type and parses the body, writing the
// failure itself. Returns false when the request was rejected.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "content-type must be application/json")
		return false
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func writeNeedsAuth(w http.ResponseWriter, are *oauthflow.AuthorizationRequiredError) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"needsAuth":        true,
		"authorizationUrl": are.AuthorizationURL,
	})
}

func writeRateLimited(w http.ResponseWriter, resetIn time.Duration) {
	seconds := int64((resetIn + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":   map[string]any{"code": "rate_limited", "message": "invoke budget exhausted"},
		"resetIn": seconds,
	})
}
