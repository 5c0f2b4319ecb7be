package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaykit/mcp-relay/credstore"
)

// Flow drives the authorization-code flow for one target server on behalf of
// one provider. It owns no state of its own; everything durable lives behind
// the Provider.
type Flow struct {
	provider   Provider
	discovery  *Discovery
	httpClient *http.Client
	logger     *slog.Logger

	serverURL string
	scopes    []string

	// now is replaceable in tests.
	now func() time.Time
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithHTTPClient overrides the HTTP client used for registration and token
// endpoint calls.
func WithHTTPClient(c *http.Client) FlowOption {
	return func(f *Flow) { f.httpClient = c }
}

// WithLogger sets the flow's logger.
func WithLogger(l *slog.Logger) FlowOption {
	return func(f *Flow) { f.logger = l }
}

// WithDiscovery shares a Discovery (and its metadata cache) across flows.
func WithDiscovery(d *Discovery) FlowOption {
	return func(f *Flow) { f.discovery = d }
}

// NewFlow creates a flow for the target server at serverURL requesting the
// given scopes.
func NewFlow(provider Provider, serverURL string, scopes []string, opts ...FlowOption) *Flow {
	f := &Flow{
		provider:  provider,
		serverURL: serverURL,
		scopes:    scopes,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if f.discovery == nil {
		f.discovery = NewDiscovery(f.httpClient)
	}
	return f
}

// AccessToken returns a presently valid access token, refreshing a stale one
// via the stored refresh token. When no usable token exists it starts a fresh
// authorization attempt, which surfaces as *AuthorizationRequiredError.
func (f *Flow) AccessToken(ctx context.Context) (string, error) {
	stored, err := f.provider.Tokens(ctx)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", f.Authorize(ctx)
	}
	if !stored.Expired(f.now()) {
		return stored.AccessToken, nil
	}
	if stored.RefreshToken == "" {
		f.logger.Debug("access token expired and no refresh token; restarting authorization",
			"server_url", f.serverURL)
		return "", f.Authorize(ctx)
	}

	refreshed, err := f.refresh(ctx, stored)
	if err != nil {
		f.logger.Warn("token refresh failed; restarting authorization",
			"server_url", f.serverURL, "err", err)
		return "", f.Authorize(ctx)
	}
	return refreshed.AccessToken, nil
}

// Authorize begins a new authorization attempt: it discovers endpoints,
// ensures a client registration, stores a fresh PKCE verifier, and raises the
// typed redirect signal carrying the authorization URL.
func (f *Flow) Authorize(ctx context.Context) error {
	meta, info, err := f.prepare(ctx)
	if err != nil {
		return err
	}

	state, err := f.provider.State(ctx)
	if err != nil {
		return fmt.Errorf("generate state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	if err := f.provider.SaveCodeVerifier(ctx, verifier); err != nil {
		return fmt.Errorf("persist code verifier: %w", err)
	}

	cfg := f.oauthConfig(info, meta)
	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	return f.provider.RedirectToAuthorization(authURL)
}

// ExchangeCode redeems an authorization code using the stored PKCE verifier,
// persists the resulting token set as a whole-record replace, and deletes the
// verifier. A missing or expired verifier fails with ErrVerifierExpired.
func (f *Flow) ExchangeCode(ctx context.Context, code string) (*credstore.OAuthTokenSet, error) {
	meta, info, err := f.prepare(ctx)
	if err != nil {
		return nil, err
	}

	verifier, err := f.provider.CodeVerifier(ctx)
	if err != nil {
		return nil, err
	}

	cfg := f.oauthConfig(info, meta)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	set := tokenSetFrom(tok)
	if err := f.provider.SaveTokens(ctx, set); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}
	if err := f.provider.InvalidateCredentials(ctx, InvalidateVerifier); err != nil {
		f.logger.Warn("failed to delete used code verifier", "err", err)
	}

	f.logger.Debug("authorization code exchanged", "server_url", f.serverURL,
		"expiry", set.Expiry)
	return set, nil
}

// refresh redeems the refresh token and persists the replacement set. A
// response without a new refresh token retains the previous one.
func (f *Flow) refresh(ctx context.Context, stored *credstore.OAuthTokenSet) (*credstore.OAuthTokenSet, error) {
	meta, info, err := f.prepare(ctx)
	if err != nil {
		return nil, err
	}

	cfg := f.oauthConfig(info, meta)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	src := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
	})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}

	set := tokenSetFrom(tok)
	if set.RefreshToken == "" {
		set.RefreshToken = stored.RefreshToken
	}
	if set.Scope == "" {
		set.Scope = stored.Scope
	}
	if err := f.provider.SaveTokens(ctx, set); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return set, nil
}

// prepare resolves authorization-server metadata and a client registration.
func (f *Flow) prepare(ctx context.Context) (*ASMetadata, *credstore.OAuthClientInfo, error) {
	issuer, err := f.discovery.AuthorizationServerFor(ctx, f.serverURL)
	if err != nil {
		return nil, nil, err
	}
	meta, err := f.discovery.ServerMetadata(ctx, issuer)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.ensureRegistration(ctx, meta)
	if err != nil {
		return nil, nil, err
	}
	return meta, info, nil
}

// ensureRegistration returns the stored client registration, performing
// dynamic client registration on first contact.
func (f *Flow) ensureRegistration(ctx context.Context, meta *ASMetadata) (*credstore.OAuthClientInfo, error) {
	info, err := f.provider.ClientInformation(ctx)
	if err != nil {
		return nil, err
	}
	if info != nil {
		return info, nil
	}
	if meta.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("issuer %s offers no registration endpoint and no client is registered", meta.Issuer)
	}

	payload, err := json.Marshal(f.provider.ClientMetadata())
	if err != nil {
		return nil, fmt.Errorf("marshal registration payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read registration response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		f.logger.Debug("client registration rejected", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("client registration failed with status %d", resp.StatusCode)
	}

	var reg struct {
		ClientID       string   `json:"client_id"`
		ClientSecret   string   `json:"client_secret"`
		RedirectURIs   []string `json:"redirect_uris"`
		TokenAuthMode  string   `json:"token_endpoint_auth_method"`
		ClientIssuedAt int64    `json:"client_id_issued_at"`
	}
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("parse registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	info = &credstore.OAuthClientInfo{
		ClientID:              reg.ClientID,
		ClientSecret:          reg.ClientSecret,
		RedirectURIs:          reg.RedirectURIs,
		TokenEndpointAuthMode: reg.TokenAuthMode,
		IssuedAt:              time.Unix(reg.ClientIssuedAt, 0),
	}
	if reg.ClientIssuedAt == 0 {
		info.IssuedAt = f.now()
	}
	if err := f.provider.SaveClientInformation(ctx, info); err != nil {
		return nil, err
	}
	f.logger.Info("registered oauth client", "issuer", meta.Issuer, "client_id", reg.ClientID)
	return info, nil
}

func (f *Flow) oauthConfig(info *credstore.OAuthClientInfo, meta *ASMetadata) *oauth2.Config {
	var redirect string
	if uris := f.provider.ClientMetadata().RedirectURIs; len(uris) > 0 {
		redirect = uris[0]
	}
	return &oauth2.Config{
		ClientID:     info.ClientID,
		ClientSecret: info.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       f.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}
}

func tokenSetFrom(tok *oauth2.Token) *credstore.OAuthTokenSet {
	scope, _ := tok.Extra("scope").(string)
	return &credstore.OAuthTokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}
}
