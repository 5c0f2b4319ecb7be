// Package credstore defines the persisted, tenant-scoped storage contract for
// server configurations and OAuth credentials. Every record is keyed by the
// full (tenant, server) pair and written as a whole-record replace, which is
// what makes the store safe for concurrent access without record-level locks.
package credstore

import (
	"context"
	"time"
)

// DefaultVerifierTTL bounds how long a PKCE verifier may be used to redeem an
// authorization code. Stale verifiers must be rejected on read.
const DefaultVerifierTTL = 10 * time.Minute

// ServerConfig is the persisted description of a target server, sufficient to
// re-establish a session after a restart without user intervention.
type ServerConfig struct {
	ServerName    string    `json:"serverName"`
	URL           string    `json:"url"`
	TransportKind string    `json:"transportKind"`
	Auth          *AuthSpec `json:"auth,omitempty"`
}

// AuthSpec describes how the target server authenticates the relay.
type AuthSpec struct {
	// Type is "none" or "oauth".
	Type string `json:"type"`
	// Scopes requested during the OAuth flow, if any.
	Scopes []string `json:"scopes,omitempty"`
}

// OAuthRequired reports whether the config demands the OAuth flow.
func (c *ServerConfig) OAuthRequired() bool {
	return c != nil && c.Auth != nil && c.Auth.Type == "oauth"
}

// OAuthClientInfo holds the registration returned by the target's dynamic
// client registration endpoint. Created once per (tenant, server) and reused
// indefinitely.
type OAuthClientInfo struct {
	ClientID              string    `json:"clientId"`
	ClientSecret          string    `json:"clientSecret,omitempty"`
	RedirectURIs          []string  `json:"redirectUris,omitempty"`
	TokenEndpointAuthMode string    `json:"tokenEndpointAuthMethod,omitempty"`
	IssuedAt              time.Time `json:"issuedAt,omitzero"`
}

// OAuthTokenSet is the persisted token material for a (tenant, server) pair.
// Presence does not imply validity: Expiry must be checked before reuse, and
// absence triggers re-authorization rather than failure.
type OAuthTokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	Scope        string    `json:"scope,omitempty"`
}

// Expired reports whether the access token is past its expiry, with a small
// safety margin so a token isn't presented moments before it lapses.
func (t *OAuthTokenSet) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(30 * time.Second).Before(t.Expiry)
}

// PKCEVerifier is the short-lived proof-key verifier for an in-flight
// authorization attempt.
type PKCEVerifier struct {
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence contract. Implementations return (nil, nil) for
// absent records; an error indicates a storage-system failure, never a miss.
//
// Both backends are substitutable; the credstoretest package holds the
// conformance suite they must share.
type Store interface {
	GetServerConfig(ctx context.Context, tenantID, serverID string) (*ServerConfig, error)
	PutServerConfig(ctx context.Context, tenantID, serverID string, cfg *ServerConfig) error
	DeleteServerConfig(ctx context.Context, tenantID, serverID string) error
	// ListServerIDs returns the server ids with a persisted config for the
	// tenant, in unspecified order.
	ListServerIDs(ctx context.Context, tenantID string) ([]string, error)

	GetClientInfo(ctx context.Context, tenantID, serverID string) (*OAuthClientInfo, error)
	PutClientInfo(ctx context.Context, tenantID, serverID string, info *OAuthClientInfo) error
	DeleteClientInfo(ctx context.Context, tenantID, serverID string) error

	GetTokens(ctx context.Context, tenantID, serverID string) (*OAuthTokenSet, error)
	PutTokens(ctx context.Context, tenantID, serverID string, tokens *OAuthTokenSet) error
	DeleteTokens(ctx context.Context, tenantID, serverID string) error

	// GetVerifier enforces the verifier TTL: a verifier older than the store's
	// configured TTL is treated as absent and purged.
	GetVerifier(ctx context.Context, tenantID, serverID string) (*PKCEVerifier, error)
	PutVerifier(ctx context.Context, tenantID, serverID string, v *PKCEVerifier) error
	DeleteVerifier(ctx context.Context, tenantID, serverID string) error

	Close() error
}
