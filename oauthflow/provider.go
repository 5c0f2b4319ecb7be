// Package oauthflow implements the OAuth 2.1 + PKCE client side of the relay:
// the persistence callbacks an authorization-aware client expects, metadata
// discovery, dynamic client registration, and the authorization-code flow
// itself. The relay is strictly an OAuth client; it never acts as an
// authorization server.
package oauthflow

import (
	"context"

	"github.com/relaykit/mcp-relay/credstore"
)

// InvalidationScope selects which credential slice to delete.
type InvalidationScope string

const (
	// InvalidateAll deletes registration, tokens, and verifier.
	InvalidateAll InvalidationScope = "all"
	// InvalidateClient deletes only the dynamic client registration.
	InvalidateClient InvalidationScope = "client"
	// InvalidateTokens deletes only the token set.
	InvalidateTokens InvalidationScope = "tokens"
	// InvalidateVerifier deletes only the PKCE verifier.
	InvalidateVerifier InvalidationScope = "verifier"
)

// ClientMetadata is the static registration payload presented to the target's
// dynamic client registration endpoint.
type ClientMetadata struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// Provider is the callback contract the authorization flow drives. One
// provider instance is bound to a single (tenant, server) pair.
//
// RedirectToAuthorization must not redirect: it returns the typed
// *AuthorizationRequiredError carrying the URL for the external UI.
type Provider interface {
	ClientMetadata() ClientMetadata

	// State returns a fresh random state token for a new authorization
	// attempt.
	State(ctx context.Context) (string, error)

	ClientInformation(ctx context.Context) (*credstore.OAuthClientInfo, error)
	SaveClientInformation(ctx context.Context, info *credstore.OAuthClientInfo) error

	Tokens(ctx context.Context) (*credstore.OAuthTokenSet, error)
	SaveTokens(ctx context.Context, tokens *credstore.OAuthTokenSet) error

	RedirectToAuthorization(authorizationURL string) error

	// CodeVerifier returns the stored PKCE verifier, enforcing its TTL;
	// ErrVerifierExpired when missing or stale.
	CodeVerifier(ctx context.Context) (string, error)
	SaveCodeVerifier(ctx context.Context, verifier string) error

	InvalidateCredentials(ctx context.Context, scope InvalidationScope) error
}
