package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/mcp-relay/credstore"
)

// StoreProvider implements Provider over a credstore.Store, scoped to one
// (tenant, server) pair.
type StoreProvider struct {
	store    credstore.Store
	tenantID string
	serverID string
	metadata ClientMetadata
}

// NewStoreProvider binds a provider to the given pair. metadata should carry
// the relay's registration payload (name, redirect URIs).
func NewStoreProvider(store credstore.Store, tenantID, serverID string, metadata ClientMetadata) *StoreProvider {
	if len(metadata.GrantTypes) == 0 {
		metadata.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(metadata.ResponseTypes) == 0 {
		metadata.ResponseTypes = []string{"code"}
	}
	if metadata.TokenEndpointAuthMethod == "" {
		metadata.TokenEndpointAuthMethod = "none"
	}
	return &StoreProvider{
		store:    store,
		tenantID: tenantID,
		serverID: serverID,
		metadata: metadata,
	}
}

func (p *StoreProvider) ClientMetadata() ClientMetadata { return p.metadata }

func (p *StoreProvider) State(ctx context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (p *StoreProvider) ClientInformation(ctx context.Context) (*credstore.OAuthClientInfo, error) {
	return p.store.GetClientInfo(ctx, p.tenantID, p.serverID)
}

// SaveClientInformation persists a registration exactly once. An existing
// registration with a different client id is a conflict; it must be
// invalidated explicitly before re-registering.
func (p *StoreProvider) SaveClientInformation(ctx context.Context, info *credstore.OAuthClientInfo) error {
	existing, err := p.store.GetClientInfo(ctx, p.tenantID, p.serverID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ClientID != info.ClientID {
		return fmt.Errorf("%w: client %s", ErrClientInfoConflict, existing.ClientID)
	}
	return p.store.PutClientInfo(ctx, p.tenantID, p.serverID, info)
}

func (p *StoreProvider) Tokens(ctx context.Context) (*credstore.OAuthTokenSet, error) {
	return p.store.GetTokens(ctx, p.tenantID, p.serverID)
}

func (p *StoreProvider) SaveTokens(ctx context.Context, tokens *credstore.OAuthTokenSet) error {
	return p.store.PutTokens(ctx, p.tenantID, p.serverID, tokens)
}

func (p *StoreProvider) RedirectToAuthorization(authorizationURL string) error {
	return &AuthorizationRequiredError{AuthorizationURL: authorizationURL}
}

func (p *StoreProvider) CodeVerifier(ctx context.Context) (string, error) {
	v, err := p.store.GetVerifier(ctx, p.tenantID, p.serverID)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", ErrVerifierExpired
	}
	return v.Verifier, nil
}

func (p *StoreProvider) SaveCodeVerifier(ctx context.Context, verifier string) error {
	return p.store.PutVerifier(ctx, p.tenantID, p.serverID, &credstore.PKCEVerifier{
		Verifier:  verifier,
		CreatedAt: time.Now(),
	})
}

func (p *StoreProvider) InvalidateCredentials(ctx context.Context, scope InvalidationScope) error {
	switch scope {
	case InvalidateAll:
		return errors.Join(
			p.store.DeleteClientInfo(ctx, p.tenantID, p.serverID),
			p.store.DeleteTokens(ctx, p.tenantID, p.serverID),
			p.store.DeleteVerifier(ctx, p.tenantID, p.serverID),
		)
	case InvalidateClient:
		return p.store.DeleteClientInfo(ctx, p.tenantID, p.serverID)
	case InvalidateTokens:
		return p.store.DeleteTokens(ctx, p.tenantID, p.serverID)
	case InvalidateVerifier:
		return p.store.DeleteVerifier(ctx, p.tenantID, p.serverID)
	default:
		return fmt.Errorf("unknown invalidation scope %q", scope)
	}
}

var _ Provider = (*StoreProvider)(nil)
