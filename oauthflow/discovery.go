package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// metadataCacheTTL bounds how long discovered authorization-server metadata
// is reused before a refetch.
const metadataCacheTTL = 30 * time.Minute

// ASMetadata is the subset of RFC 8414 authorization-server metadata the flow
// needs.
type ASMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`
}

// ResourceMetadata is the subset of RFC 9728 protected-resource metadata used
// to locate a target server's authorization server.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
}

type metadataCacheEntry struct {
	metadata  *ASMetadata
	fetchedAt time.Time
}

// Discovery resolves and caches authorization-server metadata. Concurrent
// lookups for the same issuer are deduplicated.
type Discovery struct {
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]*metadataCacheEntry

	group singleflight.Group
}

// NewDiscovery creates a Discovery using httpClient, or a default 30-second
// client when nil.
func NewDiscovery(httpClient *http.Client) *Discovery {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Discovery{
		httpClient: httpClient,
		cache:      make(map[string]*metadataCacheEntry),
	}
}

// AuthorizationServerFor locates the issuer responsible for the target server
// at serverURL via RFC 9728 protected-resource metadata, defaulting to the
// server's own origin when the well-known document is absent.
func (d *Discovery) AuthorizationServerFor(ctx context.Context, serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	origin := u.Scheme + "://" + u.Host

	wellKnown := origin + "/.well-known/oauth-protected-resource"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch resource metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return origin, nil
	}
	var meta ResourceMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("parse resource metadata: %w", err)
	}
	if len(meta.AuthorizationServers) == 0 {
		return origin, nil
	}
	return meta.AuthorizationServers[0], nil
}

// ServerMetadata fetches (with caching and singleflight dedup) the
// authorization-server metadata for issuer, trying RFC 8414 first and OpenID
// Connect discovery as a fallback.
func (d *Discovery) ServerMetadata(ctx context.Context, issuer string) (*ASMetadata, error) {
	d.mu.RLock()
	if entry, ok := d.cache[issuer]; ok && time.Since(entry.fetchedAt) < metadataCacheTTL {
		d.mu.RUnlock()
		return entry.metadata, nil
	}
	d.mu.RUnlock()

	result, err, _ := d.group.Do(issuer, func() (any, error) {
		d.mu.RLock()
		if entry, ok := d.cache[issuer]; ok && time.Since(entry.fetchedAt) < metadataCacheTTL {
			d.mu.RUnlock()
			return entry.metadata, nil
		}
		d.mu.RUnlock()

		return d.fetchServerMetadata(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ASMetadata), nil
}

func (d *Discovery) fetchServerMetadata(ctx context.Context, issuer string) (*ASMetadata, error) {
	base := strings.TrimSuffix(issuer, "/")
	for _, wellKnown := range []string{
		base + "/.well-known/oauth-authorization-server",
		base + "/.well-known/openid-configuration",
	} {
		meta, err := d.fetchOne(ctx, wellKnown)
		if err != nil {
			continue
		}
		if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
			return nil, fmt.Errorf("issuer %s: metadata missing endpoints", issuer)
		}
		d.mu.Lock()
		d.cache[issuer] = &metadataCacheEntry{metadata: meta, fetchedAt: time.Now()}
		d.mu.Unlock()
		return meta, nil
	}
	return nil, fmt.Errorf("no authorization server metadata found for %s", issuer)
}

func (d *Discovery) fetchOne(ctx context.Context, wellKnown string) (*ASMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, wellKnown)
	}
	var meta ASMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("parse metadata from %s: %w", wellKnown, err)
	}
	return &meta, nil
}
