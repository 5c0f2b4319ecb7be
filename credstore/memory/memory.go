// Package memory provides an in-memory credstore.Store backed by an LRU cache.
// Suitable for single-process deployments and tests; state does not survive a
// restart, which is exactly the scenario the reconnect orchestrator plus a
// durable backend exist to cover.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaykit/mcp-relay/credstore"
)

const defaultMaxItems = 4096

const (
	kindServerConfig = "cfg"
	kindClientInfo   = "client"
	kindTokens       = "tokens"
	kindVerifier     = "verifier"
)

type item struct {
	data      []byte
	createdAt time.Time
}

// Store implements credstore.Store in memory.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *item]

	verifierTTL time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithVerifierTTL overrides the PKCE verifier TTL.
func WithVerifierTTL(ttl time.Duration) Option {
	return func(s *Store) { s.verifierTTL = ttl }
}

// New creates an in-memory store bounded to maxItems entries. maxItems <= 0
// selects a default.
func New(maxItems int, opts ...Option) (*Store, error) {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	cache, err := lru.New[string, *item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	s := &Store{
		cache:       cache,
		verifierTTL: credstore.DefaultVerifierTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func key(kind, tenantID, serverID string) string {
	return kind + ":" + tenantID + ":" + serverID
}

func (s *Store) get(k string, ref any) (bool, error) {
	s.mu.RLock()
	it, ok := s.cache.Get(k)
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(it.data, ref); err != nil {
		return false, fmt.Errorf("unmarshal stored record: %w", err)
	}
	return true, nil
}

func (s *Store) put(k string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	s.mu.Lock()
	s.cache.Add(k, &item{data: data, createdAt: s.now()})
	s.mu.Unlock()
	return nil
}

func (s *Store) delete(k string) {
	s.mu.Lock()
	s.cache.Remove(k)
	s.mu.Unlock()
}

func (s *Store) GetServerConfig(ctx context.Context, tenantID, serverID string) (*credstore.ServerConfig, error) {
	var cfg credstore.ServerConfig
	ok, err := s.get(key(kindServerConfig, tenantID, serverID), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) PutServerConfig(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) error {
	return s.put(key(kindServerConfig, tenantID, serverID), cfg)
}

func (s *Store) DeleteServerConfig(ctx context.Context, tenantID, serverID string) error {
	s.delete(key(kindServerConfig, tenantID, serverID))
	return nil
}

func (s *Store) ListServerIDs(ctx context.Context, tenantID string) ([]string, error) {
	prefix := key(kindServerConfig, tenantID, "")
	s.mu.RLock()
	keys := s.cache.Keys()
	s.mu.RUnlock()

	var ids []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
	}
	return ids, nil
}

func (s *Store) GetClientInfo(ctx context.Context, tenantID, serverID string) (*credstore.OAuthClientInfo, error) {
	var info credstore.OAuthClientInfo
	ok, err := s.get(key(kindClientInfo, tenantID, serverID), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

func (s *Store) PutClientInfo(ctx context.Context, tenantID, serverID string, info *credstore.OAuthClientInfo) error {
	return s.put(key(kindClientInfo, tenantID, serverID), info)
}

func (s *Store) DeleteClientInfo(ctx context.Context, tenantID, serverID string) error {
	s.delete(key(kindClientInfo, tenantID, serverID))
	return nil
}

func (s *Store) GetTokens(ctx context.Context, tenantID, serverID string) (*credstore.OAuthTokenSet, error) {
	var tokens credstore.OAuthTokenSet
	ok, err := s.get(key(kindTokens, tenantID, serverID), &tokens)
	if err != nil || !ok {
		return nil, err
	}
	return &tokens, nil
}

func (s *Store) PutTokens(ctx context.Context, tenantID, serverID string, tokens *credstore.OAuthTokenSet) error {
	return s.put(key(kindTokens, tenantID, serverID), tokens)
}

func (s *Store) DeleteTokens(ctx context.Context, tenantID, serverID string) error {
	s.delete(key(kindTokens, tenantID, serverID))
	return nil
}

func (s *Store) GetVerifier(ctx context.Context, tenantID, serverID string) (*credstore.PKCEVerifier, error) {
	k := key(kindVerifier, tenantID, serverID)
	var v credstore.PKCEVerifier
	ok, err := s.get(k, &v)
	if err != nil || !ok {
		return nil, err
	}
	if s.now().Sub(v.CreatedAt) > s.verifierTTL {
		s.delete(k)
		return nil, nil
	}
	return &v, nil
}

func (s *Store) PutVerifier(ctx context.Context, tenantID, serverID string, v *credstore.PKCEVerifier) error {
	return s.put(key(kindVerifier, tenantID, serverID), v)
}

func (s *Store) DeleteVerifier(ctx context.Context, tenantID, serverID string) error {
	s.delete(key(kindVerifier, tenantID, serverID))
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

var _ credstore.Store = (*Store)(nil)
