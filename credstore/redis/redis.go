// Package redis provides a Redis-backed credstore.Store so credentials and
// server configurations survive process restarts and are shared across relay
// instances. PKCE verifiers carry a native key TTL in addition to the
// timestamp check performed on read.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/mcp-relay/credstore"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: CREDSTORE_KEY_PREFIX
	KeyPrefix string `env:"CREDSTORE_KEY_PREFIX,default=relay:cred:"`
	// VerifierTTL bounds PKCE verifier lifetime. ENV: CREDSTORE_VERIFIER_TTL
	VerifierTTL time.Duration `env:"CREDSTORE_VERIFIER_TTL,default=10m"`
}

// Store implements credstore.Store on Redis.
type Store struct {
	client      *redis.Client
	keyPrefix   string
	verifierTTL time.Duration
}

// New creates a Store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relay:cred:"
	}
	ttl := cfg.VerifierTTL
	if ttl <= 0 {
		ttl = credstore.DefaultVerifierTTL
	}
	return &Store{client: cl, keyPrefix: prefix, verifierTTL: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config. A malformed
// environment value is an error, not a silent fallback to defaults.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return New(cfg)
}

func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) configKey(tenantID, serverID string) string {
	return s.keyPrefix + "cfg:" + tenantID + ":" + serverID
}
func (s *Store) clientKey(tenantID, serverID string) string {
	return s.keyPrefix + "client:" + tenantID + ":" + serverID
}
func (s *Store) tokensKey(tenantID, serverID string) string {
	return s.keyPrefix + "tokens:" + tenantID + ":" + serverID
}
func (s *Store) verifierKey(tenantID, serverID string) string {
	return s.keyPrefix + "verifier:" + tenantID + ":" + serverID
}

func (s *Store) getJSON(ctx context.Context, key string, ref any) (bool, error) {
	res, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(res), ref); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(ctx context.Context, key string, record any, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// --- Server config ---

func (s *Store) GetServerConfig(ctx context.Context, tenantID, serverID string) (*credstore.ServerConfig, error) {
	var cfg credstore.ServerConfig
	ok, err := s.getJSON(ctx, s.configKey(tenantID, serverID), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) PutServerConfig(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) error {
	return s.setJSON(ctx, s.configKey(tenantID, serverID), cfg, 0)
}

func (s *Store) DeleteServerConfig(ctx context.Context, tenantID, serverID string) error {
	return s.del(ctx, s.configKey(tenantID, serverID))
}

func (s *Store) ListServerIDs(ctx context.Context, tenantID string) ([]string, error) {
	prefix := s.keyPrefix + "cfg:" + tenantID + ":"
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, cur, err := s.client.Scan(ctx, cursor, prefix+"*", 50).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, k[len(prefix):])
		}
		if cur == 0 {
			return ids, nil
		}
		cursor = cur
	}
}

// --- OAuth client registration ---

func (s *Store) GetClientInfo(ctx context.Context, tenantID, serverID string) (*credstore.OAuthClientInfo, error) {
	var info credstore.OAuthClientInfo
	ok, err := s.getJSON(ctx, s.clientKey(tenantID, serverID), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

func (s *Store) PutClientInfo(ctx context.Context, tenantID, serverID string, info *credstore.OAuthClientInfo) error {
	return s.setJSON(ctx, s.clientKey(tenantID, serverID), info, 0)
}

func (s *Store) DeleteClientInfo(ctx context.Context, tenantID, serverID string) error {
	return s.del(ctx, s.clientKey(tenantID, serverID))
}

// --- Tokens ---

func (s *Store) GetTokens(ctx context.Context, tenantID, serverID string) (*credstore.OAuthTokenSet, error) {
	var tokens credstore.OAuthTokenSet
	ok, err := s.getJSON(ctx, s.tokensKey(tenantID, serverID), &tokens)
	if err != nil || !ok {
		return nil, err
	}
	return &tokens, nil
}

func (s *Store) PutTokens(ctx context.Context, tenantID, serverID string, tokens *credstore.OAuthTokenSet) error {
	return s.setJSON(ctx, s.tokensKey(tenantID, serverID), tokens, 0)
}

func (s *Store) DeleteTokens(ctx context.Context, tenantID, serverID string) error {
	return s.del(ctx, s.tokensKey(tenantID, serverID))
}

// --- PKCE verifier ---

func (s *Store) GetVerifier(ctx context.Context, tenantID, serverID string) (*credstore.PKCEVerifier, error) {
	key := s.verifierKey(tenantID, serverID)
	var v credstore.PKCEVerifier
	ok, err := s.getJSON(ctx, key, &v)
	if err != nil || !ok {
		return nil, err
	}
	// The key TTL usually handles expiry; the timestamp check covers clock
	// drift between writer and Redis.
	if time.Since(v.CreatedAt) > s.verifierTTL {
		_ = s.del(context.WithoutCancel(ctx), key)
		return nil, nil
	}
	return &v, nil
}

func (s *Store) PutVerifier(ctx context.Context, tenantID, serverID string, v *credstore.PKCEVerifier) error {
	return s.setJSON(ctx, s.verifierKey(tenantID, serverID), v, s.verifierTTL)
}

func (s *Store) DeleteVerifier(ctx context.Context, tenantID, serverID string) error {
	return s.del(ctx, s.verifierKey(tenantID, serverID))
}

var _ credstore.Store = (*Store)(nil)
