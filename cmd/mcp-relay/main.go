// Command mcp-relay runs the multi-tenant MCP relay service. All configuration
// comes from the environment; see the Config struct for the recognized
// variables. A SIGINT or SIGTERM drains in-flight requests and closes every
// pooled upstream session before exiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	relay "github.com/relaykit/mcp-relay"
	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/credstore/memory"
	credredis "github.com/relaykit/mcp-relay/credstore/redis"
	"github.com/relaykit/mcp-relay/oauthflow"
	"github.com/relaykit/mcp-relay/pool"
	"github.com/relaykit/mcp-relay/pool/actorpool"
	"github.com/relaykit/mcp-relay/pool/residentpool"
	"github.com/relaykit/mcp-relay/tenantauth"
	"github.com/relaykit/mcp-relay/upstream"
)

// Config is populated from the environment via envdecode.
type Config struct {
	// ListenAddr for the HTTP server. ENV: RELAY_LISTEN_ADDR
	ListenAddr string `env:"RELAY_LISTEN_ADDR,default=127.0.0.1:8080"`
	// StoreBackend selects the credential store: "memory" or "redis".
	// ENV: RELAY_STORE
	StoreBackend string `env:"RELAY_STORE,default=memory"`
	// PoolBackend selects the connection pool: "resident" or "actor".
	// ENV: RELAY_POOL
	PoolBackend string `env:"RELAY_POOL,default=resident"`
	// KeySetFile points at a signing keyset on disk. The file is watched and
	// hot-reloaded on change. Empty generates an ephemeral key, which means
	// issued tokens do not survive a restart. ENV: RELAY_KEYSET_FILE
	KeySetFile string `env:"RELAY_KEYSET_FILE"`
	// OpaqueSecret enables the legacy HMAC opaque-token fallback when set.
	// ENV: RELAY_OPAQUE_SECRET
	OpaqueSecret string `env:"RELAY_OPAQUE_SECRET"`
	// TokenTTL bounds issued tenant tokens. ENV: RELAY_TOKEN_TTL
	TokenTTL time.Duration `env:"RELAY_TOKEN_TTL,default=1h"`
	// ClientName and RedirectURIs form the dynamic client registration
	// payload presented to OAuth-protected targets.
	// ENV: RELAY_CLIENT_NAME, RELAY_REDIRECT_URIS (comma separated)
	ClientName   string `env:"RELAY_CLIENT_NAME,default=mcp-relay"`
	RedirectURIs string `env:"RELAY_REDIRECT_URIS"`
	// ExternalIssuer, when set together with ExternalAudience, additionally
	// accepts bearer tokens issued by that OIDC authorization server. The
	// token's subject becomes the tenant id.
	// ENV: RELAY_EXTERNAL_ISSUER, RELAY_EXTERNAL_AUDIENCE
	ExternalIssuer   string `env:"RELAY_EXTERNAL_ISSUER"`
	ExternalAudience string `env:"RELAY_EXTERNAL_AUDIENCE"`
	// AllowedOrigins is a comma-separated allow list for the token endpoint.
	// Empty allows requests with no Origin header only from non-browser
	// clients; browsers are checked against this list.
	// ENV: RELAY_ALLOWED_ORIGINS
	AllowedOrigins string `env:"RELAY_ALLOWED_ORIGINS"`
	// RateLimit caps invocations per server per window. ENV: RELAY_RATE_LIMIT
	RateLimit int `env:"RELAY_RATE_LIMIT,default=30"`
	// RatePeriod is the rate limit window. ENV: RELAY_RATE_PERIOD
	RatePeriod time.Duration `env:"RELAY_RATE_PERIOD,default=1m"`
	// SweepInterval and IdleThreshold tune the actor pool's idle reaping.
	// ENV: RELAY_POOL_SWEEP_INTERVAL, RELAY_POOL_IDLE_THRESHOLD
	SweepInterval time.Duration `env:"RELAY_POOL_SWEEP_INTERVAL,default=5m"`
	IdleThreshold time.Duration `env:"RELAY_POOL_IDLE_THRESHOLD,default=30m"`
	// ShutdownGrace bounds the drain on SIGTERM. ENV: RELAY_SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"RELAY_SHUTDOWN_GRACE,default=15s"`
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := run(log); err != nil {
		log.Error("relay exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := newKeySet(ctx, cfg, log)
	if err != nil {
		return err
	}
	authnOpts := []tenantauth.Option{tenantauth.WithTokenTTL(cfg.TokenTTL)}
	if cfg.OpaqueSecret != "" {
		authnOpts = append(authnOpts, tenantauth.WithOpaqueFallback([]byte(cfg.OpaqueSecret)))
	}
	if cfg.ExternalIssuer != "" {
		extCfg := tenantauth.DefaultExternalConfig()
		extCfg.Issuer = cfg.ExternalIssuer
		extCfg.ExpectedAudience = cfg.ExternalAudience
		ext, err := tenantauth.NewExternalFromDiscovery(ctx, extCfg)
		if err != nil {
			return fmt.Errorf("external verifier: %w", err)
		}
		authnOpts = append(authnOpts, tenantauth.WithExternalVerifier(ext))
	}
	authn := tenantauth.New(keys, authnOpts...)

	metadata := clientMetadata(cfg)
	dialer := upstream.NewSDKDialer(store,
		upstream.WithLogger(log),
		upstream.WithClientMetadata(metadata),
	)
	sessions, err := newPool(cfg, dialer, log)
	if err != nil {
		return err
	}

	opts := []relay.Option{
		relay.WithLogger(log),
		relay.WithRateLimit(cfg.RateLimit, cfg.RatePeriod),
		relay.WithClientMetadata(metadata),
	}
	if cfg.AllowedOrigins != "" {
		opts = append(opts, relay.WithAllowedOrigins(splitList(cfg.AllowedOrigins)))
	}
	h, err := relay.New(store, sessions, authn, opts...)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("store", cfg.StoreBackend),
			slog.String("pool", cfg.PoolBackend),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down", slog.Duration("grace", cfg.ShutdownGrace))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn("http drain incomplete", slog.String("err", err.Error()))
	}
	if err := sessions.Close(drainCtx); err != nil {
		log.Warn("pool close incomplete", slog.String("err", err.Error()))
	}
	if err := h.Close(); err != nil {
		log.Warn("handler close incomplete", slog.String("err", err.Error()))
	}
	return nil
}

func newStore(cfg Config) (credstore.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return memory.New(0)
	case "redis":
		s, err := credredis.NewFromEnv()
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newPool(cfg Config, dialer upstream.Dialer, log *slog.Logger) (pool.Pool, error) {
	d := pool.FromUpstream(dialer)
	switch cfg.PoolBackend {
	case "resident":
		return residentpool.New(d, residentpool.WithLogger(log)), nil
	case "actor":
		return actorpool.New(d,
			actorpool.WithLogger(log),
			actorpool.WithSweepInterval(cfg.SweepInterval),
			actorpool.WithIdleThreshold(cfg.IdleThreshold),
		), nil
	default:
		return nil, fmt.Errorf("unknown pool backend %q", cfg.PoolBackend)
	}
}

func newKeySet(ctx context.Context, cfg Config, log *slog.Logger) (tenantauth.KeySet, error) {
	if cfg.KeySetFile != "" {
		ks, err := tenantauth.WatchKeySetFile(ctx, cfg.KeySetFile, log)
		if err != nil {
			return nil, fmt.Errorf("load keyset: %w", err)
		}
		return ks, nil
	}
	log.Warn("no keyset file configured, generating an ephemeral signing key")
	return tenantauth.NewGeneratedKeySet(uuid.NewString())
}

func clientMetadata(cfg Config) oauthflow.ClientMetadata {
	return oauthflow.ClientMetadata{
		ClientName:   cfg.ClientName,
		RedirectURIs: splitList(cfg.RedirectURIs),
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
