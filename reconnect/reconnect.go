// Package reconnect restores dropped sessions from persisted configuration.
// The relay survives restarts because every successful connect stored its
// ServerConfig; before any operation that needs a live session, the
// orchestrator quietly re-dials from that record.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/pool"
)

// ErrNotConnectedNoConfig means the pair has no live session and no stored
// configuration to restore one from. The caller must ask the user to connect
// explicitly.
var ErrNotConnectedNoConfig = errors.New("reconnect: not connected and no stored configuration")

// Orchestrator re-establishes sessions on demand.
type Orchestrator struct {
	pool   pool.Pool
	store  credstore.Store
	logger *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(p pool.Pool, store credstore.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{pool: p, store: store}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// EnsureConnected guarantees a live session for the pair or explains why one
// cannot exist. A live session is a no-op. Otherwise the stored ServerConfig
// drives a fresh connect; its auth spec rebinds the OAuth flow, so targets
// with stored tokens reconnect without user interaction and targets without
// surface the authorization signal.
func (o *Orchestrator) EnsureConnected(ctx context.Context, tenantID, serverID string) error {
	if o.pool.Has(ctx, tenantID, serverID) {
		return nil
	}

	cfg, err := o.store.GetServerConfig(ctx, tenantID, serverID)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("%s/%s: %w", tenantID, serverID, ErrNotConnectedNoConfig)
	}

	res, err := o.pool.Connect(ctx, tenantID, serverID, cfg)
	if err != nil {
		return err
	}
	if !res.Reused {
		o.logger.InfoContext(ctx, "restored session from stored configuration",
			slog.String("tenant_id", tenantID),
			slog.String("server_id", serverID))
	}
	return nil
}
