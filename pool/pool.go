// Package pool defines the connection pool contract: live MCP sessions keyed
// by the (tenant, server) pair. Two implementations exist, residentpool and
// actorpool, and both must pass the conformance suite in pool/pooltest.
// Pools own session lifetime only; persisted credentials are never theirs to
// touch.
package pool

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/upstream"
)

// ErrNoSession is returned when an operation addresses a (tenant, server)
// pair with no live session.
var ErrNoSession = errors.New("pool: no session for server")

// ErrClosed is returned by operations on a pool that has been shut down.
var ErrClosed = errors.New("pool: closed")

// Session is the subset of a live upstream session the pool manages and
// hands out. *upstream.Session satisfies it.
type Session interface {
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Meta() upstream.TransportMeta
	Close() error
}

// Dialer opens sessions on behalf of a pool. Both pool implementations share
// one production dialer; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (Session, error) {
	return f(ctx, tenantID, serverID, cfg)
}

// FromUpstream adapts the production SDK dialer to the pool's contract.
func FromUpstream(d upstream.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (Session, error) {
		s, err := d.Dial(ctx, tenantID, serverID, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// ConnectResult reports whether Connect opened a fresh session or found a
// live one already in place.
type ConnectResult struct {
	Reused bool
}

// SessionInfo is the introspection view of one pooled session.
type SessionInfo struct {
	ServerID    string                 `json:"serverId"`
	ServerName  string                 `json:"serverName,omitempty"`
	Transport   upstream.TransportMeta `json:"transport"`
	ConnectedAt time.Time              `json:"connectedAt"`
	LastUsedAt  time.Time              `json:"lastUsedAt"`
}

// Pool is the session pool contract.
//
// Connect is idempotent: a live session for the pair short-circuits with
// Reused true, and concurrent Connect calls for the same pair open at most
// one upstream session. A dial that fails or times out leaves no entry
// behind.
type Pool interface {
	Connect(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (ConnectResult, error)

	// Client returns the live session for the pair, bumping its last-used
	// time. ErrNoSession when absent.
	Client(ctx context.Context, tenantID, serverID string) (Session, error)

	Has(ctx context.Context, tenantID, serverID string) bool

	// Disconnect closes and removes the session. Unknown pairs are a
	// no-op; a failing close is logged, never surfaced.
	Disconnect(ctx context.Context, tenantID, serverID string) error

	List(ctx context.Context, tenantID string) ([]SessionInfo, error)
	Size(ctx context.Context, tenantID string) (int, error)
	TransportMeta(ctx context.Context, tenantID, serverID string) (upstream.TransportMeta, error)

	// Close shuts the pool down and closes every session.
	Close(ctx context.Context) error
}
