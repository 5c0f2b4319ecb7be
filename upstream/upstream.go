// Package upstream opens MCP client sessions against target servers using
// the official go-sdk. A dialer turns a persisted server configuration into
// a live session; it knows nothing about pooling or tenancy beyond the pair
// it is asked to dial for. When a target demands OAuth, the dialer injects
// bearer tokens and surfaces the authorization flow's typed signal.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/oauthflow"
)

// Transport kinds accepted in ServerConfig.TransportKind.
const (
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
	TransportCommand    = "command"
)

// TransportMeta describes how a live session reaches its target.
type TransportMeta struct {
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Session wraps a connected MCP client session together with its transport
// metadata.
type Session struct {
	cs   *mcp.ClientSession
	meta TransportMeta
}

func (s *Session) Meta() TransportMeta { return s.meta }

// ServerInfo returns the implementation info the target reported during
// initialization.
func (s *Session) ServerInfo() *mcp.Implementation {
	return s.cs.InitializeResult().ServerInfo
}

// ListTools returns the target's full tool list, following pagination.
func (s *Session) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	var cursor string
	for {
		res, err := s.cs.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool forwards one tool invocation. Arguments pass through opaque; the
// relay never validates them against the target's schemas.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Wait blocks until the underlying transport drops.
func (s *Session) Wait() error { return s.cs.Wait() }

func (s *Session) Close() error { return s.cs.Close() }

// Dialer opens a session for the given (tenant, server) pair. A dial that
// needs user interaction fails with *oauthflow.AuthorizationRequiredError.
type Dialer interface {
	Dial(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (*Session, error)
}

// SDKDialer is the production Dialer. It builds one OAuth flow per dial,
// scoped to the pair, over the shared credential store and a shared
// discovery cache.
type SDKDialer struct {
	store      credstore.Store
	impl       *mcp.Implementation
	metadata   oauthflow.ClientMetadata
	httpClient *http.Client
	discovery  *oauthflow.Discovery
	logger     *slog.Logger
}

type DialerOption func(*SDKDialer)

// WithHTTPClient overrides the HTTP client used for streamable and SSE
// transports and for the OAuth endpoints.
func WithHTTPClient(c *http.Client) DialerOption {
	return func(d *SDKDialer) { d.httpClient = c }
}

// WithLogger sets the dialer's logger.
func WithLogger(l *slog.Logger) DialerOption {
	return func(d *SDKDialer) { d.logger = l }
}

// WithClientMetadata sets the registration payload presented to targets that
// support dynamic client registration.
func WithClientMetadata(md oauthflow.ClientMetadata) DialerOption {
	return func(d *SDKDialer) { d.metadata = md }
}

func NewSDKDialer(store credstore.Store, opts ...DialerOption) *SDKDialer {
	d := &SDKDialer{
		store: store,
		impl:  &mcp.Implementation{Name: "mcp-relay", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.discovery = oauthflow.NewDiscovery(d.httpClient)
	return d
}

func (d *SDKDialer) Dial(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dial %s: nil server config", serverID)
	}

	hc := d.httpClient
	var bt *bearerTransport
	if cfg.OAuthRequired() {
		provider := oauthflow.NewStoreProvider(d.store, tenantID, serverID, d.metadata)
		flow := oauthflow.NewFlow(provider, cfg.URL, cfg.Auth.Scopes,
			oauthflow.WithHTTPClient(d.httpClient),
			oauthflow.WithDiscovery(d.discovery),
			oauthflow.WithLogger(d.logger))
		bt = &bearerTransport{base: baseTransport(d.httpClient), flow: flow, provider: provider}
		hc = &http.Client{Transport: bt, Timeout: d.httpClient.Timeout}
	}

	transport, meta, err := buildTransport(cfg, hc)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(d.impl, &mcp.ClientOptions{})
	cs, err := client.Connect(ctx, transport, &mcp.ClientSessionOptions{})
	if err != nil {
		// The SDK wraps transport errors; the typed signal recorded by
		// the round tripper is the one callers must see.
		if bt != nil {
			if are := bt.pending(); are != nil {
				return nil, are
			}
		}
		return nil, fmt.Errorf("dial %s: %w", serverID, err)
	}
	return &Session{cs: cs, meta: meta}, nil
}

func buildTransport(cfg *credstore.ServerConfig, hc *http.Client) (mcp.Transport, TransportMeta, error) {
	switch cfg.TransportKind {
	case TransportStreamable, "":
		t := &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: hc}
		return t, TransportMeta{Kind: TransportStreamable, Endpoint: cfg.URL}, nil
	case TransportSSE:
		t := &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: hc}
		return t, TransportMeta{Kind: TransportSSE, Endpoint: cfg.URL}, nil
	case TransportCommand:
		// The URL field carries the command line for process-backed servers.
		parts := strings.Fields(cfg.URL)
		if len(parts) == 0 {
			return nil, TransportMeta{}, fmt.Errorf("command transport needs a command line")
		}
		cmd := exec.Command(parts[0], parts[1:]...)
		return &mcp.CommandTransport{Command: cmd}, TransportMeta{Kind: TransportCommand, Endpoint: parts[0]}, nil
	default:
		return nil, TransportMeta{}, fmt.Errorf("unknown transport kind %q", cfg.TransportKind)
	}
}

func baseTransport(c *http.Client) http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}
