package residentpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/pool"
	"github.com/relaykit/mcp-relay/upstream"
)

// Pool is the resident implementation of pool.Pool.
type Pool struct {
	dialer pool.Dialer
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[key]*entry
	closed   bool

	group singleflight.Group
}

type key struct {
	tenant string
	server string
}

func (k key) flight() string { return k.tenant + "\x00" + k.server }

type entry struct {
	sess        pool.Session
	serverName  string
	connectedAt time.Time
	lastUsedAt  time.Time
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func New(dialer pool.Dialer, opts ...Option) *Pool {
	p := &Pool{
		dialer:   dialer,
		sessions: make(map[key]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

var _ pool.Pool = (*Pool)(nil)

func (p *Pool) Connect(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (pool.ConnectResult, error) {
	k := key{tenantID, serverID}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return pool.ConnectResult{}, pool.ErrClosed
	}
	if _, ok := p.sessions[k]; ok {
		p.mu.Unlock()
		return pool.ConnectResult{Reused: true}, nil
	}
	p.mu.Unlock()

	// The winner dials; concurrent callers for the same pair join the
	// flight and report the session as reused.
	reused := true
	_, err, _ := p.group.Do(k.flight(), func() (any, error) {
		p.mu.Lock()
		if _, ok := p.sessions[k]; ok {
			p.mu.Unlock()
			return nil, nil
		}
		p.mu.Unlock()

		sess, err := p.dialer.Dial(ctx, tenantID, serverID, cfg)
		if err != nil {
			return nil, err
		}

		now := p.now()
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			sess.Close()
			return nil, pool.ErrClosed
		}
		p.sessions[k] = &entry{
			sess:        sess,
			serverName:  cfg.ServerName,
			connectedAt: now,
			lastUsedAt:  now,
		}
		p.mu.Unlock()
		reused = false
		return nil, nil
	})
	if err != nil {
		return pool.ConnectResult{}, err
	}
	return pool.ConnectResult{Reused: reused}, nil
}

func (p *Pool) Client(ctx context.Context, tenantID, serverID string) (pool.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[key{tenantID, serverID}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", tenantID, serverID, pool.ErrNoSession)
	}
	e.lastUsedAt = p.now()
	return e.sess, nil
}

func (p *Pool) Has(ctx context.Context, tenantID, serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[key{tenantID, serverID}]
	return ok
}

func (p *Pool) Disconnect(ctx context.Context, tenantID, serverID string) error {
	k := key{tenantID, serverID}
	p.mu.Lock()
	e, ok := p.sessions[k]
	if ok {
		delete(p.sessions, k)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.sess.Close(); err != nil {
		p.logger.WarnContext(ctx, "session close failed",
			slog.String("tenant_id", tenantID),
			slog.String("server_id", serverID),
			slog.String("err", err.Error()))
	}
	return nil
}

func (p *Pool) List(ctx context.Context, tenantID string) ([]pool.SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var infos []pool.SessionInfo
	for k, e := range p.sessions {
		if k.tenant != tenantID {
			continue
		}
		infos = append(infos, pool.SessionInfo{
			ServerID:    k.server,
			ServerName:  e.serverName,
			Transport:   e.sess.Meta(),
			ConnectedAt: e.connectedAt,
			LastUsedAt:  e.lastUsedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ServerID < infos[j].ServerID })
	return infos, nil
}

func (p *Pool) Size(ctx context.Context, tenantID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k := range p.sessions {
		if k.tenant == tenantID {
			n++
		}
	}
	return n, nil
}

func (p *Pool) TransportMeta(ctx context.Context, tenantID, serverID string) (upstream.TransportMeta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[key{tenantID, serverID}]
	if !ok {
		return upstream.TransportMeta{}, fmt.Errorf("%s/%s: %w", tenantID, serverID, pool.ErrNoSession)
	}
	return e.sess.Meta(), nil
}

func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	drained := p.sessions
	p.sessions = make(map[key]*entry)
	p.mu.Unlock()

	for k, e := range drained {
		if err := e.sess.Close(); err != nil {
			p.logger.WarnContext(ctx, "session close failed during shutdown",
				slog.String("tenant_id", k.tenant),
				slog.String("server_id", k.server),
				slog.String("err", err.Error()))
		}
	}
	return nil
}
