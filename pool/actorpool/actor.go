package actorpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/pool"
	"github.com/relaykit/mcp-relay/upstream"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultIdleThreshold = 30 * time.Minute
)

// Pool is the actor implementation of pool.Pool.
type Pool struct {
	dialer        pool.Dialer
	logger        *slog.Logger
	now           func() time.Time
	sweepInterval time.Duration
	idleThreshold time.Duration

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// actor is the handle the pool keeps; the goroutine behind it owns the
// tenant's session table.
type actor struct {
	tenantID string
	// mailbox is unbuffered on purpose: a send completes only while the
	// actor is receiving, so retirement can never strand an accepted task.
	mailbox chan task
	retired chan struct{}
}

type task struct {
	fn   func(st *state)
	done chan struct{}
}

type state struct {
	sessions map[string]*entry
}

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

// WithSweepInterval sets how often each actor sweeps for idle sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) { p.sweepInterval = d }
}

// WithIdleThreshold sets how long a session may go unused before a sweep
// closes it.
func WithIdleThreshold(d time.Duration) Option {
	return func(p *Pool) { p.idleThreshold = d }
}

func New(dialer pool.Dialer, opts ...Option) *Pool {
	p := &Pool{
		dialer:        dialer,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		idleThreshold: defaultIdleThreshold,
		actors:        make(map[string]*actor),
		quit:          make(chan struct{}),
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

// do runs fn inside the tenant's actor, spawning it on first use. When the
// actor retired between lookup and send, the send is retried against a fresh
// one.
func (p *Pool) do(ctx context.Context, tenantID string, fn func(st *state)) error {
	for {
		a, err := p.actorFor(tenantID)
		if err != nil {
			return err
		}
		t := task{fn: fn, done: make(chan struct{})}
		select {
		case a.mailbox <- t:
		case <-a.retired:
			continue
		case <-p.quit:
			return pool.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) actorFor(tenantID string) (*actor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, pool.ErrClosed
	}
	if a, ok := p.actors[tenantID]; ok {
		return a, nil
	}
	a := &actor{
		tenantID: tenantID,
		mailbox:  make(chan task),
		retired:  make(chan struct{}),
	}
	p.actors[tenantID] = a
	p.wg.Add(1)
	go p.run(a)
	return a, nil
}

func (p *Pool) run(a *actor) {
	defer p.wg.Done()
	st := &state{sessions: make(map[string]*entry)}
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	// An actor stands down after its table empties and a full sweep
	// interval passes without a message.
	emptySweeps := 0
	for {
		select {
		case t := <-a.mailbox:
			t.fn(st)
			close(t.done)
			emptySweeps = 0
		case <-ticker.C:
			p.sweep(a.tenantID, st)
			if len(st.sessions) > 0 {
				emptySweeps = 0
				continue
			}
			emptySweeps++
			if emptySweeps >= 2 && p.retire(a) {
				return
			}
		case <-p.quit:
			p.closeAll(a.tenantID, st)
			return
		}
	}
}

func (p *Pool) sweep(tenantID string, st *state) {
	cutoff := p.now().Add(-p.idleThreshold)
	for id, e := range st.sessions {
		if !e.lastUsedAt.Before(cutoff) {
			continue
		}
		delete(st.sessions, id)
		if err := e.sess.Close(); err != nil {
			p.logger.Warn("idle session close failed",
				slog.String("tenant_id", tenantID),
				slog.String("server_id", id),
				slog.String("err", err.Error()))
			continue
		}
		p.logger.Info("evicted idle session",
			slog.String("tenant_id", tenantID),
			slog.String("server_id", id))
	}
}

func (p *Pool) retire(a *actor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	delete(p.actors, a.tenantID)
	close(a.retired)
	return true
}

func (p *Pool) closeAll(tenantID string, st *state) {
	for id, e := range st.sessions {
		if err := e.sess.Close(); err != nil {
			p.logger.Warn("session close failed during shutdown",
				slog.String("tenant_id", tenantID),
				slog.String("server_id", id),
				slog.String("err", err.Error()))
		}
	}
	st.sessions = make(map[string]*entry)
}

func (p *Pool) Connect(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (pool.ConnectResult, error) {
	var res pool.ConnectResult
	var dialErr error
	err := p.do(ctx, tenantID, func(st *state) {
		if _, ok := st.sessions[serverID]; ok {
			res = pool.ConnectResult{Reused: true}
			return
		}
		sess, err := p.dialer.Dial(ctx, tenantID, serverID, cfg)
		if err != nil {
			dialErr = err
			return
		}
		now := p.now()
		st.sessions[serverID] = &entry{
			sess:        sess,
			serverName:  cfg.ServerName,
			connectedAt: now,
			lastUsedAt:  now,
		}
	})
	if err != nil {
		return pool.ConnectResult{}, err
	}
	if dialErr != nil {
		return pool.ConnectResult{}, dialErr
	}
	return res, nil
}

func (p *Pool) Client(ctx context.Context, tenantID, serverID string) (pool.Session, error) {
	var sess pool.Session
	err := p.do(ctx, tenantID, func(st *state) {
		if e, ok := st.sessions[serverID]; ok {
			e.lastUsedAt = p.now()
			sess = e.sess
		}
	})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%s/%s: %w", tenantID, serverID, pool.ErrNoSession)
	}
	return sess, nil
}

func (p *Pool) Has(ctx context.Context, tenantID, serverID string) bool {
	found := false
	err := p.do(ctx, tenantID, func(st *state) {
		_, found = st.sessions[serverID]
	})
	return err == nil && found
}

func (p *Pool) Disconnect(ctx context.Context, tenantID, serverID string) error {
	return p.do(ctx, tenantID, func(st *state) {
		e, ok := st.sessions[serverID]
		if !ok {
			return
		}
		delete(st.sessions, serverID)
		if err := e.sess.Close(); err != nil {
			p.logger.WarnContext(ctx, "session close failed",
				slog.String("tenant_id", tenantID),
				slog.String("server_id", serverID),
				slog.String("err", err.Error()))
		}
	})
}

func (p *Pool) List(ctx context.Context, tenantID string) ([]pool.SessionInfo, error) {
	var infos []pool.SessionInfo
	err := p.do(ctx, tenantID, func(st *state) {
		for id, e := range st.sessions {
			infos = append(infos, pool.SessionInfo{
				ServerID:    id,
				ServerName:  e.serverName,
				Transport:   e.sess.Meta(),
				ConnectedAt: e.connectedAt,
				LastUsedAt:  e.lastUsedAt,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ServerID < infos[j].ServerID })
	return infos, nil
}

func (p *Pool) Size(ctx context.Context, tenantID string) (int, error) {
	n := 0
	err := p.do(ctx, tenantID, func(st *state) {
		n = len(st.sessions)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Pool) TransportMeta(ctx context.Context, tenantID, serverID string) (upstream.TransportMeta, error) {
	var (
		meta  upstream.TransportMeta
		found bool
	)
	err := p.do(ctx, tenantID, func(st *state) {
		if e, ok := st.sessions[serverID]; ok {
			meta = e.sess.Meta()
			found = true
		}
	})
	if err != nil {
		return upstream.TransportMeta{}, err
	}
	if !found {
		return upstream.TransportMeta{}, fmt.Errorf("%s/%s: %w", tenantID, serverID, pool.ErrNoSession)
	}
	return meta, nil
}

func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
