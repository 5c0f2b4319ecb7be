// Package pooltest holds the conformance suite every pool.Pool
// implementation must pass, plus the fake dialer the suite (and other
// packages' tests) drive the pools with.
package pooltest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/pool"
	"github.com/relaykit/mcp-relay/upstream"
)

// PoolFactory creates a fresh pool over the given dialer.
type PoolFactory func(t *testing.T, dialer pool.Dialer) pool.Pool

// FakeSession is an in-memory pool.Session.
type FakeSession struct {
	meta upstream.TransportMeta

	mu       sync.Mutex
	closed   bool
	closeErr error
}

func (s *FakeSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	return []*mcp.Tool{{Name: "echo", Description: "Echo back the input"}}, nil
}

func (s *FakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: name}}}, nil
}

func (s *FakeSession) Meta() upstream.TransportMeta { return s.meta }

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FailClose makes subsequent Close calls return err.
func (s *FakeSession) FailClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// FakeDialer hands out FakeSessions and records every dial.
type FakeDialer struct {
	mu       sync.Mutex
	delay    time.Duration
	err      error
	dials    int
	sessions []*FakeSession
}

func NewFakeDialer() *FakeDialer { return &FakeDialer{} }

var _ pool.Dialer = (*FakeDialer)(nil)

func (d *FakeDialer) Dial(ctx context.Context, tenantID, serverID string, cfg *credstore.ServerConfig) (pool.Session, error) {
	d.mu.Lock()
	delay, err := d.delay, d.err
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err != nil {
		return nil, err
	}
	s := &FakeSession{meta: upstream.TransportMeta{Kind: upstream.TransportStreamable, Endpoint: cfg.URL}}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *FakeDialer) Sessions() []*FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeSession, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// FailWith makes subsequent dials fail with err; nil restores success.
func (d *FakeDialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// SetDelay makes subsequent dials take at least the given duration.
func (d *FakeDialer) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func serverConfig(name string) *credstore.ServerConfig {
	return &credstore.ServerConfig{
		ServerName:    name,
		URL:           "http://" + name + ".internal/mcp",
		TransportKind: upstream.TransportStreamable,
	}
}

// RunPoolTests runs the complete pool conformance suite against the factory.
func RunPoolTests(t *testing.T, factory PoolFactory) {
	t.Run("Connect_OpensSession", func(t *testing.T) { testConnectOpensSession(t, factory) })
	t.Run("Connect_IsIdempotent", func(t *testing.T) { testConnectIsIdempotent(t, factory) })
	t.Run("Connect_ConcurrentCallsDialOnce", func(t *testing.T) { testConnectConcurrentCallsDialOnce(t, factory) })
	t.Run("Connect_FailedDialLeavesNoEntry", func(t *testing.T) { testConnectFailedDialLeavesNoEntry(t, factory) })
	t.Run("Client_ReturnsLiveSession", func(t *testing.T) { testClientReturnsLiveSession(t, factory) })
	t.Run("Client_UnknownPairIsErrNoSession", func(t *testing.T) { testClientUnknownPair(t, factory) })
	t.Run("Disconnect_ClosesAndForgets", func(t *testing.T) { testDisconnectClosesAndForgets(t, factory) })
	t.Run("Disconnect_IsIdempotent", func(t *testing.T) { testDisconnectIsIdempotent(t, factory) })
	t.Run("Disconnect_SurvivesCloseFailure", func(t *testing.T) { testDisconnectSurvivesCloseFailure(t, factory) })
	t.Run("ListAndSize_AreTenantScoped", func(t *testing.T) { testListAndSizeTenantScoped(t, factory) })
	t.Run("TransportMeta_ReflectsConfig", func(t *testing.T) { testTransportMeta(t, factory) })
	t.Run("Close_ClosesEverySession", func(t *testing.T) { testCloseClosesEverySession(t, factory) })
}

func testConnectOpensSession(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	p := factory(t, d)
	ctx := context.Background()

	res, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.Reused {
		t.Error("first connect must not report reuse")
	}
	if !p.Has(ctx, "tenant-1", "server-a") {
		t.Error("session should be live")
	}
	if d.Dials() != 1 {
		t.Errorf("dials = %d", d.Dials())
	}
}

func testConnectIsIdempotent(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	p := factory(t, d)
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha"))
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !res.Reused {
		t.Error("second connect must report reuse")
	}
	if d.Dials() != 1 {
		t.Errorf("dials = %d, want 1", d.Dials())
	}
}

func testConnectConcurrentCallsDialOnce(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	d.SetDelay(100 * time.Millisecond)
	p := factory(t, d)
	ctx := context.Background()

	const callers = 8
	results := make([]pool.ConnectResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if d.Dials() != 1 {
		t.Fatalf("dials = %d, want exactly 1", d.Dials())
	}
	fresh := 0
	for _, res := range results {
		if !res.Reused {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("exactly one caller should see a fresh session, got %d", fresh)
	}
}

func testConnectFailedDialLeavesNoEntry(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	d.FailWith(errors.New("target unreachable"))
	p := factory(t, d)
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha")); err == nil {
		t.Fatal("connect should fail")
	}
	if p.Has(ctx, "tenant-1", "server-a") {
		t.Fatal("failed dial must leave no entry")
	}

	// The pair stays connectable once the target recovers.
	d.FailWith(nil)
	res, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha"))
	if err != nil {
		t.Fatalf("connect after recovery: %v", err)
	}
	if res.Reused {
		t.Error("recovered connect must dial fresh")
	}
}

func testClientReturnsLiveSession(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	p := factory(t, d)
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess, err := p.Client(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	res, err := sess.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
}

func testClientUnknownPair(t *testing.T, factory PoolFactory) {
	p := factory(t, NewFakeDialer())
	if _, err := p.Client(context.Background(), "tenant-1", "nope"); !errors.Is(err, pool.ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
}

func testDisconnectClosesAndForgets(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	p := factory(t, d)
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Disconnect(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if p.Has(ctx, "tenant-1", "server-a") {
		t.Error("session should be gone")
	}
	if sessions := d.Sessions(); len(sessions) != 1 || !sessions[0].Closed() {
		t.Error("underlying session should be closed")
	}
}

func testDisconnectIsIdempotent(t *testing.T, factory PoolFactory) {
	p := factory(t, NewFakeDialer())
	if err := p.Disconnect(context.Background(), "tenant-1", "never-connected"); err != nil {
		t.Fatalf("disconnect of unknown pair must be a no-op, got %v", err)
	}
}

func testDisconnectSurvivesCloseFailure(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	p := factory(t, d)
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", serverConfig("alpha")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.Sessions()[0].FailClose(errors.New("transport wedged"))

	if err := p.Disconnect(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatalf("close failure must not surface, got %v", err)
	}
	if p.Has(ctx, "tenant-1", "server-a") {
		t.Error("session must be removed even when close fails")
	}
}

func testListAndSizeTenantScoped(t *testing.T, factory PoolFactory) {
	p := factory(t, NewFakeDialer())
	ctx := context.Background()

	for _, pair := range []struct{ tenant, server string }{
		{"tenant-1", "server-b"},
		{"tenant-1", "server-a"},
		{"tenant-2", "server-c"},
	} {
		if _, err := p.Connect(ctx, pair.tenant, pair.server, serverConfig(pair.server)); err != nil {
			t.Fatalf("connect %s/%s: %v", pair.tenant, pair.server, err)
		}
	}

	n, err := p.Size(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 2 {
		t.Errorf("tenant-1 size = %d, want 2", n)
	}

	infos, err := p.List(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].ServerID != "server-a" || infos[1].ServerID != "server-b" {
		t.Errorf("list = %+v", infos)
	}
	for _, info := range infos {
		if info.ConnectedAt.IsZero() || info.LastUsedAt.IsZero() {
			t.Errorf("missing timestamps: %+v", info)
		}
	}

	other, err := p.List(ctx, "tenant-2")
	if err != nil {
		t.Fatalf("list tenant-2: %v", err)
	}
	if len(other) != 1 || other[0].ServerID != "server-c" {
		t.Errorf("tenant-2 list = %+v", other)
	}
}

func testTransportMeta(t *testing.T, factory PoolFactory) {
	p := factory(t, NewFakeDialer())
	ctx := context.Background()

	cfg := serverConfig("alpha")
	if _, err := p.Connect(ctx, "tenant-1", "server-a", cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	meta, err := p.TransportMeta(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("transport meta: %v", err)
	}
	if meta.Kind != upstream.TransportStreamable || meta.Endpoint != cfg.URL {
		t.Errorf("meta = %+v", meta)
	}

	if _, err := p.TransportMeta(ctx, "tenant-1", "nope"); !errors.Is(err, pool.ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
}

func testCloseClosesEverySession(t *testing.T, factory PoolFactory) {
	d := NewFakeDialer()
	p := factory(t, d)
	ctx := context.Background()

	for _, server := range []string{"server-a", "server-b"} {
		if _, err := p.Connect(ctx, "tenant-1", server, serverConfig(server)); err != nil {
			t.Fatalf("connect %s: %v", server, err)
		}
	}

	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, sess := range d.Sessions() {
		if !sess.Closed() {
			t.Errorf("session %d left open after pool close", i)
		}
	}
	if _, err := p.Connect(ctx, "tenant-1", "server-c", serverConfig("gamma")); !errors.Is(err, pool.ErrClosed) {
		t.Fatalf("connect after close: want ErrClosed, got %v", err)
	}
}
