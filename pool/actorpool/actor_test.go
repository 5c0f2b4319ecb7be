package actorpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/pool"
	"github.com/relaykit/mcp-relay/pool/actorpool"
	"github.com/relaykit/mcp-relay/pool/pooltest"
	"github.com/relaykit/mcp-relay/upstream"
)

func TestActorPoolConformance(t *testing.T) {
	pooltest.RunPoolTests(t, func(t *testing.T, dialer pool.Dialer) pool.Pool {
		p := actorpool.New(dialer)
		t.Cleanup(func() { p.Close(context.Background()) })
		return p
	})
}

func testConfig() *credstore.ServerConfig {
	return &credstore.ServerConfig{
		ServerName:    "alpha",
		URL:           "http://alpha.internal/mcp",
		TransportKind: upstream.TransportStreamable,
	}
}

func TestIdleSessionsAreReaped(t *testing.T) {
	d := pooltest.NewFakeDialer()
	p := actorpool.New(d,
		actorpool.WithSweepInterval(20*time.Millisecond),
		actorpool.WithIdleThreshold(50*time.Millisecond))
	t.Cleanup(func() { p.Close(context.Background()) })
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", testConfig()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Has(ctx, "tenant-1", "server-a") {
		if time.Now().After(deadline) {
			t.Fatal("idle session was never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sessions := d.Sessions(); len(sessions) != 1 || !sessions[0].Closed() {
		t.Fatal("reaped session should be closed")
	}
}

func TestActiveSessionsSurviveSweeps(t *testing.T) {
	d := pooltest.NewFakeDialer()
	p := actorpool.New(d,
		actorpool.WithSweepInterval(20*time.Millisecond),
		actorpool.WithIdleThreshold(60*time.Millisecond))
	t.Cleanup(func() { p.Close(context.Background()) })
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", testConfig()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Keep touching the session across several sweep intervals.
	for end := time.Now().Add(250 * time.Millisecond); time.Now().Before(end); {
		if _, err := p.Client(ctx, "tenant-1", "server-a"); err != nil {
			t.Fatalf("client: %v", err)
		}
		time.Sleep(15 * time.Millisecond)
	}
	if !p.Has(ctx, "tenant-1", "server-a") {
		t.Fatal("actively used session must survive sweeps")
	}
}

func TestTenantReconnectsAfterActorRetires(t *testing.T) {
	d := pooltest.NewFakeDialer()
	p := actorpool.New(d,
		actorpool.WithSweepInterval(20*time.Millisecond),
		actorpool.WithIdleThreshold(20*time.Millisecond))
	t.Cleanup(func() { p.Close(context.Background()) })
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", testConfig()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Disconnect(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	// Give the empty actor time to stand down, then address the tenant
	// again; a fresh actor must serve it transparently.
	time.Sleep(150 * time.Millisecond)

	res, err := p.Connect(ctx, "tenant-1", "server-a", testConfig())
	if err != nil {
		t.Fatalf("connect after retirement: %v", err)
	}
	if res.Reused {
		t.Error("session should be freshly dialed")
	}
	if n, _ := p.Size(ctx, "tenant-1"); n != 1 {
		t.Errorf("size = %d", n)
	}
}
