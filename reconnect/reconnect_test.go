package reconnect_test

import (
	"context"
	"errors"
	"testing"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/credstore/memory"
	"github.com/relaykit/mcp-relay/oauthflow"
	"github.com/relaykit/mcp-relay/pool/pooltest"
	"github.com/relaykit/mcp-relay/pool/residentpool"
	"github.com/relaykit/mcp-relay/reconnect"
	"github.com/relaykit/mcp-relay/upstream"
)

func newFixture(t *testing.T) (*reconnect.Orchestrator, *residentpool.Pool, *pooltest.FakeDialer, credstore.Store) {
	t.Helper()
	store, err := memory.New(0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	dialer := pooltest.NewFakeDialer()
	p := residentpool.New(dialer)
	t.Cleanup(func() { p.Close(context.Background()) })

	return reconnect.New(p, store), p, dialer, store
}

func storedConfig() *credstore.ServerConfig {
	return &credstore.ServerConfig{
		ServerName:    "alpha",
		URL:           "http://alpha.internal/mcp",
		TransportKind: upstream.TransportStreamable,
	}
}

func TestEnsureConnectedNoopWhenLive(t *testing.T) {
	o, p, dialer, _ := newFixture(t)
	ctx := context.Background()

	if _, err := p.Connect(ctx, "tenant-1", "server-a", storedConfig()); err != nil {
		t.Fatal(err)
	}
	if err := o.EnsureConnected(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if dialer.Dials() != 1 {
		t.Errorf("dials = %d, want 1 (no re-dial for a live session)", dialer.Dials())
	}
}

func TestEnsureConnectedRestoresFromStoredConfig(t *testing.T) {
	o, p, dialer, store := newFixture(t)
	ctx := context.Background()

	if err := store.PutServerConfig(ctx, "tenant-1", "server-a", storedConfig()); err != nil {
		t.Fatal(err)
	}

	if err := o.EnsureConnected(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !p.Has(ctx, "tenant-1", "server-a") {
		t.Error("session should have been restored")
	}
	if dialer.Dials() != 1 {
		t.Errorf("dials = %d", dialer.Dials())
	}

	// A second ensure finds the restored session.
	if err := o.EnsureConnected(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if dialer.Dials() != 1 {
		t.Errorf("dials = %d after second ensure", dialer.Dials())
	}
}

func TestEnsureConnectedWithoutConfig(t *testing.T) {
	o, _, _, _ := newFixture(t)
	err := o.EnsureConnected(context.Background(), "tenant-1", "never-seen")
	if !errors.Is(err, reconnect.ErrNotConnectedNoConfig) {
		t.Fatalf("want ErrNotConnectedNoConfig, got %v", err)
	}
}

func TestEnsureConnectedPropagatesAuthorizationSignal(t *testing.T) {
	o, _, dialer, store := newFixture(t)
	ctx := context.Background()

	cfg := storedConfig()
	cfg.Auth = &credstore.AuthSpec{Type: "oauth"}
	if err := store.PutServerConfig(ctx, "tenant-1", "server-a", cfg); err != nil {
		t.Fatal(err)
	}
	dialer.FailWith(&oauthflow.AuthorizationRequiredError{AuthorizationURL: "https://as.example/authorize?state=s"})

	err := o.EnsureConnected(ctx, "tenant-1", "server-a")
	are, ok := oauthflow.IsAuthorizationRequired(err)
	if !ok {
		t.Fatalf("want authorization signal, got %v", err)
	}
	if are.AuthorizationURL == "" {
		t.Error("signal should carry the authorization URL")
	}
}
