package oauthflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/credstore/memory"
)

func newTestProvider(t *testing.T, opts ...memory.Option) (*StoreProvider, credstore.Store) {
	t.Helper()
	store, err := memory.New(0, opts...)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	p := NewStoreProvider(store, "tenant-1", "server-a", ClientMetadata{
		ClientName:   "relay-test",
		RedirectURIs: []string{"https://relay.example.com/oauth/callback"},
	})
	return p, store
}

func TestRedirectRaisesTypedSignal(t *testing.T) {
	p, _ := newTestProvider(t)

	err := p.RedirectToAuthorization("https://as.example.com/authorize?state=x")
	if err == nil {
		t.Fatal("expected the authorization signal")
	}

	are, ok := IsAuthorizationRequired(err)
	if !ok {
		t.Fatalf("expected AuthorizationRequiredError, got %T: %v", err, err)
	}
	if are.AuthorizationURL != "https://as.example.com/authorize?state=x" {
		t.Fatalf("wrong URL: %q", are.AuthorizationURL)
	}

	// Ordinary errors must not match.
	if _, ok := IsAuthorizationRequired(errors.New("boom")); ok {
		t.Fatal("generic error matched the authorization signal")
	}
}

func TestStateIsFreshPerAttempt(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	a, err := p.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a == "" || a == b {
		t.Fatalf("states must be fresh and non-empty: %q vs %q", a, b)
	}
}

func TestClientInformationNotSilentlyOverwritten(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	first := &credstore.OAuthClientInfo{ClientID: "client-1"}
	if err := p.SaveClientInformation(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Re-saving the same registration is fine.
	if err := p.SaveClientInformation(ctx, first); err != nil {
		t.Fatalf("idempotent save: %v", err)
	}

	conflicting := &credstore.OAuthClientInfo{ClientID: "client-2"}
	if err := p.SaveClientInformation(ctx, conflicting); !errors.Is(err, ErrClientInfoConflict) {
		t.Fatalf("want ErrClientInfoConflict, got %v", err)
	}

	// After explicit invalidation the new registration lands.
	if err := p.InvalidateCredentials(ctx, InvalidateClient); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveClientInformation(ctx, conflicting); err != nil {
		t.Fatalf("save after invalidation: %v", err)
	}
}

func TestCodeVerifierTTL(t *testing.T) {
	p, _ := newTestProvider(t, memory.WithVerifierTTL(100*time.Millisecond))
	ctx := context.Background()

	if err := p.SaveCodeVerifier(ctx, "fresh-verifier"); err != nil {
		t.Fatal(err)
	}
	v, err := p.CodeVerifier(ctx)
	if err != nil || v != "fresh-verifier" {
		t.Fatalf("verifier inside TTL: (%q, %v)", v, err)
	}

	time.Sleep(150 * time.Millisecond)

	if _, err := p.CodeVerifier(ctx); !errors.Is(err, ErrVerifierExpired) {
		t.Fatalf("want ErrVerifierExpired, got %v", err)
	}
}

func TestInvalidationScopes(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) (*StoreProvider, credstore.Store) {
		p, store := newTestProvider(t)
		if err := store.PutClientInfo(ctx, "tenant-1", "server-a", &credstore.OAuthClientInfo{ClientID: "c"}); err != nil {
			t.Fatal(err)
		}
		if err := store.PutTokens(ctx, "tenant-1", "server-a", &credstore.OAuthTokenSet{AccessToken: "at"}); err != nil {
			t.Fatal(err)
		}
		if err := p.SaveCodeVerifier(ctx, "v"); err != nil {
			t.Fatal(err)
		}
		return p, store
	}

	t.Run("tokens only", func(t *testing.T) {
		p, store := seed(t)
		if err := p.InvalidateCredentials(ctx, InvalidateTokens); err != nil {
			t.Fatal(err)
		}
		if tok, _ := store.GetTokens(ctx, "tenant-1", "server-a"); tok != nil {
			t.Fatal("tokens should be gone")
		}
		if info, _ := store.GetClientInfo(ctx, "tenant-1", "server-a"); info == nil {
			t.Fatal("client info should survive token invalidation")
		}
	})

	t.Run("verifier only", func(t *testing.T) {
		p, store := seed(t)
		if err := p.InvalidateCredentials(ctx, InvalidateVerifier); err != nil {
			t.Fatal(err)
		}
		if v, _ := store.GetVerifier(ctx, "tenant-1", "server-a"); v != nil {
			t.Fatal("verifier should be gone")
		}
		if tok, _ := store.GetTokens(ctx, "tenant-1", "server-a"); tok == nil {
			t.Fatal("tokens should survive verifier invalidation")
		}
	})

	t.Run("all", func(t *testing.T) {
		p, store := seed(t)
		if err := p.InvalidateCredentials(ctx, InvalidateAll); err != nil {
			t.Fatal(err)
		}
		if info, _ := store.GetClientInfo(ctx, "tenant-1", "server-a"); info != nil {
			t.Fatal("client info should be gone")
		}
		if tok, _ := store.GetTokens(ctx, "tenant-1", "server-a"); tok != nil {
			t.Fatal("tokens should be gone")
		}
		if v, _ := store.GetVerifier(ctx, "tenant-1", "server-a"); v != nil {
			t.Fatal("verifier should be gone")
		}
	})

	t.Run("unknown scope", func(t *testing.T) {
		p, _ := seed(t)
		if err := p.InvalidateCredentials(ctx, InvalidationScope("bogus")); err == nil {
			t.Fatal("unknown scope should error")
		}
	})
}
