// Package credstoretest holds the conformance suite every credstore.Store
// implementation must pass. Run it from each backend's tests so both stay
// behaviorally identical.
package credstoretest

import (
	"context"
	"testing"
	"time"

	"github.com/relaykit/mcp-relay/credstore"
)

// StoreFactory creates a fresh Store for testing. The factory should register
// cleanup via t.Cleanup. VerifierTTL of created stores must be set to the
// provided ttl.
type StoreFactory func(t *testing.T, verifierTTL time.Duration) credstore.Store

// RunStoreTests runs the complete Store conformance suite.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("ServerConfig_RoundTrip", func(t *testing.T) { testServerConfigRoundTrip(t, factory) })
	t.Run("ServerConfig_AbsentIsNil", func(t *testing.T) { testAbsentIsNil(t, factory) })
	t.Run("ServerConfig_List", func(t *testing.T) { testListServerIDs(t, factory) })
	t.Run("ClientInfo_RoundTrip", func(t *testing.T) { testClientInfoRoundTrip(t, factory) })
	t.Run("Tokens_WholeRecordReplace", func(t *testing.T) { testTokensReplace(t, factory) })
	t.Run("Tokens_SurviveOtherDeletes", func(t *testing.T) { testTokensSurviveOtherDeletes(t, factory) })
	t.Run("Verifier_RoundTripAndDelete", func(t *testing.T) { testVerifierRoundTrip(t, factory) })
	t.Run("Verifier_TTLExpiry", func(t *testing.T) { testVerifierTTL(t, factory) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, factory) })
}

func testServerConfigRoundTrip(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	cfg := &credstore.ServerConfig{
		ServerName:    "Example",
		URL:           "https://mcp.example.com/mcp",
		TransportKind: "streamable",
		Auth:          &credstore.AuthSpec{Type: "oauth", Scopes: []string{"mcp:read"}},
	}
	if err := s.PutServerConfig(ctx, "tenant-1", "server-a", cfg); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetServerConfig(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected config, got nil")
	}
	if got.URL != cfg.URL || got.TransportKind != cfg.TransportKind || !got.OAuthRequired() {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if err := s.DeleteServerConfig(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.GetServerConfig(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatal("config should be gone after delete")
	}
}

func testAbsentIsNil(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	if cfg, err := s.GetServerConfig(ctx, "tenant-1", "missing"); err != nil || cfg != nil {
		t.Fatalf("absent config should be (nil, nil), got (%v, %v)", cfg, err)
	}
	if tok, err := s.GetTokens(ctx, "tenant-1", "missing"); err != nil || tok != nil {
		t.Fatalf("absent tokens should be (nil, nil), got (%v, %v)", tok, err)
	}
	if v, err := s.GetVerifier(ctx, "tenant-1", "missing"); err != nil || v != nil {
		t.Fatalf("absent verifier should be (nil, nil), got (%v, %v)", v, err)
	}
	// Deleting an absent record is not an error.
	if err := s.DeleteTokens(ctx, "tenant-1", "missing"); err != nil {
		t.Fatalf("delete absent tokens: %v", err)
	}
}

func testListServerIDs(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	for _, id := range []string{"server-a", "server-b"} {
		cfg := &credstore.ServerConfig{ServerName: id, URL: "https://" + id, TransportKind: "streamable"}
		if err := s.PutServerConfig(ctx, "tenant-1", id, cfg); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	cfg := &credstore.ServerConfig{ServerName: "other", URL: "https://other", TransportKind: "sse"}
	if err := s.PutServerConfig(ctx, "tenant-2", "server-c", cfg); err != nil {
		t.Fatalf("put tenant-2: %v", err)
	}

	ids, err := s.ListServerIDs(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids for tenant-1, got %v", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["server-a"] || !seen["server-b"] {
		t.Fatalf("unexpected id set: %v", ids)
	}
}

func testClientInfoRoundTrip(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	info := &credstore.OAuthClientInfo{
		ClientID:     "client-123",
		RedirectURIs: []string{"https://relay.example.com/oauth/callback"},
		IssuedAt:     time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutClientInfo(ctx, "tenant-1", "server-a", info); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetClientInfo(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ClientID != "client-123" || len(got.RedirectURIs) != 1 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func testTokensReplace(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	first := &credstore.OAuthTokenSet{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Scope:        "mcp:read",
	}
	if err := s.PutTokens(ctx, "tenant-1", "server-a", first); err != nil {
		t.Fatalf("put first: %v", err)
	}

	// A second put is a full replace; the refresh token must not linger.
	second := &credstore.OAuthTokenSet{AccessToken: "at-2"}
	if err := s.PutTokens(ctx, "tenant-1", "server-a", second); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, err := s.GetTokens(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "at-2" || got.RefreshToken != "" || got.Scope != "" {
		t.Fatalf("expected whole-record replace, got %+v", got)
	}
}

func testTokensSurviveOtherDeletes(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	tokens := &credstore.OAuthTokenSet{AccessToken: "at-1"}
	info := &credstore.OAuthClientInfo{ClientID: "client-123"}
	verifier := &credstore.PKCEVerifier{Verifier: "v", CreatedAt: time.Now()}
	if err := s.PutTokens(ctx, "tenant-1", "server-a", tokens); err != nil {
		t.Fatal(err)
	}
	if err := s.PutClientInfo(ctx, "tenant-1", "server-a", info); err != nil {
		t.Fatal(err)
	}
	if err := s.PutVerifier(ctx, "tenant-1", "server-a", verifier); err != nil {
		t.Fatal(err)
	}

	// Clearing the verifier (what disconnect does) leaves tokens and the
	// registration untouched.
	if err := s.DeleteVerifier(ctx, "tenant-1", "server-a"); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.GetTokens(ctx, "tenant-1", "server-a"); got == nil {
		t.Fatal("tokens should survive verifier deletion")
	}
	if got, _ := s.GetClientInfo(ctx, "tenant-1", "server-a"); got == nil {
		t.Fatal("client info should survive verifier deletion")
	}
	if got, _ := s.GetVerifier(ctx, "tenant-1", "server-a"); got != nil {
		t.Fatal("verifier should be gone")
	}
}

func testVerifierRoundTrip(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	v := &credstore.PKCEVerifier{Verifier: "s256-verifier", CreatedAt: time.Now()}
	if err := s.PutVerifier(ctx, "tenant-1", "server-a", v); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetVerifier(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Verifier != "s256-verifier" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func testVerifierTTL(t *testing.T, factory StoreFactory) {
	s := factory(t, 200*time.Millisecond)
	ctx := context.Background()

	v := &credstore.PKCEVerifier{Verifier: "short-lived", CreatedAt: time.Now()}
	if err := s.PutVerifier(ctx, "tenant-1", "server-a", v); err != nil {
		t.Fatalf("put: %v", err)
	}

	if got, err := s.GetVerifier(ctx, "tenant-1", "server-a"); err != nil || got == nil {
		t.Fatalf("verifier should be retrievable inside TTL, got (%v, %v)", got, err)
	}

	time.Sleep(300 * time.Millisecond)

	got, err := s.GetVerifier(ctx, "tenant-1", "server-a")
	if err != nil {
		t.Fatalf("get after TTL: %v", err)
	}
	if got != nil {
		t.Fatal("verifier must not be retrievable past its TTL")
	}
}

func testTenantIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t, credstore.DefaultVerifierTTL)
	ctx := context.Background()

	tok := &credstore.OAuthTokenSet{AccessToken: "at-tenant-1"}
	if err := s.PutTokens(ctx, "tenant-1", "server-a", tok); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTokens(ctx, "tenant-2", "server-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("tenant-2 must not see tenant-1 tokens")
	}
}
