package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/mcp-relay/credstore"
	"github.com/relaykit/mcp-relay/credstore/memory"
)

// fakeAS is a minimal authorization server: metadata, dynamic registration,
// and a token endpoint that records the requests it sees.
type fakeAS struct {
	srv *httptest.Server

	mu            sync.Mutex
	registrations int
	tokenRequests []url.Values
	refreshToken  string // refresh_token to include in token responses
}

func newFakeAS(t *testing.T) *fakeAS {
	t.Helper()
	as := &fakeAS{refreshToken: "rt-1"}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                           as.srv.URL,
			"authorization_endpoint":           as.srv.URL + "/authorize",
			"token_endpoint":                   as.srv.URL + "/token",
			"registration_endpoint":            as.srv.URL + "/register",
			"code_challenge_methods_supported": []string{"S256"},
		})
	})
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		as.registrations++
		as.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"client_id":           "client-xyz",
			"client_id_issued_at": time.Now().Unix(),
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		as.mu.Lock()
		as.tokenRequests = append(as.tokenRequests, r.PostForm)
		rt := as.refreshToken
		as.mu.Unlock()

		resp := map[string]any{
			"access_token": "at-" + r.PostForm.Get("grant_type"),
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "mcp:read",
		}
		if rt != "" {
			resp["refresh_token"] = rt
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	as.srv = httptest.NewServer(mux)
	t.Cleanup(as.srv.Close)
	return as
}

func (as *fakeAS) lastTokenRequest(t *testing.T) url.Values {
	t.Helper()
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.tokenRequests) == 0 {
		t.Fatal("no token requests seen")
	}
	return as.tokenRequests[len(as.tokenRequests)-1]
}

func newTestFlow(t *testing.T, as *fakeAS, storeOpts ...memory.Option) (*Flow, *StoreProvider, credstore.Store) {
	t.Helper()
	p, store := newTestProvider(t, storeOpts...)
	f := NewFlow(p, as.srv.URL+"/mcp", []string{"mcp:read"}, WithHTTPClient(as.srv.Client()))
	return f, p, store
}

func TestAuthorizeRaisesSignalWithFullURL(t *testing.T) {
	as := newFakeAS(t)
	f, p, _ := newTestFlow(t, as)
	ctx := context.Background()

	err := f.Authorize(ctx)
	are, ok := IsAuthorizationRequired(err)
	if !ok {
		t.Fatalf("want authorization signal, got %v", err)
	}

	u, err := url.Parse(are.AuthorizationURL)
	if err != nil {
		t.Fatalf("bad authorization URL: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-xyz" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" || q.Get("state") == "" {
		t.Errorf("URL missing challenge or state: %s", are.AuthorizationURL)
	}

	// The verifier for this attempt must be retrievable for the later
	// exchange.
	if _, err := p.CodeVerifier(ctx); err != nil {
		t.Fatalf("verifier not persisted: %v", err)
	}
}

func TestAuthorizeRegistersClientOnce(t *testing.T) {
	as := newFakeAS(t)
	f, _, _ := newTestFlow(t, as)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, ok := IsAuthorizationRequired(f.Authorize(ctx)); !ok {
			t.Fatalf("attempt %d did not raise the signal", i)
		}
	}

	as.mu.Lock()
	n := as.registrations
	as.mu.Unlock()
	if n != 1 {
		t.Fatalf("registration should happen once, got %d", n)
	}
}

func TestExchangeCodePersistsTokensAndDropsVerifier(t *testing.T) {
	as := newFakeAS(t)
	f, p, store := newTestFlow(t, as)
	ctx := context.Background()

	if _, ok := IsAuthorizationRequired(f.Authorize(ctx)); !ok {
		t.Fatal("authorize should raise the signal")
	}
	verifier, err := p.CodeVerifier(ctx)
	if err != nil {
		t.Fatal(err)
	}

	set, err := f.ExchangeCode(ctx, "abc123")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if set.AccessToken == "" || set.RefreshToken != "rt-1" {
		t.Fatalf("unexpected token set: %+v", set)
	}

	form := as.lastTokenRequest(t)
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "abc123" {
		t.Fatalf("unexpected token request: %v", form)
	}
	if form.Get("code_verifier") != verifier {
		t.Fatal("token request did not carry the stored verifier")
	}

	if tok, _ := store.GetTokens(ctx, "tenant-1", "server-a"); tok == nil {
		t.Fatal("tokens not persisted")
	}
	if v, _ := store.GetVerifier(ctx, "tenant-1", "server-a"); v != nil {
		t.Fatal("verifier must be deleted after exchange")
	}
}

func TestExchangeCodeRejectsExpiredVerifier(t *testing.T) {
	as := newFakeAS(t)
	f, _, _ := newTestFlow(t, as, memory.WithVerifierTTL(50*time.Millisecond))
	ctx := context.Background()

	if _, ok := IsAuthorizationRequired(f.Authorize(ctx)); !ok {
		t.Fatal("authorize should raise the signal")
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := f.ExchangeCode(ctx, "abc123"); !errors.Is(err, ErrVerifierExpired) {
		t.Fatalf("want ErrVerifierExpired, got %v", err)
	}
}

func TestAccessTokenUsesStoredTokenWithoutNetwork(t *testing.T) {
	as := newFakeAS(t)
	f, _, store := newTestFlow(t, as)
	ctx := context.Background()

	stored := &credstore.OAuthTokenSet{
		AccessToken: "at-live",
		Expiry:      time.Now().Add(time.Hour),
	}
	if err := store.PutTokens(ctx, "tenant-1", "server-a", stored); err != nil {
		t.Fatal(err)
	}

	tok, err := f.AccessToken(ctx)
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if tok != "at-live" {
		t.Fatalf("tok = %q", tok)
	}
	as.mu.Lock()
	n := len(as.tokenRequests)
	as.mu.Unlock()
	if n != 0 {
		t.Fatal("a valid stored token should not hit the token endpoint")
	}
}

func TestAccessTokenRefreshesExpiredToken(t *testing.T) {
	as := newFakeAS(t)
	as.refreshToken = "" // refresh response omits a new refresh token
	f, _, store := newTestFlow(t, as)
	ctx := context.Background()

	if err := store.PutClientInfo(ctx, "tenant-1", "server-a", &credstore.OAuthClientInfo{ClientID: "client-xyz"}); err != nil {
		t.Fatal(err)
	}
	stored := &credstore.OAuthTokenSet{
		AccessToken:  "at-stale",
		RefreshToken: "rt-old",
		Expiry:       time.Now().Add(-time.Minute),
		Scope:        "mcp:read",
	}
	if err := store.PutTokens(ctx, "tenant-1", "server-a", stored); err != nil {
		t.Fatal(err)
	}

	tok, err := f.AccessToken(ctx)
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if !strings.HasPrefix(tok, "at-") || tok == "at-stale" {
		t.Fatalf("tok = %q", tok)
	}

	form := as.lastTokenRequest(t)
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-old" {
		t.Fatalf("unexpected refresh request: %v", form)
	}

	// Replace is whole-record, but a missing refresh token in the response
	// retains the previous one.
	got, _ := store.GetTokens(ctx, "tenant-1", "server-a")
	if got.RefreshToken != "rt-old" {
		t.Fatalf("refresh token not retained: %+v", got)
	}
}

func TestAccessTokenWithNoTokensStartsAuthorization(t *testing.T) {
	as := newFakeAS(t)
	f, _, _ := newTestFlow(t, as)

	_, err := f.AccessToken(context.Background())
	if _, ok := IsAuthorizationRequired(err); !ok {
		t.Fatalf("want authorization signal, got %v", err)
	}
}
