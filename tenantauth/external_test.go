package tenantauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// fakeIssuer is an OIDC issuer with a JWKS, enough for discovery plus key
// fetch.
type fakeIssuer struct {
	srv  *httptest.Server
	priv *rsa.PrivateKey
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	mux := http.NewServeMux()
	fi := &fakeIssuer{priv: priv}
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":   fi.srv.URL,
			"jwks_uri": fi.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       priv.Public(),
			KeyID:     "ext-1",
			Algorithm: "RS256",
			Use:       "sig",
		}}}
		json.NewEncoder(w).Encode(set)
	})
	fi.srv = httptest.NewServer(mux)
	t.Cleanup(fi.srv.Close)
	return fi
}

func (fi *fakeIssuer) mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "ext-1"
	signed, err := tok.SignedString(fi.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newExternalVerifier(t *testing.T, fi *fakeIssuer) *ExternalVerifier {
	t.Helper()
	cfg := DefaultExternalConfig()
	cfg.Issuer = fi.srv.URL
	cfg.ExpectedAudience = "https://relay.example"
	v, err := NewExternalFromDiscovery(context.Background(), cfg)
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	return v
}

func TestExternalVerifyMapsSubjectToTenant(t *testing.T) {
	fi := newFakeIssuer(t)
	v := newExternalVerifier(t, fi)

	tok := fi.mint(t, jwt.MapClaims{
		"iss": fi.srv.URL,
		"aud": "https://relay.example",
		"sub": "tenant-ext",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tenantID, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tenantID != "tenant-ext" {
		t.Fatalf("tenant = %q", tenantID)
	}
}

func TestExternalVerifyRejections(t *testing.T) {
	fi := newFakeIssuer(t)
	v := newExternalVerifier(t, fi)
	now := time.Now()

	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   error
	}{
		{
			name: "Expired",
			claims: jwt.MapClaims{
				"iss": fi.srv.URL,
				"aud": "https://relay.example",
				"sub": "tenant-ext",
				"exp": now.Add(-time.Hour).Unix(),
			},
			want: ErrTokenExpired,
		},
		{
			name: "WrongAudience",
			claims: jwt.MapClaims{
				"iss": fi.srv.URL,
				"aud": "https://other.example",
				"sub": "tenant-ext",
				"exp": now.Add(time.Hour).Unix(),
			},
			want: ErrInvalidToken,
		},
		{
			name: "WrongIssuer",
			claims: jwt.MapClaims{
				"iss": "https://rogue.example",
				"aud": "https://relay.example",
				"sub": "tenant-ext",
				"exp": now.Add(time.Hour).Unix(),
			},
			want: ErrInvalidToken,
		},
		{
			name: "UnusableSubject",
			claims: jwt.MapClaims{
				"iss": fi.srv.URL,
				"aud": "https://relay.example",
				"sub": "not a tenant id!",
				"exp": now.Add(time.Hour).Unix(),
			},
			want: ErrInvalidToken,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), fi.mint(t, tc.claims))
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAuthenticatorConsultsExternalVerifier(t *testing.T) {
	fi := newFakeIssuer(t)
	a := newTestAuthenticator(t, WithExternalVerifier(newExternalVerifier(t, fi)))

	// Locally issued tokens still work.
	local, err := a.Issue("tenant-local")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tid, err := a.Verify(context.Background(), local); err != nil || tid != "tenant-local" {
		t.Fatalf("local verify: %q %v", tid, err)
	}

	// Externally issued tokens are accepted with the subject as tenant.
	ext := fi.mint(t, jwt.MapClaims{
		"iss": fi.srv.URL,
		"aud": "https://relay.example",
		"sub": "tenant-ext",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tid, err := a.Verify(context.Background(), ext)
	if err != nil {
		t.Fatalf("external verify: %v", err)
	}
	if tid != "tenant-ext" {
		t.Fatalf("tenant = %q", tid)
	}

	// Garbage is still rejected.
	if _, err := a.Verify(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}
