package tenantauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestAuthenticator(t *testing.T, opts ...Option) *Authenticator {
	t.Helper()
	ks, err := NewGeneratedKeySet("k1")
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}
	return New(ks, opts...)
}

func TestIssueAndVerify(t *testing.T) {
	a := newTestAuthenticator(t)

	tok, err := a.Issue("tenant-1", WithScope("relay"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tenantID, err := a.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tenantID != "tenant-1" {
		t.Fatalf("tenant mismatch: %q", tenantID)
	}
}

func TestExpiredIsDistinctFromInvalid(t *testing.T) {
	a := newTestAuthenticator(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	a.now = func() time.Time { return now }

	tok, err := a.Issue("tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = base.Add(2 * time.Hour)
	_, err = a.Verify(context.Background(), tok)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Fatal("expired token must not also report invalid")
	}
}

func TestUnknownKidIsInvalid(t *testing.T) {
	a := newTestAuthenticator(t)

	// Sign with a keyset the verifier has never seen.
	other, err := NewGeneratedKeySet("rogue")
	if err != nil {
		t.Fatal(err)
	}
	forger := New(other)
	tok, err := forger.Issue("tenant-1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.Verify(context.Background(), tok)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
	if errors.Is(err, ErrTokenExpired) {
		t.Fatal("invalid token must not report expired")
	}
}

func TestGarbageTokenIsInvalid(t *testing.T) {
	a := newTestAuthenticator(t)

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := a.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: want ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestKeyRotation(t *testing.T) {
	ks, err := NewGeneratedKeySet("k1")
	if err != nil {
		t.Fatal(err)
	}
	a := New(ks)

	oldTok, err := a.Issue("tenant-1")
	if err != nil {
		t.Fatal(err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ks.AddKey("k2", priv)
	if err := ks.SetActive("k2"); err != nil {
		t.Fatal(err)
	}

	// Tokens signed under the retiring key stay valid until it is removed.
	if _, err := a.Verify(context.Background(), oldTok); err != nil {
		t.Fatalf("old-key token should verify after rotation: %v", err)
	}

	newTok, err := a.Issue("tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Verify(context.Background(), newTok); err != nil {
		t.Fatalf("new-key token should verify: %v", err)
	}

	ks.RemoveKey("k1")
	if _, err := a.Verify(context.Background(), oldTok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("removed-key token should be invalid, got %v", err)
	}
}

func TestOpaqueFallback(t *testing.T) {
	secret := []byte("shared-secret")

	// No keyset at all: issue and verify via the opaque path.
	a := New(nil, WithOpaqueFallback(secret))

	tok, err := a.Issue("tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(tok, "tenant-1.") {
		t.Fatalf("unexpected opaque shape: %q", tok)
	}

	tenantID, err := a.Verify(context.Background(), tok)
	if err != nil || tenantID != "tenant-1" {
		t.Fatalf("verify: (%q, %v)", tenantID, err)
	}

	// Tampered signature.
	if _, err := a.Verify(context.Background(), "tenant-1.deadbeef"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered opaque token: want ErrInvalidToken, got %v", err)
	}

	// Tenant id outside the strict format.
	codec := NewOpaqueCodec(secret)
	if _, err := codec.Issue("../escape"); err == nil {
		t.Fatal("bad tenant id should not be issuable")
	}
}

func TestOpaqueIgnoredWhileKeysetAvailable(t *testing.T) {
	secret := []byte("shared-secret")
	a := newTestAuthenticator(t, WithOpaqueFallback(secret))

	opaque, err := NewOpaqueCodec(secret).Issue("tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Verify(context.Background(), opaque); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("opaque token must be rejected while the keyset is up, got %v", err)
	}
}

func TestPublicJWKS(t *testing.T) {
	a := newTestAuthenticator(t)

	data, err := a.PublicJWKS()
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if !strings.Contains(string(data), `"k1"`) {
		t.Fatalf("jwks should carry kid k1: %s", data)
	}
	if strings.Contains(string(data), `"d"`) {
		t.Fatalf("jwks must not leak private key material: %s", data)
	}
}
