// Package tenantauth issues and verifies the bearer tokens that carry a
// tenant identity through the relay. The primary token is a compact JWS over a
// small claim set, signed with the active key of a rotating keyset. When no
// keyset is available, a signed opaque token (tenant id plus an HMAC) is
// accepted instead.
//
// Verification distinguishes two failure outcomes: an expired token, which the
// caller may recover from by re-issuing, and an invalid token, which is
// treated as a forged request.
package tenantauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/mcp-relay/internal/ident"
)

// ErrInvalidToken indicates the token failed verification (bad signature,
// unknown key id, malformed claims). Treat as unauthorized.
var ErrInvalidToken = errors.New("tenantauth: invalid token")

// ErrTokenExpired indicates the token verified but is past its expiry. The
// caller may re-issue and retry.
var ErrTokenExpired = errors.New("tenantauth: token expired")

// DefaultTokenTTL is the issued-token lifetime when none is specified.
const DefaultTokenTTL = time.Hour

// Claims is the signed claim set embedded in relay-issued tokens.
type Claims struct {
	TenantID string `json:"tid"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	Scope    string `json:"scope,omitempty"`
}

// Verifier extracts a tenant identity from a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (tenantID string, err error)
}

// Authenticator both issues and verifies relay bearer tokens.
type Authenticator struct {
	keys     KeySet
	opaque   *OpaqueCodec
	external Verifier
	ttl      time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTokenTTL overrides the issued-token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *Authenticator) { a.ttl = ttl }
}

// WithOpaqueFallback enables the HMAC opaque token path, used only while the
// keyset is unavailable.
func WithOpaqueFallback(secret []byte) Option {
	return func(a *Authenticator) { a.opaque = NewOpaqueCodec(secret) }
}

// WithExternalVerifier additionally accepts tokens issued by an external
// authorization server, tried when local verification rejects the token as
// invalid.
func WithExternalVerifier(v Verifier) Option {
	return func(a *Authenticator) { a.external = v }
}

// New creates an Authenticator over the given keyset. keys may be nil when
// operating purely on the opaque fallback.
func New(keys KeySet, opts ...Option) *Authenticator {
	a := &Authenticator{
		keys: keys,
		ttl:  DefaultTokenTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TokenTTL returns the lifetime of issued tokens.
func (a *Authenticator) TokenTTL() time.Duration { return a.ttl }

// IssueOption customizes a single issued token.
type IssueOption func(*Claims)

// WithScope sets the token's scope claim.
func WithScope(scope string) IssueOption {
	return func(c *Claims) { c.Scope = scope }
}

// Issue signs a claim set for tenantID with the active key. When the keyset is
// unavailable it falls back to the opaque codec if configured.
func (a *Authenticator) Issue(tenantID string, opts ...IssueOption) (string, error) {
	if err := ident.CheckTenantID(tenantID); err != nil {
		return "", err
	}

	if a.keys == nil || !a.keys.Available() {
		if a.opaque != nil {
			return a.opaque.Issue(tenantID)
		}
		return "", errors.New("tenantauth: no signing key available")
	}

	now := a.now()
	claims := Claims{
		TenantID: tenantID,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(a.ttl).Unix(),
	}
	for _, opt := range opts {
		opt(&claims)
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	return a.keys.Sign(payload)
}

// Verify checks a bearer token and returns the embedded tenant id. An expired
// token yields ErrTokenExpired; any other failure yields ErrInvalidToken.
func (a *Authenticator) Verify(ctx context.Context, token string) (string, error) {
	tenantID, err := a.verifyLocal(token)
	if err == nil {
		return tenantID, nil
	}
	// A token that verified locally but expired is not retried externally.
	if a.external != nil && !errors.Is(err, ErrTokenExpired) {
		if tenantID, eerr := a.external.Verify(ctx, token); eerr == nil {
			return tenantID, nil
		}
	}
	return "", err
}

func (a *Authenticator) verifyLocal(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	if a.keys == nil || !a.keys.Available() {
		// Opaque fallback is only consulted while the keyset is down.
		if a.opaque != nil {
			return a.opaque.Verify(token)
		}
		return "", ErrInvalidToken
	}

	payload, _, err := a.keys.Verify(token)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if !ident.ValidTenantID(claims.TenantID) {
		return "", fmt.Errorf("%w: bad tenant id claim", ErrInvalidToken)
	}
	if claims.Expiry <= 0 {
		return "", fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	if !a.now().Before(time.Unix(claims.Expiry, 0)) {
		return "", ErrTokenExpired
	}
	return claims.TenantID, nil
}

// PublicJWKS exposes the verifier's public keys, or an empty set when no
// keyset is configured.
func (a *Authenticator) PublicJWKS() ([]byte, error) {
	if a.keys == nil {
		return []byte(`{"keys":[]}`), nil
	}
	return json.Marshal(a.keys.PublicJWKS())
}

var _ Verifier = (*Authenticator)(nil)
