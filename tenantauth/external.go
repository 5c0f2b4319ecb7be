package tenantauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaykit/mcp-relay/internal/ident"
)

// ExternalConfig controls validation of tokens issued by an external
// authorization server instead of the relay's own keyset. The token's "sub"
// claim becomes the tenant id.
type ExternalConfig struct {
	Issuer           string
	ExpectedAudience string
	AllowedAlgs      []string
	Leeway           time.Duration
}

// DefaultExternalConfig returns a config with safe algorithm and leeway
// defaults.
func DefaultExternalConfig() *ExternalConfig {
	return &ExternalConfig{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// ExternalVerifier validates externally issued JWT bearer tokens against an
// auto-refreshing JWKS discovered from the issuer.
type ExternalVerifier struct {
	cfg     *ExternalConfig
	keyfunc jwt.Keyfunc
}

// NewExternalFromDiscovery performs OIDC discovery for jwks_uri and builds a
// verifier with auto-refreshing keys.
func NewExternalFromDiscovery(ctx context.Context, cfg *ExternalConfig) (*ExternalVerifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ExpectedAudience == "" {
		return nil, errors.New("audience is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &ExternalVerifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					return kf.Keyfunc(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
	}, nil
}

// Verify validates the token and maps its subject to a tenant id. Expiry
// failures surface as ErrTokenExpired; everything else as ErrInvalidToken.
func (v *ExternalVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.ExpectedAudience),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	parsed, err := parser.Parse(token, v.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errors.Join(ErrTokenExpired, err)
		}
		return "", errors.Join(ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims type", ErrInvalidToken)
	}
	sub, _ := claims["sub"].(string)
	if !ident.ValidTenantID(sub) {
		return "", fmt.Errorf("%w: subject is not a usable tenant id", ErrInvalidToken)
	}
	return sub, nil
}

var _ Verifier = (*ExternalVerifier)(nil)
