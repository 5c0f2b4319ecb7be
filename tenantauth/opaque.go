package tenantauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/relaykit/mcp-relay/internal/ident"
)

// OpaqueCodec issues and verifies the fallback token format: the tenant id
// joined to an HMAC-SHA256 of itself under a shared secret. It carries no
// expiry; it exists so the relay stays operable while the signing keyset is
// unavailable, and it is only consulted in that state.
type OpaqueCodec struct {
	secret []byte
}

func NewOpaqueCodec(secret []byte) *OpaqueCodec {
	return &OpaqueCodec{secret: secret}
}

// Issue returns "tenantID.signature".
func (c *OpaqueCodec) Issue(tenantID string) (string, error) {
	if err := ident.CheckTenantID(tenantID); err != nil {
		return "", err
	}
	return tenantID + "." + c.sign(tenantID), nil
}

// Verify checks the signature and the tenant id format. Any mismatch is
// ErrInvalidToken; the opaque format has no expiry to distinguish.
func (c *OpaqueCodec) Verify(token string) (string, error) {
	tenantID, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("%w: malformed opaque token", ErrInvalidToken)
	}
	if !ident.ValidTenantID(tenantID) {
		return "", fmt.Errorf("%w: bad tenant id", ErrInvalidToken)
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(tenantID))) {
		return "", fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	return tenantID, nil
}

func (c *OpaqueCodec) sign(tenantID string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))
}
