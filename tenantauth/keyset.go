package tenantauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

// KeySet provides the minimal JWS operations the issuer needs: signing with a
// designated active key and verification against any known key id.
type KeySet interface {
	// Sign returns a compact JWS for the given payload using the active key.
	Sign(payload []byte) (string, error)
	// Verify parses and verifies a compact JWS and returns its payload and the
	// kid used. An unknown kid or bad signature is a verification failure.
	Verify(token string) (payload []byte, kid string, err error)
	// Available reports whether the set holds at least one signing key.
	Available() bool
	// PublicJWKS exposes the public half of every known key for peers that
	// want to verify relay-issued tokens themselves.
	PublicJWKS() jose.JSONWebKeySet
}

// MemoryKeySet implements KeySet with an in-memory set of Ed25519 keys and a
// designated active key. Safe for concurrent use; rotation replaces the active
// kid while retiring keys stay verifiable until removed.
type MemoryKeySet struct {
	mu        sync.RWMutex
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewMemoryKeySet() *MemoryKeySet {
	return &MemoryKeySet{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// NewGeneratedKeySet creates a set with a single freshly generated key,
// active under kid.
func NewGeneratedKeySet(kid string) (*MemoryKeySet, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	ks := NewMemoryKeySet()
	ks.AddKey(kid, priv)
	if err := ks.SetActive(kid); err != nil {
		return nil, err
	}
	return ks, nil
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (m *MemoryKeySet) AddKey(kid string, priv ed25519.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privKeys[kid] = priv
	m.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// RemoveKey retires a key entirely; tokens signed with it become invalid.
func (m *MemoryKeySet) RemoveKey(kid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.privKeys, kid)
	delete(m.pubKeys, kid)
	if m.activeKid == kid {
		m.activeKid = ""
	}
}

// SetActive selects the key used for signing.
func (m *MemoryKeySet) SetActive(kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	m.activeKid = kid
	return nil
}

func (m *MemoryKeySet) ActiveKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeKid
}

func (m *MemoryKeySet) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeKid != "" && len(m.privKeys) > 0
}

func (m *MemoryKeySet) Sign(payload []byte) (string, error) {
	m.mu.RLock()
	kid := m.activeKid
	priv, ok := m.privKeys[kid]
	m.mu.RUnlock()
	if kid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	if !ok {
		return "", fmt.Errorf("active kid not found: %s", kid)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (m *MemoryKeySet) Verify(token string) ([]byte, string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, "", fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Header.KeyID
	if kid == "" {
		return nil, "", fmt.Errorf("missing kid header")
	}
	m.mu.RLock()
	pub, ok := m.pubKeys[kid]
	m.mu.RUnlock()
	if !ok {
		return nil, kid, fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, kid, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, kid, nil
}

func (m *MemoryKeySet) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var set jose.JSONWebKeySet
	for kid, pub := range m.pubKeys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     kid,
			Algorithm: string(jose.EdDSA),
			Use:       "sig",
		})
	}
	return set
}

var _ KeySet = (*MemoryKeySet)(nil)
