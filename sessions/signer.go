package sessions

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrInvalidCookie is returned when a session cookie fails verification.
var ErrInvalidCookie = errors.New("sessions: invalid cookie")

// Signer signs and verifies session cookies with a set of Ed25519 keys.
// Verification accepts any registered key, signing uses the active one, so
// keys can be rotated without logging everybody out.
type Signer struct {
	mu        sync.RWMutex
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

// NewSigner returns a signer with no keys.
func NewSigner() *Signer {
	return &Signer{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// NewSignerFromSeed returns a signer whose only, active key is derived from
// a 32-byte seed.
func NewSignerFromSeed(kid string, seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("sessions: signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	s := NewSigner()
	s.AddKey(kid, ed25519.NewKeyFromSeed(seed))
	if err := s.SetActive(kid); err != nil {
		return nil, err
	}
	return s, nil
}

// GenerateSigner returns a signer with a fresh random key. Cookies it signs
// do not survive a restart.
func GenerateSigner(kid string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sessions: generate key: %w", err)
	}
	s := NewSigner()
	s.AddKey(kid, priv)
	if err := s.SetActive(kid); err != nil {
		return nil, err
	}
	return s, nil
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (s *Signer) AddKey(kid string, priv ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privKeys[kid] = priv
	s.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (s *Signer) SetActive(kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.privKeys[kid]; !ok {
		return fmt.Errorf("sessions: unknown kid %q", kid)
	}
	s.activeKid = kid
	return nil
}

// Sign returns a compact JWS over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	s.mu.RLock()
	kid := s.activeKid
	priv, ok := s.privKeys[kid]
	s.mu.RUnlock()
	if kid == "" || !ok {
		return "", errors.New("sessions: no active signing key")
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("sessions: create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sessions: sign: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify checks a compact JWS and returns its payload and key id.
func (s *Signer) Verify(token string) ([]byte, string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidCookie, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, "", fmt.Errorf("%w: %d signatures", ErrInvalidCookie, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID

	s.mu.RLock()
	pub, ok := s.pubKeys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, kid, fmt.Errorf("%w: unknown kid %q", ErrInvalidCookie, kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, kid, fmt.Errorf("%w: %w", ErrInvalidCookie, err)
	}
	return payload, kid, nil
}
