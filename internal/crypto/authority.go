package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Authority holds the token signing keypair. It is distinct from the
// vault encryption keys: compromising the DEK must not let an attacker
// mint tokens, and vice versa.
type Authority struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewAuthority generates a fresh Ed25519 token authority.
func NewAuthority() (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: authority keygen: %w", vaulterr.ErrCrypto, err)
	}
	return &Authority{priv: priv, pub: pub}, nil
}

// AuthorityFromSeed reconstructs an authority from a persisted 32-byte
// seed so tokens stay verifiable across restarts.
func AuthorityFromSeed(seed []byte) (*Authority, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: authority seed must be %d bytes", vaulterr.ErrMalformed, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Authority{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Seed exposes the private seed for persistence inside the encrypted
// vault document.
func (a *Authority) Seed() []byte { return a.priv.Seed() }

// Sign signs a canonical token payload.
func (a *Authority) Sign(payload []byte) []byte {
	return ed25519.Sign(a.priv, payload)
}

// Verify checks a token signature. ed25519.Verify is constant time in
// the signature comparison.
func (a *Authority) Verify(payload, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(a.pub, payload, sig)
}
