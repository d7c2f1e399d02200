package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Per-secret inner encryption. Each secret version is encrypted with a
// subkey derived from the DEK and a per-secret salt, so reading the
// decrypted vault document still does not expose values without the
// derivation inputs.

const secretKeyInfo = "vlt/secret-subkey/v1"

// SecretSaltSize is the per-secret salt length in bytes.
const SecretSaltSize = 16

// NewSecretSalt returns a fresh per-secret derivation salt.
func NewSecretSalt() ([]byte, error) {
	salt, err := security.RandomBytes(SecretSaltSize)
	if err != nil {
		return nil, fmt.Errorf("%w: secret salt generation: %w", vaulterr.ErrCrypto, err)
	}
	return salt, nil
}

// deriveSecretKey expands the DEK into a per-secret AES key with HKDF.
func deriveSecretKey(dek, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dek, salt, []byte(secretKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: subkey derivation: %w", vaulterr.ErrCrypto, err)
	}
	return key, nil
}

// EncryptValue seals a plaintext secret value under the DEK-derived
// subkey. Output layout is nonce||ciphertext.
func EncryptValue(dek, salt, plaintext []byte) ([]byte, error) {
	key, err := deriveSecretKey(dek, salt)
	if err != nil {
		return nil, err
	}
	defer security.Zeroize(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := security.RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %w", vaulterr.ErrCrypto, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptValue opens a sealed secret value. Tag failure means the
// stored ciphertext no longer matches and is an integrity violation.
func DecryptValue(dek, salt, sealed []byte) ([]byte, error) {
	key, err := deriveSecretKey(dek, salt)
	if err != nil {
		return nil, err
	}
	defer security.Zeroize(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: sealed value too short", vaulterr.ErrMalformed)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, vaulterr.NewIntegrityError("secret value authentication failed")
	}
	return plaintext, nil
}

// Checksum returns the SHA-256 digest of a plaintext value, recorded in
// version metadata so integrity can be audited without the value.
func Checksum(plaintext []byte) []byte {
	sum := sha256.Sum256(plaintext)
	return sum[:]
}

// ChecksumHex is Checksum in the hex form stored in version metadata.
func ChecksumHex(plaintext []byte) string {
	return hex.EncodeToString(Checksum(plaintext))
}
