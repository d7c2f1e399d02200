// Package crypto implements the vault's cryptographic primitives:
// authenticated encryption of the vault file, envelope wrapping of the
// data encryption key, per-secret value encryption, and token signing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// AlgoFileAEAD identifies the vault file cipher in the file header.
const AlgoFileAEAD = "AEAD-v1"

// DEKSize is the size of the data encryption key in bytes (256 bits).
const DEKSize = 32

// GenerateDEK returns a fresh random data encryption key.
func GenerateDEK() ([]byte, error) {
	dek, err := security.RandomBytes(DEKSize)
	if err != nil {
		return nil, fmt.Errorf("%w: dek generation: %w", vaulterr.ErrCrypto, err)
	}
	return dek, nil
}

// FileNonceSize is the XChaCha20-Poly1305 nonce length.
const FileNonceSize = chacha20poly1305.NonceSizeX

// NewFileNonce returns a fresh random file nonce. The extended nonce
// makes random generation collision-safe without a counter.
func NewFileNonce() ([]byte, error) {
	nonce, err := security.RandomBytes(FileNonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %w", vaulterr.ErrCrypto, err)
	}
	return nonce, nil
}

// SealFile encrypts the serialized vault cleartext with
// XChaCha20-Poly1305. The header bytes are bound as additional
// authenticated data so any header tampering fails the open.
func SealFile(dek, nonce, cleartext, header []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: file cipher init: %w", vaulterr.ErrCrypto, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: file nonce must be %d bytes", vaulterr.ErrCrypto, aead.NonceSize())
	}
	return aead.Seal(nil, nonce, cleartext, header), nil
}

// OpenFile decrypts and authenticates a vault file body. A failed tag
// check surfaces as an integrity violation, not a generic crypto error,
// because it means the file on disk was altered.
func OpenFile(dek, nonce, ciphertext, header []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: file cipher init: %w", vaulterr.ErrCrypto, err)
	}
	cleartext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, vaulterr.NewIntegrityError("vault file authentication failed")
	}
	return cleartext, nil
}

// newGCM builds an AES-256-GCM AEAD for the per-secret inner layer.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %w", vaulterr.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm init: %w", vaulterr.ErrCrypto, err)
	}
	return gcm, nil
}
