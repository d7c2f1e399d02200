package crypto

import (
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Recipient wraps and unwraps the vault's data encryption key. A vault
// file may carry several wrapped copies of the same DEK, one per
// recipient, so a passphrase holder and a KMS-backed service can both
// open it.
//
// Implementations:
//   - PassphraseRecipient (this package)
//   - providers/awskms.Recipient
//   - providers/vaulttransit.Recipient
type Recipient interface {
	// ID identifies the recipient inside the file header, e.g.
	// "passphrase", "aws-kms:alias/vlt-kek".
	ID() string

	// WrapDEK encrypts the plaintext DEK for this recipient.
	WrapDEK(dek []byte) ([]byte, error)

	// UnwrapDEK recovers the plaintext DEK from its wrapped form.
	UnwrapDEK(wrapped []byte) ([]byte, error)
}

// Argon2Params tunes the passphrase KDF. Defaults follow the argon2id
// recommendation of 64 MiB memory, 3 iterations.
type Argon2Params struct {
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	SaltLength  uint32 `json:"saltLength"`
	KeyLength   uint32 `json:"keyLength"`
}

// DefaultArgon2Params returns production KDF parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate rejects parameter combinations weak enough to be a
// configuration mistake.
func (p Argon2Params) Validate() error {
	if p.Memory < 8*1024 {
		return fmt.Errorf("%w: argon2 memory below 8 MiB", vaulterr.ErrInvalidPolicy)
	}
	if p.Iterations == 0 {
		return fmt.Errorf("%w: argon2 iterations must be positive", vaulterr.ErrInvalidPolicy)
	}
	if p.Parallelism == 0 {
		return fmt.Errorf("%w: argon2 parallelism must be positive", vaulterr.ErrInvalidPolicy)
	}
	if p.SaltLength < 8 || p.KeyLength != 32 {
		return fmt.Errorf("%w: argon2 salt/key lengths out of range", vaulterr.ErrInvalidPolicy)
	}
	return nil
}

// PassphraseRecipient derives a key encryption key from a passphrase
// with argon2id and wraps the DEK under AES-256-GCM.
type PassphraseRecipient struct {
	passphrase []byte
	params     Argon2Params
	salt       []byte
}

// NewPassphraseRecipient creates a recipient with a fresh random salt.
func NewPassphraseRecipient(passphrase []byte, params Argon2Params) (*PassphraseRecipient, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", vaulterr.ErrMalformed)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	salt, err := security.RandomBytes(int(params.SaltLength))
	if err != nil {
		return nil, fmt.Errorf("%w: salt generation: %w", vaulterr.ErrCrypto, err)
	}
	return &PassphraseRecipient{passphrase: passphrase, params: params, salt: salt}, nil
}

// NewPassphraseRecipientWithSalt reconstructs a recipient from header
// material so an existing vault can be unlocked.
func NewPassphraseRecipientWithSalt(passphrase, salt []byte, params Argon2Params) (*PassphraseRecipient, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", vaulterr.ErrMalformed)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty kdf salt", vaulterr.ErrMalformed)
	}
	return &PassphraseRecipient{passphrase: passphrase, params: params, salt: salt}, nil
}

func (r *PassphraseRecipient) ID() string { return "passphrase" }

// Salt exposes the KDF salt for the file header.
func (r *PassphraseRecipient) Salt() []byte { return r.salt }

// Params exposes the KDF parameters for the file header.
func (r *PassphraseRecipient) Params() Argon2Params { return r.params }

func (r *PassphraseRecipient) kek() []byte {
	return argon2.IDKey(r.passphrase, r.salt,
		r.params.Iterations, r.params.Memory, r.params.Parallelism, r.params.KeyLength)
}

// WrapDEK encrypts the DEK under the derived KEK. Output layout is
// nonce||ciphertext as produced by GCM.
func (r *PassphraseRecipient) WrapDEK(dek []byte) ([]byte, error) {
	kek := r.kek()
	defer security.Zeroize(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := security.RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %w", vaulterr.ErrCrypto, err)
	}
	return gcm.Seal(nonce, nonce, dek, nil), nil
}

// UnwrapDEK recovers the DEK; a wrong passphrase fails the GCM tag and
// surfaces as an auth failure so the caller can distinguish it from a
// corrupted file.
func (r *PassphraseRecipient) UnwrapDEK(wrapped []byte) ([]byte, error) {
	kek := r.kek()
	defer security.Zeroize(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped dek too short", vaulterr.ErrMalformed)
	}
	nonce, ct := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	dek, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: passphrase does not unwrap dek", vaulterr.ErrAuthFailed)
	}
	return dek, nil
}
