package vlt

import "github.com/vlt-dev/vlt/internal/vaulterr"

// Sentinel errors surfaced by the public API. Match with errors.Is;
// wrapped messages carry the specifics.
var (
	// Validation.
	ErrInvalidName   = vaulterr.ErrInvalidName
	ErrInvalidKey    = vaulterr.ErrInvalidKey
	ErrInvalidPolicy = vaulterr.ErrInvalidPolicy

	// Token issuance and validation.
	ErrScopeTooBroad    = vaulterr.ErrScopeTooBroad
	ErrTTLTooLong       = vaulterr.ErrTTLTooLong
	ErrPrincipalUnknown = vaulterr.ErrPrincipalUnknown
	ErrMalformed        = vaulterr.ErrMalformed
	ErrBadSignature     = vaulterr.ErrBadSignature
	ErrExpired          = vaulterr.ErrExpired
	ErrNotYetValid      = vaulterr.ErrNotYetValid
	ErrRevoked          = vaulterr.ErrRevoked
	ErrOutOfScope       = vaulterr.ErrOutOfScope
	ErrMFARequired      = vaulterr.ErrMFARequired
	ErrRateLimited      = vaulterr.ErrRateLimited

	// Secrets and versions.
	ErrNotFound       = vaulterr.ErrNotFound
	ErrNotDecryptable = vaulterr.ErrNotDecryptable
	ErrAlreadyExists  = vaulterr.ErrAlreadyExists
	ErrNotEmpty       = vaulterr.ErrNotEmpty
	ErrVersionRace    = vaulterr.ErrVersionRace

	// Vault file and integrity.
	ErrIntegrity        = vaulterr.ErrIntegrity
	ErrSchema           = vaulterr.ErrSchema
	ErrReadOnlySafeMode = vaulterr.ErrReadOnlySafeMode
	ErrIO               = vaulterr.ErrIO
	ErrLocked           = vaulterr.ErrLocked
	ErrAuthFailed       = vaulterr.ErrAuthFailed

	// Operations.
	ErrDeadlineExceeded = vaulterr.ErrDeadlineExceeded
	ErrPaused           = vaulterr.ErrPaused
	ErrInternal         = vaulterr.ErrInternal
	ErrCrypto           = vaulterr.ErrCrypto
)

// Retryable reports whether an operation that returned err may succeed
// if retried unchanged.
func Retryable(err error) bool { return vaulterr.Retryable(err) }
