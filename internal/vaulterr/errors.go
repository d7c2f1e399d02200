// Package vaulterr defines the error taxonomy shared by every vault
// component. Deeper packages return these structured errors with stable
// codes; only the access broker turns them into user-visible strings.
package vaulterr

import (
	"errors"
	"fmt"
)

var (
	// Input errors: caller mistakes, never retried.
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidKey    = errors.New("invalid secret key")
	ErrInvalidPolicy = errors.New("invalid rotation policy")
	ErrScopeTooBroad    = errors.New("requested scope exceeds principal policy")
	ErrTTLTooLong       = errors.New("requested ttl exceeds maximum")
	ErrPrincipalUnknown = errors.New("principal has no policy entry")
	ErrMalformed        = errors.New("malformed input")

	// Auth errors: audited as denied.
	ErrBadSignature = errors.New("token signature invalid")
	ErrExpired      = errors.New("token expired")
	ErrNotYetValid  = errors.New("token not yet valid")
	ErrRevoked      = errors.New("token revoked")
	ErrOutOfScope   = errors.New("request outside token scope")
	ErrMFARequired  = errors.New("restricted secret requires mfa")
	ErrRateLimited  = errors.New("principal rate limit exceeded")

	// Lookup errors.
	ErrNotFound       = errors.New("not found")
	ErrNotDecryptable = errors.New("version retired and not decryptable")

	// Conflict errors: retried once by the store's optimistic path.
	ErrAlreadyExists = errors.New("already exists")
	ErrNotEmpty      = errors.New("project not empty")
	ErrVersionRace   = errors.New("concurrent version conflict")

	// Integrity errors: fatal, vault enters read-only safe mode.
	ErrIntegrity        = errors.New("integrity violation")
	ErrSchema           = errors.New("unsupported schema version")
	ErrReadOnlySafeMode = errors.New("vault is in read-only safe mode")

	// Operational errors.
	ErrIO               = errors.New("i/o failure")
	ErrLocked           = errors.New("vault locked by another writer")
	ErrAuthFailed       = errors.New("unable to unwrap data encryption key")
	ErrDeadlineExceeded = errors.New("operation deadline exceeded")
	ErrInternal         = errors.New("internal invariant violated")
	ErrCrypto           = errors.New("crypto primitive failure")
	ErrPaused           = errors.New("rotation policy paused")
)

// Kind classifies an error into the coarse taxonomy used for audit
// outcomes and retry decisions.
type Kind string

const (
	KindInput     Kind = "input"
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindConflict  Kind = "conflict"
	KindIntegrity Kind = "integrity"
	KindIO        Kind = "io"
	KindDeadline  Kind = "deadline"
	KindInternal  Kind = "internal"
)

// KindOf maps an error to its taxonomy kind. Unrecognized errors are
// treated as internal so they never leak detail to callers.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ErrScopeTooBroad),
		errors.Is(err, ErrTTLTooLong),
		errors.Is(err, ErrPrincipalUnknown),
		errors.Is(err, ErrMalformed):
		return KindInput
	case errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrNotYetValid),
		errors.Is(err, ErrRevoked),
		errors.Is(err, ErrOutOfScope),
		errors.Is(err, ErrMFARequired),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrAuthFailed):
		return KindAuth
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotDecryptable):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrNotEmpty),
		errors.Is(err, ErrVersionRace):
		return KindConflict
	case errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrSchema),
		errors.Is(err, ErrReadOnlySafeMode):
		return KindIntegrity
	case errors.Is(err, ErrIO), errors.Is(err, ErrLocked):
		return KindIO
	case errors.Is(err, ErrDeadlineExceeded):
		return KindDeadline
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may retry the operation with
// backoff. Only transient I/O failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindIO && !errors.Is(err, ErrLocked)
}

func NewInvalidNameError(name, reason string) error {
	return fmt.Errorf("%w: %q %s", ErrInvalidName, name, reason)
}

func NewInvalidKeyError(key, reason string) error {
	return fmt.Errorf("%w: %q %s", ErrInvalidKey, key, reason)
}

func NewNotFoundError(what, name string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, name)
}

func NewAlreadyExistsError(what, name string) error {
	return fmt.Errorf("%w: %s %q", ErrAlreadyExists, what, name)
}

func NewIntegrityError(detail string) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, detail)
}

func NewIOError(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, cause)
}

func NewInternalError(detail string) error {
	return fmt.Errorf("%w: %s", ErrInternal, detail)
}
