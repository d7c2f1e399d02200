// Package events is the in-process domain event bus. Delivery is
// ordered and at-least-once per subscriber; each subscriber owns a
// bounded queue drained by its own goroutine, so one slow handler never
// reorders another subscriber's stream.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the domain events the core emits.
type Kind string

const (
	SecretCreated          Kind = "secret.created"
	SecretUpdated          Kind = "secret.updated"
	SecretRotated          Kind = "secret.rotated"
	SecretAccessed         Kind = "secret.accessed"
	SecretRevealFailed     Kind = "secret.revealed_failed"
	SecretDeleted          Kind = "secret.deleted"
	TokenIssued            Kind = "token.issued"
	TokenRevoked           Kind = "token.revoked"
	TokenValidateFailed    Kind = "token.validated_failed"
	ProjectCreated         Kind = "project.created"
	ProjectDeleted         Kind = "project.deleted"
	VaultSaved             Kind = "vault.saved"
	VaultLoadFailed        Kind = "vault.load_failed"
	VaultIntegrityViolated Kind = "vault.integrity_violated"
)

// Outcome mirrors the audit outcome of the operation that emitted the
// event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is the value delivered to subscribers. Subscribers receive
// copies; there is no shared mutable state behind an event.
type Event struct {
	Kind          Kind
	Timestamp     time.Time
	CorrelationID string
	// Actor is the principal behind the operation, when there is one.
	Actor   string
	Project string
	Key     string
	Version int
	Outcome Outcome
	TokenID string
	// Err carries a sanitized error string for error outcomes.
	Err string
	// Terminal marks an error the engine will not retry (a paused
	// rotation policy).
	Terminal bool
}

// NewCorrelationID returns a fresh correlation id for a logical
// operation so its audit entries and events can be joined.
func NewCorrelationID() string {
	return uuid.NewString()
}
