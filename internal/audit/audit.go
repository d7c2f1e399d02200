// Package audit implements the append-only, hash-chained record of
// security-relevant events. One file per epoch; each record is
// length-prefixed JSON and fsync'd before Append returns, so a crash
// loses at most the entry being written.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Outcome of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry is one audit record. The hash covers the canonical JSON of the
// entry with the Hash field empty, chaining through PrevHash.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Principal string    `json:"principal,omitempty"`
	TokenID   string    `json:"tokenId,omitempty"`
	Project   string    `json:"project,omitempty"`
	Key       string    `json:"key,omitempty"`
	Version   int       `json:"version,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	// Detail carries sanitized diagnostics; never plaintext values.
	Detail   string `json:"detail,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// computeHash returns the hex digest of the entry's canonical form with
// the Hash field cleared.
func computeHash(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: audit entry marshal: %w", vaulterr.ErrInternal, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// genesisHash seeds an epoch's chain. Binding the prior epoch's final
// hash lets Verify span epoch boundaries.
func genesisHash(epoch uint64, prevEpochFinal string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("vlt-audit-genesis/%d/%s", epoch, prevEpochFinal)))
	return hex.EncodeToString(sum[:])
}

// epochHeader is the first record of every epoch file.
type epochHeader struct {
	Epoch          uint64    `json:"epoch"`
	StartedAt      time.Time `json:"startedAt"`
	PrevEpochFinal string    `json:"prevEpochFinal,omitempty"`
	Genesis        string    `json:"genesis"`
}
