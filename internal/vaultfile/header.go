// Package vaultfile implements the on-disk vault container: the binary
// framing, the authenticated JSON header with wrapped-DEK recipients,
// atomic fsync-durable writes, and the cross-process advisory lock.
package vaultfile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Magic identifies a vault file; the trailing byte is the container
// format revision.
var Magic = [8]byte{'V', 'L', 'T', '1', 0, 0, 0, 1}

// RecipientBlob is one wrapped copy of the DEK inside the header.
type RecipientBlob struct {
	// ID matches crypto.Recipient.ID, e.g. "passphrase" or
	// "aws-kms:alias/vlt-kek".
	ID         string `json:"id"`
	WrappedDEK []byte `json:"wrappedDek"`
	// KDF is present only for passphrase recipients.
	KDF *KDFBlob `json:"kdf,omitempty"`
}

// KDFBlob carries the parameters needed to re-derive a passphrase KEK.
type KDFBlob struct {
	Algo   string              `json:"algo"`
	Salt   []byte              `json:"salt"`
	Params crypto.Argon2Params `json:"params"`
}

// Header is the cleartext, authenticated preamble of a vault file. It
// is bound to the ciphertext as AAD, so any edit fails the open.
type Header struct {
	SchemaVersion   int             `json:"schemaVersion"`
	Algo            string          `json:"algo"`
	Recipients      []RecipientBlob `json:"recipients"`
	Nonce           []byte          `json:"nonce"`
	CreatedAt       time.Time       `json:"createdAt"`
	FingerprintAlgo string          `json:"fingerprintAlgo"`
}

func (h *Header) marshal() ([]byte, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("%w: header marshal: %w", vaulterr.ErrInternal, err)
	}
	return raw, nil
}

func parseHeader(raw []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: header parse: %w", vaulterr.ErrSchema, err)
	}
	if h.Algo != crypto.AlgoFileAEAD {
		return nil, fmt.Errorf("%w: unknown file cipher %q", vaulterr.ErrSchema, h.Algo)
	}
	if len(h.Recipients) == 0 {
		return nil, fmt.Errorf("%w: header carries no recipients", vaulterr.ErrSchema)
	}
	return &h, nil
}
