package vlt

import (
	"fmt"

	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/vaulterr"
	"github.com/vlt-dev/vlt/internal/vaultfile"
)

// unlockRecipientFromHeader rebuilds the passphrase recipient for an
// existing vault from the KDF blob persisted in its header, so the
// same salt and parameters re-derive the KEK.
func unlockRecipientFromHeader(passphrase []byte, path string) (crypto.Recipient, error) {
	raw, err := vaultfile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	hdr, err := vaultfile.ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	for _, rb := range hdr.Recipients {
		if rb.KDF == nil {
			continue
		}
		if rb.KDF.Algo != "argon2id" {
			return nil, fmt.Errorf("%w: unknown kdf %q", vaulterr.ErrSchema, rb.KDF.Algo)
		}
		return crypto.NewPassphraseRecipientWithSalt(passphrase, rb.KDF.Salt, rb.KDF.Params)
	}
	return nil, fmt.Errorf("%w: vault has no passphrase recipient", vaulterr.ErrAuthFailed)
}
