// Package vaulttransit wraps the vault DEK with a HashiCorp Vault
// Transit key. The plaintext DEK never leaves this process unencrypted
// on the wire beyond the Transit API call itself.
package vaulttransit

import (
	"encoding/base64"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// logicalWriter is the slice of the Vault API the recipient uses.
type logicalWriter interface {
	Write(path string, data map[string]interface{}) (*vaultapi.Secret, error)
}

// Config holds configuration for the Transit recipient.
type Config struct {
	// KeyName is the Transit engine key, e.g. "vlt-kek". The Transit
	// engine must be enabled and the key created beforehand.
	KeyName string

	// Mount is the Transit engine mount path; defaults to "transit".
	Mount string
}

// Recipient wraps and unwraps the vault DEK with Vault Transit.
type Recipient struct {
	logical logicalWriter
	keyName string
	mount   string
}

// New creates a Transit recipient over a configured Vault client. The
// client carries address and token from VAULT_ADDR / VAULT_TOKEN or
// explicit configuration.
func New(client *vaultapi.Client, cfg Config) (*Recipient, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil vault client", vaulterr.ErrMalformed)
	}
	return NewWithLogical(client.Logical(), cfg)
}

// NewWithLogical creates a recipient over a logical writer; used by
// tests with a stub.
func NewWithLogical(logical logicalWriter, cfg Config) (*Recipient, error) {
	if cfg.KeyName == "" {
		return nil, fmt.Errorf("%w: transit key name is required", vaulterr.ErrMalformed)
	}
	mount := cfg.Mount
	if mount == "" {
		mount = "transit"
	}
	return &Recipient{logical: logical, keyName: cfg.KeyName, mount: mount}, nil
}

// ID identifies this recipient in the vault file header.
func (r *Recipient) ID() string {
	return "vault-transit:" + r.keyName
}

// WrapDEK encrypts the DEK through the Transit engine. The wrapped
// form is Vault's versioned ciphertext string ("vault:v1:...") so key
// rotation inside Vault stays transparent.
func (r *Recipient) WrapDEK(dek []byte) ([]byte, error) {
	if len(dek) == 0 {
		return nil, fmt.Errorf("%w: empty dek", vaulterr.ErrMalformed)
	}
	resp, err := r.logical.Write(fmt.Sprintf("%s/encrypt/%s", r.mount, r.keyName), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(dek),
	})
	if err != nil {
		return nil, vaulterr.NewIOError("transit encrypt", err)
	}
	ciphertext, ok := responseString(resp, "ciphertext")
	if !ok {
		return nil, vaulterr.NewIOError("transit encrypt", fmt.Errorf("no ciphertext in response"))
	}
	return []byte(ciphertext), nil
}

// UnwrapDEK recovers the DEK from Vault's versioned ciphertext.
func (r *Recipient) UnwrapDEK(wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("%w: empty wrapped dek", vaulterr.ErrMalformed)
	}
	resp, err := r.logical.Write(fmt.Sprintf("%s/decrypt/%s", r.mount, r.keyName), map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: transit decrypt: %v", vaulterr.ErrAuthFailed, err)
	}
	encoded, ok := responseString(resp, "plaintext")
	if !ok {
		return nil, vaulterr.NewIOError("transit decrypt", fmt.Errorf("no plaintext in response"))
	}
	dek, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, vaulterr.NewIOError("transit decrypt", fmt.Errorf("decode plaintext: %w", err))
	}
	return dek, nil
}

func responseString(resp *vaultapi.Secret, field string) (string, bool) {
	if resp == nil || resp.Data == nil {
		return "", false
	}
	s, ok := resp.Data[field].(string)
	return s, ok && s != ""
}
