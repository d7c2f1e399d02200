package vaultfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// maxHeaderLen bounds the header frame so a corrupted length field
// cannot drive a huge allocation.
const maxHeaderLen = 1 << 20

// Encode serializes and encrypts a document for every recipient. The
// DEK is owned by the store and stays stable across saves because the
// per-secret subkeys are derived from it; only the file nonce is fresh
// per write.
func Encode(doc *document.Document, dek []byte, recipients []crypto.Recipient, now time.Time) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient required", vaulterr.ErrMalformed)
	}
	if len(dek) != crypto.DEKSize {
		return nil, fmt.Errorf("%w: dek must be %d bytes", vaulterr.ErrCrypto, crypto.DEKSize)
	}
	cleartext, err := document.Canonicalize(doc)
	if err != nil {
		return nil, err
	}
	defer security.Zeroize(cleartext)

	hdr := &Header{
		SchemaVersion:   doc.SchemaVersion,
		Algo:            crypto.AlgoFileAEAD,
		CreatedAt:       now,
		FingerprintAlgo: document.FingerprintAlgo,
	}
	for _, r := range recipients {
		wrapped, err := r.WrapDEK(dek)
		if err != nil {
			return nil, fmt.Errorf("wrap dek for recipient %q: %w", r.ID(), err)
		}
		blob := RecipientBlob{ID: r.ID(), WrappedDEK: wrapped}
		if pr, ok := r.(*crypto.PassphraseRecipient); ok {
			blob.KDF = &KDFBlob{Algo: "argon2id", Salt: pr.Salt(), Params: pr.Params()}
		}
		hdr.Recipients = append(hdr.Recipients, blob)
	}

	// The nonce lives in the header and the header is the AAD, so the
	// nonce is fixed before the header is marshaled.
	nonce, err := crypto.NewFileNonce()
	if err != nil {
		return nil, err
	}
	hdr.Nonce = nonce
	hdrRaw, err := hdr.marshal()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.SealFile(dek, nonce, cleartext, hdrRaw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(Magic[:])
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hdrRaw)))
	buf.Write(lenBuf[:])
	buf.Write(hdrRaw)
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

// Decode parses, decrypts, and verifies a vault file. The recovered
// DEK is returned to the caller, which owns it (the store keeps it for
// per-secret reveals) and must zeroize it when done.
func Decode(raw []byte, unlock crypto.Recipient) (*document.Document, *Header, []byte, error) {
	hdr, hdrRaw, body, err := splitFrames(raw)
	if err != nil {
		return nil, nil, nil, err
	}

	wrapped := findRecipient(hdr, unlock.ID())
	if wrapped == nil {
		return nil, nil, nil, fmt.Errorf("%w: no recipient %q in vault header", vaulterr.ErrAuthFailed, unlock.ID())
	}
	dek, err := unlock.UnwrapDEK(wrapped.WrappedDEK)
	if err != nil {
		return nil, nil, nil, err
	}

	cleartext, err := crypto.OpenFile(dek, hdr.Nonce, body, hdrRaw)
	if err != nil {
		security.Zeroize(dek)
		return nil, nil, nil, err
	}
	defer security.Zeroize(cleartext)

	doc, err := document.Decode(cleartext)
	if err != nil {
		security.Zeroize(dek)
		return nil, nil, nil, err
	}
	return doc, hdr, dek, nil
}

// ParseHeader reads only the cleartext header, for read-only inspection
// without unlock material.
func ParseHeader(raw []byte) (*Header, error) {
	hdr, _, _, err := splitFrames(raw)
	return hdr, err
}

// UnwrapWith recovers the DEK from a parsed header, used when the same
// DEK must outlive a single Decode (per-secret reveals).
func UnwrapWith(hdr *Header, unlock crypto.Recipient) ([]byte, error) {
	wrapped := findRecipient(hdr, unlock.ID())
	if wrapped == nil {
		return nil, fmt.Errorf("%w: no recipient %q in vault header", vaulterr.ErrAuthFailed, unlock.ID())
	}
	return unlock.UnwrapDEK(wrapped.WrappedDEK)
}

func splitFrames(raw []byte) (*Header, []byte, []byte, error) {
	if len(raw) < len(Magic)+4 {
		return nil, nil, nil, vaulterr.NewIntegrityError("vault file truncated")
	}
	if !bytes.Equal(raw[:len(Magic)], Magic[:]) {
		return nil, nil, nil, vaulterr.NewIntegrityError("vault file magic mismatch")
	}
	hdrLen := binary.BigEndian.Uint32(raw[len(Magic) : len(Magic)+4])
	if hdrLen == 0 || hdrLen > maxHeaderLen {
		return nil, nil, nil, vaulterr.NewIntegrityError("vault header length out of range")
	}
	off := len(Magic) + 4
	if len(raw) < off+int(hdrLen) {
		return nil, nil, nil, vaulterr.NewIntegrityError("vault file truncated inside header")
	}
	hdrRaw := raw[off : off+int(hdrLen)]
	hdr, err := parseHeader(hdrRaw)
	if err != nil {
		return nil, nil, nil, err
	}
	return hdr, hdrRaw, raw[off+int(hdrLen):], nil
}

func findRecipient(hdr *Header, id string) *RecipientBlob {
	for i := range hdr.Recipients {
		if hdr.Recipients[i].ID == id {
			return &hdr.Recipients[i]
		}
	}
	return nil
}
