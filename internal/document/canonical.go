package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// FingerprintAlgo names the digest recorded in the file header.
const FingerprintAlgo = "sha256"

// Canonicalize serializes the document to its canonical byte form:
// compact JSON with lexicographically ordered object keys (map keys are
// sorted by encoding/json; struct fields appear in declaration order,
// which is fixed per schema version). The fingerprint field itself is
// excluded so the digest is stable.
func Canonicalize(d *Document) ([]byte, error) {
	shallow := *d
	shallow.Metadata.Fingerprint = ""
	raw, err := json.Marshal(&shallow)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize document: %w", vaulterr.ErrInternal, err)
	}
	return raw, nil
}

// Fingerprint computes the hex digest of the canonical form.
func Fingerprint(d *Document) (string, error) {
	raw, err := Canonicalize(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses a canonical byte form back into a document and rejects
// unknown major schema versions.
func Decode(raw []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: document parse: %w", vaulterr.ErrSchema, err)
	}
	if d.SchemaVersion > SchemaVersion || d.SchemaVersion < 1 {
		return nil, fmt.Errorf("%w: document schema %d, this build understands up to %d",
			vaulterr.ErrSchema, d.SchemaVersion, SchemaVersion)
	}
	if d.Projects == nil {
		d.Projects = make(map[string]*Project)
	}
	if d.Policies == nil {
		d.Policies = make(map[string]*PrincipalPolicy)
	}
	return &d, nil
}
