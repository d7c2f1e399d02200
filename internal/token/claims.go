// Package token mints and validates the vault's signed, scoped,
// expiring bearer tokens. The wire form is
// v1.<base64url(payload)>.<base64url(signature)> with a canonical JSON
// payload, signed by the Ed25519 token authority.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Actions a scope may grant.
const (
	ActionRead   = "read"
	ActionRotate = "rotate"
	ActionAdmin  = "admin"
)

// WildcardKeys in Scope.Keys grants every key in the project.
const WildcardKeys = "*"

// Scope is the (project, keys, actions) triple a token may access.
type Scope struct {
	Project string   `json:"prj"`
	Keys    []string `json:"keys"`
	Actions []string `json:"act"`
}

// AllowsKey reports whether the scope covers a key.
func (s Scope) AllowsKey(key string) bool {
	for _, k := range s.Keys {
		if k == WildcardKeys || k == key {
			return true
		}
	}
	return false
}

// AllowsAction reports whether the scope grants an action.
func (s Scope) AllowsAction(action string) bool {
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Wildcard reports whether the scope uses the key wildcard.
func (s Scope) Wildcard() bool {
	for _, k := range s.Keys {
		if k == WildcardKeys {
			return true
		}
	}
	return false
}

// Claims is the canonical token payload.
type Claims struct {
	TokenID   string `json:"tid"`
	Subject   string `json:"sub"`
	Scope     Scope  `json:"scp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf,omitempty"`
	ExpiresAt int64  `json:"exp"`
	// MFA is asserted by the external identity provider at issuance
	// and gates restricted-classification reads.
	MFA bool `json:"mfa,omitempty"`
}

const wirePrefix = "v1"

var b64 = base64.RawURLEncoding

// Encode signs the claims and returns the compact wire string. The
// signature covers "v1.<payload>".
func Encode(c Claims, authority *crypto.Authority) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%w: claims marshal: %w", vaulterr.ErrInternal, err)
	}
	signedPart := wirePrefix + "." + b64.EncodeToString(payload)
	sig := authority.Sign([]byte(signedPart))
	return signedPart + "." + b64.EncodeToString(sig), nil
}

// Decode parses and signature-checks a bearer string. Freshness and
// revocation are the validator's job; Decode only guarantees the
// claims are authentic.
func Decode(bearer string, authority *crypto.Authority) (Claims, error) {
	parts := strings.Split(bearer, ".")
	if len(parts) != 3 || parts[0] != wirePrefix {
		return Claims{}, fmt.Errorf("%w: token wire format", vaulterr.ErrMalformed)
	}
	payload, err := b64.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: token payload encoding", vaulterr.ErrMalformed)
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: token signature encoding", vaulterr.ErrMalformed)
	}
	if !authority.Verify([]byte(parts[0]+"."+parts[1]), sig) {
		return Claims{}, vaulterr.ErrBadSignature
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: token payload parse", vaulterr.ErrMalformed)
	}
	if c.TokenID == "" || c.Subject == "" || c.ExpiresAt == 0 {
		return Claims{}, fmt.Errorf("%w: token missing required claims", vaulterr.ErrMalformed)
	}
	return c, nil
}

// Expiry returns the expiration as a time.
func (c Claims) Expiry() time.Time { return time.Unix(c.ExpiresAt, 0) }

// Issued returns the issuance time.
func (c Claims) Issued() time.Time { return time.Unix(c.IssuedAt, 0) }
