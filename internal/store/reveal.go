package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// errNoChange aborts a mutate without committing when nothing changed.
var errNoChange = errors.New("no change")

// Revealed is the result of a reveal: the plaintext and the version it
// came from. The caller owns Plaintext and must zeroize it.
type Revealed struct {
	Plaintext []byte
	Version   int
	State     document.VersionState
	Checksum  string
	// ExpiresHint is when a grace version stops being revealable; zero
	// for active versions.
	ExpiresHint time.Time
}

// RevealSecret decrypts a secret value. version 0 selects the active
// version; a grace version is revealed while its window holds; retired
// versions return NotDecryptable. Internal only: external callers go
// through the access broker.
//
// A decryption integrity failure flips the vault into read-only safe
// mode, since it means the stored ciphertext no longer matches its key
// material.
func (s *Store) RevealSecret(project, key string, version int) (*Revealed, error) {
	s.mu.RLock()
	sec, err := findSecret(s.doc, project, key)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}

	var v *document.SecretVersion
	if version == 0 {
		v = sec.ActiveVersion()
		if v == nil {
			s.mu.RUnlock()
			return nil, vaulterr.NewInternalError("secret has no active version")
		}
	} else {
		v = sec.FindVersion(version)
		if v == nil {
			s.mu.RUnlock()
			return nil, vaulterr.NewNotFoundError("version", fmt.Sprintf("%s/%s@%d", project, key, version))
		}
	}

	now := s.opts.Clock().UTC()
	switch v.State {
	case document.StateRetired:
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s/%s@%d", vaulterr.ErrNotDecryptable, project, key, v.Version)
	case document.StateGrace:
		if v.GraceUntil == nil || !now.Before(*v.GraceUntil) {
			s.mu.RUnlock()
			return nil, fmt.Errorf("%w: grace window elapsed for %s/%s@%d", vaulterr.ErrNotDecryptable, project, key, v.Version)
		}
	}

	// Copy everything needed out of the locked region, the DEK
	// included: a concurrent Close zeroizes s.dek in place.
	salt := append([]byte(nil), sec.Salt...)
	ciphertext := append([]byte(nil), v.Ciphertext...)
	dek := append([]byte(nil), s.dek...)
	result := &Revealed{Version: v.Version, State: v.State, Checksum: v.Checksum}
	if v.GraceUntil != nil {
		result.ExpiresHint = *v.GraceUntil
	}
	s.mu.RUnlock()

	plaintext, err := crypto.DecryptValue(dek, salt, ciphertext)
	security.Zeroize(dek)
	if err != nil {
		if vaulterr.KindOf(err) == vaulterr.KindIntegrity {
			s.enterSafeMode(err)
		}
		return nil, err
	}
	result.Plaintext = plaintext

	// Access bookkeeping is best effort; the reveal has already
	// succeeded and the counters ride along with the next save.
	_ = s.mutate(func(doc *document.Document, now time.Time) error {
		sec, err := findSecret(doc, project, key)
		if err != nil {
			return err
		}
		t := now
		sec.LastAccessedAt = &t
		sec.AccessCount++
		return nil
	})
	return result, nil
}
