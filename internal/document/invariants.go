package document

import (
	"fmt"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// CheckInvariants verifies the structural invariants the store promises
// to hold before any state is persisted. A violation here is a bug, not
// a user error, so everything surfaces as an internal error.
func (d *Document) CheckInvariants() error {
	if d.SchemaVersion < 1 {
		return vaulterr.NewInternalError("schema version below 1")
	}
	if d.Metadata.LastUpdatedAt.Before(d.Metadata.CreatedAt) {
		return vaulterr.NewInternalError("document lastUpdatedAt precedes createdAt")
	}
	for name, p := range d.Projects {
		if name != p.Name {
			return vaulterr.NewInternalError(fmt.Sprintf("project map key %q does not match name %q", name, p.Name))
		}
		if err := ValidateProjectName(p.Name); err != nil {
			return vaulterr.NewInternalError(fmt.Sprintf("persisted project name %q invalid", p.Name))
		}
		for key, s := range p.Secrets {
			if key != s.Key {
				return vaulterr.NewInternalError(fmt.Sprintf("secret map key %q does not match key %q", key, s.Key))
			}
			if err := s.checkInvariants(); err != nil {
				return fmt.Errorf("project %q secret %q: %w", name, key, err)
			}
		}
	}
	return nil
}

func (s *Secret) checkInvariants() error {
	if len(s.Versions) == 0 {
		return vaulterr.NewInternalError("secret has no versions")
	}
	if s.Versions[0].Version != s.CurrentVersion {
		return vaulterr.NewInternalError("newest version does not match currentVersion")
	}
	if !ValidClassification(s.Classification) {
		return vaulterr.NewInternalError(fmt.Sprintf("unknown classification %q", s.Classification))
	}
	active, grace := 0, 0
	prev := s.Versions[0].Version + 1
	for _, v := range s.Versions {
		if v.Version >= prev {
			return vaulterr.NewInternalError("version numbers not strictly decreasing newest-first")
		}
		prev = v.Version
		switch v.State {
		case StateActive:
			active++
		case StateGrace:
			grace++
		case StateRetired:
		default:
			return vaulterr.NewInternalError(fmt.Sprintf("unknown version state %q", v.State))
		}
	}
	if active != 1 {
		return vaulterr.NewInternalError(fmt.Sprintf("expected exactly one active version, found %d", active))
	}
	if grace > 1 {
		return vaulterr.NewInternalError(fmt.Sprintf("expected at most one grace version, found %d", grace))
	}
	return nil
}
