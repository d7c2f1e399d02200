package store

import (
	"time"

	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// RotationTarget is a due rotation as seen by the engine: identifiers
// plus a policy copy, never a live pointer into the document.
type RotationTarget struct {
	Project string
	Key     string
	Policy  document.RotationPolicy
}

// RotationTargets returns a copy of every secret carrying an unpaused
// rotation policy, for scheduler (re)builds.
func (s *Store) RotationTargets() []RotationTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var targets []RotationTarget
	for pname, p := range s.doc.Projects {
		for key, sec := range p.Secrets {
			if sec.RotationPolicy == nil || sec.RotationPolicy.Paused {
				continue
			}
			targets = append(targets, RotationTarget{Project: pname, Key: key, Policy: *sec.RotationPolicy})
		}
	}
	return targets
}

// ApplyRotation commits a successful rotation in one mutation: the new
// value becomes the active version with the policy's grace semantics,
// the schedule advances, and the failure counter resets.
// nextRotationAt never moves backwards across clock jumps.
func (s *Store) ApplyRotation(project, key string, plaintext []byte) (SecretRef, error) {
	var ref SecretRef
	err := s.mutate(func(doc *document.Document, now time.Time) error {
		sec, err := findSecret(doc, project, key)
		if err != nil {
			return err
		}
		if sec.RotationPolicy == nil {
			return vaulterr.NewNotFoundError("rotation policy", project+"/"+key)
		}
		r, _, err := s.upsertVersion(doc, now, project, key, plaintext, SecretMeta{
			Tags:           sec.Tags,
			Classification: sec.Classification,
			Source:         document.SourceRotation,
		})
		if err != nil {
			return err
		}
		ref = r
		pol := sec.RotationPolicy
		t := now
		pol.LastRotatedAt = &t
		next := now.Add(pol.Interval())
		if next.After(pol.NextRotationAt) {
			pol.NextRotationAt = next
		}
		pol.FailureCount = 0
		return nil
	})
	if err != nil {
		return SecretRef{}, err
	}
	s.publish(events.Event{
		Kind:    events.SecretRotated,
		Project: project,
		Key:     key,
		Version: ref.Version,
		Outcome: events.OutcomeSuccess,
	})
	return ref, nil
}

// RecordRotationFailure bumps the failure counter and pauses the policy
// once the retry budget is exhausted. Reports whether the policy is now
// paused.
func (s *Store) RecordRotationFailure(project, key string, budget int) (paused bool, err error) {
	err = s.mutate(func(doc *document.Document, now time.Time) error {
		sec, err := findSecret(doc, project, key)
		if err != nil {
			return err
		}
		if sec.RotationPolicy == nil {
			return vaulterr.NewNotFoundError("rotation policy", project+"/"+key)
		}
		sec.RotationPolicy.FailureCount++
		if sec.RotationPolicy.FailureCount >= budget {
			sec.RotationPolicy.Paused = true
			paused = true
		}
		return nil
	})
	return paused, err
}

// ResumeRotationPolicy clears a paused policy after operator
// intervention and reschedules from now.
func (s *Store) ResumeRotationPolicy(project, key string) error {
	return s.mutate(func(doc *document.Document, now time.Time) error {
		sec, err := findSecret(doc, project, key)
		if err != nil {
			return err
		}
		if sec.RotationPolicy == nil {
			return vaulterr.NewNotFoundError("rotation policy", project+"/"+key)
		}
		sec.RotationPolicy.Paused = false
		sec.RotationPolicy.FailureCount = 0
		sec.RotationPolicy.NextRotationAt = now.Add(sec.RotationPolicy.Interval())
		return nil
	})
}
