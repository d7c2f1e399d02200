package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// SecretRef identifies a committed secret version without its value.
type SecretRef struct {
	Project  string
	Key      string
	Version  int
	Checksum string
}

// SecretMeta is the caller-supplied metadata of an upsert.
type SecretMeta struct {
	Tags           []string
	Classification document.Classification
	Source         document.Source
	// Grace overrides the demotion window for this upsert; nil uses
	// the rotation policy's window or the store default.
	Grace *time.Duration
}

// CreateProject adds an empty project and emits project.created.
func (s *Store) CreateProject(name, description string) error {
	if err := document.ValidateProjectName(name); err != nil {
		return err
	}
	err := s.mutate(func(doc *document.Document, now time.Time) error {
		if _, ok := doc.Projects[name]; ok {
			return vaulterr.NewAlreadyExistsError("project", name)
		}
		doc.Projects[name] = &document.Project{
			Name:          name,
			Description:   description,
			Secrets:       make(map[string]*document.Secret),
			CreatedAt:     now,
			LastUpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.ProjectCreated, Project: name, Outcome: events.OutcomeSuccess})
	return nil
}

// DeleteProject removes a project. A non-empty project requires force;
// force retires and zeroizes every contained version first.
func (s *Store) DeleteProject(name string, force bool) error {
	err := s.mutate(func(doc *document.Document, now time.Time) error {
		p, ok := doc.Projects[name]
		if !ok {
			return vaulterr.NewNotFoundError("project", name)
		}
		if len(p.Secrets) > 0 && !force {
			return fmt.Errorf("%w: project %q holds %d secrets", vaulterr.ErrNotEmpty, name, len(p.Secrets))
		}
		for _, sec := range p.Secrets {
			retireAllVersions(sec, now)
		}
		delete(doc.Projects, name)
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.ProjectDeleted, Project: name, Outcome: events.OutcomeSuccess})
	return nil
}

// UpsertSecret writes a new secret value. An existing secret advances
// to a new version: the previous active version demotes to grace when a
// window applies, otherwise straight to retired. The plaintext is
// sealed before the mutation commits; the caller keeps ownership of
// the plaintext buffer.
func (s *Store) UpsertSecret(project, key string, plaintext []byte, meta SecretMeta) (SecretRef, error) {
	if err := document.ValidateSecretKey(key); err != nil {
		return SecretRef{}, err
	}
	if meta.Classification == "" {
		meta.Classification = document.ClassConfidential
	}
	if !document.ValidClassification(meta.Classification) {
		return SecretRef{}, fmt.Errorf("%w: classification %q", vaulterr.ErrMalformed, meta.Classification)
	}
	if meta.Source == "" {
		meta.Source = document.SourceManual
	}

	var ref SecretRef
	var created bool
	err := s.mutate(func(doc *document.Document, now time.Time) error {
		var err error
		ref, created, err = s.upsertVersion(doc, now, project, key, plaintext, meta)
		return err
	})
	if err != nil {
		return SecretRef{}, err
	}

	kind := events.SecretUpdated
	if created {
		kind = events.SecretCreated
	}
	s.publish(events.Event{Kind: kind, Project: project, Key: key, Version: ref.Version, Outcome: events.OutcomeSuccess})
	return ref, nil
}

// upsertVersion applies a new secret version to a staged document. It
// is the shared core of UpsertSecret and ApplyRotation and runs inside
// a mutate, so doc is always a staged clone.
func (s *Store) upsertVersion(doc *document.Document, now time.Time, project, key string,
	plaintext []byte, meta SecretMeta) (SecretRef, bool, error) {
	p, ok := doc.Projects[project]
	if !ok {
		return SecretRef{}, false, vaulterr.NewNotFoundError("project", project)
	}
	sec, exists := p.Secrets[key]
	if !exists {
		salt, err := crypto.NewSecretSalt()
		if err != nil {
			return SecretRef{}, false, err
		}
		sec = &document.Secret{
			Key:            key,
			Classification: meta.Classification,
			Source:         meta.Source,
			Salt:           salt,
			CreatedAt:      now,
		}
		p.Secrets[key] = sec
	}

	ciphertext, err := crypto.EncryptValue(s.dek, sec.Salt, plaintext)
	if err != nil {
		return SecretRef{}, false, err
	}

	next := sec.CurrentVersion + 1
	// A version still inside its grace window is superseded by this
	// write; retire it before the demotion below opens a new window.
	for _, v := range sec.Versions {
		if v.State == document.StateGrace {
			retire(v, now)
		}
	}
	if prev := sec.ActiveVersion(); prev != nil {
		demote(prev, s.graceFor(sec, meta.Grace), now)
	}
	version := &document.SecretVersion{
		Version:    next,
		Ciphertext: ciphertext,
		State:      document.StateActive,
		CreatedAt:  now,
		Checksum:   crypto.ChecksumHex(plaintext),
	}
	sec.Versions = append([]*document.SecretVersion{version}, sec.Versions...)
	sec.CurrentVersion = next
	sec.Tags = append([]string(nil), meta.Tags...)
	sec.Classification = meta.Classification
	sec.Source = meta.Source
	sec.LastUpdatedAt = now
	p.LastUpdatedAt = now
	trimVersions(sec, s.opts.Retain, now)

	return SecretRef{Project: project, Key: key, Version: next, Checksum: version.Checksum}, !exists, nil
}

// DeleteSecret retires and zeroizes every version, then removes the
// secret.
func (s *Store) DeleteSecret(project, key string) error {
	err := s.mutate(func(doc *document.Document, now time.Time) error {
		p, ok := doc.Projects[project]
		if !ok {
			return vaulterr.NewNotFoundError("project", project)
		}
		sec, ok := p.Secrets[key]
		if !ok {
			return vaulterr.NewNotFoundError("secret", key)
		}
		retireAllVersions(sec, now)
		delete(p.Secrets, key)
		p.LastUpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.SecretDeleted, Project: project, Key: key, Outcome: events.OutcomeSuccess})
	return nil
}

// AttachRotationPolicy sets (or replaces) a secret's rotation policy.
// nextRotationAt seeds from now + interval when the secret was never
// rotated.
func (s *Store) AttachRotationPolicy(project, key string, policy document.RotationPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	return s.mutate(func(doc *document.Document, now time.Time) error {
		sec, err := findSecret(doc, project, key)
		if err != nil {
			return err
		}
		policy.Paused = false
		policy.FailureCount = 0
		if policy.LastRotatedAt != nil {
			policy.NextRotationAt = policy.LastRotatedAt.Add(policy.Interval())
		} else if policy.NextRotationAt.IsZero() {
			policy.NextRotationAt = now.Add(policy.Interval())
		}
		sec.RotationPolicy = &policy
		sec.LastUpdatedAt = now
		return nil
	})
}

// graceFor resolves the demotion window: explicit override, then the
// rotation policy, then the store default. Negative disables grace.
func (s *Store) graceFor(sec *document.Secret, override *time.Duration) time.Duration {
	if override != nil {
		return *override
	}
	if sec.RotationPolicy != nil {
		return sec.RotationPolicy.Grace()
	}
	return s.opts.Grace
}

func demote(v *document.SecretVersion, grace time.Duration, now time.Time) {
	if grace > 0 {
		until := now.Add(grace)
		v.State = document.StateGrace
		v.GraceUntil = &until
		return
	}
	retire(v, now)
}

func retire(v *document.SecretVersion, now time.Time) {
	security.Zeroize(v.Ciphertext)
	v.Ciphertext = nil
	v.State = document.StateRetired
	v.GraceUntil = nil
	t := now
	v.RetiredAt = &t
}

func retireAllVersions(sec *document.Secret, now time.Time) {
	for _, v := range sec.Versions {
		if v.State != document.StateRetired {
			retire(v, now)
		}
	}
}

// trimVersions enforces the retention cap: entries beyond it are
// dropped entirely, and the oldest retained entries beyond the active
// one retire in place (metadata stays enumerable, ciphertext zeroized).
func trimVersions(sec *document.Secret, retain int, now time.Time) {
	if len(sec.Versions) > retain {
		for _, v := range sec.Versions[retain:] {
			if v.State != document.StateRetired {
				retire(v, now)
			}
		}
		sec.Versions = sec.Versions[:retain:retain]
	}
}

// SweepGrace retires every grace version whose window elapsed. Returns
// the refs that transitioned so the caller can emit events.
func (s *Store) SweepGrace() ([]SecretRef, error) {
	var swept []SecretRef
	err := s.mutate(func(doc *document.Document, now time.Time) error {
		for pname, p := range doc.Projects {
			for key, sec := range p.Secrets {
				for _, v := range sec.Versions {
					if v.State == document.StateGrace && v.GraceUntil != nil && !now.Before(*v.GraceUntil) {
						retire(v, now)
						swept = append(swept, SecretRef{Project: pname, Key: key, Version: v.Version})
					}
				}
			}
		}
		if len(swept) == 0 {
			return errNoChange
		}
		return nil
	})
	if err == errNoChange {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return swept, nil
}

func findSecret(doc *document.Document, project, key string) (*document.Secret, error) {
	p, ok := doc.Projects[project]
	if !ok {
		return nil, vaulterr.NewNotFoundError("project", project)
	}
	sec, ok := p.Secrets[key]
	if !ok {
		return nil, vaulterr.NewNotFoundError("secret", key)
	}
	return sec, nil
}

func (s *Store) publish(e events.Event) {
	if s.opts.Bus == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.opts.Clock().UTC()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = events.NewCorrelationID()
	}
	s.opts.Bus.Publish(e)
}

// ListProjects returns project names sorted lexicographically.
func (s *Store) ListProjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.doc.Projects))
	for name := range s.doc.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListSecrets returns the secret keys of a project, sorted.
func (s *Store) ListSecrets(project string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.Projects[project]
	if !ok {
		return nil, vaulterr.NewNotFoundError("project", project)
	}
	keys := make([]string, 0, len(p.Secrets))
	for key := range p.Secrets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Describe returns a metadata-only deep copy of a secret. The
// ciphertext is stripped; plaintext is never present in the document.
func (s *Store) Describe(project, key string) (*document.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, err := findSecret(s.doc, project, key)
	if err != nil {
		return nil, err
	}
	cp := sec.CloneMetadata()
	return cp, nil
}
