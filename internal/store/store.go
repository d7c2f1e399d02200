// Package store owns the in-memory vault document. All mutations stage
// against a copy-on-write clone, pass invariant checks, and only then
// commit, so no observable state ever violates the document invariants.
// A reader-writer lock guards the document; the on-disk file is guarded
// by the advisory lock in vaultfile.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/vlt-dev/vlt/internal/audit"
	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
	"github.com/vlt-dev/vlt/internal/vaultfile"
)

// DefaultRetain is the number of versions kept per secret.
const DefaultRetain = 3

// DefaultGrace is the grace window applied when an upsert demotes an
// active version and no rotation policy specifies one.
const DefaultGrace = 10 * time.Minute

// Auditor is the slice of the audit log the store reports through.
type Auditor interface {
	Append(e audit.Entry) (uint64, error)
}

// Options configures a store.
type Options struct {
	// Recipients receive a wrapped copy of the DEK on every save. Must
	// include Unlock.
	Recipients []crypto.Recipient
	// Unlock is the recipient used to unwrap the DEK on load.
	Unlock crypto.Recipient
	// Retain caps versions kept per secret; 0 selects DefaultRetain.
	Retain int
	// Grace is the default demotion window; negative disables it.
	Grace time.Duration
	Bus   *events.Bus
	Audit Auditor
	Clock func() time.Time
	Log   hclog.Logger
}

func (o *Options) fill() {
	if o.Retain <= 0 {
		o.Retain = DefaultRetain
	}
	if o.Grace == 0 {
		o.Grace = DefaultGrace
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Log == nil {
		o.Log = hclog.NewNullLogger()
	}
}

// Store is the single owner of the vault document.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  *document.Document
	dek  []byte
	lock *vaultfile.Lock

	dirty    bool
	readOnly bool

	opts Options
}

// Create initializes a brand-new vault at path. Fails if a vault file
// already exists there.
func Create(path string, opts Options) (*Store, error) {
	opts.fill()
	if err := validateRecipients(opts); err != nil {
		return nil, err
	}
	if _, err := vaultfile.ReadFile(path); err == nil {
		return nil, vaulterr.NewAlreadyExistsError("vault", path)
	} else if !errors.Is(err, vaulterr.ErrNotFound) {
		return nil, err
	}

	flock, err := vaultfile.AcquireLock(path, true)
	if err != nil {
		return nil, err
	}

	now := opts.Clock().UTC()
	doc := document.New(now)
	authority, err := crypto.NewAuthority()
	if err != nil {
		flock.Release()
		return nil, err
	}
	doc.AuthoritySeed = authority.Seed()

	dek, err := crypto.GenerateDEK()
	if err != nil {
		flock.Release()
		return nil, err
	}

	s := &Store{path: path, doc: doc, dek: dek, lock: flock, dirty: true, opts: opts}
	if err := s.Save(); err != nil {
		flock.Release()
		security.Zeroize(dek)
		return nil, err
	}
	return s, nil
}

// Load opens an existing vault. Integrity or unlock failures are
// audited as vault.load_failed before the error is returned.
func Load(path string, opts Options) (*Store, error) {
	opts.fill()
	if err := validateRecipients(opts); err != nil {
		return nil, err
	}

	flock, err := vaultfile.AcquireLock(path, true)
	if err != nil {
		return nil, err
	}
	raw, err := vaultfile.ReadFile(path)
	if err != nil {
		flock.Release()
		return nil, err
	}
	doc, _, dek, err := vaultfile.Decode(raw, opts.Unlock)
	if err != nil {
		flock.Release()
		reportLoadFailure(opts, err)
		return nil, err
	}
	if err := doc.CheckInvariants(); err != nil {
		flock.Release()
		security.Zeroize(dek)
		err = vaulterr.NewIntegrityError(fmt.Sprintf("loaded document violates invariants: %v", err))
		reportLoadFailure(opts, err)
		return nil, err
	}
	if doc.Metadata.Fingerprint != "" {
		fp, err := document.Fingerprint(doc)
		if err != nil {
			flock.Release()
			security.Zeroize(dek)
			return nil, err
		}
		if fp != doc.Metadata.Fingerprint {
			flock.Release()
			security.Zeroize(dek)
			err = vaulterr.NewIntegrityError("document fingerprint mismatch")
			reportLoadFailure(opts, err)
			return nil, err
		}
	}
	return &Store{path: path, doc: doc, dek: dek, lock: flock, opts: opts}, nil
}

func validateRecipients(opts Options) error {
	if opts.Unlock == nil {
		return fmt.Errorf("%w: unlock recipient required", vaulterr.ErrMalformed)
	}
	for _, r := range opts.Recipients {
		if r.ID() == opts.Unlock.ID() {
			return nil
		}
	}
	return fmt.Errorf("%w: recipients must include the unlock recipient", vaulterr.ErrMalformed)
}

func reportLoadFailure(opts Options, cause error) {
	if opts.Audit != nil {
		if _, err := opts.Audit.Append(audit.Entry{
			Kind:    string(events.VaultLoadFailed),
			Outcome: audit.OutcomeError,
			Detail:  cause.Error(),
		}); err != nil {
			opts.Log.Error("audit append failed for load failure", "error", err)
		}
	}
	if opts.Bus != nil {
		opts.Bus.Publish(events.Event{
			Kind:          events.VaultLoadFailed,
			Timestamp:     opts.Clock().UTC(),
			CorrelationID: events.NewCorrelationID(),
			Outcome:       events.OutcomeError,
			Err:           cause.Error(),
		})
	}
}

// Save encrypts and durably writes the document. Idempotent: a clean
// store is a no-op. On success the fingerprint is recomputed and the
// dirty flag cleared; on failure in-memory state is untouched and the
// dirty flag preserved so the caller can retry.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if !s.dirty {
		return nil
	}
	if s.readOnly {
		return vaulterr.ErrReadOnlySafeMode
	}
	now := s.opts.Clock().UTC()

	staged := s.doc.Clone()
	staged.Metadata.LastUpdatedAt = now
	fp, err := document.Fingerprint(staged)
	if err != nil {
		return err
	}
	staged.Metadata.Fingerprint = fp

	raw, err := vaultfile.Encode(staged, s.dek, s.opts.Recipients, now)
	if err != nil {
		return err
	}
	if err := vaultfile.WriteAtomic(s.path, raw); err != nil {
		return err
	}

	s.doc = staged
	s.dirty = false
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.Event{
			Kind:          events.VaultSaved,
			Timestamp:     now,
			CorrelationID: events.NewCorrelationID(),
			Outcome:       events.OutcomeSuccess,
		})
	}
	s.opts.Log.Debug("vault saved", "path", s.path, "fingerprint", fp)
	return nil
}

// mutate stages fn on a clone, checks invariants, and commits. The
// committed document is only replaced when everything succeeded.
func (s *Store) mutate(fn func(doc *document.Document, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return vaulterr.ErrReadOnlySafeMode
	}
	now := s.opts.Clock().UTC()
	staged := s.doc.Clone()
	if err := fn(staged, now); err != nil {
		return err
	}
	staged.Metadata.LastUpdatedAt = now
	if err := staged.CheckInvariants(); err != nil {
		// A failed invariant on staged state is a bug; the committed
		// document is untouched.
		return err
	}
	s.doc = staged
	s.dirty = true
	return nil
}

// enterSafeMode flips the vault read-only after an integrity violation.
// Mutations are refused until operator intervention; the audit log is
// preserved.
func (s *Store) enterSafeMode(cause error) {
	s.mu.Lock()
	already := s.readOnly
	s.readOnly = true
	s.mu.Unlock()
	if already {
		return
	}
	s.opts.Log.Error("vault entering read-only safe mode", "cause", cause)
	if s.opts.Audit != nil {
		if _, err := s.opts.Audit.Append(audit.Entry{
			Kind:    string(events.VaultIntegrityViolated),
			Outcome: audit.OutcomeError,
			Detail:  cause.Error(),
		}); err != nil {
			s.opts.Log.Error("audit append failed for integrity violation", "error", err)
		}
	}
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.Event{
			Kind:          events.VaultIntegrityViolated,
			Timestamp:     s.opts.Clock().UTC(),
			CorrelationID: events.NewCorrelationID(),
			Outcome:       events.OutcomeError,
			Err:           cause.Error(),
		})
	}
}

// ReadOnly reports whether the vault is in safe mode.
func (s *Store) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// Dirty reports whether unsaved mutations exist.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Fingerprint returns the fingerprint recorded at the last save.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Metadata.Fingerprint
}

// Authority reconstructs the token authority from the persisted seed.
func (s *Store) Authority() (*crypto.Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crypto.AuthorityFromSeed(s.doc.AuthoritySeed)
}

// Subscribe delegates to the event bus.
func (s *Store) Subscribe(h events.Handler, kinds ...events.Kind) func() {
	if s.opts.Bus == nil {
		return func() {}
	}
	return s.opts.Bus.Subscribe(h, kinds...)
}

// Close wipes key material and releases the writer lock. Unsaved
// mutations are intentionally not flushed; the caller decides whether
// to Save first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	security.Zeroize(s.dek)
	s.dek = nil
	if s.lock != nil {
		err := s.lock.Release()
		s.lock = nil
		return err
	}
	return nil
}
