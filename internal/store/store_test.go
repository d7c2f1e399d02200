package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/vaulterr"
	"github.com/vlt-dev/vlt/internal/vaultfile"
)

// fakeClock is a settable clock shared by a store and its test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testRecipient(t *testing.T) *crypto.PassphraseRecipient {
	t.Helper()
	r, err := crypto.NewPassphraseRecipient([]byte("opensesame"), crypto.Argon2Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	require.NoError(t, err)
	return r
}

func testOptions(t *testing.T, clock *fakeClock) Options {
	t.Helper()
	r := testRecipient(t)
	return Options{
		Recipients: []crypto.Recipient{r},
		Unlock:     r,
		Clock:      clock.Now,
	}
}

// reloadOptions rebuilds the unlock recipient from the KDF blob in the
// vault header, the way an existing vault is opened. A fresh recipient
// would carry a new random salt and could never re-derive the KEK.
func reloadOptions(t *testing.T, clock *fakeClock, path string, passphrase []byte) Options {
	t.Helper()
	raw, err := vaultfile.ReadFile(path)
	require.NoError(t, err)
	hdr, err := vaultfile.ParseHeader(raw)
	require.NoError(t, err)
	require.NotEmpty(t, hdr.Recipients)
	require.NotNil(t, hdr.Recipients[0].KDF)
	r, err := crypto.NewPassphraseRecipientWithSalt(passphrase, hdr.Recipients[0].KDF.Salt, hdr.Recipients[0].KDF.Params)
	require.NoError(t, err)
	return Options{
		Recipients: []crypto.Recipient{r},
		Unlock:     r,
		Clock:      clock.Now,
	}
}

func createStore(t *testing.T) (*Store, string, *fakeClock) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.vlt")
	clock := newFakeClock()
	s, err := Create(path, testOptions(t, clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path, clock
}

func TestCreateAndReload(t *testing.T) {
	s, path, clock := createStore(t)
	require.NoError(t, s.CreateProject("app", "application secrets"))
	_, err := s.UpsertSecret("app", "DATABASE_URL", []byte("postgres://x"), SecretMeta{})
	require.NoError(t, err)
	require.NoError(t, s.Save())
	fp := s.Fingerprint()
	assert.NotEmpty(t, fp)
	require.NoError(t, s.Close())

	s2, err := Load(path, reloadOptions(t, clock, path, []byte("opensesame")))
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, fp, s2.Fingerprint())
	assert.Equal(t, []string{"app"}, s2.ListProjects())
	got, err := s2.RevealSecret("app", "DATABASE_URL", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("postgres://x"), got.Plaintext)
}

func TestCreateRefusesExistingVault(t *testing.T) {
	s, path, clock := createStore(t)
	require.NoError(t, s.Save())
	require.NoError(t, s.Close())

	_, err := Create(path, testOptions(t, clock))
	assert.ErrorIs(t, err, vaulterr.ErrAlreadyExists)
}

func TestLoadRejectsWrongPassphrase(t *testing.T) {
	s, path, clock := createStore(t)
	require.NoError(t, s.Save())
	require.NoError(t, s.Close())

	_, err := Load(path, reloadOptions(t, clock, path, []byte("wrong")))
	assert.ErrorIs(t, err, vaulterr.ErrAuthFailed)
}

func TestSaveIsIdempotent(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.Save())
	assert.False(t, s.Dirty())
	fp := s.Fingerprint()

	// A clean save does not rewrite or re-fingerprint.
	require.NoError(t, s.Save())
	assert.Equal(t, fp, s.Fingerprint())

	require.NoError(t, s.CreateProject("app", ""))
	assert.True(t, s.Dirty())
	require.NoError(t, s.Save())
	assert.False(t, s.Dirty())
	assert.NotEqual(t, fp, s.Fingerprint())
}

func TestLockExcludesSecondWriter(t *testing.T) {
	s, path, clock := createStore(t)
	require.NoError(t, s.Save())

	_, err := Load(path, reloadOptions(t, clock, path, []byte("opensesame")))
	assert.ErrorIs(t, err, vaulterr.ErrLocked)

	require.NoError(t, s.Close())
	s2, err := Load(path, reloadOptions(t, clock, path, []byte("opensesame")))
	require.NoError(t, err)
	s2.Close()
}

func TestOptionsRequireUnlockRecipient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.vlt")
	_, err := Create(path, Options{})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)

	r := testRecipient(t)
	_, err = Create(path, Options{Unlock: r})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)
}

func TestAuthoritySurvivesReload(t *testing.T) {
	s, path, clock := createStore(t)
	a1, err := s.Authority()
	require.NoError(t, err)
	require.NoError(t, s.Save())
	require.NoError(t, s.Close())

	s2, err := Load(path, reloadOptions(t, clock, path, []byte("opensesame")))
	require.NoError(t, err)
	defer s2.Close()
	a2, err := s2.Authority()
	require.NoError(t, err)

	msg := []byte("hello")
	assert.True(t, a2.Verify(msg, a1.Sign(msg)))
}

func TestRevealAfterCloseFails(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))
	_, err := s.UpsertSecret("app", "API_KEY", []byte("v"), SecretMeta{})
	require.NoError(t, err)
	require.NoError(t, s.Save())
	require.NoError(t, s.Close())

	// The DEK is zeroized on close; a late reveal fails instead of
	// decrypting with wiped key material.
	_, err = s.RevealSecret("app", "API_KEY", 0)
	assert.Error(t, err)
}

func TestSafeModeBlocksMutations(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))

	s.enterSafeMode(vaulterr.NewIntegrityError("test"))
	assert.True(t, s.ReadOnly())

	err := s.CreateProject("other", "")
	assert.ErrorIs(t, err, vaulterr.ErrReadOnlySafeMode)
	err = s.Save()
	assert.ErrorIs(t, err, vaulterr.ErrReadOnlySafeMode)

	// Reads still work.
	assert.Equal(t, []string{"app"}, s.ListProjects())
}
