package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

func TestProjectLifecycle(t *testing.T) {
	s, _, _ := createStore(t)

	require.NoError(t, s.CreateProject("billing", "billing service"))
	require.NoError(t, s.CreateProject("auth", ""))
	assert.Equal(t, []string{"auth", "billing"}, s.ListProjects())

	err := s.CreateProject("billing", "")
	assert.ErrorIs(t, err, vaulterr.ErrAlreadyExists)

	err = s.CreateProject("no spaces allowed", "")
	assert.ErrorIs(t, err, vaulterr.ErrInvalidName)

	require.NoError(t, s.DeleteProject("auth", false))
	assert.Equal(t, []string{"billing"}, s.ListProjects())

	err = s.DeleteProject("auth", false)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestDeleteProjectRequiresForceWhenNonEmpty(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))
	_, err := s.UpsertSecret("app", "API_KEY", []byte("k"), SecretMeta{})
	require.NoError(t, err)

	err = s.DeleteProject("app", false)
	assert.ErrorIs(t, err, vaulterr.ErrNotEmpty)

	require.NoError(t, s.DeleteProject("app", true))
	assert.Empty(t, s.ListProjects())
}

func TestUpsertCreatesThenVersions(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))

	ref, err := s.UpsertSecret("app", "API_KEY", []byte("one"), SecretMeta{Tags: []string{"ci"}})
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Version)
	assert.NotEmpty(t, ref.Checksum)

	ref, err = s.UpsertSecret("app", "API_KEY", []byte("two"), SecretMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Version)

	sec, err := s.Describe("app", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, 2, sec.CurrentVersion)
	require.Len(t, sec.Versions, 2)
	assert.Equal(t, document.StateActive, sec.Versions[0].State)
	assert.Equal(t, document.StateGrace, sec.Versions[1].State)
	require.NotNil(t, sec.Versions[1].GraceUntil)
}

func TestUpsertValidation(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))

	_, err := s.UpsertSecret("app", "9starts-with-digit", []byte("v"), SecretMeta{})
	assert.ErrorIs(t, err, vaulterr.ErrInvalidKey)

	_, err = s.UpsertSecret("missing", "API_KEY", []byte("v"), SecretMeta{})
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	_, err = s.UpsertSecret("app", "API_KEY", []byte("v"), SecretMeta{Classification: "topsecret"})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)
}

func TestUpsertZeroGraceRetiresImmediately(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))

	noGrace := -time.Second
	_, err := s.UpsertSecret("app", "API_KEY", []byte("one"), SecretMeta{Grace: &noGrace})
	require.NoError(t, err)
	_, err = s.UpsertSecret("app", "API_KEY", []byte("two"), SecretMeta{Grace: &noGrace})
	require.NoError(t, err)

	sec, err := s.Describe("app", "API_KEY")
	require.NoError(t, err)
	require.Len(t, sec.Versions, 2)
	assert.Equal(t, document.StateRetired, sec.Versions[1].State)
	assert.Nil(t, sec.Versions[1].GraceUntil)
}

func TestUpsertSupersedesGraceVersion(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))

	// Back-to-back writes inside one grace window: the older grace
	// version retires when the next demotion happens, so only the
	// latest superseded version remains revealable.
	for _, v := range []string{"one", "two", "three"} {
		_, err := s.UpsertSecret("app", "API_KEY", []byte(v), SecretMeta{})
		require.NoError(t, err)
	}

	sec, err := s.Describe("app", "API_KEY")
	require.NoError(t, err)
	require.Len(t, sec.Versions, 3)
	assert.Equal(t, document.StateActive, sec.Versions[0].State)
	assert.Equal(t, document.StateGrace, sec.Versions[1].State)
	assert.Equal(t, document.StateRetired, sec.Versions[2].State)

	got, err := s.RevealSecret("app", "API_KEY", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Plaintext)
	_, err = s.RevealSecret("app", "API_KEY", 1)
	assert.ErrorIs(t, err, vaulterr.ErrNotDecryptable)
}

func TestRetentionTrimsOldVersions(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.UpsertSecret("app", "API_KEY", []byte(v), SecretMeta{})
		require.NoError(t, err)
	}

	sec, err := s.Describe("app", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, 5, sec.CurrentVersion)
	require.Len(t, sec.Versions, DefaultRetain)
	assert.Equal(t, 5, sec.Versions[0].Version)
	assert.Equal(t, 3, sec.Versions[len(sec.Versions)-1].Version)
}

func TestRevealSelectsVersions(t *testing.T) {
	s, _, clock := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))
	_, err := s.UpsertSecret("app", "API_KEY", []byte("one"), SecretMeta{})
	require.NoError(t, err)
	_, err = s.UpsertSecret("app", "API_KEY", []byte("two"), SecretMeta{})
	require.NoError(t, err)

	// Version 0 selects the active version.
	got, err := s.RevealSecret("app", "API_KEY", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Plaintext)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, document.StateActive, got.State)
	assert.True(t, got.ExpiresHint.IsZero())

	// The demoted version stays revealable inside its grace window and
	// carries an expiry hint.
	got, err = s.RevealSecret("app", "API_KEY", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got.Plaintext)
	assert.Equal(t, document.StateGrace, got.State)
	assert.False(t, got.ExpiresHint.IsZero())

	// Past the window it is gone.
	clock.Advance(DefaultGrace + time.Second)
	_, err = s.RevealSecret("app", "API_KEY", 1)
	assert.ErrorIs(t, err, vaulterr.ErrNotDecryptable)

	_, err = s.RevealSecret("app", "API_KEY", 99)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
	_, err = s.RevealSecret("app", "MISSING", 0)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestRevealCountsAccesses(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))
	_, err := s.UpsertSecret("app", "API_KEY", []byte("v"), SecretMeta{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.RevealSecret("app", "API_KEY", 0)
		require.NoError(t, err)
	}
	sec, err := s.Describe("app", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sec.AccessCount)
	require.NotNil(t, sec.LastAccessedAt)
}

func TestDeleteSecret(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))
	_, err := s.UpsertSecret("app", "API_KEY", []byte("v"), SecretMeta{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSecret("app", "API_KEY"))
	_, err = s.Describe("app", "API_KEY")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	err = s.DeleteSecret("app", "API_KEY")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestSweepGrace(t *testing.T) {
	s, _, clock := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))
	_, err := s.UpsertSecret("app", "API_KEY", []byte("one"), SecretMeta{})
	require.NoError(t, err)
	_, err = s.UpsertSecret("app", "API_KEY", []byte("two"), SecretMeta{})
	require.NoError(t, err)

	// Nothing due yet.
	swept, err := s.SweepGrace()
	require.NoError(t, err)
	assert.Empty(t, swept)

	clock.Advance(DefaultGrace + time.Second)
	swept, err = s.SweepGrace()
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, SecretRef{Project: "app", Key: "API_KEY", Version: 1}, swept[0])

	sec, err := s.Describe("app", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, document.StateRetired, sec.Versions[1].State)
}

func TestDescribeStripsSecretMaterial(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.CreateProject("app", ""))
	_, err := s.UpsertSecret("app", "API_KEY", []byte("v"), SecretMeta{})
	require.NoError(t, err)

	sec, err := s.Describe("app", "API_KEY")
	require.NoError(t, err)
	assert.Nil(t, sec.Salt)
	for _, v := range sec.Versions {
		assert.Nil(t, v.Ciphertext)
	}
	assert.NotEmpty(t, sec.Versions[0].Checksum)
}
