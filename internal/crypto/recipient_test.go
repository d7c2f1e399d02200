package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

func testParams() Argon2Params {
	// Cheap parameters so the suite stays fast; production defaults are
	// exercised by Validate tests only.
	return Argon2Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestPassphraseRecipientRoundtrip(t *testing.T) {
	r, err := NewPassphraseRecipient([]byte("correct horse"), testParams())
	require.NoError(t, err)
	assert.Equal(t, "passphrase", r.ID())

	dek, err := GenerateDEK()
	require.NoError(t, err)

	wrapped, err := r.WrapDEK(dek)
	require.NoError(t, err)
	assert.NotEqual(t, dek, wrapped)

	got, err := r.UnwrapDEK(wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestPassphraseRecipientWrongPassphrase(t *testing.T) {
	r, err := NewPassphraseRecipient([]byte("correct horse"), testParams())
	require.NoError(t, err)

	dek, err := GenerateDEK()
	require.NoError(t, err)
	wrapped, err := r.WrapDEK(dek)
	require.NoError(t, err)

	wrong, err := NewPassphraseRecipientWithSalt([]byte("battery staple"), r.Salt(), r.Params())
	require.NoError(t, err)

	_, err = wrong.UnwrapDEK(wrapped)
	assert.True(t, errors.Is(err, vaulterr.ErrAuthFailed))
}

func TestPassphraseRecipientSaltReconstruction(t *testing.T) {
	r, err := NewPassphraseRecipient([]byte("pass"), testParams())
	require.NoError(t, err)

	dek, err := GenerateDEK()
	require.NoError(t, err)
	wrapped, err := r.WrapDEK(dek)
	require.NoError(t, err)

	same, err := NewPassphraseRecipientWithSalt([]byte("pass"), r.Salt(), r.Params())
	require.NoError(t, err)
	got, err := same.UnwrapDEK(wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestArgon2ParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Argon2Params)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Argon2Params) {}, wantErr: false},
		{name: "memory too low", mutate: func(p *Argon2Params) { p.Memory = 1024 }, wantErr: true},
		{name: "zero iterations", mutate: func(p *Argon2Params) { p.Iterations = 0 }, wantErr: true},
		{name: "zero parallelism", mutate: func(p *Argon2Params) { p.Parallelism = 0 }, wantErr: true},
		{name: "short salt", mutate: func(p *Argon2Params) { p.SaltLength = 4 }, wantErr: true},
		{name: "wrong key length", mutate: func(p *Argon2Params) { p.KeyLength = 16 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultArgon2Params()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewPassphraseRecipientEmptyPassphrase(t *testing.T) {
	_, err := NewPassphraseRecipient(nil, testParams())
	assert.True(t, errors.Is(err, vaulterr.ErrMalformed))
}
