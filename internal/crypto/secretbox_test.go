package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

func TestEncryptDecryptValueRoundtrip(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)
	salt, err := NewSecretSalt()
	require.NoError(t, err)

	sealed, err := EncryptValue(dek, salt, []byte("hunter2"))
	require.NoError(t, err)

	plaintext, err := DecryptValue(dek, salt, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plaintext)
}

func TestDecryptValueWrongSalt(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)
	salt, err := NewSecretSalt()
	require.NoError(t, err)
	otherSalt, err := NewSecretSalt()
	require.NoError(t, err)

	sealed, err := EncryptValue(dek, salt, []byte("value"))
	require.NoError(t, err)

	_, err = DecryptValue(dek, otherSalt, sealed)
	assert.True(t, errors.Is(err, vaulterr.ErrIntegrity))
}

func TestDecryptValueTamperedCiphertext(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)
	salt, err := NewSecretSalt()
	require.NoError(t, err)

	sealed, err := EncryptValue(dek, salt, []byte("value"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = DecryptValue(dek, salt, sealed)
	assert.True(t, errors.Is(err, vaulterr.ErrIntegrity))
}

func TestDecryptValueTooShort(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)
	salt, err := NewSecretSalt()
	require.NoError(t, err)

	_, err = DecryptValue(dek, salt, []byte{0x01})
	assert.True(t, errors.Is(err, vaulterr.ErrMalformed))
}

func TestChecksumHexStable(t *testing.T) {
	a := ChecksumHex([]byte("value"))
	b := ChecksumHex([]byte("value"))
	c := ChecksumHex([]byte("other"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
