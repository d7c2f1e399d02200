package awskms

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// stubKMS xors the payload with a fixed byte, enough to prove both
// directions pass through the client.
type stubKMS struct {
	encryptErr error
	decryptErr error
	lastKeyID  string
}

func (s *stubKMS) Encrypt(ctx context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if s.encryptErr != nil {
		return nil, s.encryptErr
	}
	s.lastKeyID = *in.KeyId
	out := make([]byte, len(in.Plaintext))
	for i, b := range in.Plaintext {
		out[i] = b ^ 0x5a
	}
	return &kms.EncryptOutput{CiphertextBlob: out}, nil
}

func (s *stubKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if s.decryptErr != nil {
		return nil, s.decryptErr
	}
	out := make([]byte, len(in.CiphertextBlob))
	for i, b := range in.CiphertextBlob {
		out[i] = b ^ 0x5a
	}
	return &kms.DecryptOutput{Plaintext: out}, nil
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	stub := &stubKMS{}
	r, err := NewWithClient(stub, Config{KeyID: "alias/vlt-kek"})
	require.NoError(t, err)
	assert.Equal(t, "aws-kms:alias/vlt-kek", r.ID())

	dek := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := r.WrapDEK(dek)
	require.NoError(t, err)
	assert.NotEqual(t, dek, wrapped)
	assert.Equal(t, "alias/vlt-kek", stub.lastKeyID)

	got, err := r.UnwrapDEK(wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestNewWithClientRequiresKeyID(t *testing.T) {
	_, err := NewWithClient(&stubKMS{}, Config{})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)
}

func TestWrapDEKValidation(t *testing.T) {
	r, err := NewWithClient(&stubKMS{}, Config{KeyID: "k"})
	require.NoError(t, err)

	_, err = r.WrapDEK(nil)
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)
	_, err = r.UnwrapDEK(nil)
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)
}

func TestEncryptFailureIsIO(t *testing.T) {
	r, err := NewWithClient(&stubKMS{encryptErr: errors.New("throttled")}, Config{KeyID: "k"})
	require.NoError(t, err)

	_, err = r.WrapDEK([]byte("dek"))
	assert.ErrorIs(t, err, vaulterr.ErrIO)
}

func TestDecryptFailureIsAuthFailed(t *testing.T) {
	r, err := NewWithClient(&stubKMS{decryptErr: errors.New("access denied")}, Config{KeyID: "k"})
	require.NoError(t, err)

	_, err = r.UnwrapDEK([]byte("wrapped"))
	assert.ErrorIs(t, err, vaulterr.ErrAuthFailed)
}
