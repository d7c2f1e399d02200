// Package awskms wraps the vault DEK under an AWS KMS key, so a
// service principal with KMS access can open the vault without the
// passphrase.
package awskms

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// kmsClient is the slice of the KMS API the recipient uses; kept as an
// interface so tests can stub it.
type kmsClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Config holds configuration for the KMS recipient.
type Config struct {
	// KeyID is the KMS key the DEK is wrapped under: a key ID, key
	// ARN, or alias ("alias/vlt-kek").
	KeyID string

	// Region overrides the region from the environment or config file.
	Region string

	// AWSConfig is an optional pre-configured AWS config; when set,
	// Region is ignored.
	AWSConfig *aws.Config

	// CallTimeout bounds each KMS call; defaults to 10s.
	CallTimeout time.Duration
}

// Recipient wraps and unwraps the vault DEK with AWS KMS.
type Recipient struct {
	client  kmsClient
	keyID   string
	timeout time.Duration
}

// New creates a KMS recipient, loading the default AWS configuration
// unless one is supplied.
func New(ctx context.Context, cfg Config) (*Recipient, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("%w: kms key id is required", vaulterr.ErrMalformed)
	}
	var awsCfg aws.Config
	if cfg.AWSConfig != nil {
		awsCfg = *cfg.AWSConfig
	} else {
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, vaulterr.NewIOError("load aws config", err)
		}
		awsCfg = loaded
	}
	return newWithClient(kms.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates a recipient over an existing client; used by
// tests with a stub.
func NewWithClient(client kmsClient, cfg Config) (*Recipient, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("%w: kms key id is required", vaulterr.ErrMalformed)
	}
	return newWithClient(client, cfg), nil
}

func newWithClient(client kmsClient, cfg Config) *Recipient {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Recipient{client: client, keyID: cfg.KeyID, timeout: timeout}
}

// ID identifies this recipient in the vault file header.
func (r *Recipient) ID() string {
	return "aws-kms:" + r.keyID
}

// WrapDEK encrypts the DEK under the configured KMS key. The wrapped
// form is the raw KMS ciphertext blob.
func (r *Recipient) WrapDEK(dek []byte) ([]byte, error) {
	if len(dek) == 0 {
		return nil, fmt.Errorf("%w: empty dek", vaulterr.ErrMalformed)
	}
	ctx, cancel := r.callContext()
	defer cancel()

	out, err := r.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(r.keyID),
		Plaintext: dek,
	})
	if err != nil {
		return nil, vaulterr.NewIOError("kms encrypt", err)
	}
	if out.CiphertextBlob == nil {
		return nil, vaulterr.NewIOError("kms encrypt", fmt.Errorf("no ciphertext returned"))
	}
	return out.CiphertextBlob, nil
}

// UnwrapDEK recovers the DEK. KMS selects the key from the ciphertext
// metadata; the configured key id is passed along as a guard.
func (r *Recipient) UnwrapDEK(wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("%w: empty wrapped dek", vaulterr.ErrMalformed)
	}
	ctx, cancel := r.callContext()
	defer cancel()

	out, err := r.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(r.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms decrypt: %v", vaulterr.ErrAuthFailed, err)
	}
	if out.Plaintext == nil {
		return nil, vaulterr.NewIOError("kms decrypt", fmt.Errorf("no plaintext returned"))
	}
	return out.Plaintext, nil
}

// callContext detaches KMS calls from the caller: WrapDEK and
// UnwrapDEK sit behind an interface without a context parameter.
func (r *Recipient) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}
