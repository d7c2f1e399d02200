// Package s3archive uploads sealed audit epochs to S3 for off-host
// retention. Epoch files are immutable once the log rotates, so the
// archiver only ever uploads closed epochs.
package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vlt-dev/vlt/internal/audit"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// s3Uploader is the slice of the S3 API the archiver uses; kept as an
// interface so tests can stub it.
type s3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds configuration for the epoch archiver.
type Config struct {
	Bucket string
	// Prefix is prepended to object keys, e.g. "vlt/audit".
	Prefix string
	// Region overrides the region from the environment or config file.
	Region string
	// AWSConfig is an optional pre-configured AWS config; when set,
	// Region is ignored.
	AWSConfig *aws.Config
	// UploadTimeout bounds each upload; defaults to 60s.
	UploadTimeout time.Duration
}

// Archiver copies sealed audit epoch files into an S3 bucket.
type Archiver struct {
	client  s3Uploader
	bucket  string
	prefix  string
	timeout time.Duration
}

// New creates an archiver, loading the default AWS configuration
// unless one is supplied.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", vaulterr.ErrMalformed)
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
	return newWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates an archiver over an existing client; used by
// tests with a stub.
func NewWithClient(client s3Uploader, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", vaulterr.ErrMalformed)
	}
	return newWithClient(client, cfg), nil
}

func newWithClient(client s3Uploader, cfg Config) *Archiver {
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, timeout: timeout}
}

// ArchiveEpoch uploads one sealed epoch from the audit directory. The
// object key is <prefix>/<epoch file name>.
func (a *Archiver) ArchiveEpoch(ctx context.Context, dir string, epoch uint64) error {
	name := audit.EpochFileName(epoch)
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return vaulterr.NewNotFoundError("audit epoch", name)
		}
		return vaulterr.NewIOError("read audit epoch", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	key := name
	if a.prefix != "" {
		key = path.Join(a.prefix, name)
	}
	_, err = a.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return vaulterr.NewIOError("upload audit epoch", err)
	}
	return nil
}
