package vlt

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/vlt-dev/vlt/internal/broker"
	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/monitoring"
	"github.com/vlt-dev/vlt/internal/rotation"
)

// Option adjusts a Core during assembly.
type Option func(c *Core) error

// WithLogger replaces the default hclog logger.
func WithLogger(log hclog.Logger) Option {
	return func(c *Core) error {
		if log == nil {
			return fmt.Errorf("nil logger")
		}
		c.log = log
		return nil
	}
}

// WithMetrics attaches a metrics collector; monitoring.NoOpCollector
// is the default.
func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(c *Core) error {
		if m == nil {
			return fmt.Errorf("nil metrics collector")
		}
		c.metrics = m
		return nil
	}
}

// WithRecipients adds DEK recipients beyond the passphrase, e.g. an
// AWS KMS or Vault Transit recipient, so services can open the vault
// without the passphrase.
func WithRecipients(recipients ...crypto.Recipient) Option {
	return func(c *Core) error {
		for _, r := range recipients {
			if r == nil {
				return fmt.Errorf("nil recipient")
			}
		}
		c.recipients = append(c.recipients, recipients...)
		return nil
	}
}

// WithClock injects the time source; tests use this to control grace
// and schedule arithmetic.
func WithClock(now func() time.Time) Option {
	return func(c *Core) error {
		if now == nil {
			return fmt.Errorf("nil clock")
		}
		c.clock = now
		return nil
	}
}

// WithArgon2Params overrides the passphrase KDF parameters used when
// creating a vault.
func WithArgon2Params(params crypto.Argon2Params) Option {
	return func(c *Core) error {
		if err := params.Validate(); err != nil {
			return fmt.Errorf("validate argon2 params: %w", err)
		}
		c.argonParams = params
		return nil
	}
}

// WithBrokerLimits overrides the rate limiting applied per principal
// by the access broker.
func WithBrokerLimits(limits broker.Limits) Option {
	return func(c *Core) error {
		c.brokerLimits = limits
		return nil
	}
}

// WithRotationConfig overrides worker count, retry backoff, and sweep
// cadence of the rotation engine.
func WithRotationConfig(cfg rotation.Config) Option {
	return func(c *Core) error {
		c.rotationCfg = cfg
		return nil
	}
}

// WithHTTPClient sets the client used by webhook generators.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Core) error {
		if client == nil {
			return fmt.Errorf("nil http client")
		}
		c.httpClient = client
		return nil
	}
}
