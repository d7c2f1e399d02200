// Package broker is the single entry point for external read and
// rotate requests: validate the bearer token, apply principal policies,
// reveal or rotate, audit the terminal outcome, and publish the domain
// event. Concurrent reads of the same (project, key, version) coalesce
// into one decryption.
package broker

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vlt-dev/vlt/internal/audit"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/monitoring"
	"github.com/vlt-dev/vlt/internal/store"
	"github.com/vlt-dev/vlt/internal/token"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Validator is the token validation seam.
type Validator interface {
	Validate(bearer string, want token.Want) (*token.Grant, error)
}

// Vault is the slice of the store the broker needs.
type Vault interface {
	RevealSecret(project, key string, version int) (*store.Revealed, error)
	Describe(project, key string) (*document.Secret, error)
}

// Rotator triggers an immediate rotation; implemented by the rotation
// engine.
type Rotator interface {
	RotateNow(ctx context.Context, project, key string) (RotateResult, error)
}

// Auditor is the slice of the audit log the broker reports through.
type Auditor interface {
	Append(e audit.Entry) (uint64, error)
}

// Request is one external access attempt.
type Request struct {
	Project string
	Key     string
	Action  string
	// Version selects a specific version for reads; 0 means active.
	Version int
}

// ReadResult is the response of a successful read.
type ReadResult struct {
	Value   []byte
	Version int
	// ExpiresHint tells the caller when the returned version stops
	// being readable: the grace deadline for grace versions, the
	// token expiry otherwise.
	ExpiresHint time.Time
	Checksum    string
}

// RotateResult is the response of a successful rotation.
type RotateResult struct {
	NewVersion int
	// PreviousRetiresAt is when the demoted version leaves grace; zero
	// when it retired immediately.
	PreviousRetiresAt time.Time
}

// Response is the union returned by Access.
type Response struct {
	Read   *ReadResult
	Rotate *RotateResult
}

// Limits tunes the broker's per-principal rate limiting.
type Limits struct {
	// PerPrincipalRPS caps sustained requests per second per
	// principal; 0 disables limiting.
	PerPrincipalRPS float64
	Burst           int
	// LimiterCacheSize bounds how many principal limiters are kept.
	LimiterCacheSize int
}

// Broker wires the read/rotate protocol.
type Broker struct {
	validator Validator
	vault     Vault
	rotator   Rotator
	auditor   Auditor
	bus       *events.Bus
	metrics   monitoring.MetricsCollector
	log       hclog.Logger
	now       func() time.Time

	limits   Limits
	limiters *lru.Cache[string, *rate.Limiter]
	flight   singleflight.Group
}

// New creates a broker. metrics defaults to a no-op collector.
func New(validator Validator, vault Vault, rotator Rotator, auditor Auditor,
	bus *events.Bus, metrics monitoring.MetricsCollector, limits Limits,
	now func() time.Time, log hclog.Logger) (*Broker, error) {
	if metrics == nil {
		metrics = monitoring.NoOpCollector{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if limits.LimiterCacheSize <= 0 {
		limits.LimiterCacheSize = 1024
	}
	if limits.Burst <= 0 {
		limits.Burst = 10
	}
	limiters, err := lru.New[string, *rate.Limiter](limits.LimiterCacheSize)
	if err != nil {
		return nil, err
	}
	return &Broker{
		validator: validator,
		vault:     vault,
		rotator:   rotator,
		auditor:   auditor,
		bus:       bus,
		metrics:   metrics,
		log:       log,
		now:       now,
		limits:    limits,
		limiters:  limiters,
	}, nil
}

// Access runs the full protocol for one bearer request. The context
// deadline bounds the whole call; waiters that time out on a coalesced
// decryption get DeadlineExceeded without consuming the shared result.
func (b *Broker) Access(ctx context.Context, bearer string, req Request) (*Response, error) {
	started := b.now()
	correlation := events.NewCorrelationID()

	grant, err := b.validator.Validate(bearer, token.Want{
		Project: req.Project,
		Key:     req.Key,
		Action:  req.Action,
	})
	if err != nil {
		// The validator already audited the denial.
		b.metrics.IncrementCounter(monitoring.MetricAccessDenied, map[string]string{"reason": "token"})
		return nil, err
	}

	if err := b.applyPolicies(grant, req); err != nil {
		b.deny(grant, req, correlation, err)
		return nil, err
	}

	var resp *Response
	switch req.Action {
	case token.ActionRead:
		resp, err = b.read(ctx, grant, req, correlation)
	case token.ActionRotate:
		resp, err = b.rotate(ctx, grant, req, correlation)
	default:
		err = fmt.Errorf("%w: action %q not served by the broker", vaulterr.ErrMalformed, req.Action)
	}
	b.metrics.RecordTiming(monitoring.MetricAccessLatency,
		b.now().Sub(started), map[string]string{"action": req.Action})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// applyPolicies enforces the per-principal rate limit and the
// classification guard.
func (b *Broker) applyPolicies(grant *token.Grant, req Request) error {
	if b.limits.PerPrincipalRPS > 0 {
		limiter, ok := b.limiters.Get(grant.Principal)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(b.limits.PerPrincipalRPS), b.limits.Burst)
			b.limiters.Add(grant.Principal, limiter)
		}
		if !limiter.Allow() {
			return fmt.Errorf("%w: principal %q", vaulterr.ErrRateLimited, grant.Principal)
		}
	}

	meta, err := b.vault.Describe(req.Project, req.Key)
	if err != nil {
		return err
	}
	if meta.Classification == document.ClassRestricted && !grant.MFA {
		return fmt.Errorf("%w: %s/%s is restricted", vaulterr.ErrMFARequired, req.Project, req.Key)
	}
	return nil
}

func (b *Broker) read(ctx context.Context, grant *token.Grant, req Request, correlation string) (*Response, error) {
	key := fmt.Sprintf("%s\x00%s\x00%d", req.Project, req.Key, req.Version)

	ch := b.flight.DoChan(key, func() (any, error) {
		b.metrics.IncrementCounter(monitoring.MetricDecryptions, nil)
		return b.vault.RevealSecret(req.Project, req.Key, req.Version)
	})
	b.metrics.IncrementCounter(monitoring.MetricCoalescedWaiters, nil)

	var revealed *store.Revealed
	select {
	case <-ctx.Done():
		err := fmt.Errorf("%w: %v", vaulterr.ErrDeadlineExceeded, ctx.Err())
		b.reportRead(grant, req, correlation, 0, "", err)
		return nil, err
	case res := <-ch:
		if res.Err != nil {
			b.reportRead(grant, req, correlation, req.Version, "", res.Err)
			return nil, res.Err
		}
		revealed = res.Val.(*store.Revealed)
	}

	// Each waiter gets its own copy; the coalesced buffer stays owned
	// by the flight.
	value := append([]byte(nil), revealed.Plaintext...)
	expires := grant.ExpiresAt
	if !revealed.ExpiresHint.IsZero() && revealed.ExpiresHint.Before(expires) {
		expires = revealed.ExpiresHint
	}
	b.reportRead(grant, req, correlation, revealed.Version, revealed.Checksum, nil)
	return &Response{Read: &ReadResult{
		Value:       value,
		Version:     revealed.Version,
		ExpiresHint: expires,
		Checksum:    revealed.Checksum,
	}}, nil
}

func (b *Broker) rotate(ctx context.Context, grant *token.Grant, req Request, correlation string) (*Response, error) {
	if b.rotator == nil {
		return nil, vaulterr.NewInternalError("no rotation engine attached")
	}
	result, err := b.rotator.RotateNow(ctx, req.Project, req.Key)
	outcome := audit.OutcomeSuccess
	detail := ""
	if err != nil {
		outcome = outcomeFor(err)
		detail = err.Error()
	}
	if b.auditor != nil {
		if _, aerr := b.auditor.Append(audit.Entry{
			Kind:      string(events.SecretRotated),
			Principal: grant.Principal,
			TokenID:   grant.TokenID,
			Project:   req.Project,
			Key:       req.Key,
			Version:   result.NewVersion,
			Outcome:   outcome,
			Detail:    detail,
		}); aerr != nil {
			b.log.Error("audit append failed for rotation", "error", aerr)
		}
	}
	if err != nil {
		return nil, err
	}
	return &Response{Rotate: &result}, nil
}

// reportRead appends the terminal audit entry and publishes the domain
// event for a read. One audit entry per caller, by default, even when
// the decryption was coalesced.
func (b *Broker) reportRead(grant *token.Grant, req Request, correlation string, version int, checksum string, cause error) {
	outcome := audit.OutcomeSuccess
	eventKind := events.SecretAccessed
	eventOutcome := events.OutcomeSuccess
	detail := ""
	if cause != nil {
		outcome = outcomeFor(cause)
		eventKind = events.SecretRevealFailed
		eventOutcome = events.Outcome(outcome)
		detail = cause.Error()
	}
	if b.auditor != nil {
		if _, err := b.auditor.Append(audit.Entry{
			Kind:      string(eventKind),
			Principal: grant.Principal,
			TokenID:   grant.TokenID,
			Project:   req.Project,
			Key:       req.Key,
			Version:   version,
			Outcome:   outcome,
			Checksum:  checksum,
			Detail:    detail,
		}); err != nil {
			b.log.Error("audit append failed for read", "error", err)
		}
	}
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Kind:          eventKind,
			Timestamp:     b.now().UTC(),
			CorrelationID: correlation,
			Actor:         grant.Principal,
			Project:       req.Project,
			Key:           req.Key,
			Version:       version,
			TokenID:       grant.TokenID,
			Outcome:       eventOutcome,
			Err:           detail,
		})
	}
}

// deny audits a policy denial (rate limit, MFA guard) distinct from the
// validator's token denials. No secret.accessed event is emitted.
func (b *Broker) deny(grant *token.Grant, req Request, correlation string, cause error) {
	b.metrics.IncrementCounter(monitoring.MetricAccessDenied, map[string]string{"reason": "policy"})
	if b.auditor != nil {
		if _, err := b.auditor.Append(audit.Entry{
			Kind:      string(events.SecretRevealFailed),
			Principal: grant.Principal,
			TokenID:   grant.TokenID,
			Project:   req.Project,
			Key:       req.Key,
			Outcome:   outcomeFor(cause),
			Detail:    cause.Error(),
		}); err != nil {
			b.log.Error("audit append failed for denial", "error", err)
		}
	}
}

func outcomeFor(err error) audit.Outcome {
	switch vaulterr.KindOf(err) {
	case vaulterr.KindAuth:
		return audit.OutcomeDenied
	default:
		return audit.OutcomeError
	}
}
