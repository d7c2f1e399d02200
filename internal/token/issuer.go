package token

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/vlt-dev/vlt/internal/audit"
	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// PolicySource resolves the principal policy table. Implemented by the
// vault store, which keeps the table inside the encrypted document.
type PolicySource interface {
	PrincipalPolicy(principal string) (*document.PrincipalPolicy, bool)
}

// Auditor is the slice of the audit log the token components need.
type Auditor interface {
	Append(e audit.Entry) (uint64, error)
}

// Limits carries the policy-configured TTL maxima per action.
type Limits struct {
	MaxReadTTL   time.Duration
	MaxRotateTTL time.Duration
}

// DefaultLimits mirror the documented defaults: 1h for read, 5m for
// rotate and admin.
func DefaultLimits() Limits {
	return Limits{MaxReadTTL: time.Hour, MaxRotateTTL: 5 * time.Minute}
}

// maxFor returns the tightest global cap the scope's actions allow.
func (l Limits) maxFor(scope Scope) time.Duration {
	max := l.MaxReadTTL
	if scope.AllowsAction(ActionRotate) || scope.AllowsAction(ActionAdmin) {
		max = l.MaxRotateTTL
	}
	return max
}

// Issuer mints signed scoped tokens and records issuance.
type Issuer struct {
	authority *crypto.Authority
	store     *Store
	policies  PolicySource
	bus       *events.Bus
	auditor   Auditor
	limits    Limits
	now       func() time.Time
	log       hclog.Logger
}

// NewIssuer wires an issuer. now defaults to time.Now, log to a null
// logger.
func NewIssuer(authority *crypto.Authority, store *Store, policies PolicySource,
	bus *events.Bus, auditor Auditor, limits Limits, now func() time.Time, log hclog.Logger) *Issuer {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Issuer{
		authority: authority,
		store:     store,
		policies:  policies,
		bus:       bus,
		auditor:   auditor,
		limits:    limits,
		now:       now,
		log:       log,
	}
}

// IssueRequest is one token mint request. Principal identity and the
// MFA assertion come from the external identity provider.
type IssueRequest struct {
	Principal string
	Scope     Scope
	TTL       time.Duration
	NotBefore *time.Time
	MFA       bool
}

// Issue validates the request against the principal policy table,
// signs the token, records it, and publishes token.issued. The returned
// string is opaque to clients.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (string, Claims, error) {
	if req.Principal == "" {
		return "", Claims{}, fmt.Errorf("%w: empty principal", vaulterr.ErrMalformed)
	}
	if len(req.Scope.Actions) == 0 || req.Scope.Project == "" || len(req.Scope.Keys) == 0 {
		return "", Claims{}, fmt.Errorf("%w: scope requires project, keys, and actions", vaulterr.ErrMalformed)
	}

	policy, ok := i.policies.PrincipalPolicy(req.Principal)
	if !ok {
		return "", Claims{}, fmt.Errorf("%w: %q", vaulterr.ErrPrincipalUnknown, req.Principal)
	}
	if err := checkScope(policy, req.Scope); err != nil {
		return "", Claims{}, err
	}

	max := i.limits.maxFor(req.Scope)
	if policy.MaxTTLSeconds > 0 {
		if policyMax := time.Duration(policy.MaxTTLSeconds) * time.Second; policyMax < max {
			max = policyMax
		}
	}
	if req.TTL <= 0 || req.TTL > max {
		return "", Claims{}, fmt.Errorf("%w: ttl %s exceeds maximum %s", vaulterr.ErrTTLTooLong, req.TTL, max)
	}

	now := i.now()
	c := Claims{
		TokenID:   uuid.NewString(),
		Subject:   req.Principal,
		Scope:     req.Scope,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(req.TTL).Unix(),
		MFA:       req.MFA,
	}
	if req.NotBefore != nil {
		c.NotBefore = req.NotBefore.Unix()
	}

	bearer, err := Encode(c, i.authority)
	if err != nil {
		return "", Claims{}, err
	}
	if err := i.store.Record(ctx, c); err != nil {
		return "", Claims{}, err
	}

	if i.auditor != nil {
		if _, err := i.auditor.Append(audit.Entry{
			Kind:      string(events.TokenIssued),
			Principal: req.Principal,
			TokenID:   c.TokenID,
			Project:   req.Scope.Project,
			Outcome:   audit.OutcomeSuccess,
		}); err != nil {
			i.log.Error("audit append failed for token issuance", "error", err)
		}
	}
	if i.bus != nil {
		i.bus.Publish(events.Event{
			Kind:          events.TokenIssued,
			Timestamp:     now,
			CorrelationID: events.NewCorrelationID(),
			Actor:         req.Principal,
			Project:       req.Scope.Project,
			TokenID:       c.TokenID,
			Outcome:       events.OutcomeSuccess,
		})
	}
	i.log.Debug("token issued", "principal", req.Principal, "project", req.Scope.Project, "tokenId", c.TokenID)
	return bearer, c, nil
}

// Revoke marks a token revoked and publishes token.revoked.
func (i *Issuer) Revoke(ctx context.Context, tokenID string) error {
	if err := i.store.Revoke(ctx, tokenID); err != nil {
		return err
	}
	if i.auditor != nil {
		if _, err := i.auditor.Append(audit.Entry{
			Kind:    string(events.TokenRevoked),
			TokenID: tokenID,
			Outcome: audit.OutcomeSuccess,
		}); err != nil {
			i.log.Error("audit append failed for token revocation", "error", err)
		}
	}
	if i.bus != nil {
		i.bus.Publish(events.Event{
			Kind:          events.TokenRevoked,
			Timestamp:     i.now(),
			CorrelationID: events.NewCorrelationID(),
			TokenID:       tokenID,
			Outcome:       events.OutcomeSuccess,
		})
	}
	return nil
}

func checkScope(policy *document.PrincipalPolicy, scope Scope) error {
	if !policy.AllowsProject(scope.Project) {
		return fmt.Errorf("%w: project %q not permitted", vaulterr.ErrScopeTooBroad, scope.Project)
	}
	for _, action := range scope.Actions {
		switch action {
		case ActionRead, ActionRotate, ActionAdmin:
		default:
			return fmt.Errorf("%w: unknown action %q", vaulterr.ErrMalformed, action)
		}
		if !policy.AllowsAction(action) {
			return fmt.Errorf("%w: action %q not permitted", vaulterr.ErrScopeTooBroad, action)
		}
	}
	if scope.Wildcard() {
		if policy.MaxKeysPerToken != 0 {
			return fmt.Errorf("%w: wildcard key scope not permitted", vaulterr.ErrScopeTooBroad)
		}
		return nil
	}
	if policy.MaxKeysPerToken > 0 && len(scope.Keys) > policy.MaxKeysPerToken {
		return fmt.Errorf("%w: %d keys exceed the per-token maximum %d",
			vaulterr.ErrScopeTooBroad, len(scope.Keys), policy.MaxKeysPerToken)
	}
	return nil
}
