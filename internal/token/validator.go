package token

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/vlt-dev/vlt/internal/audit"
	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Want is the (project, key, action) an access attempt requires.
type Want struct {
	Project string
	Key     string
	Action  string
}

// Grant is the typed principal-and-scope result of a successful
// validation.
type Grant struct {
	Principal string
	TokenID   string
	Scope     Scope
	MFA       bool
	ExpiresAt time.Time
}

// Validator verifies bearer tokens: signature, freshness, revocation,
// and scope containment. Every failure is audited as denied and
// publishes token.validated_failed; success is silent here because the
// access broker records the terminal outcome.
type Validator struct {
	authority *crypto.Authority
	store     *Store
	bus       *events.Bus
	auditor   Auditor
	now       func() time.Time
	log       hclog.Logger
}

// NewValidator wires a validator.
func NewValidator(authority *crypto.Authority, store *Store, bus *events.Bus,
	auditor Auditor, now func() time.Time, log hclog.Logger) *Validator {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Validator{authority: authority, store: store, bus: bus, auditor: auditor, now: now, log: log}
}

// Validate checks a bearer string against a want. On success it returns
// the grant; any failure returns a typed auth error.
func (v *Validator) Validate(bearer string, want Want) (*Grant, error) {
	c, err := Decode(bearer, v.authority)
	if err != nil {
		v.reportFailure("", want, err)
		return nil, err
	}

	now := v.now()
	switch {
	case c.IssuedAt > now.Unix():
		err = vaulterr.ErrNotYetValid
	case c.NotBefore != 0 && c.NotBefore > now.Unix():
		err = vaulterr.ErrNotYetValid
	case now.Unix() >= c.ExpiresAt:
		err = vaulterr.ErrExpired
	case v.store.IsRevoked(c.TokenID):
		err = vaulterr.ErrRevoked
	}
	if err != nil {
		v.reportFailure(c.TokenID, want, err)
		return nil, err
	}

	if want.Project != c.Scope.Project {
		err = fmt.Errorf("%w: token is scoped to project %q", vaulterr.ErrOutOfScope, c.Scope.Project)
	} else if want.Key != "" && !c.Scope.AllowsKey(want.Key) {
		err = fmt.Errorf("%w: key %q not in token scope", vaulterr.ErrOutOfScope, want.Key)
	} else if !c.Scope.AllowsAction(want.Action) {
		err = fmt.Errorf("%w: action %q not in token scope", vaulterr.ErrOutOfScope, want.Action)
	}
	if err != nil {
		v.reportFailure(c.TokenID, want, err)
		return nil, err
	}

	return &Grant{
		Principal: c.Subject,
		TokenID:   c.TokenID,
		Scope:     c.Scope,
		MFA:       c.MFA,
		ExpiresAt: c.Expiry(),
	}, nil
}

func (v *Validator) reportFailure(tokenID string, want Want, cause error) {
	if v.auditor != nil {
		if _, err := v.auditor.Append(audit.Entry{
			Kind:    string(events.TokenValidateFailed),
			TokenID: tokenID,
			Project: want.Project,
			Key:     want.Key,
			Outcome: audit.OutcomeDenied,
			Detail:  cause.Error(),
		}); err != nil {
			v.log.Error("audit append failed for validation denial", "error", err)
		}
	}
	if v.bus != nil {
		v.bus.Publish(events.Event{
			Kind:          events.TokenValidateFailed,
			Timestamp:     v.now(),
			CorrelationID: events.NewCorrelationID(),
			Project:       want.Project,
			Key:           want.Key,
			TokenID:       tokenID,
			Outcome:       events.OutcomeDenied,
			Err:           cause.Error(),
		})
	}
}
