package vlt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hengadev/errsx"

	"github.com/vlt-dev/vlt/internal/audit"
	"github.com/vlt-dev/vlt/internal/broker"
	"github.com/vlt-dev/vlt/internal/crypto"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/events"
	"github.com/vlt-dev/vlt/internal/monitoring"
	"github.com/vlt-dev/vlt/internal/rotation"
	"github.com/vlt-dev/vlt/internal/store"
	"github.com/vlt-dev/vlt/internal/token"
)

// Aliases exposing the wire-level types of the public API. The internal
// packages carry the implementations; these are the names clients use.
type (
	// Scope is a token's project, key set, and action set.
	Scope = token.Scope
	// Claims are the signed contents of a token.
	Claims = token.Claims
	// IssueRequest mints one token.
	IssueRequest = token.IssueRequest
	// AccessRequest is one token-mediated read or rotate.
	AccessRequest = broker.Request
	// AccessResponse is the result union of Access.
	AccessResponse = broker.Response
	// SecretMeta carries tags, classification, and source on writes.
	SecretMeta = store.SecretMeta
	// SecretRef identifies a stored secret version.
	SecretRef = store.SecretRef
	// RotationPolicy schedules automatic regeneration.
	RotationPolicy = document.RotationPolicy
	// GeneratorSpec parameterizes how rotation produces values.
	GeneratorSpec = document.GeneratorSpec
	// PrincipalPolicy bounds what tokens a principal may be issued.
	PrincipalPolicy = document.PrincipalPolicy
	// Event is a domain event delivered to subscribers.
	Event = events.Event
	// AuditEntry is one hash-chained audit record.
	AuditEntry = audit.Entry
)

// Action names accepted in scopes and access requests.
const (
	ActionRead   = token.ActionRead
	ActionRotate = token.ActionRotate
	ActionAdmin  = token.ActionAdmin
)

// Core is the assembled vault: store, audit log, event bus, token
// authority, access broker, and rotation engine behind one handle.
// Admin operations require possession of the vault passphrase and act
// directly; external reads and rotations go through Access with a
// token.
type Core struct {
	cfg Config
	log hclog.Logger

	bus       *events.Bus
	auditLog  *audit.Log
	store     *store.Store
	tokens    *token.Store
	issuer    *token.Issuer
	validator *token.Validator
	broker    *broker.Broker
	engine    *rotation.Engine
	metrics   monitoring.MetricsCollector

	recipients []crypto.Recipient
	clock      func() time.Time

	argonParams  crypto.Argon2Params
	brokerLimits broker.Limits
	rotationCfg  rotation.Config
	httpClient   *http.Client
}

// Health is a point-in-time liveness snapshot.
type Health struct {
	ReadOnly        bool   `json:"readOnly"`
	Dirty           bool   `json:"dirty"`
	Fingerprint     string `json:"fingerprint"`
	AuditEpoch      uint64 `json:"auditEpoch"`
	RotationTargets int    `json:"rotationTargets"`
}

// Create initializes a new vault at cfg.VaultPath, protected by the
// passphrase, and returns a running Core.
func Create(cfg Config, passphrase []byte, opts ...Option) (*Core, error) {
	return assemble(cfg, passphrase, opts, true)
}

// Open unlocks an existing vault and returns a running Core.
func Open(cfg Config, passphrase []byte, opts ...Option) (*Core, error) {
	return assemble(cfg, passphrase, opts, false)
}

func assemble(cfg Config, passphrase []byte, opts []Option, create bool) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		cfg:         cfg,
		clock:       time.Now,
		metrics:     monitoring.NoOpCollector{},
		argonParams: crypto.DefaultArgon2Params(),
		brokerLimits: broker.Limits{
			PerPrincipalRPS: cfg.RateLimitRPS,
			Burst:           cfg.RateLimitBurst,
		},
		rotationCfg: rotation.Config{Workers: cfg.RotationWorkers},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.log == nil {
		c.log = hclog.New(&hclog.LoggerOptions{
			Name:  "vlt",
			Level: hclog.LevelFromString(cfg.LogLevel),
		})
	}

	unlock, err := passphraseRecipient(passphrase, c.argonParams, create, cfg.VaultPath)
	if err != nil {
		return nil, err
	}
	recipients := append([]crypto.Recipient{unlock}, c.recipients...)

	c.bus = events.NewBus(cfg.EventQueueDepth, events.OverflowPolicy(cfg.EventOverflow))

	c.auditLog, err = audit.Open(cfg.AuditDir, c.clock)
	if err != nil {
		c.bus.Close()
		return nil, err
	}

	storeOpts := store.Options{
		Recipients: recipients,
		Unlock:     unlock,
		Retain:     cfg.Retain,
		Grace:      cfg.GraceDefault,
		Bus:        c.bus,
		Audit:      c.auditLog,
		Clock:      c.clock,
		Log:        c.log.Named("store"),
	}
	if create {
		c.store, err = store.Create(cfg.VaultPath, storeOpts)
	} else {
		c.store, err = store.Load(cfg.VaultPath, storeOpts)
	}
	if err != nil {
		c.auditLog.Close()
		c.bus.Close()
		return nil, err
	}

	if err := c.wire(); err != nil {
		c.store.Close()
		c.auditLog.Close()
		c.bus.Close()
		return nil, err
	}
	c.engine.Start()
	c.log.Info("vault open", "path", cfg.VaultPath, "fingerprint", c.store.Fingerprint())
	return c, nil
}

// wire builds the token and access layers on top of an open store.
func (c *Core) wire() error {
	authority, err := c.store.Authority()
	if err != nil {
		return err
	}

	tokenDB := c.cfg.TokenDBPath
	if tokenDB == "" {
		tokenDB = c.cfg.VaultPath + ".tokens.db"
	}
	c.tokens, err = token.OpenStore(tokenDB)
	if err != nil {
		return err
	}

	limits := token.Limits{MaxReadTTL: c.cfg.MaxReadTTL, MaxRotateTTL: c.cfg.MaxRotateTTL}
	c.issuer = token.NewIssuer(authority, c.tokens, c.store, c.bus, c.auditLog, limits, c.clock, c.log.Named("token"))
	c.validator = token.NewValidator(authority, c.tokens, c.bus, c.auditLog, c.clock, c.log.Named("token"))

	gens := rotation.NewGenerators(c.httpClient)
	c.engine = rotation.New(c.store, gens, c.bus, c.metrics, c.rotationCfg, c.clock, c.log.Named("rotation"))

	c.broker, err = broker.New(c.validator, c.store, c.engine, c.auditLog, c.bus,
		c.metrics, c.brokerLimits, c.clock, c.log.Named("broker"))
	return err
}

func passphraseRecipient(passphrase []byte, params crypto.Argon2Params, create bool, path string) (crypto.Recipient, error) {
	if create {
		return crypto.NewPassphraseRecipient(passphrase, params)
	}
	return unlockRecipientFromHeader(passphrase, path)
}

// IssueToken mints a signed scoped token for an external principal.
func (c *Core) IssueToken(ctx context.Context, req IssueRequest) (string, Claims, error) {
	return c.issuer.Issue(ctx, req)
}

// RevokeToken revokes a token by id; validation fails from then on.
func (c *Core) RevokeToken(ctx context.Context, tokenID string) error {
	return c.issuer.Revoke(ctx, tokenID)
}

// Access performs one token-mediated read or rotation.
func (c *Core) Access(ctx context.Context, bearer string, req AccessRequest) (*AccessResponse, error) {
	return c.broker.Access(ctx, bearer, req)
}

// CreateProject adds an empty project.
func (c *Core) CreateProject(name, description string) error {
	return c.store.CreateProject(name, description)
}

// DeleteProject removes a project; force retires its secrets first.
func (c *Core) DeleteProject(name string, force bool) error {
	if err := c.store.DeleteProject(name, force); err != nil {
		return err
	}
	c.engine.Refresh()
	return nil
}

// ListProjects returns project names, sorted.
func (c *Core) ListProjects() []string { return c.store.ListProjects() }

// PutSecret creates or updates a secret value. The previous active
// version, if any, enters its grace window.
func (c *Core) PutSecret(project, key string, value []byte, meta SecretMeta) (SecretRef, error) {
	return c.store.UpsertSecret(project, key, value, meta)
}

// DeleteSecret retires all versions and removes the secret.
func (c *Core) DeleteSecret(project, key string) error {
	if err := c.store.DeleteSecret(project, key); err != nil {
		return err
	}
	c.engine.Unschedule(project, key)
	return nil
}

// ListSecrets returns the keys in a project, sorted.
func (c *Core) ListSecrets(project string) ([]string, error) {
	return c.store.ListSecrets(project)
}

// DescribeSecret returns secret metadata without any ciphertext or
// key material.
func (c *Core) DescribeSecret(project, key string) (*document.Secret, error) {
	return c.store.Describe(project, key)
}

// AttachRotationPolicy installs or replaces a secret's rotation policy
// and schedules its next run.
func (c *Core) AttachRotationPolicy(project, key string, policy RotationPolicy) error {
	if err := c.store.AttachRotationPolicy(project, key, policy); err != nil {
		return err
	}
	if sec, err := c.store.Describe(project, key); err == nil && sec.RotationPolicy != nil {
		c.engine.Schedule(project, key, sec.RotationPolicy.NextRotationAt)
	}
	return nil
}

// ResumeRotation clears a paused policy after operator intervention.
func (c *Core) ResumeRotation(project, key string) error {
	if err := c.store.ResumeRotationPolicy(project, key); err != nil {
		return err
	}
	if sec, err := c.store.Describe(project, key); err == nil && sec.RotationPolicy != nil {
		c.engine.Schedule(project, key, sec.RotationPolicy.NextRotationAt)
	}
	return nil
}

// RotateNow rotates one secret immediately, outside its schedule.
func (c *Core) RotateNow(ctx context.Context, project, key string) (broker.RotateResult, error) {
	return c.engine.RotateNow(ctx, project, key)
}

// SetPrincipalPolicy installs or replaces a principal's issuance
// policy.
func (c *Core) SetPrincipalPolicy(principal string, policy PrincipalPolicy) error {
	return c.store.SetPrincipalPolicy(principal, policy)
}

// DeletePrincipalPolicy removes a principal's issuance policy.
func (c *Core) DeletePrincipalPolicy(principal string) error {
	return c.store.DeletePrincipalPolicy(principal)
}

// ListPrincipals returns principals with issuance policies, sorted.
func (c *Core) ListPrincipals() []string { return c.store.ListPrincipals() }

// Save persists pending mutations to the vault file.
func (c *Core) Save() error { return c.store.Save() }

// VerifyAudit re-walks the audit hash chain across all epochs.
func (c *Core) VerifyAudit() error { return audit.Verify(c.cfg.AuditDir) }

// AuditEntries returns every audit record in order.
func (c *Core) AuditEntries() ([]AuditEntry, error) { return audit.ReadAll(c.cfg.AuditDir) }

// RotateAuditEpoch seals the current epoch and starts the next one.
// The sealed epoch number is returned so callers can archive it.
func (c *Core) RotateAuditEpoch() (sealed uint64, err error) {
	sealed = c.auditLog.Epoch()
	if err := c.auditLog.Rotate(); err != nil {
		return 0, err
	}
	return sealed, nil
}

// CompactTokens drops expired token records.
func (c *Core) CompactTokens(ctx context.Context) error {
	return c.tokens.Compact(ctx, c.clock())
}

// Subscribe registers an event handler, optionally filtered by kind.
// The returned function unsubscribes and drains.
func (c *Core) Subscribe(h events.Handler, kinds ...events.Kind) func() {
	return c.bus.Subscribe(h, kinds...)
}

// Health reports a snapshot of the vault's condition.
func (c *Core) Health() Health {
	return Health{
		ReadOnly:        c.store.ReadOnly(),
		Dirty:           c.store.Dirty(),
		Fingerprint:     c.store.Fingerprint(),
		AuditEpoch:      c.auditLog.Epoch(),
		RotationTargets: len(c.store.RotationTargets()),
	}
}

// ReadOnly reports whether the vault is in read-only safe mode.
func (c *Core) ReadOnly() bool { return c.store.ReadOnly() }

// Close stops the rotation engine, flushes nothing implicitly, and
// releases every resource. Unsaved mutations are dropped; call Save
// first if they should survive.
func (c *Core) Close() error {
	var errs errsx.Map
	if err := c.engine.Stop(); err != nil {
		errs.Set("rotation engine", err)
	}
	c.bus.Close()
	if err := c.store.Close(); err != nil {
		errs.Set("store", err)
	}
	if err := c.tokens.Close(); err != nil {
		errs.Set("token store", err)
	}
	if err := c.auditLog.Close(); err != nil {
		errs.Set("audit log", err)
	}
	if err := errs.AsError(); err != nil {
		return fmt.Errorf("close vault: %w", err)
	}
	return nil
}
