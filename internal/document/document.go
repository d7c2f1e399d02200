// Package document defines the vault's persisted data model: the
// project-partitioned secret document, version lifecycle states,
// rotation policies, and the principal policy table. The store package
// owns the single mutable instance; everyone else works on snapshots.
package document

import (
	"regexp"
	"time"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// SchemaVersion is the current major on-disk schema. Load refuses
// documents with a higher major version.
const SchemaVersion = 1

// VersionState is the lifecycle state of a secret version.
type VersionState string

const (
	StateActive  VersionState = "active"
	StateGrace   VersionState = "grace"
	StateRetired VersionState = "retired"
)

// Classification grades how sensitive a secret is. Restricted secrets
// additionally require an MFA-verified principal on the read path.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
)

// ValidClassification reports whether c is a known classification.
func ValidClassification(c Classification) bool {
	switch c {
	case ClassPublic, ClassInternal, ClassConfidential, ClassRestricted:
		return true
	}
	return false
}

// Source records how a secret entered the vault.
type Source string

const (
	SourceManual   Source = "manual"
	SourceImport   Source = "import"
	SourceScan     Source = "scan"
	SourceRotation Source = "rotation"
	SourceExternal Source = "external"
)

// Document is the top-level container persisted as one encrypted file.
type Document struct {
	SchemaVersion int                         `json:"schemaVersion"`
	Metadata      Metadata                    `json:"metadata"`
	Projects      map[string]*Project         `json:"projects"`
	GlobalTags    []string                    `json:"globalTags,omitempty"`
	Policies      map[string]*PrincipalPolicy `json:"policies,omitempty"`

	// AuthoritySeed is the Ed25519 seed of the token authority. It
	// lives inside the encrypted document so tokens stay verifiable
	// across restarts without a second key file.
	AuthoritySeed []byte `json:"authoritySeed,omitempty"`
}

// Metadata carries document-level bookkeeping.
type Metadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	// Fingerprint is the hex SHA-256 of the canonicalized cleartext,
	// recomputed after every successful save.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Project is a named partition of secrets.
type Project struct {
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Secrets       map[string]*Secret `json:"secrets"`
	CreatedAt     time.Time          `json:"createdAt"`
	LastUpdatedAt time.Time          `json:"lastUpdatedAt"`
}

// Secret is a named, versioned value within a project. Values are only
// present as ciphertext; the plaintext exists transiently in memory.
type Secret struct {
	Key            string `json:"key"`
	CurrentVersion int    `json:"currentVersion"`
	// Versions is ordered newest first and capped by the retention
	// policy.
	Versions       []*SecretVersion `json:"versions"`
	Tags           []string         `json:"tags,omitempty"`
	Classification Classification   `json:"classification"`
	Source         Source           `json:"source"`
	// Salt feeds the HKDF derivation of this secret's subkey.
	Salt           []byte           `json:"salt"`
	RotationPolicy *RotationPolicy  `json:"rotationPolicy,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastUpdatedAt  time.Time        `json:"lastUpdatedAt"`
	LastAccessedAt *time.Time       `json:"lastAccessedAt,omitempty"`
	AccessCount    int64            `json:"accessCount"`
}

// SecretVersion is one revision of a secret value.
type SecretVersion struct {
	Version int `json:"version"`
	// Ciphertext is the sealed value; zeroed once the version retires.
	Ciphertext []byte       `json:"ciphertext"`
	State      VersionState `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
	RetiredAt  *time.Time   `json:"retiredAt,omitempty"`
	// GraceUntil bounds the window in which a grace version may still
	// be revealed; absolute, fixed at rotation time.
	GraceUntil *time.Time `json:"graceUntil,omitempty"`
	// Checksum is the hex SHA-256 of the plaintext, for integrity
	// audit without the value.
	Checksum string `json:"checksum"`
}

// GeneratorKind selects how a rotation produces a new value.
type GeneratorKind string

const (
	GenRandomBytes        GeneratorKind = "random_bytes"
	GenRandomAlphanumeric GeneratorKind = "random_alphanumeric"
	GenUUID               GeneratorKind = "uuid"
	GenWebhook            GeneratorKind = "webhook"
)

// GeneratorSpec is the persisted parameterization of a generator.
type GeneratorSpec struct {
	Kind   GeneratorKind `json:"kind"`
	Length int           `json:"length,omitempty"`
	URL    string        `json:"url,omitempty"`
}

// RotationPolicy schedules automatic regeneration of a secret.
type RotationPolicy struct {
	IntervalSeconds int64         `json:"intervalSeconds"`
	GraceSeconds    int64         `json:"graceSeconds"`
	Generator       GeneratorSpec `json:"generator"`
	NextRotationAt  time.Time     `json:"nextRotationAt"`
	LastRotatedAt   *time.Time    `json:"lastRotatedAt,omitempty"`
	// Paused is set after the retry budget is exhausted; operator
	// intervention resumes it.
	Paused bool `json:"paused,omitempty"`
	// FailureCount tracks consecutive failed rotation attempts.
	FailureCount int `json:"failureCount,omitempty"`
}

// Interval returns the rotation interval as a duration.
func (p *RotationPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Grace returns the grace window as a duration.
func (p *RotationPolicy) Grace() time.Duration {
	return time.Duration(p.GraceSeconds) * time.Second
}

// Validate checks a rotation policy supplied by a caller.
func (p *RotationPolicy) Validate() error {
	if p.IntervalSeconds <= 0 {
		return vaulterr.ErrInvalidPolicy
	}
	if p.GraceSeconds < 0 {
		return vaulterr.ErrInvalidPolicy
	}
	switch p.Generator.Kind {
	case GenRandomBytes, GenRandomAlphanumeric:
		if p.Generator.Length <= 0 || p.Generator.Length > 1024 {
			return vaulterr.ErrInvalidPolicy
		}
	case GenUUID:
	case GenWebhook:
		if p.Generator.URL == "" {
			return vaulterr.ErrInvalidPolicy
		}
	default:
		return vaulterr.ErrInvalidPolicy
	}
	return nil
}

// PrincipalPolicy bounds what tokens a principal may be issued.
type PrincipalPolicy struct {
	// Projects the principal may be scoped to; "*" allows any.
	Projects []string `json:"projects"`
	// MaxKeysPerToken caps the key list of a single token; 0 means
	// unlimited, -1 forbids wildcard scopes.
	MaxKeysPerToken int `json:"maxKeysPerToken,omitempty"`
	// Actions the principal may request, subset of read/rotate/admin.
	Actions []string `json:"actions"`
	// MaxTTLSeconds caps issued token lifetimes below the global
	// per-action maxima when set.
	MaxTTLSeconds int64 `json:"maxTtlSeconds,omitempty"`
}

// AllowsProject reports whether the policy covers a project.
func (p *PrincipalPolicy) AllowsProject(project string) bool {
	for _, allowed := range p.Projects {
		if allowed == "*" || allowed == project {
			return true
		}
	}
	return false
}

// AllowsAction reports whether the policy permits an action.
func (p *PrincipalPolicy) AllowsAction(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

var (
	projectNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	secretKeyRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,127}$`)
)

// ValidateProjectName enforces the project naming rule.
func ValidateProjectName(name string) error {
	if !projectNameRe.MatchString(name) {
		return vaulterr.NewInvalidNameError(name, "must match [A-Za-z0-9_.-]{1,64}")
	}
	return nil
}

// ValidateSecretKey enforces the secret key naming rule. The canonical
// SCREAMING_SNAKE form is recommended but any identifier-shaped key is
// accepted.
func ValidateSecretKey(key string) error {
	if !secretKeyRe.MatchString(key) {
		return vaulterr.NewInvalidKeyError(key, "must start with a letter and stay within 128 identifier characters")
	}
	return nil
}

// New returns an empty document stamped with the given creation time.
func New(now time.Time) *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Metadata:      Metadata{CreatedAt: now, LastUpdatedAt: now},
		Projects:      make(map[string]*Project),
		Policies:      make(map[string]*PrincipalPolicy),
	}
}

// ActiveVersion returns the active version of a secret, or nil.
func (s *Secret) ActiveVersion() *SecretVersion {
	for _, v := range s.Versions {
		if v.State == StateActive {
			return v
		}
	}
	return nil
}

// FindVersion returns the version with the given number, or nil.
func (s *Secret) FindVersion(version int) *SecretVersion {
	for _, v := range s.Versions {
		if v.Version == version {
			return v
		}
	}
	return nil
}
