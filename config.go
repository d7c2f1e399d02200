package vlt

import (
	"fmt"
	"os"
	"time"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/vlt-dev/vlt/internal/events"
)

// Config carries everything needed to open a vault. Values are read
// from VLT_* environment variables, optionally overlaid by a YAML file.
type Config struct {
	// VaultPath is the encrypted vault file.
	VaultPath string `envconfig:"VAULT_PATH" yaml:"vault_path"`

	// AuditDir holds the append-only audit epochs.
	AuditDir string `envconfig:"AUDIT_DIR" yaml:"audit_dir"`

	// TokenDBPath is the SQLite file recording issued tokens and
	// revocations. ":memory:" keeps it ephemeral.
	TokenDBPath string `envconfig:"TOKEN_DB_PATH" yaml:"token_db_path"`

	// MaxReadTTL and MaxRotateTTL cap token lifetimes per action.
	MaxReadTTL   time.Duration `envconfig:"MAX_READ_TTL" default:"1h" yaml:"max_read_ttl"`
	MaxRotateTTL time.Duration `envconfig:"MAX_ROTATE_TTL" default:"5m" yaml:"max_rotate_ttl"`

	// Retain caps versions kept per secret.
	Retain int `envconfig:"RETAIN" default:"3" yaml:"retain"`

	// GraceDefault is the demotion window applied when no rotation
	// policy specifies one.
	GraceDefault time.Duration `envconfig:"GRACE_DEFAULT" default:"10m" yaml:"grace_default"`

	// RotationWorkers sizes the rotation worker pool.
	RotationWorkers int `envconfig:"ROTATION_WORKERS" default:"4" yaml:"rotation_workers"`

	// EventQueueDepth bounds each subscriber queue; EventOverflow is
	// block, drop_oldest, or drop_newest.
	EventQueueDepth int    `envconfig:"EVENT_QUEUE_DEPTH" default:"256" yaml:"event_queue_depth"`
	EventOverflow   string `envconfig:"EVENT_OVERFLOW" default:"block" yaml:"event_overflow"`

	// RateLimitRPS caps broker requests per second per principal; 0
	// disables limiting.
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"0" yaml:"rate_limit_rps"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"10" yaml:"rate_limit_burst"`

	// LogLevel is a hclog level name: trace, debug, info, warn, error.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
}

// DefaultConfig returns the documented defaults with no paths set.
func DefaultConfig() Config {
	return Config{
		MaxReadTTL:      time.Hour,
		MaxRotateTTL:    5 * time.Minute,
		Retain:          3,
		GraceDefault:    10 * time.Minute,
		RotationWorkers: 4,
		EventQueueDepth: 256,
		EventOverflow:   string(events.OverflowBlock),
		RateLimitBurst:  10,
		LogLevel:        "info",
	}
}

// LoadConfig reads configuration from the environment. A .env file in
// the working directory is loaded first when present, then VLT_*
// variables, then the YAML file named by VLT_CONFIG_FILE overlays
// non-zero values.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("vlt", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if path := os.Getenv("VLT_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working vault.
// All problems are reported at once.
func (c Config) Validate() error {
	var errs errsx.Map
	if c.VaultPath == "" {
		errs.Set("vault path", fmt.Errorf("required"))
	}
	if c.AuditDir == "" {
		errs.Set("audit directory", fmt.Errorf("required"))
	}
	if c.MaxReadTTL <= 0 || c.MaxRotateTTL <= 0 {
		errs.Set("token ttl caps", fmt.Errorf("must be positive"))
	}
	if c.Retain <= 0 {
		errs.Set("retain", fmt.Errorf("must be positive"))
	}
	if c.RotationWorkers <= 0 {
		errs.Set("rotation workers", fmt.Errorf("must be positive"))
	}
	switch events.OverflowPolicy(c.EventOverflow) {
	case events.OverflowBlock, events.OverflowDropOldest, events.OverflowDropNewest:
	default:
		errs.Set("event overflow", fmt.Errorf("unknown policy %q", c.EventOverflow))
	}
	return errs.AsError()
}
