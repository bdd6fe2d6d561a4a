// Package config provides configuration management for Custodia.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// EnvPrefix is the prefix of every environment variable read by LoadServerConfig.
const EnvPrefix = "custodia"

// Partition drivers.
const (
	PartitionDriverPostgres = "postgres"
	PartitionDriverSQLite   = "sqlite"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment `envconfig:"env" default:"development"`
	ListenAddr  string      `envconfig:"listen_addr" default:":8080"`

	// DatabaseURL is the master registry (tenants, licenses).
	DatabaseURL string `envconfig:"database_url" required:"true"`

	// PartitionDriver selects how tenant partitions are stored.
	PartitionDriver string `envconfig:"partition_driver" default:"postgres"`
	// PartitionDSN is the Postgres server hosting tenant schemas. Defaults to DatabaseURL.
	PartitionDSN string `envconfig:"partition_dsn"`
	// PartitionDir holds one SQLite file per tenant when PartitionDriver is sqlite.
	PartitionDir string `envconfig:"partition_dir" default:"./data/partitions"`

	// EncryptionKey is the hex-encoded 32-byte master key.
	EncryptionKey string `envconfig:"encryption_key" required:"true"`

	SessionSecret string `envconfig:"session_secret" required:"true"`
	SessionMaxAge int    `envconfig:"session_max_age" default:"28800"`

	// OIDCIssuer enables bearer token and browser login when set.
	OIDCIssuer       string `envconfig:"oidc_issuer"`
	OIDCClientID     string `envconfig:"oidc_client_id"`
	OIDCClientSecret string `envconfig:"oidc_client_secret"`
	OIDCRedirectURL  string `envconfig:"oidc_redirect_url"`

	// RedisURL enables the shared entitlement cache when set.
	RedisURL string `envconfig:"redis_url"`

	TenantHeader string   `envconfig:"tenant_header" default:"X-Tenant-ID"`
	BaseDomain   string   `envconfig:"base_domain"`
	PublicPaths  []string `envconfig:"public_paths"`

	ResolveTimeout     time.Duration `envconfig:"resolve_timeout" default:"2s"`
	EntitlementTimeout time.Duration `envconfig:"entitlement_timeout" default:"500ms"`
	LedgerWriteTimeout time.Duration `envconfig:"ledger_write_timeout" default:"10s"`

	AccessCacheTTL     time.Duration `envconfig:"access_cache_ttl" default:"30s"`
	LedgerMaxAttempts  int           `envconfig:"ledger_max_attempts" default:"3"`

	ConnIdleTimeout     time.Duration `envconfig:"conn_idle_timeout" default:"10m"`
	MaxConnsPerTenant   int32         `envconfig:"max_conns_per_tenant" default:"4"`
	ReapSchedule        string        `envconfig:"reap_schedule" default:"@every 1m"`
	ExpirySweepSchedule string        `envconfig:"expiry_sweep_schedule" default:"@every 15m"`
	JobTimeout          time.Duration `envconfig:"job_timeout" default:"5m"`

	MinorIssuesRatio    float64 `envconfig:"minor_issues_ratio" default:"0.10"`
	SuspicionPolicyFile string  `envconfig:"suspicion_policy_file"`

	AnchorBucket   string `envconfig:"anchor_bucket"`
	AnchorPrefix   string `envconfig:"anchor_prefix" default:"chain-heads"`
	AnchorRegion   string `envconfig:"anchor_region" default:"us-east-1"`
	AnchorEndpoint string `envconfig:"anchor_endpoint"`
	AnchorUseSSL   bool   `envconfig:"anchor_use_ssl" default:"true"`
	AnchorKeyID    string `envconfig:"anchor_access_key_id"`
	AnchorSecret   string `envconfig:"anchor_secret_access_key"`
	AnchorSchedule string `envconfig:"anchor_schedule" default:"@hourly"`

	MaxBodyBytes         int64  `envconfig:"max_body_bytes" default:"1048576"`
	ActivationRateLimit  int64  `envconfig:"activation_rate_limit" default:"10"`
	ActivationRatePeriod string `envconfig:"activation_rate_period" default:"1m"`

	// AuditModule, when set, gates the audit record API behind a module grant.
	AuditModule string `envconfig:"audit_module"`
}

// LoadServerConfig reads server configuration from CUSTODIA_* environment variables.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.PartitionDSN == "" {
		cfg.PartitionDSN = cfg.DatabaseURL
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values envconfig cannot express.
func (c ServerConfig) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}

	switch c.PartitionDriver {
	case PartitionDriverPostgres, PartitionDriverSQLite:
	default:
		return fmt.Errorf("invalid partition driver %q", c.PartitionDriver)
	}

	if c.MinorIssuesRatio <= 0 || c.MinorIssuesRatio >= 1 {
		return errors.New("minor_issues_ratio must be between 0 and 1")
	}

	if len(c.SessionSecret) < 32 {
		return errors.New("session secret must be at least 32 bytes")
	}

	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		return errors.New("oidc_client_id is required when oidc_issuer is set")
	}

	if (c.AnchorKeyID == "") != (c.AnchorSecret == "") {
		return errors.New("anchor access key id and secret must be set together")
	}

	if c.ActivationRateLimit <= 0 {
		return errors.New("activation_rate_limit must be positive")
	}

	return nil
}

// LoginEnabled reports whether the browser login flow can be served.
func (c ServerConfig) LoginEnabled() bool {
	return c.OIDCIssuer != "" && c.OIDCClientSecret != "" && c.OIDCRedirectURL != ""
}

// SecureCookies reports whether session cookies require HTTPS.
func (c ServerConfig) SecureCookies() bool {
	return c.Environment != EnvDevelopment
}

// AnchoringEnabled reports whether chain heads should be published.
func (c ServerConfig) AnchoringEnabled() bool {
	return c.AnchorBucket != ""
}
