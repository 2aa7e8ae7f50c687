// Package config handles configuration loading from environment and files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/anonymization"
	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/internal/notify"
	"github.com/witlox/crisp/internal/sharing"
	"github.com/witlox/crisp/pkg/vault"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all configuration for CRISP services.
type Config struct {
	// Service identification
	Service   string `mapstructure:"service"`
	Version   string `mapstructure:"version"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Vault         VaultConfig         `mapstructure:"vault"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Kafka         notify.KafkaConfig  `mapstructure:"kafka"`
	TAXII         TAXIIConfig         `mapstructure:"taxii"`
	Access        AccessConfig        `mapstructure:"access"`
	Anonymization AnonymizationConfig `mapstructure:"anonymization"`
	STIX          STIXConfig          `mapstructure:"stix"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Security      SecurityConfig      `mapstructure:"security"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TLS configuration
	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
	// PartnerCAFile requires partner organizations to present a client
	// certificate issued by this CA.
	PartnerCAFile string `mapstructure:"tls_partner_ca_file"`

	// RateLimit is the number of API requests per organization per
	// RateWindow. Zero disables request limiting.
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// StorageConfig selects the repository implementation.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// Migrate applies schema migrations at startup (postgres only).
	Migrate bool `mapstructure:"migrate"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the shared rate limiter. An empty address keeps
// rate limiting in process.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// VaultConfig holds HashiCorp Vault configuration.
type VaultConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	vault.Config `mapstructure:",squash"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// TAXIIConfig configures the sharing transport.
type TAXIIConfig struct {
	CollectionID string                `mapstructure:"collection_id"`
	Breaker      sharing.BreakerConfig `mapstructure:"breaker"`
}

// AccessConfig configures the access strategies and the default chain.
type AccessConfig struct {
	// Chain lists strategy names in evaluation order.
	Chain             []string                  `mapstructure:"chain"`
	MinimumTrustLevel int                       `mapstructure:"minimum_trust_level"`
	TrustBased        access.TrustBasedConfig   `mapstructure:"trust_based"`
	Group             string                    `mapstructure:"group"`
	ContextAware      access.ContextAwareConfig `mapstructure:"context_aware"`
	Policy            access.PolicyConfig       `mapstructure:"policy"`
	// RegoModule is a path to a Rego module; empty disables the rego strategy.
	RegoModule string           `mapstructure:"rego_module"`
	RegoQuery  string           `mapstructure:"rego_query"`
	OPA        access.OPAConfig `mapstructure:"opa"`
}

// AnonymizationConfig configures organization pseudonyms and custom rules.
type AnonymizationConfig struct {
	Salt string `mapstructure:"salt"`
	// VaultSalt is read when Vault is enabled and takes precedence over Salt.
	VaultSalt vault.SaltConfig          `mapstructure:"vault_salt"`
	Rules     anonymization.CustomRules `mapstructure:"custom_rules"`
}

// STIXConfig configures object preparation.
type STIXConfig struct {
	StrictValidation bool `mapstructure:"strict_validation"`
}

// AuditConfig configures the trust log.
type AuditConfig struct {
	SIEM audit.SIEMConfig `mapstructure:"siem"`
}

// SecurityConfig tunes denial burst detection.
type SecurityConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Threshold int           `mapstructure:"threshold"`
}

// Load loads configuration from environment variables and config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CRISP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crisp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crisp")
		v.AddConfigPath("$HOME/.crisp")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "crisp-trust")
	v.SetDefault("version", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.rate_limit", 600)
	v.SetDefault("server.rate_window", time.Minute)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.migrate", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "crisp")
	v.SetDefault("database.username", "crisp")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.key_prefix", "crisp:ratelimit:")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.timeout", 10*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "crisp.trust.notifications")

	v.SetDefault("taxii.collection_id", "crisp-shared")
	v.SetDefault("taxii.breaker.failure_threshold", 5)
	v.SetDefault("taxii.breaker.timeout", 30*time.Second)
	v.SetDefault("taxii.breaker.interval", time.Minute)

	v.SetDefault("access.chain", []string{"trust_level", "community"})
	v.SetDefault("access.minimum_trust_level", 20)
	v.SetDefault("access.context_aware.rate_limit", 0)
	v.SetDefault("access.context_aware.rate_window", time.Minute)
	v.SetDefault("access.context_aware.failed_attempt_threshold", 0)
	v.SetDefault("access.policy.default_effect", "deny")
	v.SetDefault("access.rego_module", "")
	v.SetDefault("access.rego_query", access.DefaultRegoQuery)
	v.SetDefault("access.opa.address", "")
	v.SetDefault("access.opa.path", access.DefaultOPAPath)
	v.SetDefault("access.opa.timeout", 5*time.Second)

	v.SetDefault("anonymization.salt", "")
	v.SetDefault("anonymization.vault_salt.mount", "secret")
	v.SetDefault("anonymization.vault_salt.path", "crisp/anonymization")
	v.SetDefault("anonymization.vault_salt.key", "salt")
	v.SetDefault("anonymization.vault_salt.ttl", 10*time.Minute)

	v.SetDefault("stix.strict_validation", false)

	v.SetDefault("audit.siem.enabled", false)
	v.SetDefault("audit.siem.endpoint", "")
	v.SetDefault("audit.siem.timeout", 5*time.Second)

	v.SetDefault("security.window", 5*time.Minute)
	v.SetDefault("security.threshold", 10)
}

// Validate checks values the services cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("invalid storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return errors.New("tls requires server.tls_cert_file and server.tls_key_file")
	}
	if c.Server.PartnerCAFile != "" && !c.Server.TLSEnabled {
		return errors.New("server.tls_partner_ca_file requires server.tls_enabled")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("invalid server.rate_limit %d", c.Server.RateLimit)
	}
	if len(c.Access.Chain) == 0 {
		return errors.New("access.chain must name at least one strategy")
	}
	if c.Access.MinimumTrustLevel < 0 || c.Access.MinimumTrustLevel > 100 {
		return fmt.Errorf("invalid access.minimum_trust_level %d", c.Access.MinimumTrustLevel)
	}
	if err := c.Anonymization.Rules.Validate(); err != nil {
		return fmt.Errorf("invalid anonymization rules: %w", err)
	}
	return nil
}

// Addr returns the server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}
