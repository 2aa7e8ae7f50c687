// Package vault provides a client for HashiCorp Vault operations.
package vault

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// SupportedVersionMin is the minimum supported Vault version.
const SupportedVersionMin = "1.12.0"

// Client wraps the HashiCorp Vault API client.
type Client struct {
	client *api.Client
	logger *zap.Logger
}

// Config holds configuration for the Vault client.
type Config struct {
	Address   string        `mapstructure:"address"`
	Token     string        `mapstructure:"token"`
	Namespace string        `mapstructure:"namespace"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// AppRole credentials are used when Token is empty.
	AppRolePath     string     `mapstructure:"approle_path"`
	AppRoleID       string     `mapstructure:"approle_role_id"`
	AppRoleSecretID string     `mapstructure:"approle_secret_id"`
	TLSConfig       *TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds TLS configuration for Vault connection.
type TLSConfig struct {
	CACert        string `mapstructure:"ca_cert"`
	ClientCert    string `mapstructure:"client_cert"`
	ClientKey     string `mapstructure:"client_key"`
	TLSServerName string `mapstructure:"server_name"`
	Insecure      bool   `mapstructure:"insecure"`
}

// HealthStatus represents the health status of Vault.
type HealthStatus struct {
	Initialized bool
	Sealed      bool
	Standby     bool
	Version     string
}

// New creates a new Vault client with the given configuration.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vault: config is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address
	if cfg.Timeout > 0 {
		vaultCfg.Timeout = cfg.Timeout
	}
	if cfg.TLSConfig != nil {
		tlsCfg := &api.TLSConfig{
			CACert:        cfg.TLSConfig.CACert,
			ClientCert:    cfg.TLSConfig.ClientCert,
			ClientKey:     cfg.TLSConfig.ClientKey,
			TLSServerName: cfg.TLSConfig.TLSServerName,
			Insecure:      cfg.TLSConfig.Insecure,
		}
		if err := vaultCfg.ConfigureTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("vault: failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	c := &Client{client: client, logger: logger}
	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.AppRoleID != "":
		token, err := c.LoginWithAppRole(ctx, cfg.AppRolePath, cfg.AppRoleID, cfg.AppRoleSecretID)
		if err != nil {
			return nil, err
		}
		client.SetToken(token)
	}

	logger.Info("vault client created", zap.String("address", cfg.Address))
	return c, nil
}

// Health checks the health status of the Vault server.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		c.logger.Error("failed to get vault health", zap.Error(err))
		return nil, fmt.Errorf("vault: health check failed: %w", err)
	}
	return &HealthStatus{
		Initialized: health.Initialized,
		Sealed:      health.Sealed,
		Standby:     health.Standby,
		Version:     health.Version,
	}, nil
}

var versionPrefix = regexp.MustCompile(`^(\d+\.\d+\.\d+)`)

// CheckVersion fails when the server is sealed or older than SupportedVersionMin.
func (c *Client) CheckVersion(ctx context.Context) error {
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if health.Sealed {
		return fmt.Errorf("vault: server is sealed")
	}
	raw := health.Version
	if idx := strings.Index(raw, "+"); idx != -1 {
		raw = raw[:idx]
	}
	m := versionPrefix.FindStringSubmatch(raw)
	if len(m) < 2 {
		return fmt.Errorf("vault: unable to parse version %q", health.Version)
	}
	current, err := version.NewVersion(m[1])
	if err != nil {
		return fmt.Errorf("vault: invalid version %q: %w", m[1], err)
	}
	minVer := version.Must(version.NewVersion(SupportedVersionMin))
	if current.LessThan(minVer) {
		return fmt.Errorf("vault: version %s is below minimum supported version %s", current, SupportedVersionMin)
	}
	return nil
}

// LoginWithAppRole authenticates using AppRole and returns a token.
func (c *Client) LoginWithAppRole(ctx context.Context, authPath, roleID, secretID string) (string, error) {
	if authPath == "" {
		authPath = "approle"
	}
	secret, err := c.client.Logical().WriteWithContext(ctx, fmt.Sprintf("auth/%s/login", authPath), map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return "", fmt.Errorf("vault: AppRole login failed: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return "", fmt.Errorf("vault: AppRole login returned no auth info")
	}
	return secret.Auth.ClientToken, nil
}

// Raw returns the underlying Vault API client for advanced operations.
func (c *Client) Raw() *api.Client {
	return c.client
}
