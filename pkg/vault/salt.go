package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SaltSource reads the organization anonymization salt from a KV v2 secret.
// The value is cached for TTL.
type SaltSource struct {
	client *Client
	mount  string
	path   string
	key    string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

// SaltConfig locates the salt secret.
type SaltConfig struct {
	Mount string        `mapstructure:"mount"`
	Path  string        `mapstructure:"path"`
	Key   string        `mapstructure:"key"`
	TTL   time.Duration `mapstructure:"ttl"`
}

// NewSaltSource creates a salt source backed by c.
func NewSaltSource(c *Client, cfg SaltConfig) *SaltSource {
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Path == "" {
		cfg.Path = "crisp/anonymization"
	}
	if cfg.Key == "" {
		cfg.Key = "salt"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &SaltSource{
		client: c,
		mount:  cfg.Mount,
		path:   cfg.Path,
		key:    cfg.Key,
		ttl:    cfg.TTL,
		now:    time.Now,
	}
}

// Salt returns the current salt.
func (s *SaltSource) Salt(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" && s.now().Sub(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	secret, err := s.client.client.KVv2(s.mount).Get(ctx, s.path)
	if err != nil {
		if s.cached != "" {
			s.client.logger.Warn("vault salt refresh failed, keeping cached value", zap.Error(err))
			return s.cached, nil
		}
		return "", fmt.Errorf("vault: failed to read salt: %w", err)
	}
	salt, ok := secret.Data[s.key].(string)
	if !ok || salt == "" {
		return "", fmt.Errorf("vault: secret %s/%s has no %q value", s.mount, s.path, s.key)
	}
	s.cached = salt
	s.fetchedAt = s.now()
	return salt, nil
}
