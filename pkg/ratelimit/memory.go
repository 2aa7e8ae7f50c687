package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryConfig configures the in-memory limiter.
type MemoryConfig struct {
	Now     func() time.Time
	MaxKeys int
}

type memoryEntry struct {
	limiter  *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

// MemoryLimiter is a token bucket per key refilled at limit per window.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	maxKeys int
	data    map[string]*memoryEntry
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &MemoryLimiter{
		now:     cfg.Now,
		maxKeys: cfg.MaxKeys,
		data:    make(map[string]*memoryEntry),
	}
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if window <= 0 {
		window = time.Second
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.data[key]
	if !ok || entry.limit != limit || entry.window != window {
		if !ok && len(m.data) >= m.maxKeys {
			m.gc(now)
		}
		if !ok && len(m.data) >= m.maxKeys {
			return Decision{}, errors.New("rate limiter capacity exceeded")
		}
		entry = &memoryEntry{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			limit:   limit,
			window:  window,
		}
		m.data[key] = entry
	}
	entry.lastSeen = now

	allowed := entry.limiter.AllowN(now, 1)
	tokens := entry.limiter.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	missing := float64(limit) - tokens
	resetAt := now
	if missing > 0 {
		resetAt = now.Add(time.Duration(missing * float64(window) / float64(limit)))
	}
	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// gc drops keys idle for longer than their window. Caller holds mu.
func (m *MemoryLimiter) gc(now time.Time) {
	for key, entry := range m.data {
		if now.Sub(entry.lastSeen) > entry.window {
			delete(m.data, key)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
