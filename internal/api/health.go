package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultCheckTimeout bounds each dependency check so a hung vault or
// database does not stall /ready.
const defaultCheckTimeout = 3 * time.Second

// HealthCheckFunc checks one dependency of the trust service.
type HealthCheckFunc func(ctx context.Context) error

// HealthChecker runs the registered dependency checks (storage, vault, OPA,
// listener) concurrently for /health and /ready.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthChecker creates an empty checker, which reports healthy.
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		checks:  make(map[string]HealthCheckFunc),
		timeout: defaultCheckTimeout,
		logger:  logger,
	}
}

// Register adds or replaces the check for a dependency.
func (h *HealthChecker) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every check. One failing dependency marks the service unhealthy.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	h.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	var (
		mu     sync.Mutex
		result = &HealthCheckResult{Status: "healthy", Components: make(map[string]*ComponentHealthResult, len(checks))}
	)
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			component := &ComponentHealthResult{Status: "healthy"}
			if err := check(cctx); err != nil {
				component.Status = "unhealthy"
				component.Error = err.Error()
				h.logger.Warn("dependency unhealthy", zap.String("component", name), zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			result.Components[name] = component
			if component.Status != "healthy" {
				result.Status = "unhealthy"
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// HealthCheckResult is the aggregated dependency state.
type HealthCheckResult struct {
	Status     string                            `json:"status"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

// ComponentHealthResult is the state of one dependency.
type ComponentHealthResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
