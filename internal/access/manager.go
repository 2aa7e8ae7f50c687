package access

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/models"
)

// Manager holds the registered strategies and the default evaluation chain.
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	chain      []string
	logger     *zap.Logger
	metrics    *metrics.AccessMetrics
}

// NewManager creates an empty manager. m may be nil.
func NewManager(logger *zap.Logger, m *metrics.AccessMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{strategies: make(map[string]Strategy), logger: logger, metrics: m}
}

// Register adds or replaces a strategy under its name. The first
// registration of a name also appends it to the default chain.
func (m *Manager) Register(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.strategies[s.Name()]; !exists {
		m.chain = append(m.chain, s.Name())
	}
	m.strategies[s.Name()] = s
}

// SetChain replaces the default chain. Every name must be registered.
func (m *Manager) SetChain(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		if _, ok := m.strategies[n]; !ok {
			return fmt.Errorf("unknown access strategy %q", n)
		}
	}
	m.chain = append([]string(nil), names...)
	return nil
}

// Chain returns the default chain.
func (m *Manager) Chain() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.chain...)
}

// Names returns the registered strategy names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.strategies))
	for n := range m.strategies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Strategy looks up a registered strategy.
func (m *Manager) Strategy(name string) (Strategy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[name]
	return s, ok
}

// EvaluateChain runs the named strategies, or the default chain when none
// are named, and returns the first allow. A strategy that errors or panics
// counts as a non-match. When nothing allows, the denial lists the reason of
// every strategy tried.
func (m *Manager) EvaluateChain(ctx context.Context, ac *Context, names ...string) Decision {
	if len(names) == 0 {
		names = m.Chain()
	}
	if len(names) == 0 {
		return m.record(deny("no access strategies configured"), "chain")
	}

	reasons := make([]string, 0, len(names))
	for _, name := range names {
		s, ok := m.Strategy(name)
		if !ok {
			reasons = append(reasons, name+": unknown strategy")
			continue
		}
		if err := ctx.Err(); err != nil {
			reasons = append(reasons, name+": "+err.Error())
			break
		}
		d, err := m.evaluate(ctx, s, ac)
		if err != nil {
			m.logger.Warn("access strategy failed",
				zap.String("strategy", name),
				zap.String("requesting_org", ac.RequestingOrg),
				zap.Error(err),
			)
			if m.metrics != nil {
				m.metrics.StrategyFailures.WithLabelValues(name).Inc()
			}
			reasons = append(reasons, name+": evaluation failed")
			continue
		}
		if d.Allowed {
			d.Strategy = name
			if !d.AccessLevel.Valid() || d.AccessLevel == models.AccessNone {
				d.AccessLevel = models.AccessRead
			}
			return m.record(d, name)
		}
		reasons = append(reasons, name+": "+d.Reason)
	}
	return m.record(deny("access denied: "+strings.Join(reasons, "; ")), "chain")
}

func (m *Manager) evaluate(ctx context.Context, s Strategy, ac *Context) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return s.Evaluate(ctx, ac)
}

func (m *Manager) record(d Decision, strategy string) Decision {
	if d.Strategy == "" {
		d.Strategy = strategy
	}
	if m.metrics != nil {
		result := "denied"
		if d.Allowed {
			result = "allowed"
		}
		level := d.AccessLevel
		if level == "" {
			level = models.AccessNone
		}
		m.metrics.DecisionsTotal.WithLabelValues(strategy, string(level), result).Inc()
	}
	return d
}
