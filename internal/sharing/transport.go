package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	pkgerrors "github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/metrics"
)

// Transport moves STIX objects to and from TAXII collections. The engine
// shapes the objects; the transport owns the protocol.
type Transport interface {
	// Publish adds obj to a collection. false means the server refused it.
	Publish(ctx context.Context, obj map[string]any, collectionID string) (bool, error)
	// Fetch returns the objects added to a collection after addedAfter.
	Fetch(ctx context.Context, collectionID string, addedAfter time.Time) ([]map[string]any, error)
}

// ============================================================================
// In-memory transport
// ============================================================================

type storedObject struct {
	object  map[string]any
	addedAt time.Time
}

// MemoryTransport keeps collections in process memory. It backs
// single-node deployments and tests.
type MemoryTransport struct {
	mu          sync.RWMutex
	collections map[string][]storedObject
	now         func() time.Time
}

// NewMemoryTransport creates an empty transport. A nil now uses time.Now.
func NewMemoryTransport(now func() time.Time) *MemoryTransport {
	if now == nil {
		now = time.Now
	}
	return &MemoryTransport{collections: make(map[string][]storedObject), now: now}
}

// Publish implements Transport. Objects with an id already in the
// collection are refused.
func (m *MemoryTransport) Publish(ctx context.Context, obj map[string]any, collectionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	id, _ := obj["id"].(string)
	if id == "" || collectionID == "" {
		return false, nil
	}
	stored, err := cloneObject(obj)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.collections[collectionID] {
		if existing.object["id"] == id {
			return false, nil
		}
	}
	m.collections[collectionID] = append(m.collections[collectionID], storedObject{object: stored, addedAt: m.now().UTC()})
	return true, nil
}

// Fetch implements Transport.
func (m *MemoryTransport) Fetch(ctx context.Context, collectionID string, addedAfter time.Time) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []map[string]any
	for _, s := range m.collections[collectionID] {
		if !addedAfter.IsZero() && !s.addedAt.After(addedAfter) {
			continue
		}
		obj, err := cloneObject(s.object)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Collections lists collection ids.
func (m *MemoryTransport) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.collections))
	for id := range m.collections {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// cloneObject deep-copies through JSON so stored objects share nothing with
// the caller and hold only JSON-native values.
func cloneObject(obj map[string]any) (map[string]any, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stix object: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode stix object: %w", err)
	}
	return out, nil
}

// ============================================================================
// Circuit breaker
// ============================================================================

// BreakerConfig configures the transport circuit breaker.
type BreakerConfig struct {
	Name string `mapstructure:"name"`
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration `mapstructure:"interval"`
	// Timeout is how long the breaker stays open.
	Timeout time.Duration `mapstructure:"timeout"`
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
}

// DefaultBreakerConfig returns the defaults used for TAXII transports.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "taxii",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// GuardedTransport wraps a transport in a circuit breaker. While the breaker
// is open calls fail fast with ErrTransportUnavailable.
type GuardedTransport struct {
	inner   Transport
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedTransport wraps t. m and logger may be nil.
func NewGuardedTransport(t Transport, cfg BreakerConfig, m *metrics.SharingMetrics, logger *zap.Logger) *GuardedTransport {
	def := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.FailureThreshold
	g := &GuardedTransport{inner: t}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller giving up says nothing about the remote end.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if m != nil {
				m.TransportState.Set(float64(to))
			}
		},
	})
	return g
}

// Publish implements Transport.
func (g *GuardedTransport) Publish(ctx context.Context, obj map[string]any, collectionID string) (bool, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Publish(ctx, obj, collectionID)
	})
	if err != nil {
		return false, g.wrap(err)
	}
	return res.(bool), nil
}

// Fetch implements Transport.
func (g *GuardedTransport) Fetch(ctx context.Context, collectionID string, addedAfter time.Time) ([]map[string]any, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Fetch(ctx, collectionID, addedAfter)
	})
	if err != nil {
		return nil, g.wrap(err)
	}
	objs, _ := res.([]map[string]any)
	return objs, nil
}

// State reports the breaker state.
func (g *GuardedTransport) State() gobreaker.State {
	return g.breaker.State()
}

func (g *GuardedTransport) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", pkgerrors.ErrTransportUnavailable, err)
	}
	return fmt.Errorf("%w: %w", pkgerrors.ErrTransportUnavailable, err)
}

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Transport = (*GuardedTransport)(nil)
)
