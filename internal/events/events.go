// Package events carries trust domain events from the services to observers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/models"
)

// Event is a trust domain event.
type Event struct {
	Type           models.TrustAction `json:"type"`
	SourceOrg      string             `json:"source_org"`
	TargetOrg      string             `json:"target_org,omitempty"`
	UserID         string             `json:"user_id,omitempty"`
	RelationshipID string             `json:"relationship_id,omitempty"`
	GroupID        string             `json:"group_id,omitempty"`
	IPAddress      string             `json:"ip_address,omitempty"`
	UserAgent      string             `json:"user_agent,omitempty"`
	Success        bool               `json:"success"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	Details        map[string]any     `json:"details,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Publisher emits events. Services depend on this rather than on the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Observer reacts to published events.
type Observer interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Bus fans events out to every registered observer. A failing or panicking
// observer is logged and skipped; the others still run.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *zap.Logger
	metrics   *metrics.TrustMetrics
}

// NewBus creates an event bus. m may be nil.
func NewBus(logger *zap.Logger, m *metrics.TrustMetrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, metrics: m}
}

// Register adds an observer.
func (b *Bus) Register(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Observers returns the registered observer names.
func (b *Bus) Observers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.observers))
	for i, o := range b.observers {
		names[i] = o.Name()
	}
	return names
}

// Publish delivers event to all observers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, o := range observers {
		if err := b.deliver(ctx, o, event); err != nil {
			b.logger.Error("observer failed",
				zap.String("observer", o.Name()),
				zap.String("event", string(event.Type)),
				zap.Error(err),
			)
			if b.metrics != nil {
				b.metrics.ObserverFailures.WithLabelValues(o.Name()).Inc()
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, o Observer, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Notify(ctx, event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given action.
func (r *Recorder) OfType(action models.TrustAction) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == action {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
