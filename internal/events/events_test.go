package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/models"
)

type recordingObserver struct {
	name string
	mu   sync.Mutex
	seen []Event
}

func (o *recordingObserver) Name() string { return o.name }

func (o *recordingObserver) Notify(_ context.Context, e Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, e)
	return nil
}

type failingObserver struct{}

func (failingObserver) Name() string                        { return "failing" }
func (failingObserver) Notify(context.Context, Event) error { return errors.New("sink down") }

type panickingObserver struct{}

func (panickingObserver) Name() string                        { return "panicking" }
func (panickingObserver) Notify(context.Context, Event) error { panic("boom") }

type memNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *memNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

type memSink struct {
	entries []*models.TrustLog
}

func (s *memSink) LogTrustEvent(_ context.Context, entry *models.TrustLog) error {
	s.entries = append(s.entries, entry)
	return nil
}

func TestBus(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to all observers", func(t *testing.T) {
		bus := NewBus(nil, nil)
		a := &recordingObserver{name: "a"}
		b := &recordingObserver{name: "b"}
		bus.Register(a)
		bus.Register(b)

		bus.Publish(ctx, Event{Type: models.ActionRelationshipCreated, SourceOrg: "org-a", Success: true})

		assert.Len(t, a.seen, 1)
		assert.Len(t, b.seen, 1)
		assert.False(t, a.seen[0].Timestamp.IsZero())
		assert.Equal(t, []string{"a", "b"}, bus.Observers())
	})

	t.Run("isolates failing and panicking observers", func(t *testing.T) {
		metrics.ResetRegistry()
		m := metrics.NewTrustMetrics()
		bus := NewBus(nil, m)
		after := &recordingObserver{name: "after"}
		bus.Register(failingObserver{})
		bus.Register(panickingObserver{})
		bus.Register(after)

		bus.Publish(ctx, Event{Type: models.ActionGroupJoined, SourceOrg: "org-a", Success: true})

		assert.Len(t, after.seen, 1)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ObserverFailures.WithLabelValues("failing")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ObserverFailures.WithLabelValues("panicking")))
	})
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(context.Background(), Event{Type: models.ActionAccessDenied})
	r.Publish(context.Background(), Event{Type: models.ActionAccessGranted})

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(models.ActionAccessDenied), 1)
}

func TestNotificationObserver(t *testing.T) {
	ctx := context.Background()

	t.Run("notifies target of a new request", func(t *testing.T) {
		n := &memNotifier{}
		o := NewNotificationObserver(n, nil)

		require.NoError(t, o.Notify(ctx, Event{
			Type: models.ActionRelationshipCreated, SourceOrg: "org-a", TargetOrg: "org-b", Success: true,
		}))

		require.Len(t, n.sent, 1)
		assert.Equal(t, []string{"org-b"}, n.sent[0].Recipients)
		assert.Contains(t, n.sent[0].Message, "org-a")
	})

	t.Run("ignores events without a summary", func(t *testing.T) {
		n := &memNotifier{}
		o := NewNotificationObserver(n, nil)

		require.NoError(t, o.Notify(ctx, Event{Type: models.ActionAccessGranted, Success: true}))
		assert.Empty(t, n.sent)
	})

	t.Run("swallows delivery failures", func(t *testing.T) {
		n := &memNotifier{err: errors.New("broker unavailable")}
		o := NewNotificationObserver(n, nil)

		err := o.Notify(ctx, Event{Type: models.ActionRelationshipRevoked, SourceOrg: "a", TargetOrg: "b", Success: true})
		assert.NoError(t, err)
	})
}

func TestMetricsObserver(t *testing.T) {
	metrics.ResetRegistry()
	m := metrics.NewTrustMetrics()
	o := NewMetricsObserver(m)

	require.NoError(t, o.Notify(context.Background(), Event{Type: models.ActionRelationshipActivated, Success: true}))
	require.NoError(t, o.Notify(context.Background(), Event{Type: models.ActionAccessDenied, Success: false}))
	require.NoError(t, o.Notify(context.Background(), Event{
		Type: models.ActionRelationshipUpdated, Success: true, Details: map[string]any{"reapproval_required": true},
	}))
	require.NoError(t, o.Notify(context.Background(), Event{
		Type: models.ActionRelationshipUpdated, Success: true, Details: map[string]any{"reapproval_required": false},
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelationshipsActivated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reapprovals))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("relationship_updated", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("access_denied", "failure")))
}

func TestAuditObserver(t *testing.T) {
	sink := &memSink{}
	o := NewAuditObserver(sink)

	err := o.Notify(context.Background(), Event{
		Type:           models.ActionRelationshipApproved,
		SourceOrg:      "org-a",
		TargetOrg:      "org-b",
		UserID:         "user-1",
		RelationshipID: "rel-1",
		Success:        true,
		Details:        map[string]any{"side": "source"},
	})
	require.NoError(t, err)

	require.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, models.ActionRelationshipApproved, entry.Action)
	assert.Equal(t, "rel-1", entry.TrustRelationshipID)
	assert.Equal(t, "source", entry.Details["side"])
	assert.True(t, entry.Success)
}

func TestSecurityObserver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	newObserver := func(n Notifier) *SecurityObserver {
		o := NewSecurityObserver(SecurityConfig{Window: time.Minute, Threshold: 3}, n, nil)
		o.now = func() time.Time { return now }
		return o
	}

	t.Run("alerts once when threshold is crossed", func(t *testing.T) {
		n := &memNotifier{}
		o := newObserver(n)
		denied := Event{Type: models.ActionAccessDenied, SourceOrg: "org-x"}

		for i := 0; i < 5; i++ {
			require.NoError(t, o.Notify(ctx, denied))
		}

		require.Len(t, n.sent, 1)
		assert.Equal(t, SeverityCritical, n.sent[0].Severity)
		assert.Equal(t, 5, o.RecentFailures("org-x"))
	})

	t.Run("ignores successful operations", func(t *testing.T) {
		o := newObserver(nil)
		require.NoError(t, o.Notify(ctx, Event{Type: models.ActionAccessGranted, SourceOrg: "org-y", Success: true}))
		assert.Equal(t, 0, o.RecentFailures("org-y"))
	})

	t.Run("failures age out of the window", func(t *testing.T) {
		o := newObserver(nil)
		require.NoError(t, o.Notify(ctx, Event{Type: models.ActionRelationshipApproved, SourceOrg: "org-z"}))
		assert.Equal(t, 1, o.RecentFailures("org-z"))

		o.now = func() time.Time { return now.Add(2 * time.Minute) }
		assert.Equal(t, 0, o.RecentFailures("org-z"))
	})
}
