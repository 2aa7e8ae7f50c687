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

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is a human-readable summary of an event.
type Notification struct {
	Subject    string    `json:"subject"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	Recipients []string  `json:"recipients"`
	Event      Event     `json:"event"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notifier delivers notifications to organizations.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// ============================================================================
// Notification observer
// ============================================================================

// NotificationObserver turns lifecycle events into notifications for the
// affected organizations. Delivery failures are logged and dropped.
type NotificationObserver struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewNotificationObserver creates a notification observer.
func NewNotificationObserver(notifier Notifier, logger *zap.Logger) *NotificationObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationObserver{notifier: notifier, logger: logger}
}

// Name implements Observer.
func (o *NotificationObserver) Name() string { return "notification" }

// Notify implements Observer.
func (o *NotificationObserver) Notify(ctx context.Context, event Event) error {
	n, ok := summarize(event)
	if !ok {
		return nil
	}
	if err := o.notifier.Send(ctx, n); err != nil {
		o.logger.Warn("notification delivery failed",
			zap.String("event", string(event.Type)),
			zap.Error(err),
		)
	}
	return nil
}

func summarize(e Event) (Notification, bool) {
	n := Notification{Severity: SeverityInfo, Event: e, CreatedAt: time.Now().UTC()}
	switch e.Type {
	case models.ActionRelationshipCreated:
		n.Subject = "Trust relationship requested"
		n.Message = fmt.Sprintf("Organization %s requested a trust relationship with %s.", e.SourceOrg, e.TargetOrg)
		n.Recipients = []string{e.TargetOrg}
	case models.ActionRelationshipActivated:
		n.Subject = "Trust relationship active"
		n.Message = fmt.Sprintf("The trust relationship between %s and %s is now active.", e.SourceOrg, e.TargetOrg)
		n.Recipients = []string{e.SourceOrg, e.TargetOrg}
	case models.ActionRelationshipRejected:
		n.Subject = "Trust relationship rejected"
		n.Message = fmt.Sprintf("Organization %s rejected the trust relationship request.", e.TargetOrg)
		n.Recipients = []string{e.SourceOrg}
	case models.ActionRelationshipRevoked:
		n.Subject = "Trust relationship revoked"
		n.Message = fmt.Sprintf("The trust relationship between %s and %s was revoked.", e.SourceOrg, e.TargetOrg)
		n.Severity = SeverityWarning
		n.Recipients = []string{e.SourceOrg, e.TargetOrg}
	case models.ActionRelationshipSuspended:
		n.Subject = "Trust relationship suspended"
		n.Message = fmt.Sprintf("The trust relationship between %s and %s was suspended.", e.SourceOrg, e.TargetOrg)
		n.Severity = SeverityWarning
		n.Recipients = []string{e.SourceOrg, e.TargetOrg}
	case models.ActionGroupJoined:
		n.Subject = "Trust group membership"
		n.Message = fmt.Sprintf("Organization %s joined trust group %s.", e.SourceOrg, e.GroupID)
		n.Recipients = []string{e.SourceOrg}
	case models.ActionSecurityAlert:
		n.Subject = "Security alert"
		n.Message = fmt.Sprintf("Suspicious access activity from organization %s: %s", e.SourceOrg, e.FailureReason)
		n.Severity = SeverityCritical
		n.Recipients = []string{e.SourceOrg}
	default:
		return Notification{}, false
	}
	if !e.Success && e.Type != models.ActionSecurityAlert {
		return Notification{}, false
	}
	return n, true
}

// ============================================================================
// Metrics observer
// ============================================================================

// MetricsObserver counts events by action and result, activations, and
// updates that sent a relationship back for partner approval.
type MetricsObserver struct {
	metrics *metrics.TrustMetrics
}

// NewMetricsObserver creates a metrics observer.
func NewMetricsObserver(m *metrics.TrustMetrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// Name implements Observer.
func (o *MetricsObserver) Name() string { return "metrics" }

// Notify implements Observer.
func (o *MetricsObserver) Notify(_ context.Context, event Event) error {
	result := "success"
	if !event.Success {
		result = "failure"
	}
	o.metrics.EventsTotal.WithLabelValues(string(event.Type), result).Inc()
	if !event.Success {
		return nil
	}
	switch event.Type {
	case models.ActionRelationshipActivated:
		o.metrics.RelationshipsActivated.Inc()
	case models.ActionRelationshipUpdated:
		if reapproval, _ := event.Details["reapproval_required"].(bool); reapproval {
			o.metrics.Reapprovals.Inc()
		}
	}
	return nil
}

// ============================================================================
// Audit observer
// ============================================================================

// AuditSink persists trust log entries.
type AuditSink interface {
	LogTrustEvent(ctx context.Context, entry *models.TrustLog) error
}

// AuditObserver writes every event to the trust log. It is the only writer
// of trust log entries.
type AuditObserver struct {
	sink AuditSink
}

// NewAuditObserver creates an audit observer.
func NewAuditObserver(sink AuditSink) *AuditObserver {
	return &AuditObserver{sink: sink}
}

// Name implements Observer.
func (o *AuditObserver) Name() string { return "audit" }

// Notify implements Observer.
func (o *AuditObserver) Notify(ctx context.Context, event Event) error {
	entry := &models.TrustLog{
		Action:              event.Type,
		SourceOrganization:  event.SourceOrg,
		TargetOrganization:  event.TargetOrg,
		User:                event.UserID,
		TrustRelationshipID: event.RelationshipID,
		TrustGroupID:        event.GroupID,
		IPAddress:           event.IPAddress,
		UserAgent:           event.UserAgent,
		Success:             event.Success,
		FailureReason:       event.FailureReason,
		Details:             event.Details,
		Timestamp:           event.Timestamp,
	}
	if err := o.sink.LogTrustEvent(ctx, entry); err != nil {
		return fmt.Errorf("write trust log: %w", err)
	}
	return nil
}

// ============================================================================
// Security observer
// ============================================================================

// SecurityConfig tunes denial burst detection.
type SecurityConfig struct {
	// Window is the sliding window failures are counted in.
	Window time.Duration
	// Threshold is the failure count that raises an alert.
	Threshold int
}

// SecurityObserver tracks failed and denied operations per organization and
// raises an alert when an organization crosses the threshold inside the window.
type SecurityObserver struct {
	cfg      SecurityConfig
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
	alerted  map[string]time.Time
}

// NewSecurityObserver creates a security observer. notifier may be nil.
func NewSecurityObserver(cfg SecurityConfig, notifier Notifier, logger *zap.Logger) *SecurityObserver {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityObserver{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		failures: make(map[string][]time.Time),
		alerted:  make(map[string]time.Time),
	}
}

// Name implements Observer.
func (o *SecurityObserver) Name() string { return "security" }

// Notify implements Observer.
func (o *SecurityObserver) Notify(ctx context.Context, event Event) error {
	if event.Success && event.Type != models.ActionAccessDenied {
		return nil
	}
	if event.Type == models.ActionSecurityAlert || event.SourceOrg == "" {
		return nil
	}

	now := o.now()
	o.mu.Lock()
	recent := o.prune(event.SourceOrg, now)
	recent = append(recent, now)
	o.failures[event.SourceOrg] = recent
	count := len(recent)
	last, alertedBefore := o.alerted[event.SourceOrg]
	shouldAlert := count >= o.cfg.Threshold && (!alertedBefore || now.Sub(last) >= o.cfg.Window)
	if shouldAlert {
		o.alerted[event.SourceOrg] = now
	}
	o.mu.Unlock()

	if !shouldAlert {
		return nil
	}

	reason := fmt.Sprintf("%d failed or denied operations within %s", count, o.cfg.Window)
	o.logger.Warn("security threshold exceeded",
		zap.String("organization", event.SourceOrg),
		zap.Int("failures", count),
	)
	if o.notifier == nil {
		return nil
	}
	alert := Event{
		Type:          models.ActionSecurityAlert,
		SourceOrg:     event.SourceOrg,
		Success:       false,
		FailureReason: reason,
		Timestamp:     now.UTC(),
	}
	n, _ := summarize(alert)
	return o.notifier.Send(ctx, n)
}

// RecentFailures returns the failure count for org inside the window.
func (o *SecurityObserver) RecentFailures(org string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	recent := o.prune(org, o.now())
	if len(recent) == 0 {
		delete(o.failures, org)
	} else {
		o.failures[org] = recent
	}
	return len(recent)
}

// prune drops failures older than the window. Caller holds mu.
func (o *SecurityObserver) prune(org string, now time.Time) []time.Time {
	cutoff := now.Add(-o.cfg.Window)
	times := o.failures[org]
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

var (
	_ Observer = (*NotificationObserver)(nil)
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*AuditObserver)(nil)
	_ Observer = (*SecurityObserver)(nil)
)
