package access

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/telemetry"
)

// TrustReader is the part of the trust service access decisions read from.
type TrustReader interface {
	LoadDecisionData(ctx context.Context, requesting, target string) (*trust.DecisionData, error)
	CanAccessOrganizationData(ctx context.Context, requesting, target string) bool
	GetAccessibleOrganizations(ctx context.Context, requesting string) []string
}

// Request asks whether an actor's organization may act on a target
// organization's data.
type Request struct {
	RequestingOrg string         `json:"requesting_org"`
	TargetOrg     string         `json:"target_org"`
	Actor         models.Actor   `json:"actor"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	// Strategies overrides the manager's default chain.
	Strategies []string `json:"strategies,omitempty"`
}

// Service is the access-control facade used by the API and sharing layers.
type Service struct {
	trust     TrustReader
	manager   *Manager
	roles     *RoleTable
	publisher events.Publisher
	metrics   *metrics.AccessMetrics
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRoles sets the role table.
func WithRoles(t *RoleTable) Option { return func(s *Service) { s.roles = t } }

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithMetrics sets the decision metrics.
func WithMetrics(m *metrics.AccessMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithTracer sets the tracer for decision spans.
func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the decision clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates the facade.
func NewService(tr TrustReader, manager *Manager, opts ...Option) *Service {
	s := &Service{
		trust:     tr,
		manager:   manager,
		roles:     DefaultRoleTable(),
		publisher: events.Nop{},
		tracer:    otel.Tracer("crisp/access"),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAccess loads the trust data for the pair once, runs the strategy
// chain and publishes the outcome. Denials are decisions, not errors.
func (s *Service) CheckAccess(ctx context.Context, req Request) (Decision, error) {
	if req.RequestingOrg == "" {
		return Decision{}, errors.NewValidationError("requesting_org", "is required")
	}
	if req.TargetOrg == "" {
		return Decision{}, errors.NewValidationError("target_org", "is required")
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "access.check")
	defer span.End()

	attrs := telemetry.NewSafeAttributes().
		Operation("check_access").
		Organizations(req.RequestingOrg, req.TargetOrg)

	var d Decision
	trustLevel := "self"
	if req.RequestingOrg == req.TargetOrg {
		d = Decision{Allowed: true, Reason: "same organization", AccessLevel: models.AccessFull, Strategy: "self"}
	} else {
		data, err := s.trust.LoadDecisionData(ctx, req.RequestingOrg, req.TargetOrg)
		if err != nil {
			s.logger.Error("failed to load trust data for access decision",
				zap.String("requesting_org", req.RequestingOrg),
				zap.String("target_org", req.TargetOrg),
				zap.Error(err),
			)
			span.RecordError(err)
			return Decision{}, errors.ErrInternalError
		}
		ac := &Context{
			RequestingOrg: req.RequestingOrg,
			TargetOrg:     req.TargetOrg,
			Relationship:  data.Relationship,
			Inactive:      data.Inactive,
			Memberships:   data.RequesterMemberships,
			SharedGroups:  data.SharedGroups,
			ResourceType:  req.ResourceType,
			Action:        req.Action,
			Actor:         req.Actor,
			IPAddress:     req.IPAddress,
			Time:          s.now(),
			Attributes:    req.Attributes,
		}
		d = s.manager.EvaluateChain(ctx, ac, req.Strategies...)
		trustLevel = traceRelationship(attrs, ac)
	}

	elapsed := time.Since(start)
	span.SetAttributes(attrs.
		Decision(d.Allowed, d.Strategy, string(d.AccessLevel)).
		Duration(elapsed).
		Build()...)
	if s.metrics != nil {
		result := "denied"
		if d.Allowed {
			result = "allowed"
		}
		s.metrics.DecisionLatency.WithLabelValues(result).Observe(elapsed.Seconds())
		s.metrics.TrustLevelDecisions.WithLabelValues(trustLevel, result).Inc()
	}
	s.publishDecision(ctx, req, d)
	return d, nil
}

// traceRelationship records the relationship in force, if any, and returns
// its trust level name, "none" without one.
func traceRelationship(attrs *telemetry.SafeAttributes, ac *Context) string {
	rel := ac.effectiveRelationship()
	if rel == nil {
		attrs.Relationship("", "", "", 0)
		return "none"
	}
	level := "none"
	if rel.TrustLevel != nil {
		level = rel.TrustLevel.Name
	}
	value, _ := ac.trustValue()
	attrs.Relationship(rel.ID, string(rel.Status), level, value)
	return level
}

func (s *Service) publishDecision(ctx context.Context, req Request, d Decision) {
	action := models.ActionAccessGranted
	reason := ""
	if !d.Allowed {
		action = models.ActionAccessDenied
		reason = d.Reason
	}
	s.publisher.Publish(ctx, events.Event{
		Type:          action,
		SourceOrg:     req.RequestingOrg,
		TargetOrg:     req.TargetOrg,
		UserID:        req.Actor.UserID,
		IPAddress:     req.IPAddress,
		Success:       d.Allowed,
		FailureReason: reason,
		Details: map[string]any{
			"action":        req.Action,
			"resource_type": req.ResourceType,
			"strategy":      d.Strategy,
			"reason":        d.Reason,
			"access_level":  string(d.AccessLevel),
		},
		Timestamp: s.now().UTC(),
	})
}

// CanAccessOrganization reports whether actor's organization may read
// target's data through self, bilateral or community trust.
func (s *Service) CanAccessOrganization(ctx context.Context, actor models.Actor, target string) bool {
	if actor.OrganizationID == "" || target == "" {
		return false
	}
	if !s.roles.Has(actor.Role, CapViewIntelligence) {
		return false
	}
	return s.trust.CanAccessOrganizationData(ctx, actor.OrganizationID, target)
}

// CanShareIndicator reports whether actor may share an indicator owned by
// owner with target.
func (s *Service) CanShareIndicator(ctx context.Context, actor models.Actor, owner, target string) bool {
	if !s.roles.Has(actor.Role, CapShareIntelligence) {
		return false
	}
	if actor.OrganizationID == "" || actor.OrganizationID != owner {
		return false
	}
	if owner == target {
		return true
	}
	return s.trust.CanAccessOrganizationData(ctx, owner, target)
}

// GetAccessibleOrganizations returns the organizations org can read from.
func (s *Service) GetAccessibleOrganizations(ctx context.Context, org string) []string {
	return s.trust.GetAccessibleOrganizations(ctx, org)
}

// HasCapability reports whether role holds capability.
func (s *Service) HasCapability(role models.Role, capability Capability) bool {
	return s.roles.Has(role, capability)
}

// Roles returns the role table.
func (s *Service) Roles() *RoleTable { return s.roles }

// FilterByAccess keeps the items whose owning organization is accessible to
// actor. The accessible set is computed once.
func FilterByAccess[T any](ctx context.Context, s *Service, actor models.Actor, items []T, ownerOf func(T) string) []T {
	if actor.OrganizationID == "" || !s.roles.Has(actor.Role, CapViewIntelligence) {
		return nil
	}
	accessible := make(map[string]struct{})
	for _, org := range s.GetAccessibleOrganizations(ctx, actor.OrganizationID) {
		accessible[org] = struct{}{}
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, ok := accessible[ownerOf(item)]; ok {
			out = append(out, item)
		}
	}
	return out
}
