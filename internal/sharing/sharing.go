// Package sharing is the intelligence-sharing surface: who an organization
// can share with, how an object is transformed for a recipient, and the
// publish and fetch paths over a TAXII transport.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/anonymization"
	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/internal/stix"
	"github.com/witlox/crisp/internal/trust"
	pkgerrors "github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/telemetry"
)

const (
	// RecipientProperty marks the organization a shared copy is addressed to.
	RecipientProperty = "x_crisp_recipient"
	// OwnerProperty names the owning organization of objects published
	// without a recipient.
	OwnerProperty = "x_crisp_owner"
)

// Channels through which a target is reachable.
const (
	ViaRelationship = "relationship"
	ViaGroup        = "group"
)

// TrustSource is the part of the trust service sharing reads from.
type TrustSource interface {
	GetAccessibleOrganizations(ctx context.Context, requesting string) []string
	GetEffectiveRelationship(ctx context.Context, org1, org2 string) (*models.TrustRelationship, bool)
	LoadDecisionData(ctx context.Context, requesting, target string) (*trust.DecisionData, error)
}

// AccessChecker decides individual access requests.
type AccessChecker interface {
	CheckAccess(ctx context.Context, req access.Request) (access.Decision, error)
	HasCapability(role models.Role, capability access.Capability) bool
	GetAccessibleOrganizations(ctx context.Context, org string) []string
}

// Config configures the sharing service.
type Config struct {
	// CollectionID prefixes the per-recipient TAXII collections.
	CollectionID string `mapstructure:"collection_id"`
	// StrictValidation rejects invalid objects instead of annotating them.
	StrictValidation bool `mapstructure:"strict_validation"`
	// Rules configures the custom anonymization level.
	Rules anonymization.CustomRules `mapstructure:"custom_rules"`
	// Concurrency bounds parallel trust lookups when listing targets.
	Concurrency int `mapstructure:"concurrency"`
}

// SharingTarget is an organization the source may share with.
type SharingTarget struct {
	Organization       string                    `json:"organization"`
	Via                string                    `json:"via"`
	Relationship       *models.TrustRelationship `json:"relationship,omitempty"`
	Group              *models.TrustGroup        `json:"group,omitempty"`
	AnonymizationLevel models.AnonymizationLevel `json:"anonymization_level"`
	AccessLevel        models.AccessLevel        `json:"access_level"`
}

// AnonymizationResult is an object transformed for one recipient.
type AnonymizationResult struct {
	Object       map[string]any            `json:"object"`
	Level        models.AnonymizationLevel `json:"anonymization_level"`
	TLP          stix.TLP                  `json:"tlp"`
	Relationship *models.TrustRelationship `json:"relationship,omitempty"`
}

// AccessResult is the outcome of an intelligence access check.
type AccessResult struct {
	Allowed      bool                      `json:"allowed"`
	Reason       string                    `json:"reason"`
	AccessLevel  models.AccessLevel        `json:"access_level,omitempty"`
	Relationship *models.TrustRelationship `json:"relationship,omitempty"`
}

// ShareRequest shares one STIX object.
type ShareRequest struct {
	Actor  models.Actor   `json:"actor"`
	Object map[string]any `json:"object"`
	// Targets limits the recipients. Empty shares with every reachable organization.
	Targets       []string                  `json:"targets,omitempty"`
	CollectionID  string                    `json:"collection_id,omitempty"`
	Anonymization models.AnonymizationLevel `json:"anonymization_level,omitempty"`
	IPAddress     string                    `json:"-"`
}

// ShareResult is the outcome for one recipient.
type ShareResult struct {
	Organization       string                    `json:"organization"`
	Shared             bool                      `json:"shared"`
	Reason             string                    `json:"reason,omitempty"`
	AnonymizationLevel models.AnonymizationLevel `json:"anonymization_level,omitempty"`
	TLP                stix.TLP                  `json:"tlp,omitempty"`
	ObjectID           string                    `json:"object_id,omitempty"`
	Collection         string                    `json:"collection,omitempty"`
}

// InboxCollection is the collection holding copies shared with org.
func InboxCollection(base, org string) string {
	return base + "." + org
}

// FetchRequest reads a collection on behalf of an actor.
type FetchRequest struct {
	Actor        models.Actor `json:"actor"`
	CollectionID string       `json:"collection_id,omitempty"`
	AddedAfter   time.Time    `json:"added_after,omitempty"`
	IPAddress    string       `json:"-"`
}

// Service implements intelligence sharing.
type Service struct {
	trust     TrustSource
	access    AccessChecker
	transport Transport
	factory   *stix.Factory
	salt      anonymization.SaltProvider
	publisher events.Publisher
	metrics   *metrics.SharingMetrics
	tracer    trace.Tracer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSaltProvider enables organization pseudonyms in shared objects.
func WithSaltProvider(p anonymization.SaltProvider) Option { return func(s *Service) { s.salt = p } }

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithMetrics sets the sharing metrics.
func WithMetrics(m *metrics.SharingMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithTracer sets the tracer for share spans.
func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates the sharing service.
func NewService(ts TrustSource, ac AccessChecker, transport Transport, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	if cfg.CollectionID == "" {
		cfg.CollectionID = "crisp-shared"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	s := &Service{
		trust:     ts,
		access:    ac,
		transport: transport,
		publisher: events.Nop{},
		tracer:    otel.Tracer("crisp/sharing"),
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.factory = stix.NewFactory(stix.WithFactoryClock(s.now))
	return s, nil
}

// GetSharingOrganizationsForIntelligence lists the organizations sourceOrg
// can share with, and the anonymization each would receive.
func (s *Service) GetSharingOrganizationsForIntelligence(ctx context.Context, sourceOrg string) ([]SharingTarget, error) {
	if sourceOrg == "" {
		return nil, pkgerrors.NewValidationError("source_organization", "is required")
	}
	var candidates []string
	for _, org := range s.trust.GetAccessibleOrganizations(ctx, sourceOrg) {
		if org != sourceOrg {
			candidates = append(candidates, org)
		}
	}

	found := make([]*SharingTarget, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, org := range candidates {
		g.Go(func() error {
			target, err := s.resolveTarget(gctx, sourceOrg, org)
			if err != nil {
				return err
			}
			found[i] = target
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to resolve sharing targets: %w", err)
	}

	out := make([]SharingTarget, 0, len(found))
	for _, t := range found {
		if t != nil {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Organization < out[j].Organization })
	return out, nil
}

// resolveTarget returns nil when org is no longer reachable.
func (s *Service) resolveTarget(ctx context.Context, sourceOrg, org string) (*SharingTarget, error) {
	data, err := s.trust.LoadDecisionData(ctx, sourceOrg, org)
	if err != nil {
		return nil, err
	}
	level, rel, group := s.trustContext(data)
	switch {
	case rel != nil:
		return &SharingTarget{
			Organization:       org,
			Via:                ViaRelationship,
			Relationship:       rel,
			AnonymizationLevel: level,
			AccessLevel:        relationshipAccess(rel),
		}, nil
	case group != nil:
		t := &SharingTarget{
			Organization:       org,
			Via:                ViaGroup,
			Group:              group,
			AnonymizationLevel: level,
			AccessLevel:        models.AccessRead,
		}
		if group.DefaultTrustLevel != nil && group.DefaultTrustLevel.DefaultAccessLevel.Valid() {
			t.AccessLevel = group.DefaultTrustLevel.DefaultAccessLevel
		}
		return t, nil
	}
	return nil, nil
}

// trustContext picks the anonymization level the pair's trust implies: the
// effective relationship's, else the first shared group's default, else full.
func (s *Service) trustContext(data *trust.DecisionData) (models.AnonymizationLevel, *models.TrustRelationship, *models.TrustGroup) {
	if rel := data.Relationship; rel != nil {
		level := rel.AnonymizationLevel
		if level == "" && rel.TrustLevel != nil {
			level = rel.TrustLevel.DefaultAnonymizationLevel
		}
		return anonymization.EffectiveLevel("", level, s.cfg.Rules), rel, nil
	}
	for _, g := range data.SharedGroups {
		var level models.AnonymizationLevel
		if g.DefaultTrustLevel != nil {
			level = g.DefaultTrustLevel.DefaultAnonymizationLevel
		}
		return anonymization.EffectiveLevel("", level, s.cfg.Rules), nil, g
	}
	return models.AnonymizationFull, nil, nil
}

func relationshipAccess(rel *models.TrustRelationship) models.AccessLevel {
	if rel.AccessLevel.Valid() && rel.AccessLevel != models.AccessNone {
		return rel.AccessLevel
	}
	if rel.TrustLevel != nil && rel.TrustLevel.DefaultAccessLevel.Valid() {
		return rel.TrustLevel.DefaultAccessLevel
	}
	return models.AccessRead
}

// ApplyTrustBasedAnonymization transforms obj for targetOrg. The level is
// the stricter of requested and what the pair's trust implies; with no trust
// path at all the object is fully anonymized. The object passes through
// validation, anonymization, enrichment and TAXII preparation.
func (s *Service) ApplyTrustBasedAnonymization(ctx context.Context, obj map[string]any, sourceOrg, targetOrg string, requested models.AnonymizationLevel) (*AnonymizationResult, error) {
	if sourceOrg == "" || targetOrg == "" {
		return nil, pkgerrors.NewValidationError("organization", "source and target are required")
	}
	if requested != "" && !requested.Valid() {
		return nil, pkgerrors.NewValidationError("anonymization_level", fmt.Sprintf("unknown level %q", requested))
	}

	var (
		level models.AnonymizationLevel
		rel   *models.TrustRelationship
		group *models.TrustGroup
	)
	if sourceOrg == targetOrg {
		level = anonymization.EffectiveLevel(requested, models.AnonymizationNone, s.cfg.Rules)
	} else {
		data, err := s.trust.LoadDecisionData(ctx, sourceOrg, targetOrg)
		if err != nil {
			s.logger.Error("failed to load trust data for anonymization",
				zap.String("source_org", sourceOrg),
				zap.String("target_org", targetOrg),
				zap.Error(err),
			)
			return nil, pkgerrors.ErrInternalError
		}
		var implied models.AnonymizationLevel
		implied, rel, group = s.trustContext(data)
		level = anonymization.EffectiveLevel(requested, implied, s.cfg.Rules)
	}

	strategy, err := anonymization.ForLevel(level, s.cfg.Rules)
	if err != nil {
		return nil, err
	}
	base, err := s.factory.FromSTIX(obj, rel)
	if err != nil {
		return nil, err
	}
	if base.Level == nil && group != nil {
		base.Level = group.DefaultTrustLevel
	}

	opts := []stix.BuilderOption{stix.WithLogger(s.logger), stix.WithClock(s.now)}
	if s.salt != nil && sourceOrg != targetOrg {
		salt, err := s.salt.Salt(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load anonymization salt: %w", err)
		}
		opts = append(opts, stix.WithOrganizationSalt(salt))
	}
	out, err := stix.NewObjectBuilder(base, opts...).
		Validate(s.cfg.StrictValidation).
		Anonymize(strategy).
		Enrich().
		PrepareForTAXII().
		Build(ctx)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.AnonymizationsTotal.WithLabelValues(string(level)).Inc()
	}
	return &AnonymizationResult{
		Object:       out.ToMap(),
		Level:        level,
		TLP:          stix.TLPForTrustValue(out.TrustValue()),
		Relationship: rel,
	}, nil
}

// ValidateIntelligenceAccess decides whether requestingOrg may perform
// action on intelligence owned by ownerOrg. Denials are results; only a
// failure to decide is an error.
func (s *Service) ValidateIntelligenceAccess(ctx context.Context, requestingOrg, ownerOrg, action string) (AccessResult, error) {
	if action == "" {
		action = access.ActionRead
	}
	d, err := s.access.CheckAccess(ctx, access.Request{
		RequestingOrg: requestingOrg,
		TargetOrg:     ownerOrg,
		Action:        action,
		ResourceType:  "intelligence",
	})
	if err != nil {
		return AccessResult{}, err
	}
	res := AccessResult{Allowed: d.Allowed, Reason: d.Reason, AccessLevel: d.AccessLevel}
	if requestingOrg != ownerOrg {
		if rel, ok := s.trust.GetEffectiveRelationship(ctx, requestingOrg, ownerOrg); ok {
			res.Relationship = rel
		}
	}
	return res, nil
}

// ShareIntelligence shares an object owned by the actor's organization with
// each target: access check, per-target anonymization, then publish. A
// per-target failure is reported in its result and does not stop the rest.
func (s *Service) ShareIntelligence(ctx context.Context, req ShareRequest) ([]ShareResult, error) {
	source := req.Actor.OrganizationID
	if source == "" {
		return nil, pkgerrors.NewValidationError("actor.organization_id", "is required")
	}
	if req.Object == nil {
		return nil, pkgerrors.NewValidationError("object", "is required")
	}
	objectID, _ := req.Object["id"].(string)
	objectType, _ := req.Object["type"].(string)
	if objectID == "" || objectType == "" {
		return nil, pkgerrors.NewValidationError("object", "requires type and id")
	}
	if !s.access.HasCapability(req.Actor.Role, access.CapShareIntelligence) {
		return nil, fmt.Errorf("%w: role %q cannot share intelligence", pkgerrors.ErrForbidden, req.Actor.Role)
	}
	collection := req.CollectionID
	if collection == "" {
		collection = s.cfg.CollectionID
	}

	targets := dedupe(req.Targets, source)
	if len(req.Targets) == 0 {
		reachable, err := s.GetSharingOrganizationsForIntelligence(ctx, source)
		if err != nil {
			return nil, err
		}
		for _, t := range reachable {
			targets = append(targets, t.Organization)
		}
	}

	ctx, span := s.tracer.Start(ctx, "sharing.share")
	defer span.End()
	span.SetAttributes(telemetry.NewSafeAttributes().
		Operation("share_intelligence").
		Organization(source).
		Sharing(string(req.Anonymization), "", len(targets)).
		Build()...)

	results := make([]ShareResult, 0, len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := s.shareWith(ctx, req, source, target, InboxCollection(collection, target))
		results = append(results, res)
		s.recordShare(ctx, req, target, objectID, objectType, res)
	}
	return results, nil
}

func (s *Service) shareWith(ctx context.Context, req ShareRequest, source, target, collection string) ShareResult {
	res := ShareResult{Organization: target, Collection: collection}

	ctx, span := s.tracer.Start(ctx, "sharing.share_with")
	defer span.End()
	attrs := telemetry.NewSafeAttributes().Organizations(source, target)
	defer func() {
		span.SetAttributes(attrs.Build()...)
		span.SetAttributes(attribute.Bool("crisp.sharing.shared", res.Shared))
	}()

	d, err := s.access.CheckAccess(ctx, access.Request{
		RequestingOrg: source,
		TargetOrg:     target,
		Actor:         req.Actor,
		Action:        access.ActionShare,
		ResourceType:  "intelligence",
		IPAddress:     req.IPAddress,
	})
	if err != nil {
		res.Reason = "access check failed"
		return res
	}
	if !d.Allowed {
		res.Reason = d.Reason
		return res
	}

	anon, err := s.ApplyTrustBasedAnonymization(ctx, req.Object, source, target, req.Anonymization)
	if err != nil {
		s.logger.Warn("failed to prepare object for sharing",
			zap.String("target_org", target),
			zap.Error(err),
		)
		res.Reason = "object preparation failed: " + reasonFor(err)
		return res
	}
	res.AnonymizationLevel = anon.Level
	res.TLP = anon.TLP
	attrs.Sharing(string(anon.Level), string(anon.TLP), 1)
	anon.Object[RecipientProperty] = target
	res.ObjectID, _ = anon.Object["id"].(string)

	ok, err := s.transport.Publish(ctx, anon.Object, collection)
	switch {
	case err != nil:
		s.logger.Warn("failed to publish shared object",
			zap.String("target_org", target),
			zap.String("collection", collection),
			zap.Error(err),
		)
		res.Reason = "transport unavailable"
	case !ok:
		res.Reason = "rejected by transport"
	default:
		res.Shared = true
		res.Reason = d.Reason
	}
	return res
}

func (s *Service) recordShare(ctx context.Context, req ShareRequest, target, objectID, objectType string, res ShareResult) {
	result := "shared"
	if !res.Shared {
		result = "failed"
	}
	if s.metrics != nil {
		anon, tlp := string(res.AnonymizationLevel), string(res.TLP)
		if anon == "" {
			anon = "unset"
		}
		if tlp == "" {
			tlp = "unset"
		}
		s.metrics.ShareDecisions.WithLabelValues(result, anon, tlp).Inc()
	}
	e := events.Event{
		Type:      models.ActionIntelligenceShared,
		SourceOrg: req.Actor.OrganizationID,
		TargetOrg: target,
		UserID:    req.Actor.UserID,
		IPAddress: req.IPAddress,
		Success:   res.Shared,
		Details: map[string]any{
			"object_id":           objectID,
			"object_type":         objectType,
			"collection":          res.Collection,
			"anonymization_level": string(res.AnonymizationLevel),
		},
		Timestamp: s.now().UTC(),
	}
	if !res.Shared {
		e.FailureReason = res.Reason
	}
	s.publisher.Publish(ctx, e)
}

// FetchIntelligence reads the actor organization's inbox. Shared copies are
// returned only to their recipient; objects carrying an owner instead are
// returned only while the owner is still accessible to the actor.
func (s *Service) FetchIntelligence(ctx context.Context, req FetchRequest) ([]map[string]any, error) {
	org := req.Actor.OrganizationID
	if org == "" {
		return nil, pkgerrors.NewValidationError("actor.organization_id", "is required")
	}
	if !s.access.HasCapability(req.Actor.Role, access.CapViewIntelligence) {
		return nil, fmt.Errorf("%w: role %q cannot view intelligence", pkgerrors.ErrForbidden, req.Actor.Role)
	}
	base := req.CollectionID
	if base == "" {
		base = s.cfg.CollectionID
	}
	collection := InboxCollection(base, org)

	objs, err := s.transport.Fetch(ctx, collection, req.AddedAfter)
	if err != nil {
		return nil, err
	}

	accessible := make(map[string]bool)
	for _, o := range s.access.GetAccessibleOrganizations(ctx, org) {
		accessible[o] = true
	}
	out := make([]map[string]any, 0, len(objs))
	for _, obj := range objs {
		if recipient, ok := obj[RecipientProperty].(string); ok {
			if recipient == org {
				out = append(out, obj)
			}
			continue
		}
		if owner, ok := obj[OwnerProperty].(string); ok && accessible[owner] {
			out = append(out, obj)
		}
	}

	s.publisher.Publish(ctx, events.Event{
		Type:      models.ActionIntelligenceAccessed,
		SourceOrg: org,
		UserID:    req.Actor.UserID,
		IPAddress: req.IPAddress,
		Success:   true,
		Details: map[string]any{
			"collection": collection,
			"fetched":    len(objs),
			"returned":   len(out),
		},
		Timestamp: s.now().UTC(),
	})
	return out, nil
}

func dedupe(orgs []string, source string) []string {
	seen := map[string]bool{source: true}
	var out []string
	for _, o := range orgs {
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}

// reasonFor turns an error into a reason fit for audit display.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, pkgerrors.ErrValidationFailed):
		return "stix validation failed"
	case errors.Is(err, pkgerrors.ErrTAXIICompliance):
		return "object is not taxii compliant"
	case errors.Is(err, pkgerrors.ErrInvalidInput):
		return "invalid object"
	default:
		return "internal error"
	}
}
