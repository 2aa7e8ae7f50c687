package trust

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/witlox/crisp/internal/events"
	pkgerrors "github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

// TrustLevelNone is reported when two organizations have no effective relationship.
const TrustLevelNone = "none"

// Service implements trust relationship and trust group management.
type Service struct {
	repo     Repository
	events   events.Publisher
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new trust service. publisher and logger may be nil.
func NewService(repo Repository, publisher events.Publisher, logger *zap.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:     repo,
		events:   publisher,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Relationships
// ============================================================================

// CreateTrustRelationship creates a pending relationship from source to target.
// Only the exact (source, target) pair is checked for duplicates.
func (s *Service) CreateTrustRelationship(ctx context.Context, req CreateRelationshipRequest) (*models.TrustRelationship, error) {
	if req.SourceOrganization != "" && req.SourceOrganization == req.TargetOrganization {
		return nil, pkgerrors.NewValidationError("target_organization", "an organization cannot create a trust relationship with itself")
	}
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}

	level, err := s.repo.GetTrustLevelByName(ctx, req.TrustLevelName)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, pkgerrors.NewNotFoundError("trust level", req.TrustLevelName)
		}
		return nil, fmt.Errorf("failed to load trust level: %w", err)
	}
	if !level.IsActive {
		return nil, pkgerrors.NewValidationError("trust_level", "trust level is not active")
	}

	if _, err := s.repo.GetRelationshipByPair(ctx, req.SourceOrganization, req.TargetOrganization); err == nil {
		return nil, pkgerrors.ErrDuplicateRelationship
	} else if !errors.Is(err, pkgerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing relationship: %w", err)
	}

	now := s.now().UTC()
	rel := &models.TrustRelationship{
		ID:                   uuid.New().String(),
		SourceOrganization:   req.SourceOrganization,
		TargetOrganization:   req.TargetOrganization,
		RelationshipType:     req.RelationshipType,
		TrustLevelID:         level.ID,
		TrustLevel:           level,
		Status:               models.RelationshipStatusPending,
		IsBilateral:          req.IsBilateral,
		IsActive:             true,
		ValidFrom:            now,
		ValidUntil:           req.ValidUntil,
		SharingPreferences:   req.SharingPreferences,
		AnonymizationLevel:   req.AnonymizationLevel,
		AccessLevel:          req.AccessLevel,
		SourceApprovalStatus: models.ApprovalStatusPending,
		TargetApprovalStatus: models.ApprovalStatusPending,
		Notes:                req.Notes,
		CreatedBy:            req.CreatedBy,
		LastModifiedBy:       req.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if rel.RelationshipType == "" {
		rel.RelationshipType = models.RelationshipTypeBilateral
	}
	if rel.RelationshipType == models.RelationshipTypeBilateral {
		rel.IsBilateral = true
	}
	if req.ValidFrom != nil {
		rel.ValidFrom = req.ValidFrom.UTC()
	}
	if rel.AnonymizationLevel == "" {
		rel.AnonymizationLevel = level.DefaultAnonymizationLevel
	}
	if rel.AccessLevel == "" {
		rel.AccessLevel = level.DefaultAccessLevel
	}
	if err := rel.Validate(); err != nil {
		return nil, pkgerrors.NewValidationError("relationship", err.Error())
	}

	if err := s.repo.CreateRelationship(ctx, rel); err != nil {
		if errors.Is(err, pkgerrors.ErrConflict) {
			return nil, pkgerrors.ErrDuplicateRelationship
		}
		return nil, fmt.Errorf("failed to create relationship: %w", err)
	}

	s.publish(ctx, events.Event{
		Type:           models.ActionRelationshipCreated,
		SourceOrg:      rel.SourceOrganization,
		TargetOrg:      rel.TargetOrganization,
		UserID:         req.CreatedBy,
		RelationshipID: rel.ID,
		Success:        true,
		Details: map[string]any{
			"trust_level":       level.Name,
			"relationship_type": string(rel.RelationshipType),
		},
	})
	return rel, nil
}

// GetRelationship returns a relationship by ID.
func (s *Service) GetRelationship(ctx context.Context, id string) (*models.TrustRelationship, error) {
	rel, err := s.repo.GetRelationship(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return rel, nil
}

// ListRelationships returns the relationships org participates in.
func (s *Service) ListRelationships(ctx context.Context, org string) ([]*models.TrustRelationship, error) {
	rels, err := s.repo.ListRelationshipsForOrg(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	return rels, nil
}

// ApproveTrustRelationship records approvingOrg's approval. The relationship
// activates when both sides have approved; exactly one caller sees Activated.
func (s *Service) ApproveTrustRelationship(ctx context.Context, relationshipID, approvingOrg, approvingUser string) (*ApprovalResult, error) {
	return s.approve(ctx, relationshipID, approvingOrg, approvingUser, "")
}

type side string

const (
	sideSource side = "source"
	sideTarget side = "target"
)

// approve sets one side's approval. forced selects the side regardless of
// the approving organization, used for administrator overrides.
func (s *Service) approve(ctx context.Context, relationshipID, approvingOrg, approvingUser string, forced side) (*ApprovalResult, error) {
	var (
		activated bool
		changed   bool
		approved  side
	)
	rel, err := s.repo.MutateRelationship(ctx, relationshipID, func(rel *models.TrustRelationship) error {
		activated, changed = false, false
		approved = forced
		if approved == "" {
			switch approvingOrg {
			case rel.SourceOrganization:
				approved = sideSource
			case rel.TargetOrganization:
				approved = sideTarget
			default:
				return pkgerrors.NewAuthorizationError(approvingOrg, rel.ID, "approve")
			}
		}
		if rel.Status != models.RelationshipStatusPending && rel.Status != models.RelationshipStatusActive {
			return pkgerrors.NewTransitionError(rel.ID, string(rel.Status), "approve")
		}

		now := s.now().UTC()
		switch approved {
		case sideSource:
			if !rel.ApprovedBySource {
				changed = true
				rel.ApprovedBySource = true
				rel.SourceApprovalStatus = models.ApprovalStatusApproved
				rel.ApprovedBySourceUser = approvingUser
			}
		case sideTarget:
			if !rel.ApprovedByTarget {
				changed = true
				rel.ApprovedByTarget = true
				rel.TargetApprovalStatus = models.ApprovalStatusApproved
				rel.ApprovedByTargetUser = approvingUser
			}
		}
		if rel.Status == models.RelationshipStatusPending && rel.IsFullyApproved() {
			rel.Status = models.RelationshipStatusActive
			rel.IsActive = true
			rel.ActivatedAt = &now
			activated = true
		}
		rel.LastModifiedBy = approvingUser
		rel.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, s.relationshipFailure(ctx, err, models.ActionRelationshipApproved, relationshipID, approvingOrg, approvingUser)
	}
	if !changed {
		return &ApprovalResult{Relationship: rel}, nil
	}

	s.publish(ctx, events.Event{
		Type:           models.ActionRelationshipApproved,
		SourceOrg:      rel.SourceOrganization,
		TargetOrg:      rel.TargetOrganization,
		UserID:         approvingUser,
		RelationshipID: rel.ID,
		Success:        true,
		Details:        map[string]any{"side": string(approved), "approving_organization": approvingOrg},
	})
	if activated {
		s.publish(ctx, events.Event{
			Type:           models.ActionRelationshipActivated,
			SourceOrg:      rel.SourceOrganization,
			TargetOrg:      rel.TargetOrganization,
			UserID:         approvingUser,
			RelationshipID: rel.ID,
			Success:        true,
		})
	}
	return &ApprovalResult{Relationship: rel, Activated: activated}, nil
}

// AcceptBilateralTrust approves the relationship on the target side. The
// acting user must belong to the target organization unless they are an
// administrator.
func (s *Service) AcceptBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor) (*ActionResult, error) {
	rel, err := s.authorizeActor(ctx, relationshipID, actor, models.ActionRelationshipApproved, "accept", false)
	if err != nil {
		return failed(err), err
	}
	result, err := s.approve(ctx, rel.ID, actor.OrganizationID, actor.UserID, sideTarget)
	if err != nil {
		return failed(err), err
	}
	msg := "trust relationship accepted"
	if result.Activated {
		msg = "trust relationship accepted and activated"
	} else if !result.Relationship.IsFullyApproved() {
		msg = "trust relationship accepted; awaiting source approval"
	}
	return &ActionResult{Success: true, Message: msg, Relationship: result.Relationship}, nil
}

// RejectBilateralTrust rejects a pending relationship on the target side.
func (s *Service) RejectBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor, reason string) (*ActionResult, error) {
	if _, err := s.authorizeActor(ctx, relationshipID, actor, models.ActionRelationshipRejected, "reject", false); err != nil {
		return failed(err), err
	}
	rel, err := s.repo.MutateRelationship(ctx, relationshipID, func(rel *models.TrustRelationship) error {
		if rel.Status != models.RelationshipStatusPending {
			return pkgerrors.NewTransitionError(rel.ID, string(rel.Status), "reject")
		}
		rel.Status = models.RelationshipStatusRejected
		rel.TargetApprovalStatus = models.ApprovalStatusRejected
		rel.IsActive = false
		rel.LastModifiedBy = actor.UserID
		rel.UpdatedAt = s.now().UTC()
		setMeta(rel, "rejection_reason", reason)
		return nil
	})
	if err != nil {
		err = s.relationshipFailure(ctx, err, models.ActionRelationshipRejected, relationshipID, actor.OrganizationID, actor.UserID)
		return failed(err), err
	}

	s.publish(ctx, events.Event{
		Type:           models.ActionRelationshipRejected,
		SourceOrg:      rel.SourceOrganization,
		TargetOrg:      rel.TargetOrganization,
		UserID:         actor.UserID,
		RelationshipID: rel.ID,
		Success:        true,
		Details:        map[string]any{"reason": reason},
	})
	return &ActionResult{Success: true, Message: "trust relationship rejected", Relationship: rel}, nil
}

// RevokeBilateralTrust revokes a relationship. Either party may revoke.
// Revoking an already revoked relationship succeeds without changes.
func (s *Service) RevokeBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor, reason string) (*ActionResult, error) {
	if _, err := s.authorizeActor(ctx, relationshipID, actor, models.ActionRelationshipRevoked, "revoke", true); err != nil {
		return failed(err), err
	}
	alreadyRevoked := false
	rel, err := s.repo.MutateRelationship(ctx, relationshipID, func(rel *models.TrustRelationship) error {
		if rel.Status == models.RelationshipStatusRevoked {
			alreadyRevoked = true
			return nil
		}
		if rel.Status == models.RelationshipStatusRejected {
			return pkgerrors.NewTransitionError(rel.ID, string(rel.Status), "revoke")
		}
		now := s.now().UTC()
		rel.Status = models.RelationshipStatusRevoked
		rel.IsActive = false
		rel.RevokedAt = &now
		rel.RevokedBy = actor.UserID
		rel.LastModifiedBy = actor.UserID
		rel.UpdatedAt = now
		setMeta(rel, "revocation_reason", reason)
		return nil
	})
	if err != nil {
		err = s.relationshipFailure(ctx, err, models.ActionRelationshipRevoked, relationshipID, actor.OrganizationID, actor.UserID)
		return failed(err), err
	}
	if alreadyRevoked {
		return &ActionResult{Success: true, Message: "trust relationship already revoked", Relationship: rel}, nil
	}

	s.publish(ctx, events.Event{
		Type:           models.ActionRelationshipRevoked,
		SourceOrg:      rel.SourceOrganization,
		TargetOrg:      rel.TargetOrganization,
		UserID:         actor.UserID,
		RelationshipID: rel.ID,
		Success:        true,
		Details:        map[string]any{"reason": reason, "revoked_by_organization": actor.OrganizationID},
	})
	return &ActionResult{Success: true, Message: "trust relationship revoked", Relationship: rel}, nil
}

// SuspendTrustRelationship suspends an active relationship.
func (s *Service) SuspendTrustRelationship(ctx context.Context, relationshipID string, actor models.Actor, reason string) (*ActionResult, error) {
	if _, err := s.authorizeActor(ctx, relationshipID, actor, models.ActionRelationshipSuspended, "suspend", true); err != nil {
		return failed(err), err
	}
	rel, err := s.repo.MutateRelationship(ctx, relationshipID, func(rel *models.TrustRelationship) error {
		if rel.Status != models.RelationshipStatusActive {
			return pkgerrors.NewTransitionError(rel.ID, string(rel.Status), "suspend")
		}
		rel.Status = models.RelationshipStatusSuspended
		rel.LastModifiedBy = actor.UserID
		rel.UpdatedAt = s.now().UTC()
		setMeta(rel, "suspension_reason", reason)
		return nil
	})
	if err != nil {
		err = s.relationshipFailure(ctx, err, models.ActionRelationshipSuspended, relationshipID, actor.OrganizationID, actor.UserID)
		return failed(err), err
	}

	s.publish(ctx, events.Event{
		Type:           models.ActionRelationshipSuspended,
		SourceOrg:      rel.SourceOrganization,
		TargetOrg:      rel.TargetOrganization,
		UserID:         actor.UserID,
		RelationshipID: rel.ID,
		Success:        true,
		Details:        map[string]any{"reason": reason},
	})
	return &ActionResult{Success: true, Message: "trust relationship suspended", Relationship: rel}, nil
}

// UpdateBilateralTrust changes the mutable terms of a relationship. Either
// party may update. A change that loosens a bilateral relationship (more
// trust, weaker anonymization, broader access, a later expiry or new sharing
// preferences) withdraws the other side's approval, so an active
// relationship returns to pending until the partner approves again.
func (s *Service) UpdateBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor, req UpdateRelationshipRequest) (*ActionResult, error) {
	if _, err := s.authorizeActor(ctx, relationshipID, actor, models.ActionRelationshipUpdated, "update", true); err != nil {
		return failed(err), err
	}

	var newLevel *models.TrustLevel
	if req.TrustLevelName != nil {
		level, err := s.repo.GetTrustLevelByName(ctx, *req.TrustLevelName)
		if err != nil {
			if errors.Is(err, pkgerrors.ErrNotFound) {
				err = pkgerrors.NewNotFoundError("trust level", *req.TrustLevelName)
			}
			return failed(err), err
		}
		newLevel = level
	}
	if req.AnonymizationLevel != nil && !req.AnonymizationLevel.Valid() {
		err := pkgerrors.NewValidationError("anonymization_level", "unknown anonymization level")
		return failed(err), err
	}
	if req.AccessLevel != nil && !req.AccessLevel.Valid() {
		err := pkgerrors.NewValidationError("access_level", "unknown access level")
		return failed(err), err
	}

	var (
		changed    []string
		loosened   []string
		oldLevel   string
		reapproval bool
	)
	rel, err := s.repo.MutateRelationship(ctx, relationshipID, func(rel *models.TrustRelationship) error {
		if rel.Status.Terminal() {
			return pkgerrors.NewTransitionError(rel.ID, string(rel.Status), "update")
		}
		changed, loosened, reapproval = changed[:0], loosened[:0], false
		if newLevel != nil && newLevel.ID != rel.TrustLevelID {
			if rel.TrustLevel != nil {
				oldLevel = rel.TrustLevel.Name
			}
			if newLevel.NumericalValue > levelValue(rel) {
				loosened = append(loosened, "trust_level")
			}
			rel.TrustLevelID = newLevel.ID
			rel.TrustLevel = newLevel
			changed = append(changed, "trust_level")
		}
		if req.AnonymizationLevel != nil && *req.AnonymizationLevel != rel.AnonymizationLevel {
			if weakerAnonymization(effectiveAnonymization(rel), *req.AnonymizationLevel) {
				loosened = append(loosened, "anonymization_level")
			}
			rel.AnonymizationLevel = *req.AnonymizationLevel
			changed = append(changed, "anonymization_level")
		}
		if req.AccessLevel != nil && *req.AccessLevel != rel.AccessLevel {
			if req.AccessLevel.Rank() > effectiveAccess(rel).Rank() {
				loosened = append(loosened, "access_level")
			}
			rel.AccessLevel = *req.AccessLevel
			changed = append(changed, "access_level")
		}
		if req.SharingPreferences != nil {
			rel.SharingPreferences = models.CloneMap(req.SharingPreferences)
			changed = append(changed, "sharing_preferences")
			loosened = append(loosened, "sharing_preferences")
		}
		if req.Notes != nil {
			rel.Notes = *req.Notes
			changed = append(changed, "notes")
		}
		if req.ValidUntil != nil {
			if !req.ValidUntil.After(rel.ValidFrom) {
				return pkgerrors.NewValidationError("valid_until", "must be after valid_from")
			}
			until := req.ValidUntil.UTC()
			if rel.ValidUntil != nil && until.After(*rel.ValidUntil) {
				loosened = append(loosened, "valid_until")
			}
			rel.ValidUntil = &until
			changed = append(changed, "valid_until")
		}
		if len(loosened) > 0 && requiresMutualApproval(rel) {
			reapproval = withdrawPartnerApproval(rel, actor.OrganizationID)
		}
		rel.LastModifiedBy = actor.UserID
		rel.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		err = s.relationshipFailure(ctx, err, models.ActionRelationshipUpdated, relationshipID, actor.OrganizationID, actor.UserID)
		return failed(err), err
	}

	s.publish(ctx, events.Event{
		Type:           models.ActionRelationshipUpdated,
		SourceOrg:      rel.SourceOrganization,
		TargetOrg:      rel.TargetOrganization,
		UserID:         actor.UserID,
		RelationshipID: rel.ID,
		Success:        true,
		Details:        map[string]any{"changed_fields": changed, "loosened_fields": loosened, "reapproval_required": reapproval},
	})
	if contains(changed, "trust_level") {
		s.publish(ctx, events.Event{
			Type:           models.ActionTrustLevelChanged,
			SourceOrg:      rel.SourceOrganization,
			TargetOrg:      rel.TargetOrganization,
			UserID:         actor.UserID,
			RelationshipID: rel.ID,
			Success:        true,
			Details:        map[string]any{"from": oldLevel, "to": rel.TrustLevel.Name},
		})
	}
	msg := "trust relationship updated"
	if reapproval {
		msg = "trust relationship updated; awaiting partner approval"
	}
	return &ActionResult{Success: true, Message: msg, Relationship: rel}, nil
}

func requiresMutualApproval(rel *models.TrustRelationship) bool {
	return rel.IsBilateral || rel.RelationshipType == models.RelationshipTypeBilateral
}

// withdrawPartnerApproval clears the approval of every side other than
// org's. An active relationship drops back to pending. It reports whether
// any approval was withdrawn.
func withdrawPartnerApproval(rel *models.TrustRelationship, org string) bool {
	withdrawn := false
	if org != rel.SourceOrganization && rel.ApprovedBySource {
		rel.ApprovedBySource = false
		rel.SourceApprovalStatus = models.ApprovalStatusPending
		rel.ApprovedBySourceUser = ""
		withdrawn = true
	}
	if org != rel.TargetOrganization && rel.ApprovedByTarget {
		rel.ApprovedByTarget = false
		rel.TargetApprovalStatus = models.ApprovalStatusPending
		rel.ApprovedByTargetUser = ""
		withdrawn = true
	}
	if withdrawn && rel.Status == models.RelationshipStatusActive {
		rel.Status = models.RelationshipStatusPending
	}
	return withdrawn
}

func effectiveAnonymization(rel *models.TrustRelationship) models.AnonymizationLevel {
	if rel.AnonymizationLevel == "" && rel.TrustLevel != nil {
		return rel.TrustLevel.DefaultAnonymizationLevel
	}
	return rel.AnonymizationLevel
}

func effectiveAccess(rel *models.TrustRelationship) models.AccessLevel {
	if !rel.AccessLevel.Valid() && rel.TrustLevel != nil {
		return rel.TrustLevel.DefaultAccessLevel
	}
	return rel.AccessLevel
}

// weakerAnonymization reports whether moving from one level to another
// reveals more. Custom rules cannot be ranked, so moving to or from them counts.
func weakerAnonymization(from, to models.AnonymizationLevel) bool {
	if from == models.AnonymizationCustom || to == models.AnonymizationCustom {
		return true
	}
	return to.Rank() < from.Rank()
}

// authorizeActor loads the relationship and checks the actor may perform
// operation on it. eitherParty allows the source side as well as the target.
// Administrators are always allowed. Denials are logged to the trust log.
func (s *Service) authorizeActor(ctx context.Context, relationshipID string, actor models.Actor, action models.TrustAction, operation string, eitherParty bool) (*models.TrustRelationship, error) {
	rel, err := s.repo.GetRelationship(ctx, relationshipID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, pkgerrors.NewNotFoundError("trust relationship", relationshipID)
		}
		return nil, fmt.Errorf("failed to load relationship: %w", err)
	}
	if actor.IsAdmin() {
		return rel, nil
	}
	allowed := actor.OrganizationID == rel.TargetOrganization ||
		(eitherParty && actor.OrganizationID == rel.SourceOrganization)
	if allowed {
		return rel, nil
	}

	authErr := pkgerrors.NewAuthorizationError(actor.OrganizationID, rel.ID, operation)
	s.publish(ctx, events.Event{
		Type:           action,
		SourceOrg:      actor.OrganizationID,
		TargetOrg:      rel.PartnerOf(actor.OrganizationID),
		UserID:         actor.UserID,
		RelationshipID: rel.ID,
		Success:        false,
		FailureReason:  authErr.Error(),
	})
	return nil, authErr
}

// relationshipFailure logs a failed mutation and normalizes the error.
func (s *Service) relationshipFailure(ctx context.Context, err error, action models.TrustAction, relationshipID, org, user string) error {
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return pkgerrors.NewNotFoundError("trust relationship", relationshipID)
	}
	s.publish(ctx, events.Event{
		Type:           action,
		SourceOrg:      org,
		UserID:         user,
		RelationshipID: relationshipID,
		Success:        false,
		FailureReason:  err.Error(),
	})
	return err
}

func failed(err error) *ActionResult {
	return &ActionResult{Success: false, Message: err.Error()}
}

func setMeta(rel *models.TrustRelationship, key, value string) {
	if value == "" {
		return
	}
	if rel.Metadata == nil {
		rel.Metadata = make(map[string]any)
	}
	rel.Metadata[key] = value
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ============================================================================
// Reachability
// ============================================================================

// GetEffectiveRelationship returns the effective relationship between two
// organizations in either direction. When both directions are effective the
// one with the higher trust value wins.
func (s *Service) GetEffectiveRelationship(ctx context.Context, org1, org2 string) (*models.TrustRelationship, bool) {
	rels, err := s.repo.ListRelationshipsBetween(ctx, org1, org2)
	if err != nil {
		s.logger.Warn("failed to load relationships", zap.String("org1", org1), zap.String("org2", org2), zap.Error(err))
		return nil, false
	}
	rel := pickEffective(rels, s.now())
	return rel, rel != nil
}

func pickEffective(rels []*models.TrustRelationship, now time.Time) *models.TrustRelationship {
	var best *models.TrustRelationship
	for _, rel := range rels {
		if !rel.IsEffective(now) {
			continue
		}
		if best == nil || levelValue(rel) > levelValue(best) {
			best = rel
		}
	}
	return best
}

func levelValue(rel *models.TrustRelationship) int {
	if rel.TrustLevel == nil {
		return 0
	}
	return rel.TrustLevel.NumericalValue
}

// GetTrustLevel returns the name of the trust level between two
// organizations, or "none". It never fails.
func (s *Service) GetTrustLevel(ctx context.Context, org1, org2 string) string {
	rel, ok := s.GetEffectiveRelationship(ctx, org1, org2)
	if !ok || rel.TrustLevel == nil {
		return TrustLevelNone
	}
	return rel.TrustLevel.Name
}

// CanAccessOrganizationData reports whether requesting may read target's
// data: the same organization, an effective relationship in either
// direction, or a shared active trust group, checked in that order.
func (s *Service) CanAccessOrganizationData(ctx context.Context, requesting, target string) bool {
	if requesting == "" || target == "" {
		return false
	}
	if requesting == target {
		return true
	}
	if _, ok := s.GetEffectiveRelationship(ctx, requesting, target); ok {
		return true
	}
	shared, err := s.sharedGroups(ctx, requesting, target)
	if err != nil {
		s.logger.Warn("failed to load group memberships", zap.String("org", requesting), zap.Error(err))
		return false
	}
	return len(shared) > 0
}

// GetAccessibleOrganizations returns the organizations requesting may read:
// itself, effective partners and fellow members of its own active groups.
func (s *Service) GetAccessibleOrganizations(ctx context.Context, requesting string) []string {
	if requesting == "" {
		return nil
	}
	set := map[string]struct{}{requesting: {}}
	now := s.now()

	rels, err := s.repo.ListRelationshipsForOrg(ctx, requesting)
	if err != nil {
		s.logger.Warn("failed to list relationships", zap.String("org", requesting), zap.Error(err))
	}
	for _, rel := range rels {
		if rel.IsEffective(now) {
			set[rel.PartnerOf(requesting)] = struct{}{}
		}
	}

	views, err := s.repo.ListMembershipsForOrg(ctx, requesting)
	if err != nil {
		s.logger.Warn("failed to list memberships", zap.String("org", requesting), zap.Error(err))
	}
	for _, v := range activeViews(views) {
		members, err := s.repo.ListMembershipsForGroup(ctx, v.Group.ID)
		if err != nil {
			s.logger.Warn("failed to list group members", zap.String("group", v.Group.ID), zap.Error(err))
			continue
		}
		for _, m := range members {
			if m.IsActive {
				set[m.OrganizationID] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for org := range set {
		out = append(out, org)
	}
	sort.Strings(out)
	return out
}

// LoadDecisionData fetches the relationships and memberships an access
// decision between requesting and target needs, concurrently.
func (s *Service) LoadDecisionData(ctx context.Context, requesting, target string) (*DecisionData, error) {
	var (
		rels          []*models.TrustRelationship
		requesterView []models.GroupMembershipView
		targetView    []models.GroupMembershipView
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rels, err = s.repo.ListRelationshipsBetween(gctx, requesting, target)
		return err
	})
	g.Go(func() error {
		var err error
		requesterView, err = s.repo.ListMembershipsForOrg(gctx, requesting)
		return err
	})
	g.Go(func() error {
		var err error
		targetView, err = s.repo.ListMembershipsForOrg(gctx, target)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load decision data: %w", err)
	}

	data := &DecisionData{
		Relationships:        rels,
		Relationship:         pickEffective(rels, s.now()),
		RequesterMemberships: requesterView,
		SharedGroups:         intersectGroups(requesterView, targetView),
	}
	if data.Relationship == nil {
		data.Inactive = mostRecent(rels)
	}
	return data, nil
}

// mostRecent picks the last updated relationship.
func mostRecent(rels []*models.TrustRelationship) *models.TrustRelationship {
	var best *models.TrustRelationship
	for _, rel := range rels {
		if best == nil || rel.UpdatedAt.After(best.UpdatedAt) {
			best = rel
		}
	}
	return best
}

func (s *Service) sharedGroups(ctx context.Context, org1, org2 string) ([]*models.TrustGroup, error) {
	a, err := s.repo.ListMembershipsForOrg(ctx, org1)
	if err != nil {
		return nil, err
	}
	b, err := s.repo.ListMembershipsForOrg(ctx, org2)
	if err != nil {
		return nil, err
	}
	return intersectGroups(a, b), nil
}

func activeViews(views []models.GroupMembershipView) []models.GroupMembershipView {
	out := views[:0:0]
	for _, v := range views {
		if v.Membership.IsActive && v.Group != nil && v.Group.IsActive {
			out = append(out, v)
		}
	}
	return out
}

func intersectGroups(a, b []models.GroupMembershipView) []*models.TrustGroup {
	inB := make(map[string]bool)
	for _, v := range activeViews(b) {
		inB[v.Group.ID] = true
	}
	var out []*models.TrustGroup
	for _, v := range activeViews(a) {
		if inB[v.Group.ID] {
			out = append(out, v.Group)
		}
	}
	return out
}

// ============================================================================
// Trust groups
// ============================================================================

// CreateTrustGroup creates a group with the creator as its administrator.
func (s *Service) CreateTrustGroup(ctx context.Context, req CreateGroupRequest) (*models.TrustGroup, error) {
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	level, err := s.repo.GetTrustLevelByName(ctx, req.DefaultTrustLevelName)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, pkgerrors.NewNotFoundError("trust level", req.DefaultTrustLevelName)
		}
		return nil, fmt.Errorf("failed to load trust level: %w", err)
	}
	if _, err := s.repo.GetGroupByName(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("%w: trust group %q already exists", pkgerrors.ErrConflict, req.Name)
	} else if !errors.Is(err, pkgerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to check group name: %w", err)
	}

	now := s.now().UTC()
	group := &models.TrustGroup{
		ID:                  uuid.New().String(),
		Name:                req.Name,
		Description:         req.Description,
		GroupType:           req.GroupType,
		IsPublic:            req.IsPublic,
		RequiresApproval:    req.RequiresApproval,
		DefaultTrustLevelID: level.ID,
		DefaultTrustLevel:   level,
		GroupPolicies:       req.GroupPolicies,
		Administrators:      []string{req.CreatorOrganization},
		IsActive:            true,
		CreatedBy:           req.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if group.GroupType == "" {
		group.GroupType = models.GroupTypeCommunity
	}
	if err := s.repo.CreateGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	membership := &models.TrustGroupMembership{
		ID:             uuid.New().String(),
		TrustGroupID:   group.ID,
		OrganizationID: req.CreatorOrganization,
		MembershipType: models.MembershipAdministrator,
		IsActive:       true,
		JoinedAt:       now,
		ApprovedBy:     req.CreatedBy,
	}
	if err := s.repo.CreateMembership(ctx, membership); err != nil {
		return nil, fmt.Errorf("failed to create administrator membership: %w", err)
	}

	s.publish(ctx, events.Event{
		Type:      models.ActionGroupCreated,
		SourceOrg: req.CreatorOrganization,
		UserID:    req.CreatedBy,
		GroupID:   group.ID,
		Success:   true,
		Details:   map[string]any{"name": group.Name, "group_type": string(group.GroupType)},
	})
	return group, nil
}

// GetTrustGroup returns a group by ID.
func (s *Service) GetTrustGroup(ctx context.Context, id string) (*models.TrustGroup, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return group, nil
}

// ListTrustGroups returns public groups plus the groups org belongs to.
func (s *Service) ListTrustGroups(ctx context.Context, org string) ([]*models.TrustGroup, error) {
	groups, err := s.repo.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	member := make(map[string]bool)
	if org != "" {
		views, err := s.repo.ListMembershipsForOrg(ctx, org)
		if err != nil {
			return nil, fmt.Errorf("failed to list memberships: %w", err)
		}
		for _, v := range views {
			if v.Group != nil {
				member[v.Group.ID] = true
			}
		}
	}
	var out []*models.TrustGroup
	for _, g := range groups {
		if g.IsActive && (g.IsPublic || member[g.ID]) {
			out = append(out, g)
		}
	}
	return out, nil
}

// JoinTrustGroup adds an organization to a group. The membership is active
// immediately unless the group requires approval. Private groups need an inviter.
func (s *Service) JoinTrustGroup(ctx context.Context, req JoinGroupRequest) (*models.TrustGroupMembership, error) {
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, req.GroupID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, pkgerrors.NewNotFoundError("trust group", req.GroupID)
		}
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	if !group.IsActive {
		return nil, pkgerrors.NewValidationError("group_id", "trust group is not active")
	}
	if !group.IsPublic && req.InvitedBy == "" {
		err := fmt.Errorf("%w: private trust group requires an invitation", pkgerrors.ErrForbidden)
		s.publish(ctx, events.Event{
			Type: models.ActionGroupJoined, SourceOrg: req.OrganizationID, UserID: req.UserID,
			GroupID: group.ID, Success: false, FailureReason: err.Error(),
		})
		return nil, err
	}

	mtype := req.MembershipType
	if mtype == "" {
		mtype = models.MembershipMember
	}
	now := s.now().UTC()

	existing, err := s.repo.GetMembership(ctx, group.ID, req.OrganizationID)
	switch {
	case err == nil && existing.LeftAt == nil:
		return nil, fmt.Errorf("%w: organization is already a member of trust group", pkgerrors.ErrConflict)
	case err == nil:
		existing.IsActive = !group.RequiresApproval
		existing.LeftAt = nil
		existing.JoinedAt = now
		existing.InvitedBy = req.InvitedBy
		existing.MembershipType = mtype
		existing.ApprovedBy = ""
		if err := s.repo.UpdateMembership(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to rejoin group: %w", err)
		}
		s.publishJoin(ctx, group, existing, req.UserID)
		return existing, nil
	case !errors.Is(err, pkgerrors.ErrNotFound):
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}

	membership := &models.TrustGroupMembership{
		ID:             uuid.New().String(),
		TrustGroupID:   group.ID,
		OrganizationID: req.OrganizationID,
		MembershipType: mtype,
		IsActive:       !group.RequiresApproval,
		JoinedAt:       now,
		InvitedBy:      req.InvitedBy,
	}
	if err := s.repo.CreateMembership(ctx, membership); err != nil {
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}
	s.publishJoin(ctx, group, membership, req.UserID)
	return membership, nil
}

func (s *Service) publishJoin(ctx context.Context, group *models.TrustGroup, m *models.TrustGroupMembership, user string) {
	s.publish(ctx, events.Event{
		Type:      models.ActionGroupJoined,
		SourceOrg: m.OrganizationID,
		UserID:    user,
		GroupID:   group.ID,
		Success:   true,
		Details:   map[string]any{"pending_approval": !m.IsActive, "membership_type": string(m.MembershipType)},
	})
}

// ApproveGroupMembership activates a pending membership. The approver must
// administer the group or be a platform administrator.
func (s *Service) ApproveGroupMembership(ctx context.Context, groupID, org string, approver models.Actor) (*models.TrustGroupMembership, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, pkgerrors.NewNotFoundError("trust group", groupID)
		}
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	if !approver.IsAdmin() && !group.IsAdministrator(approver.OrganizationID) {
		return nil, fmt.Errorf("%w: only group administrators may approve members", pkgerrors.ErrForbidden)
	}
	m, err := s.repo.GetMembership(ctx, groupID, org)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, pkgerrors.NewNotFoundError("membership", org)
		}
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	if m.LeftAt != nil {
		return nil, pkgerrors.NewValidationError("organization_id", "organization has left the group")
	}
	if m.IsActive {
		return m, nil
	}
	m.IsActive = true
	m.ApprovedBy = approver.UserID
	if err := s.repo.UpdateMembership(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to approve membership: %w", err)
	}
	s.publish(ctx, events.Event{
		Type:      models.ActionMembershipApproved,
		SourceOrg: org,
		TargetOrg: approver.OrganizationID,
		UserID:    approver.UserID,
		GroupID:   groupID,
		Success:   true,
	})
	return m, nil
}

// LeaveTrustGroup deactivates org's membership.
func (s *Service) LeaveTrustGroup(ctx context.Context, groupID, org, user string) error {
	m, err := s.repo.GetMembership(ctx, groupID, org)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return pkgerrors.NewNotFoundError("membership", org)
		}
		return fmt.Errorf("failed to load membership: %w", err)
	}
	if m.LeftAt != nil {
		return nil
	}
	now := s.now().UTC()
	m.IsActive = false
	m.LeftAt = &now
	if err := s.repo.UpdateMembership(ctx, m); err != nil {
		return fmt.Errorf("failed to leave group: %w", err)
	}
	s.publish(ctx, events.Event{
		Type:      models.ActionGroupLeft,
		SourceOrg: org,
		UserID:    user,
		GroupID:   groupID,
		Success:   true,
	})
	return nil
}

// ============================================================================
// Trust levels
// ============================================================================

// DefaultTrustLevels returns the built-in trust levels.
func DefaultTrustLevels() []*models.TrustLevel {
	return []*models.TrustLevel{
		{
			Name: "Low", Level: models.TrustCategoryPublic, NumericalValue: 20,
			Description:               "Basic sharing with heavy anonymization",
			DefaultAnonymizationLevel: models.AnonymizationPartial,
			DefaultAccessLevel:        models.AccessRead,
			IsActive:                  true,
			IsSystemDefault:           true,
		},
		{
			Name: "Medium", Level: models.TrustCategoryTrusted, NumericalValue: 50,
			Description:               "Regular sharing between known partners",
			DefaultAnonymizationLevel: models.AnonymizationPartial,
			DefaultAccessLevel:        models.AccessSubscribe,
			IsActive:                  true,
		},
		{
			Name: "High", Level: models.TrustCategoryTrusted, NumericalValue: 75,
			Description:               "Close partners with minimal anonymization",
			DefaultAnonymizationLevel: models.AnonymizationMinimal,
			DefaultAccessLevel:        models.AccessContribute,
			IsActive:                  true,
		},
		{
			Name: "Complete", Level: models.TrustCategoryRestricted, NumericalValue: 100,
			Description:               "Full trust without anonymization",
			DefaultAnonymizationLevel: models.AnonymizationNone,
			DefaultAccessLevel:        models.AccessFull,
			IsActive:                  true,
		},
	}
}

// EnsureDefaultTrustLevels creates any missing built-in trust level and
// returns the full set.
func (s *Service) EnsureDefaultTrustLevels(ctx context.Context) ([]*models.TrustLevel, error) {
	now := s.now().UTC()
	for _, level := range DefaultTrustLevels() {
		if _, err := s.repo.GetTrustLevelByName(ctx, level.Name); err == nil {
			continue
		} else if !errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, fmt.Errorf("failed to check trust level %s: %w", level.Name, err)
		}
		level.ID = uuid.New().String()
		level.CreatedBy = "system"
		level.CreatedAt = now
		level.UpdatedAt = now
		if err := s.repo.CreateTrustLevel(ctx, level); err != nil && !errors.Is(err, pkgerrors.ErrConflict) {
			return nil, fmt.Errorf("failed to seed trust level %s: %w", level.Name, err)
		}
		s.logger.Info("seeded trust level", zap.String("name", level.Name))
	}
	return s.ListTrustLevels(ctx)
}

// CreateTrustLevel adds a custom trust level.
func (s *Service) CreateTrustLevel(ctx context.Context, level *models.TrustLevel) (*models.TrustLevel, error) {
	if err := level.Validate(); err != nil {
		return nil, pkgerrors.NewValidationError("trust_level", err.Error())
	}
	if _, err := s.repo.GetTrustLevelByName(ctx, level.Name); err == nil {
		return nil, fmt.Errorf("%w: trust level %q already exists", pkgerrors.ErrConflict, level.Name)
	}
	now := s.now().UTC()
	level.ID = uuid.New().String()
	level.CreatedAt = now
	level.UpdatedAt = now
	if err := s.repo.CreateTrustLevel(ctx, level); err != nil {
		return nil, fmt.Errorf("failed to create trust level: %w", err)
	}
	return level, nil
}

// ListTrustLevels returns all trust levels.
func (s *Service) ListTrustLevels(ctx context.Context) ([]*models.TrustLevel, error) {
	levels, err := s.repo.ListTrustLevels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust levels: %w", err)
	}
	return levels, nil
}

// DeleteTrustLevel removes a trust level that nothing references.
func (s *Service) DeleteTrustLevel(ctx context.Context, id string) error {
	refs, err := s.repo.CountLevelReferences(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count trust level references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: trust level is referenced by %d relationships or groups", pkgerrors.ErrConflict, refs)
	}
	if err := s.repo.DeleteTrustLevel(ctx, id); err != nil {
		return fmt.Errorf("failed to delete trust level: %w", err)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	s.events.Publish(ctx, e)
}

// validateStruct runs struct tag validation and converts the first failure
// into a ValidationError.
func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return pkgerrors.NewValidationError(toSnake(fe.Field()), validationMessage(fe))
	}
	return pkgerrors.NewValidationError("request", err.Error())
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
