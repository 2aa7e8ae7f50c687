// Package trust manages trust levels, bilateral relationships and trust groups.
package trust

import (
	"context"
	"time"

	"github.com/witlox/crisp/pkg/models"
)

// LevelRepository defines trust level persistence operations.
type LevelRepository interface {
	// CreateTrustLevel persists a new trust level.
	CreateTrustLevel(ctx context.Context, level *models.TrustLevel) error
	// GetTrustLevel retrieves a trust level by ID.
	GetTrustLevel(ctx context.Context, id string) (*models.TrustLevel, error)
	// GetTrustLevelByName retrieves a trust level by its unique name.
	GetTrustLevelByName(ctx context.Context, name string) (*models.TrustLevel, error)
	// ListTrustLevels returns all trust levels ordered by numerical value.
	ListTrustLevels(ctx context.Context) ([]*models.TrustLevel, error)
	// UpdateTrustLevel updates an existing trust level.
	UpdateTrustLevel(ctx context.Context, level *models.TrustLevel) error
	// DeleteTrustLevel removes a trust level.
	DeleteTrustLevel(ctx context.Context, id string) error
	// CountLevelReferences counts relationships and groups using the level.
	CountLevelReferences(ctx context.Context, levelID string) (int, error)
}

// RelationshipRepository defines trust relationship persistence operations.
// Returned relationships have TrustLevel loaded.
type RelationshipRepository interface {
	// CreateRelationship persists a new relationship. A relationship with the
	// same (source, target) pair yields errors.ErrConflict.
	CreateRelationship(ctx context.Context, rel *models.TrustRelationship) error
	// GetRelationship retrieves a relationship by ID.
	GetRelationship(ctx context.Context, id string) (*models.TrustRelationship, error)
	// GetRelationshipByPair retrieves the relationship for the exact direction.
	GetRelationshipByPair(ctx context.Context, source, target string) (*models.TrustRelationship, error)
	// ListRelationshipsBetween returns relationships in either direction.
	ListRelationshipsBetween(ctx context.Context, org1, org2 string) ([]*models.TrustRelationship, error)
	// ListRelationshipsForOrg returns relationships where org is either side.
	ListRelationshipsForOrg(ctx context.Context, org string) ([]*models.TrustRelationship, error)
	// MutateRelationship applies fn to the current row under a row lock and
	// persists the result. If fn returns an error nothing is written.
	MutateRelationship(ctx context.Context, id string, fn func(rel *models.TrustRelationship) error) (*models.TrustRelationship, error)
}

// GroupRepository defines trust group and membership persistence operations.
// Returned groups have DefaultTrustLevel loaded.
type GroupRepository interface {
	// CreateGroup persists a new group.
	CreateGroup(ctx context.Context, group *models.TrustGroup) error
	// GetGroup retrieves a group by ID.
	GetGroup(ctx context.Context, id string) (*models.TrustGroup, error)
	// GetGroupByName retrieves a group by its unique name.
	GetGroupByName(ctx context.Context, name string) (*models.TrustGroup, error)
	// ListGroups returns all groups.
	ListGroups(ctx context.Context) ([]*models.TrustGroup, error)
	// UpdateGroup updates an existing group.
	UpdateGroup(ctx context.Context, group *models.TrustGroup) error

	// CreateMembership persists a new membership.
	CreateMembership(ctx context.Context, m *models.TrustGroupMembership) error
	// GetMembership retrieves the membership of org in group.
	GetMembership(ctx context.Context, groupID, org string) (*models.TrustGroupMembership, error)
	// UpdateMembership updates an existing membership.
	UpdateMembership(ctx context.Context, m *models.TrustGroupMembership) error
	// ListMembershipsForOrg returns memberships of org with their groups.
	ListMembershipsForOrg(ctx context.Context, org string) ([]models.GroupMembershipView, error)
	// ListMembershipsForGroup returns memberships in a group.
	ListMembershipsForGroup(ctx context.Context, groupID string) ([]*models.TrustGroupMembership, error)
}

// Repository combines all trust persistence operations.
type Repository interface {
	LevelRepository
	RelationshipRepository
	GroupRepository
}

// CreateRelationshipRequest represents a request to establish trust.
type CreateRelationshipRequest struct {
	SourceOrganization string                    `json:"source_organization" validate:"required,max=255"`
	TargetOrganization string                    `json:"target_organization" validate:"required,max=255"`
	TrustLevelName     string                    `json:"trust_level" validate:"required"`
	RelationshipType   models.RelationshipType   `json:"relationship_type" validate:"omitempty,oneof=bilateral community hierarchical federation"`
	IsBilateral        bool                      `json:"is_bilateral"`
	AnonymizationLevel models.AnonymizationLevel `json:"anonymization_level,omitempty" validate:"omitempty,oneof=none minimal partial full custom"`
	AccessLevel        models.AccessLevel        `json:"access_level,omitempty" validate:"omitempty,oneof=none read subscribe contribute full"`
	ValidFrom          *time.Time                `json:"valid_from,omitempty"`
	ValidUntil         *time.Time                `json:"valid_until,omitempty"`
	SharingPreferences map[string]any            `json:"sharing_preferences,omitempty"`
	Notes              string                    `json:"notes,omitempty" validate:"max=2000"`
	CreatedBy          string                    `json:"created_by" validate:"required"`
}

// UpdateRelationshipRequest carries the mutable relationship fields. Nil
// fields are left unchanged.
type UpdateRelationshipRequest struct {
	TrustLevelName     *string                    `json:"trust_level,omitempty"`
	AnonymizationLevel *models.AnonymizationLevel `json:"anonymization_level,omitempty"`
	AccessLevel        *models.AccessLevel        `json:"access_level,omitempty"`
	SharingPreferences map[string]any             `json:"sharing_preferences,omitempty"`
	Notes              *string                    `json:"notes,omitempty"`
	ValidUntil         *time.Time                 `json:"valid_until,omitempty"`
}

// ApprovalResult reports the outcome of an approval.
type ApprovalResult struct {
	Relationship *models.TrustRelationship
	// Activated is true only for the approval that moved the relationship to active.
	Activated bool
}

// ActionResult is the outcome of a bilateral action.
type ActionResult struct {
	Success      bool                      `json:"success"`
	Message      string                    `json:"message"`
	Relationship *models.TrustRelationship `json:"relationship,omitempty"`
}

// CreateGroupRequest represents a request to create a trust group.
type CreateGroupRequest struct {
	Name                  string           `json:"name" validate:"required,max=255"`
	Description           string           `json:"description,omitempty"`
	GroupType             models.GroupType `json:"group_type" validate:"omitempty,oneof=community sector regional federation"`
	IsPublic              bool             `json:"is_public"`
	RequiresApproval      bool             `json:"requires_approval"`
	DefaultTrustLevelName string           `json:"default_trust_level" validate:"required"`
	GroupPolicies         map[string]any   `json:"group_policies,omitempty"`
	CreatorOrganization   string           `json:"creator_organization" validate:"required"`
	CreatedBy             string           `json:"created_by" validate:"required"`
}

// JoinGroupRequest represents a request to join a trust group.
type JoinGroupRequest struct {
	GroupID        string                `json:"group_id" validate:"required"`
	OrganizationID string                `json:"organization_id" validate:"required"`
	UserID         string                `json:"user_id" validate:"required"`
	InvitedBy      string                `json:"invited_by,omitempty"`
	MembershipType models.MembershipType `json:"membership_type,omitempty" validate:"omitempty,oneof=member administrator moderator"`
}

// DecisionData is everything an access decision needs about a pair of
// organizations, fetched in one batch.
type DecisionData struct {
	// Relationship is the effective relationship between the pair, if any.
	Relationship *models.TrustRelationship
	// Inactive is the most recently updated relationship that is not in
	// force, set only when Relationship is nil. It explains denials.
	Inactive *models.TrustRelationship
	// Relationships holds every relationship between the pair.
	Relationships []*models.TrustRelationship
	// RequesterMemberships are the requesting organization's memberships.
	RequesterMemberships []models.GroupMembershipView
	// SharedGroups are active groups both organizations are active members of.
	SharedGroups []*models.TrustGroup
}
