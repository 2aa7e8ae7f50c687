// Package api exposes the trust, access, sharing and trust log services over HTTP.
package api

import (
	"context"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/sharing"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/models"
)

// TrustService is the part of the trust service the API calls.
type TrustService interface {
	ListTrustLevels(ctx context.Context) ([]*models.TrustLevel, error)
	CreateTrustLevel(ctx context.Context, level *models.TrustLevel) (*models.TrustLevel, error)
	DeleteTrustLevel(ctx context.Context, id string) error

	CreateTrustRelationship(ctx context.Context, req trust.CreateRelationshipRequest) (*models.TrustRelationship, error)
	GetRelationship(ctx context.Context, id string) (*models.TrustRelationship, error)
	ListRelationships(ctx context.Context, org string) ([]*models.TrustRelationship, error)
	ApproveTrustRelationship(ctx context.Context, relationshipID, approvingOrg, approvingUser string) (*trust.ApprovalResult, error)
	AcceptBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor) (*trust.ActionResult, error)
	RejectBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor, reason string) (*trust.ActionResult, error)
	RevokeBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor, reason string) (*trust.ActionResult, error)
	SuspendTrustRelationship(ctx context.Context, relationshipID string, actor models.Actor, reason string) (*trust.ActionResult, error)
	UpdateBilateralTrust(ctx context.Context, relationshipID string, actor models.Actor, req trust.UpdateRelationshipRequest) (*trust.ActionResult, error)

	GetTrustLevel(ctx context.Context, org1, org2 string) string
	GetAccessibleOrganizations(ctx context.Context, requesting string) []string

	CreateTrustGroup(ctx context.Context, req trust.CreateGroupRequest) (*models.TrustGroup, error)
	GetTrustGroup(ctx context.Context, id string) (*models.TrustGroup, error)
	ListTrustGroups(ctx context.Context, org string) ([]*models.TrustGroup, error)
	JoinTrustGroup(ctx context.Context, req trust.JoinGroupRequest) (*models.TrustGroupMembership, error)
	ApproveGroupMembership(ctx context.Context, groupID, org string, approver models.Actor) (*models.TrustGroupMembership, error)
	LeaveTrustGroup(ctx context.Context, groupID, org, user string) error
}

// AccessService is the access control facade.
type AccessService interface {
	CheckAccess(ctx context.Context, req access.Request) (access.Decision, error)
	HasCapability(role models.Role, capability access.Capability) bool
}

// SharingService shares and fetches intelligence.
type SharingService interface {
	GetSharingOrganizationsForIntelligence(ctx context.Context, sourceOrg string) ([]sharing.SharingTarget, error)
	ApplyTrustBasedAnonymization(ctx context.Context, obj map[string]any, sourceOrg, targetOrg string, requested models.AnonymizationLevel) (*sharing.AnonymizationResult, error)
	ValidateIntelligenceAccess(ctx context.Context, requestingOrg, ownerOrg, action string) (sharing.AccessResult, error)
	ShareIntelligence(ctx context.Context, req sharing.ShareRequest) ([]sharing.ShareResult, error)
	FetchIntelligence(ctx context.Context, req sharing.FetchRequest) ([]map[string]any, error)
}

var (
	_ TrustService   = (*trust.Service)(nil)
	_ AccessService  = (*access.Service)(nil)
	_ SharingService = (*sharing.Service)(nil)
)
