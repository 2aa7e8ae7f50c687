package models

import (
	"fmt"
	"time"
)

// TrustLevel is a named trust tier with the defaults it implies for sharing.
type TrustLevel struct {
	ID                        string             `json:"id"`
	Name                      string             `json:"name"`
	Level                     TrustCategory      `json:"level"`
	NumericalValue            int                `json:"numerical_value"`
	Description               string             `json:"description,omitempty"`
	DefaultAnonymizationLevel AnonymizationLevel `json:"default_anonymization_level"`
	DefaultAccessLevel        AccessLevel        `json:"default_access_level"`
	SharingPolicies           map[string]any     `json:"sharing_policies,omitempty"`
	IsActive                  bool               `json:"is_active"`
	IsSystemDefault           bool               `json:"is_system_default"`
	CreatedBy                 string             `json:"created_by,omitempty"`
	CreatedAt                 time.Time          `json:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at"`
}

// Validate checks field constraints that do not need storage lookups.
func (l *TrustLevel) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("trust level name is required")
	}
	if l.NumericalValue < 0 || l.NumericalValue > 100 {
		return fmt.Errorf("numerical value %d out of range 0..100", l.NumericalValue)
	}
	if !l.Level.Valid() {
		return fmt.Errorf("invalid trust category %q", l.Level)
	}
	if !l.DefaultAnonymizationLevel.Valid() {
		return fmt.Errorf("invalid anonymization level %q", l.DefaultAnonymizationLevel)
	}
	if !l.DefaultAccessLevel.Valid() {
		return fmt.Errorf("invalid access level %q", l.DefaultAccessLevel)
	}
	return nil
}

// TrustRelationship is a directed, approval-gated trust link between two organizations.
type TrustRelationship struct {
	ID                   string             `json:"id"`
	SourceOrganization   string             `json:"source_organization"`
	TargetOrganization   string             `json:"target_organization"`
	RelationshipType     RelationshipType   `json:"relationship_type"`
	TrustLevelID         string             `json:"trust_level_id"`
	TrustLevel           *TrustLevel        `json:"trust_level,omitempty"`
	Status               RelationshipStatus `json:"status"`
	IsBilateral          bool               `json:"is_bilateral"`
	IsActive             bool               `json:"is_active"`
	ValidFrom            time.Time          `json:"valid_from"`
	ValidUntil           *time.Time         `json:"valid_until,omitempty"`
	SharingPreferences   map[string]any     `json:"sharing_preferences,omitempty"`
	AnonymizationLevel   AnonymizationLevel `json:"anonymization_level"`
	AccessLevel          AccessLevel        `json:"access_level"`
	ApprovedBySource     bool               `json:"approved_by_source"`
	ApprovedByTarget     bool               `json:"approved_by_target"`
	SourceApprovalStatus ApprovalStatus     `json:"source_approval_status"`
	TargetApprovalStatus ApprovalStatus     `json:"target_approval_status"`
	ApprovedBySourceUser string             `json:"approved_by_source_user,omitempty"`
	ApprovedByTargetUser string             `json:"approved_by_target_user,omitempty"`
	Notes                string             `json:"notes,omitempty"`
	Metadata             map[string]any     `json:"metadata,omitempty"`
	CreatedBy            string             `json:"created_by"`
	LastModifiedBy       string             `json:"last_modified_by,omitempty"`
	ActivatedAt          *time.Time         `json:"activated_at,omitempty"`
	RevokedAt            *time.Time         `json:"revoked_at,omitempty"`
	RevokedBy            string             `json:"revoked_by,omitempty"`
	Version              int64              `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Validate checks the structural invariants of a relationship.
func (r *TrustRelationship) Validate() error {
	if r.SourceOrganization == "" || r.TargetOrganization == "" {
		return fmt.Errorf("source and target organizations are required")
	}
	if r.SourceOrganization == r.TargetOrganization {
		return fmt.Errorf("an organization cannot trust itself")
	}
	if r.ValidUntil != nil && !r.ValidUntil.After(r.ValidFrom) {
		return fmt.Errorf("valid_until must be after valid_from")
	}
	if !r.RelationshipType.Valid() {
		return fmt.Errorf("invalid relationship type %q", r.RelationshipType)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if !r.AnonymizationLevel.Valid() {
		return fmt.Errorf("invalid anonymization level %q", r.AnonymizationLevel)
	}
	if !r.AccessLevel.Valid() {
		return fmt.Errorf("invalid access level %q", r.AccessLevel)
	}
	return nil
}

// IsExpired reports whether valid_until has passed at now.
func (r *TrustRelationship) IsExpired(now time.Time) bool {
	return r.ValidUntil != nil && now.After(*r.ValidUntil)
}

// IsFullyApproved reports whether both sides approved.
func (r *TrustRelationship) IsFullyApproved() bool {
	return r.ApprovedBySource && r.ApprovedByTarget
}

// IsEffective reports whether the relationship currently grants trust.
func (r *TrustRelationship) IsEffective(now time.Time) bool {
	return r.Status == RelationshipStatusActive &&
		r.IsActive &&
		r.IsFullyApproved() &&
		!r.IsExpired(now) &&
		!now.Before(r.ValidFrom)
}

// EffectiveStatus reports the status with expiry derived from valid_until.
func (r *TrustRelationship) EffectiveStatus(now time.Time) RelationshipStatus {
	if r.Status == RelationshipStatusActive && r.IsExpired(now) {
		return RelationshipStatusExpired
	}
	return r.Status
}

// Involves reports whether org is either side of the relationship.
func (r *TrustRelationship) Involves(org string) bool {
	return r.SourceOrganization == org || r.TargetOrganization == org
}

// PartnerOf returns the organization on the other side of org.
func (r *TrustRelationship) PartnerOf(org string) string {
	if r.SourceOrganization == org {
		return r.TargetOrganization
	}
	return r.SourceOrganization
}

// TrustGroup is a community of organizations that trust each other through membership.
type TrustGroup struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	GroupType           GroupType      `json:"group_type"`
	IsPublic            bool           `json:"is_public"`
	RequiresApproval    bool           `json:"requires_approval"`
	DefaultTrustLevelID string         `json:"default_trust_level_id"`
	DefaultTrustLevel   *TrustLevel    `json:"default_trust_level,omitempty"`
	GroupPolicies       map[string]any `json:"group_policies,omitempty"`
	Administrators      []string       `json:"administrators,omitempty"`
	IsActive            bool           `json:"is_active"`
	CreatedBy           string         `json:"created_by"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsAdministrator reports whether org administers the group.
func (g *TrustGroup) IsAdministrator(org string) bool {
	for _, a := range g.Administrators {
		if a == org {
			return true
		}
	}
	return false
}

// TrustGroupMembership links an organization to a trust group.
type TrustGroupMembership struct {
	ID             string         `json:"id"`
	TrustGroupID   string         `json:"trust_group_id"`
	OrganizationID string         `json:"organization_id"`
	MembershipType MembershipType `json:"membership_type"`
	IsActive       bool           `json:"is_active"`
	JoinedAt       time.Time      `json:"joined_at"`
	LeftAt         *time.Time     `json:"left_at,omitempty"`
	InvitedBy      string         `json:"invited_by,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
}

// GroupMembershipView pairs a membership with its loaded group.
type GroupMembershipView struct {
	Membership TrustGroupMembership `json:"membership"`
	Group      *TrustGroup          `json:"group"`
}
