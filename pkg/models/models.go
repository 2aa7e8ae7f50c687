// Package models defines the core domain types for CRISP.
package models

// TrustCategory is the coarse sharing category of a trust level.
type TrustCategory string

const (
	TrustCategoryPublic     TrustCategory = "public"
	TrustCategoryTrusted    TrustCategory = "trusted"
	TrustCategoryRestricted TrustCategory = "restricted"
)

// Valid reports whether c is a known category.
func (c TrustCategory) Valid() bool {
	switch c {
	case TrustCategoryPublic, TrustCategoryTrusted, TrustCategoryRestricted:
		return true
	}
	return false
}

// RelationshipType describes how two organizations came to trust each other.
type RelationshipType string

const (
	RelationshipTypeBilateral    RelationshipType = "bilateral"
	RelationshipTypeCommunity    RelationshipType = "community"
	RelationshipTypeHierarchical RelationshipType = "hierarchical"
	RelationshipTypeFederation   RelationshipType = "federation"
)

// Valid reports whether t is a known relationship type.
func (t RelationshipType) Valid() bool {
	switch t {
	case RelationshipTypeBilateral, RelationshipTypeCommunity, RelationshipTypeHierarchical, RelationshipTypeFederation:
		return true
	}
	return false
}

// RelationshipStatus represents the lifecycle state of a trust relationship.
type RelationshipStatus string

const (
	RelationshipStatusPending   RelationshipStatus = "pending"
	RelationshipStatusActive    RelationshipStatus = "active"
	RelationshipStatusSuspended RelationshipStatus = "suspended"
	RelationshipStatusRevoked   RelationshipStatus = "revoked"
	RelationshipStatusExpired   RelationshipStatus = "expired"
	RelationshipStatusRejected  RelationshipStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s RelationshipStatus) Valid() bool {
	switch s {
	case RelationshipStatusPending, RelationshipStatusActive, RelationshipStatusSuspended,
		RelationshipStatusRevoked, RelationshipStatusExpired, RelationshipStatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RelationshipStatus) Terminal() bool {
	return s == RelationshipStatusRevoked || s == RelationshipStatusRejected
}

// ApprovalStatus is the per-side approval state.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// AnonymizationLevel controls how much identifying detail is stripped before sharing.
type AnonymizationLevel string

const (
	AnonymizationNone    AnonymizationLevel = "none"
	AnonymizationMinimal AnonymizationLevel = "minimal"
	AnonymizationPartial AnonymizationLevel = "partial"
	AnonymizationFull    AnonymizationLevel = "full"
	AnonymizationCustom  AnonymizationLevel = "custom"
)

// Valid reports whether l is a known anonymization level.
func (l AnonymizationLevel) Valid() bool {
	switch l {
	case AnonymizationNone, AnonymizationMinimal, AnonymizationPartial, AnonymizationFull, AnonymizationCustom:
		return true
	}
	return false
}

// Rank orders the built-in levels from least to most strict. Custom has no
// intrinsic rank and reports -1; callers resolve it through its base level.
func (l AnonymizationLevel) Rank() int {
	switch l {
	case AnonymizationNone:
		return 0
	case AnonymizationMinimal:
		return 1
	case AnonymizationPartial:
		return 2
	case AnonymizationFull:
		return 3
	}
	return -1
}

// AccessLevel is the breadth of access granted by a relationship.
type AccessLevel string

const (
	AccessNone       AccessLevel = "none"
	AccessRead       AccessLevel = "read"
	AccessSubscribe  AccessLevel = "subscribe"
	AccessContribute AccessLevel = "contribute"
	AccessFull       AccessLevel = "full"
)

// Valid reports whether a is a known access level.
func (a AccessLevel) Valid() bool {
	return a.Rank() >= 0
}

// Rank orders access levels from none to full; unknown values report -1.
func (a AccessLevel) Rank() int {
	switch a {
	case AccessNone:
		return 0
	case AccessRead:
		return 1
	case AccessSubscribe:
		return 2
	case AccessContribute:
		return 3
	case AccessFull:
		return 4
	}
	return -1
}

// AtLeast reports whether a grants at least min.
func (a AccessLevel) AtLeast(min AccessLevel) bool {
	return a.Rank() >= min.Rank() && a.Rank() >= 0
}

// GroupType classifies trust groups.
type GroupType string

const (
	GroupTypeCommunity  GroupType = "community"
	GroupTypeSector     GroupType = "sector"
	GroupTypeRegional   GroupType = "regional"
	GroupTypeFederation GroupType = "federation"
)

// Valid reports whether g is a known group type.
func (g GroupType) Valid() bool {
	switch g {
	case GroupTypeCommunity, GroupTypeSector, GroupTypeRegional, GroupTypeFederation:
		return true
	}
	return false
}

// MembershipType is the role an organization holds inside a trust group.
type MembershipType string

const (
	MembershipMember        MembershipType = "member"
	MembershipAdministrator MembershipType = "administrator"
	MembershipModerator     MembershipType = "moderator"
)

// Valid reports whether m is a known membership type.
func (m MembershipType) Valid() bool {
	switch m {
	case MembershipMember, MembershipAdministrator, MembershipModerator:
		return true
	}
	return false
}

// Role is a platform user role.
type Role string

const (
	RoleViewer    Role = "viewer"
	RolePublisher Role = "publisher"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RolePublisher, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies the user and organization performing an operation.
type Actor struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           Role   `json:"role"`
}

// IsAdmin reports whether the actor holds the platform administrator role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}
