package models

import "time"

// TrustAction is the kind of trust event recorded in the trust log.
type TrustAction string

const (
	ActionRelationshipCreated   TrustAction = "relationship_created"
	ActionRelationshipApproved  TrustAction = "relationship_approved"
	ActionRelationshipActivated TrustAction = "relationship_activated"
	ActionRelationshipRejected  TrustAction = "relationship_rejected"
	ActionRelationshipRevoked   TrustAction = "relationship_revoked"
	ActionRelationshipSuspended TrustAction = "relationship_suspended"
	ActionRelationshipUpdated   TrustAction = "relationship_updated"
	ActionGroupCreated          TrustAction = "group_created"
	ActionGroupJoined           TrustAction = "group_joined"
	ActionGroupLeft             TrustAction = "group_left"
	ActionMembershipApproved    TrustAction = "membership_approved"
	ActionTrustLevelChanged     TrustAction = "trust_level_changed"
	ActionAccessGranted         TrustAction = "access_granted"
	ActionAccessDenied          TrustAction = "access_denied"
	ActionIntelligenceShared    TrustAction = "intelligence_shared"
	ActionIntelligenceAccessed  TrustAction = "intelligence_accessed"
	ActionSecurityAlert         TrustAction = "security_alert"
)

// Valid reports whether a is a known action.
func (a TrustAction) Valid() bool {
	switch a {
	case ActionRelationshipCreated, ActionRelationshipApproved, ActionRelationshipActivated,
		ActionRelationshipRejected, ActionRelationshipRevoked, ActionRelationshipSuspended,
		ActionRelationshipUpdated, ActionGroupCreated, ActionGroupJoined, ActionGroupLeft,
		ActionMembershipApproved, ActionTrustLevelChanged, ActionAccessGranted, ActionAccessDenied,
		ActionIntelligenceShared, ActionIntelligenceAccessed, ActionSecurityAlert:
		return true
	}
	return false
}

// TrustLog is an immutable audit entry for a trust event.
type TrustLog struct {
	ID                  string         `json:"id"`
	Action              TrustAction    `json:"action"`
	SourceOrganization  string         `json:"source_organization"`
	TargetOrganization  string         `json:"target_organization,omitempty"`
	User                string         `json:"user,omitempty"`
	TrustRelationshipID string         `json:"trust_relationship_id,omitempty"`
	TrustGroupID        string         `json:"trust_group_id,omitempty"`
	IPAddress           string         `json:"ip_address,omitempty"`
	UserAgent           string         `json:"user_agent,omitempty"`
	Success             bool           `json:"success"`
	FailureReason       string         `json:"failure_reason,omitempty"`
	Details             map[string]any `json:"details,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	DataHash            string         `json:"data_hash,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
}
