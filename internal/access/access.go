// Package access decides whether one organization may act on another
// organization's data. Decisions come from a chain of strategies evaluated
// over trust data loaded once per request.
package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/witlox/crisp/pkg/models"
)

// Common actions.
const (
	ActionRead      = "read"
	ActionWrite     = "write"
	ActionShare     = "share"
	ActionSubscribe = "subscribe"
	ActionDelete    = "delete"
)

// Context is the input of an access decision.
type Context struct {
	RequestingOrg string
	TargetOrg     string
	// Relationship is the effective relationship between the pair. Nil when
	// none is in force.
	Relationship *models.TrustRelationship
	// Inactive is the most recent relationship that is not in force. It only
	// explains denials and never grants access.
	Inactive *models.TrustRelationship
	// Memberships are the requesting organization's group memberships.
	Memberships []models.GroupMembershipView
	// SharedGroups are active groups both organizations belong to.
	SharedGroups []*models.TrustGroup
	ResourceType string
	Action       string
	Actor        models.Actor
	IPAddress    string
	Time         time.Time
	Attributes   map[string]any
}

func (c *Context) now() time.Time {
	if c.Time.IsZero() {
		return time.Now()
	}
	return c.Time
}

// effectiveRelationship returns the relationship when it currently grants trust.
func (c *Context) effectiveRelationship() *models.TrustRelationship {
	if c.Relationship != nil && c.Relationship.IsEffective(c.now()) {
		return c.Relationship
	}
	return nil
}

// staleRelationship returns a relationship that exists but grants nothing.
func (c *Context) staleRelationship() *models.TrustRelationship {
	if c.Relationship != nil && !c.Relationship.IsEffective(c.now()) {
		return c.Relationship
	}
	if c.Relationship == nil {
		return c.Inactive
	}
	return nil
}

// notEffective explains why a stale relationship grants nothing.
func (c *Context) notEffective(rel *models.TrustRelationship) Decision {
	return deny(fmt.Sprintf("trust relationship is not effective (status %s)", rel.EffectiveStatus(c.now())))
}

// trustValue returns the numerical trust value of the effective relationship.
func (c *Context) trustValue() (int, bool) {
	rel := c.effectiveRelationship()
	if rel == nil || rel.TrustLevel == nil {
		return 0, false
	}
	return rel.TrustLevel.NumericalValue, true
}

// Facts flattens the context into the fields policy rules can reference.
func (c *Context) Facts() map[string]any {
	now := c.now()
	facts := map[string]any{
		"requesting_org": c.RequestingOrg,
		"target_org":     c.TargetOrg,
		"same_org":       c.RequestingOrg != "" && c.RequestingOrg == c.TargetOrg,
		"action":         c.Action,
		"resource_type":  c.ResourceType,
		"user":           c.Actor.UserID,
		"role":           string(c.Actor.Role),
		"ip_address":     c.IPAddress,
		"hour":           now.Hour(),
		"weekday":        strings.ToLower(now.Weekday().String()),
		"shared_groups":  len(c.SharedGroups),
		"trust.value":    0,
		"trust.name":     "none",
	}
	if rel := c.effectiveRelationship(); rel != nil {
		facts["relationship.type"] = string(rel.RelationshipType)
		facts["relationship.status"] = string(rel.EffectiveStatus(now))
		facts["relationship.effective"] = true
		facts["relationship.bilateral"] = rel.IsBilateral
		facts["relationship.access_level"] = string(rel.AccessLevel)
		facts["relationship.anonymization_level"] = string(rel.AnonymizationLevel)
		if rel.TrustLevel != nil {
			facts["trust.value"] = rel.TrustLevel.NumericalValue
			facts["trust.name"] = rel.TrustLevel.Name
			facts["trust.category"] = string(rel.TrustLevel.Level)
		}
	} else {
		facts["relationship.effective"] = false
		if stale := c.staleRelationship(); stale != nil {
			facts["relationship.status"] = string(stale.EffectiveStatus(now))
		}
	}
	for k, v := range c.Attributes {
		facts["attr."+k] = v
	}
	return facts
}

// Decision is the outcome of an access evaluation.
type Decision struct {
	Allowed     bool               `json:"allowed"`
	Reason      string             `json:"reason"`
	AccessLevel models.AccessLevel `json:"access_level"`
	Strategy    string             `json:"strategy,omitempty"`
}

// Strategy evaluates one access rule. Implementations are immutable once
// built and safe for concurrent use.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, ac *Context) (Decision, error)
	AccessLevel(ac *Context) models.AccessLevel
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, AccessLevel: models.AccessNone}
}

// relationshipAccessLevel is the level granted by the effective relationship,
// falling back to the trust level's default.
func relationshipAccessLevel(ac *Context) models.AccessLevel {
	rel := ac.effectiveRelationship()
	switch {
	case rel == nil:
		return models.AccessNone
	case rel.AccessLevel.Valid():
		return rel.AccessLevel
	case rel.TrustLevel != nil && rel.TrustLevel.DefaultAccessLevel.Valid():
		return rel.TrustLevel.DefaultAccessLevel
	}
	return models.AccessRead
}
