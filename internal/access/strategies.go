package access

import (
	"context"
	"fmt"
	"time"

	"github.com/witlox/crisp/pkg/models"
)

// TrustLevelStrategy requires an effective relationship at or above a
// minimum numerical trust value.
type TrustLevelStrategy struct {
	minimum int
}

// NewTrustLevelStrategy creates a trust level strategy.
func NewTrustLevelStrategy(minimum int) TrustLevelStrategy {
	return TrustLevelStrategy{minimum: minimum}
}

func (TrustLevelStrategy) Name() string { return "trust_level" }

func (s TrustLevelStrategy) Evaluate(_ context.Context, ac *Context) (Decision, error) {
	return checkTrust(ac, s.minimum), nil
}

func (s TrustLevelStrategy) AccessLevel(ac *Context) models.AccessLevel {
	if !checkTrust(ac, s.minimum).Allowed {
		return models.AccessNone
	}
	return relationshipAccessLevel(ac)
}

func checkTrust(ac *Context, minimum int) Decision {
	rel := ac.effectiveRelationship()
	if rel == nil {
		if stale := ac.staleRelationship(); stale != nil {
			return ac.notEffective(stale)
		}
		return deny("no trust relationship")
	}
	switch {
	case rel.TrustLevel == nil:
		return deny("trust relationship has no trust level")
	case rel.TrustLevel.NumericalValue < minimum:
		return deny(fmt.Sprintf("trust level %s (%d) below required %d",
			rel.TrustLevel.Name, rel.TrustLevel.NumericalValue, minimum))
	}
	d := allow(fmt.Sprintf("trust level %s (%d) meets required %d",
		rel.TrustLevel.Name, rel.TrustLevel.NumericalValue, minimum))
	d.AccessLevel = relationshipAccessLevel(ac)
	return d
}

// CommunityStrategy grants access through community trust: an effective
// community relationship, or shared group membership when no relationship
// is in force. Revoked or pending relationships do not block the group path.
type CommunityStrategy struct{}

func (CommunityStrategy) Name() string { return "community" }

func (s CommunityStrategy) Evaluate(_ context.Context, ac *Context) (Decision, error) {
	if rel := ac.effectiveRelationship(); rel != nil {
		if rel.RelationshipType != models.RelationshipTypeCommunity {
			return deny(fmt.Sprintf("relationship type %s is not community", rel.RelationshipType)), nil
		}
		d := allow("effective community relationship")
		d.AccessLevel = s.AccessLevel(ac)
		return d, nil
	}
	if len(ac.SharedGroups) == 0 {
		if stale := ac.staleRelationship(); stale != nil && stale.RelationshipType == models.RelationshipTypeCommunity {
			return deny("community relationship is not effective"), nil
		}
		return deny("no shared trust group"), nil
	}
	d := allow(fmt.Sprintf("shared trust group %s", ac.SharedGroups[0].Name))
	d.AccessLevel = s.AccessLevel(ac)
	return d, nil
}

// AccessLevel is the default access level of the first shared group's
// trust level.
func (CommunityStrategy) AccessLevel(ac *Context) models.AccessLevel {
	for _, g := range ac.SharedGroups {
		if g.DefaultTrustLevel != nil && g.DefaultTrustLevel.DefaultAccessLevel.Valid() {
			return g.DefaultTrustLevel.DefaultAccessLevel
		}
	}
	if level := relationshipAccessLevel(ac); level != models.AccessNone {
		return level
	}
	if len(ac.SharedGroups) > 0 {
		return models.AccessRead
	}
	return models.AccessNone
}

// TimeBasedStrategy requires an effective relationship and the request time
// to fall inside its validity window.
type TimeBasedStrategy struct{}

func (TimeBasedStrategy) Name() string { return "time_based" }

func (TimeBasedStrategy) Evaluate(_ context.Context, ac *Context) (Decision, error) {
	rel := ac.effectiveRelationship()
	if rel == nil {
		stale := ac.staleRelationship()
		if stale == nil {
			return deny("no trust relationship"), nil
		}
		if d, ok := outsideWindow(stale, ac.now()); ok {
			return d, nil
		}
		return ac.notEffective(stale), nil
	}
	if d, ok := outsideWindow(rel, ac.now()); ok {
		return d, nil
	}
	d := allow("within relationship validity window")
	d.AccessLevel = rel.AccessLevel
	return d, nil
}

func outsideWindow(rel *models.TrustRelationship, now time.Time) (Decision, bool) {
	if now.Before(rel.ValidFrom) {
		return deny(fmt.Sprintf("relationship not valid before %s", rel.ValidFrom.UTC().Format(time.RFC3339))), true
	}
	if rel.ValidUntil != nil && now.After(*rel.ValidUntil) {
		return deny(fmt.Sprintf("relationship expired at %s", rel.ValidUntil.UTC().Format(time.RFC3339))), true
	}
	return Decision{}, false
}

func (s TimeBasedStrategy) AccessLevel(ac *Context) models.AccessLevel {
	if d, _ := s.Evaluate(context.Background(), ac); d.Allowed {
		return d.AccessLevel
	}
	return models.AccessNone
}

// TrustBasedConfig configures TrustBasedAccessControl.
type TrustBasedConfig struct {
	MinimumTrustLevel int            `mapstructure:"minimum_trust_level" json:"minimum_trust_level"`
	RequiredActions   map[string]int `mapstructure:"required_actions" json:"required_actions,omitempty"`
}

// TrustBasedAccessControl applies per-action trust thresholds, falling back
// to a minimum for actions without one.
type TrustBasedAccessControl struct {
	minimum  int
	required map[string]int
}

// NewTrustBasedAccessControl creates the strategy. The configuration is copied.
func NewTrustBasedAccessControl(cfg TrustBasedConfig) TrustBasedAccessControl {
	required := make(map[string]int, len(cfg.RequiredActions))
	for action, level := range cfg.RequiredActions {
		required[action] = level
	}
	return TrustBasedAccessControl{minimum: cfg.MinimumTrustLevel, required: required}
}

func (TrustBasedAccessControl) Name() string { return "trust_based" }

// Threshold returns the trust value required for action.
func (s TrustBasedAccessControl) Threshold(action string) int {
	if level, ok := s.required[action]; ok {
		return level
	}
	return s.minimum
}

func (s TrustBasedAccessControl) Evaluate(_ context.Context, ac *Context) (Decision, error) {
	d := checkTrust(ac, s.Threshold(ac.Action))
	if ac.Action != "" {
		d.Reason = fmt.Sprintf("%s: %s", ac.Action, d.Reason)
	}
	return d, nil
}

func (s TrustBasedAccessControl) AccessLevel(ac *Context) models.AccessLevel {
	if !checkTrust(ac, s.Threshold(ac.Action)).Allowed {
		return models.AccessNone
	}
	return relationshipAccessLevel(ac)
}

// GroupBasedAccessControl grants access to administrators and active
// members of one active group, matched by id or name. An administrator whose
// organization has left the group gets nothing. Without a configured group
// any shared group grants access.
type GroupBasedAccessControl struct {
	group string
}

// NewGroupBasedAccessControl creates the strategy for group (id or name).
func NewGroupBasedAccessControl(group string) GroupBasedAccessControl {
	return GroupBasedAccessControl{group: group}
}

func (GroupBasedAccessControl) Name() string { return "group_based" }

func (s GroupBasedAccessControl) Evaluate(_ context.Context, ac *Context) (Decision, error) {
	if s.group == "" {
		if len(ac.SharedGroups) == 0 {
			return deny("no shared trust group"), nil
		}
		d := allow(fmt.Sprintf("member of shared group %s", ac.SharedGroups[0].Name))
		d.AccessLevel = s.AccessLevel(ac)
		return d, nil
	}

	view, ok := s.membership(ac)
	switch {
	case !ok:
		return deny(fmt.Sprintf("not a member of group %s", s.group)), nil
	case !view.Group.IsActive:
		return deny(fmt.Sprintf("group %s is inactive", view.Group.Name)), nil
	case view.Membership.LeftAt != nil:
		return deny(fmt.Sprintf("left group %s", view.Group.Name)), nil
	case view.Group.IsAdministrator(ac.RequestingOrg):
		d := allow(fmt.Sprintf("administrator of group %s", view.Group.Name))
		d.AccessLevel = s.AccessLevel(ac)
		return d, nil
	case !view.Membership.IsActive:
		return deny(fmt.Sprintf("membership in group %s is not active", view.Group.Name)), nil
	}
	d := allow(fmt.Sprintf("active member of group %s", view.Group.Name))
	d.AccessLevel = s.AccessLevel(ac)
	return d, nil
}

func (s GroupBasedAccessControl) AccessLevel(ac *Context) models.AccessLevel {
	var group *models.TrustGroup
	if s.group == "" {
		if len(ac.SharedGroups) == 0 {
			return models.AccessNone
		}
		group = ac.SharedGroups[0]
	} else {
		view, ok := s.membership(ac)
		if !ok {
			return models.AccessNone
		}
		group = view.Group
	}
	if group.DefaultTrustLevel != nil && group.DefaultTrustLevel.DefaultAccessLevel.Valid() {
		return group.DefaultTrustLevel.DefaultAccessLevel
	}
	return models.AccessRead
}

func (s GroupBasedAccessControl) membership(ac *Context) (models.GroupMembershipView, bool) {
	for _, v := range ac.Memberships {
		if v.Group != nil && (v.Group.ID == s.group || v.Group.Name == s.group) {
			return v, true
		}
	}
	return models.GroupMembershipView{}, false
}
