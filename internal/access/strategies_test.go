package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/crisp/pkg/models"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

func level(name string, value int, access models.AccessLevel) *models.TrustLevel {
	return &models.TrustLevel{
		ID:                 "level-" + name,
		Name:               name,
		Level:              models.TrustCategoryTrusted,
		NumericalValue:     value,
		DefaultAccessLevel: access,
		IsActive:           true,
	}
}

func effectiveRelationship(value int) *models.TrustRelationship {
	return &models.TrustRelationship{
		ID:                 "rel-1",
		SourceOrganization: "org-a",
		TargetOrganization: "org-b",
		RelationshipType:   models.RelationshipTypeBilateral,
		TrustLevel:         level("L", value, models.AccessSubscribe),
		Status:             models.RelationshipStatusActive,
		IsBilateral:        true,
		IsActive:           true,
		ValidFrom:          testNow.Add(-24 * time.Hour),
		AccessLevel:        models.AccessRead,
		ApprovedBySource:   true,
		ApprovedByTarget:   true,
	}
}

func newContext(rel *models.TrustRelationship) *Context {
	return &Context{
		RequestingOrg: "org-a",
		TargetOrg:     "org-b",
		Relationship:  rel,
		Action:        ActionRead,
		Actor:         models.Actor{UserID: "alice", OrganizationID: "org-a", Role: models.RoleViewer},
		Time:          testNow,
	}
}

func sharedGroup(access models.AccessLevel) *models.TrustGroup {
	return &models.TrustGroup{
		ID:                "group-1",
		Name:              "Sector ISAC",
		IsActive:          true,
		DefaultTrustLevel: level("Medium", 50, access),
		Administrators:    []string{"org-x"},
	}
}

func TestTrustLevelStrategy(t *testing.T) {
	ctx := context.Background()
	s := NewTrustLevelStrategy(50)

	tests := []struct {
		name    string
		rel     *models.TrustRelationship
		allowed bool
		reason  string
	}{
		{"no relationship", nil, false, "no trust relationship"},
		{"pending", func() *models.TrustRelationship {
			r := effectiveRelationship(75)
			r.Status = models.RelationshipStatusPending
			return r
		}(), false, "not effective"},
		{"too low", effectiveRelationship(20), false, "below required 50"},
		{"exact threshold", effectiveRelationship(50), true, "meets required 50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := s.Evaluate(ctx, newContext(tt.rel))
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Contains(t, d.Reason, tt.reason)
		})
	}

	assert.Equal(t, models.AccessRead, s.AccessLevel(newContext(effectiveRelationship(80))))
	assert.Equal(t, models.AccessNone, s.AccessLevel(newContext(effectiveRelationship(10))))
}

func TestTrustBasedAccessControl(t *testing.T) {
	ctx := context.Background()
	s := NewTrustBasedAccessControl(TrustBasedConfig{
		MinimumTrustLevel: 10,
		RequiredActions:   map[string]int{ActionWrite: 60},
	})

	t.Run("write needs more trust than the relationship has", func(t *testing.T) {
		ac := newContext(effectiveRelationship(20))
		ac.Action = ActionWrite
		d, err := s.Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "write")
	})

	t.Run("unconfigured action uses the minimum", func(t *testing.T) {
		d, err := s.Evaluate(ctx, newContext(effectiveRelationship(20)))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 10, s.Threshold("export"))
	})

	t.Run("configuration is copied", func(t *testing.T) {
		required := map[string]int{ActionShare: 40}
		s := NewTrustBasedAccessControl(TrustBasedConfig{RequiredActions: required})
		required[ActionShare] = 0
		assert.Equal(t, 40, s.Threshold(ActionShare))
	})
}

func TestCommunityStrategy(t *testing.T) {
	ctx := context.Background()
	s := CommunityStrategy{}

	t.Run("bilateral relationship is not community trust", func(t *testing.T) {
		d, err := s.Evaluate(ctx, newContext(effectiveRelationship(50)))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("effective community relationship", func(t *testing.T) {
		rel := effectiveRelationship(50)
		rel.RelationshipType = models.RelationshipTypeCommunity
		d, err := s.Evaluate(ctx, newContext(rel))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("shared group without relationship", func(t *testing.T) {
		ac := newContext(nil)
		ac.SharedGroups = []*models.TrustGroup{sharedGroup(models.AccessSubscribe)}
		d, err := s.Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, models.AccessSubscribe, d.AccessLevel)
	})

	t.Run("revoked bilateral relationship does not block the group path", func(t *testing.T) {
		revoked := effectiveRelationship(50)
		revoked.Status = models.RelationshipStatusRevoked
		ac := newContext(nil)
		ac.Inactive = revoked
		ac.SharedGroups = []*models.TrustGroup{sharedGroup(models.AccessRead)}
		d, err := s.Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Contains(t, d.Reason, "shared trust group")
	})

	t.Run("nothing shared", func(t *testing.T) {
		d, err := s.Evaluate(ctx, newContext(nil))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, models.AccessNone, s.AccessLevel(newContext(nil)))
	})
}

func TestTimeBasedStrategy(t *testing.T) {
	ctx := context.Background()
	s := TimeBasedStrategy{}

	rel := effectiveRelationship(50)
	until := testNow.Add(time.Hour)
	rel.ValidUntil = &until

	d, err := s.Evaluate(ctx, newContext(rel))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	late := newContext(rel)
	late.Time = testNow.Add(2 * time.Hour)
	d, err = s.Evaluate(ctx, late)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "expired")

	early := newContext(rel)
	early.Time = testNow.Add(-48 * time.Hour)
	d, err = s.Evaluate(ctx, early)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "not valid before")

	d, err = s.Evaluate(ctx, newContext(nil))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	t.Run("revoked relationship inside its window", func(t *testing.T) {
		revoked := effectiveRelationship(50)
		revoked.ValidUntil = &until
		revoked.Status = models.RelationshipStatusRevoked
		revoked.IsActive = false

		for _, ac := range []*Context{newContext(revoked), {RequestingOrg: "org-a", TargetOrg: "org-b", Inactive: revoked, Time: testNow}} {
			d, err := s.Evaluate(ctx, ac)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Contains(t, d.Reason, "not effective")
			assert.Equal(t, models.AccessNone, s.AccessLevel(ac))
		}
	})
}

func TestGroupBasedAccessControl(t *testing.T) {
	ctx := context.Background()
	group := sharedGroup(models.AccessContribute)

	view := func(active bool) []models.GroupMembershipView {
		return []models.GroupMembershipView{{
			Membership: models.TrustGroupMembership{TrustGroupID: group.ID, OrganizationID: "org-a", IsActive: active},
			Group:      group,
		}}
	}

	t.Run("active member by name", func(t *testing.T) {
		ac := newContext(nil)
		ac.Memberships = view(true)
		d, err := NewGroupBasedAccessControl("Sector ISAC").Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, models.AccessContribute, d.AccessLevel)
	})

	t.Run("pending membership", func(t *testing.T) {
		ac := newContext(nil)
		ac.Memberships = view(false)
		d, err := NewGroupBasedAccessControl(group.ID).Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("administrator", func(t *testing.T) {
		ac := newContext(nil)
		ac.RequestingOrg = "org-x"
		ac.Memberships = view(false)
		d, err := NewGroupBasedAccessControl(group.ID).Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Contains(t, d.Reason, "administrator")
	})

	t.Run("administrator who left the group", func(t *testing.T) {
		left := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		ac := newContext(nil)
		ac.RequestingOrg = "org-x"
		ac.Memberships = view(false)
		ac.Memberships[0].Membership.OrganizationID = "org-x"
		ac.Memberships[0].Membership.LeftAt = &left
		d, err := NewGroupBasedAccessControl(group.ID).Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "left group")
	})

	t.Run("administrator of an inactive group", func(t *testing.T) {
		inactive := *group
		inactive.IsActive = false
		ac := newContext(nil)
		ac.RequestingOrg = "org-x"
		ac.Memberships = []models.GroupMembershipView{{
			Membership: models.TrustGroupMembership{TrustGroupID: group.ID, OrganizationID: "org-x", IsActive: true},
			Group:      &inactive,
		}}
		d, err := NewGroupBasedAccessControl(group.ID).Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "inactive")
	})

	t.Run("not a member", func(t *testing.T) {
		d, err := NewGroupBasedAccessControl(group.ID).Evaluate(ctx, newContext(nil))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("any shared group", func(t *testing.T) {
		ac := newContext(nil)
		ac.SharedGroups = []*models.TrustGroup{group}
		d, err := NewGroupBasedAccessControl("").Evaluate(ctx, ac)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestFacts(t *testing.T) {
	ac := newContext(effectiveRelationship(75))
	ac.Attributes = map[string]any{"tlp": "green"}
	facts := ac.Facts()

	assert.Equal(t, 75, facts["trust.value"])
	assert.Equal(t, true, facts["relationship.effective"])
	assert.Equal(t, "monday", facts["weekday"])
	assert.Equal(t, 10, facts["hour"])
	assert.Equal(t, "green", facts["attr.tlp"])

	pending := effectiveRelationship(75)
	pending.ApprovedByTarget = false
	facts = newContext(pending).Facts()
	assert.Equal(t, 0, facts["trust.value"])
	assert.Equal(t, false, facts["relationship.effective"])
	assert.Equal(t, string(models.RelationshipStatusActive), facts["relationship.status"])
	assert.NotContains(t, facts, "relationship.access_level")
}
