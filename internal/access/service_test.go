package access_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/memstore"
	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/telemetry"
)

// fixture: org-a and org-b share an active Medium bilateral relationship,
// org-a and org-c share the "Sector ISAC" group, org-d knows nobody.
func newFixture(t *testing.T, opts ...access.Option) (*access.Service, *events.Recorder) {
	t.Helper()
	ctx := context.Background()

	ts := trust.NewService(memstore.NewTrustRepository(), events.Nop{}, zap.NewNop())
	_, err := ts.EnsureDefaultTrustLevels(ctx)
	require.NoError(t, err)

	rel, err := ts.CreateTrustRelationship(ctx, trust.CreateRelationshipRequest{
		SourceOrganization: "org-a",
		TargetOrganization: "org-b",
		TrustLevelName:     "Medium",
		RelationshipType:   models.RelationshipTypeBilateral,
		CreatedBy:          "alice",
	})
	require.NoError(t, err)
	_, err = ts.ApproveTrustRelationship(ctx, rel.ID, "org-a", "alice")
	require.NoError(t, err)
	res, err := ts.ApproveTrustRelationship(ctx, rel.ID, "org-b", "bob")
	require.NoError(t, err)
	require.True(t, res.Activated)

	group, err := ts.CreateTrustGroup(ctx, trust.CreateGroupRequest{
		Name:                  "Sector ISAC",
		GroupType:             models.GroupTypeSector,
		IsPublic:              true,
		DefaultTrustLevelName: "Low",
		CreatorOrganization:   "org-a",
		CreatedBy:             "alice",
	})
	require.NoError(t, err)
	_, err = ts.JoinTrustGroup(ctx, trust.JoinGroupRequest{GroupID: group.ID, OrganizationID: "org-c", UserID: "carol"})
	require.NoError(t, err)

	mgr := access.NewManager(zap.NewNop(), nil)
	mgr.Register(access.NewTrustLevelStrategy(50))
	mgr.Register(access.CommunityStrategy{})

	rec := &events.Recorder{}
	return access.NewService(ts, mgr, append([]access.Option{access.WithPublisher(rec)}, opts...)...), rec
}

func viewer(org string) models.Actor {
	return models.Actor{UserID: "user-" + org, OrganizationID: org, Role: models.RoleViewer}
}

func publisher(org string) models.Actor {
	return models.Actor{UserID: "pub-" + org, OrganizationID: org, Role: models.RolePublisher}
}

func TestCheckAccess(t *testing.T) {
	ctx := context.Background()
	svc, rec := newFixture(t)

	t.Run("bilateral trust", func(t *testing.T) {
		d, err := svc.CheckAccess(ctx, access.Request{
			RequestingOrg: "org-a", TargetOrg: "org-b", Actor: viewer("org-a"), Action: access.ActionRead,
		})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, "trust_level", d.Strategy)
		assert.NotEqual(t, models.AccessNone, d.AccessLevel)
	})

	t.Run("community fallback", func(t *testing.T) {
		d, err := svc.CheckAccess(ctx, access.Request{
			RequestingOrg: "org-c", TargetOrg: "org-a", Actor: viewer("org-c"), Action: access.ActionRead,
		})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, "community", d.Strategy)
		assert.Equal(t, models.AccessRead, d.AccessLevel)
	})

	t.Run("no path is denied", func(t *testing.T) {
		d, err := svc.CheckAccess(ctx, access.Request{
			RequestingOrg: "org-b", TargetOrg: "org-c", Actor: viewer("org-b"), Action: access.ActionRead,
			IPAddress: "192.0.2.10",
		})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "no trust relationship")
		assert.Contains(t, d.Reason, "no shared trust group")

		denied := rec.OfType(models.ActionAccessDenied)
		require.Len(t, denied, 1)
		assert.Equal(t, "org-b", denied[0].SourceOrg)
		assert.Equal(t, "org-c", denied[0].TargetOrg)
		assert.Equal(t, "192.0.2.10", denied[0].IPAddress)
		assert.False(t, denied[0].Success)
		assert.Equal(t, access.ActionRead, denied[0].Details["action"])
	})

	t.Run("same organization", func(t *testing.T) {
		d, err := svc.CheckAccess(ctx, access.Request{RequestingOrg: "org-d", TargetOrg: "org-d", Action: access.ActionWrite})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, "self", d.Strategy)
		assert.Equal(t, models.AccessFull, d.AccessLevel)
	})

	t.Run("explicit chain", func(t *testing.T) {
		d, err := svc.CheckAccess(ctx, access.Request{
			RequestingOrg: "org-c", TargetOrg: "org-a", Action: access.ActionRead, Strategies: []string{"trust_level"},
		})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("missing organization", func(t *testing.T) {
		_, err := svc.CheckAccess(ctx, access.Request{TargetOrg: "org-a"})
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	assert.Len(t, rec.OfType(models.ActionAccessGranted), 3)
}

func TestCheckAccessIgnoresRevokedRelationship(t *testing.T) {
	ctx := context.Background()
	ts := trust.NewService(memstore.NewTrustRepository(), events.Nop{}, zap.NewNop())
	_, err := ts.EnsureDefaultTrustLevels(ctx)
	require.NoError(t, err)

	rel, err := ts.CreateTrustRelationship(ctx, trust.CreateRelationshipRequest{
		SourceOrganization: "org-a",
		TargetOrganization: "org-b",
		TrustLevelName:     "High",
		RelationshipType:   models.RelationshipTypeBilateral,
		CreatedBy:          "alice",
	})
	require.NoError(t, err)
	_, err = ts.ApproveTrustRelationship(ctx, rel.ID, "org-a", "alice")
	require.NoError(t, err)
	_, err = ts.ApproveTrustRelationship(ctx, rel.ID, "org-b", "bob")
	require.NoError(t, err)
	_, err = ts.RevokeBilateralTrust(ctx, rel.ID, models.Actor{UserID: "alice", OrganizationID: "org-a", Role: models.RoleAdmin}, "contract ended")
	require.NoError(t, err)

	group, err := ts.CreateTrustGroup(ctx, trust.CreateGroupRequest{
		Name:                  "Sector ISAC",
		IsPublic:              true,
		DefaultTrustLevelName: "Low",
		CreatorOrganization:   "org-a",
		CreatedBy:             "alice",
	})
	require.NoError(t, err)
	_, err = ts.JoinTrustGroup(ctx, trust.JoinGroupRequest{GroupID: group.ID, OrganizationID: "org-b", UserID: "bob"})
	require.NoError(t, err)

	mgr := access.NewManager(zap.NewNop(), nil)
	mgr.Register(access.NewTrustLevelStrategy(50))
	mgr.Register(access.CommunityStrategy{})
	mgr.Register(access.TimeBasedStrategy{})
	svc := access.NewService(ts, mgr)

	require.True(t, ts.CanAccessOrganizationData(ctx, "org-b", "org-a"))
	d, err := svc.CheckAccess(ctx, access.Request{RequestingOrg: "org-b", TargetOrg: "org-a", Actor: viewer("org-b"), Action: access.ActionRead})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "community", d.Strategy)

	d, err = svc.CheckAccess(ctx, access.Request{
		RequestingOrg: "org-b", TargetOrg: "org-a", Action: access.ActionRead, Strategies: []string{"trust_level", "time_based"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "status revoked")
}

type failingReader struct{}

func (failingReader) LoadDecisionData(context.Context, string, string) (*trust.DecisionData, error) {
	return nil, stderrors.New("connection reset")
}

func (failingReader) CanAccessOrganizationData(context.Context, string, string) bool { return false }

func (failingReader) GetAccessibleOrganizations(context.Context, string) []string { return nil }

func TestCheckAccessStoreFailure(t *testing.T) {
	rec := &events.Recorder{}
	svc := access.NewService(failingReader{}, access.NewManager(nil, nil), access.WithPublisher(rec))
	_, err := svc.CheckAccess(context.Background(), access.Request{RequestingOrg: "org-a", TargetOrg: "org-b"})
	assert.ErrorIs(t, err, errors.ErrInternalError)
	assert.Empty(t, rec.Events())
}

func TestOrganizationReachability(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFixture(t)

	assert.True(t, svc.CanAccessOrganization(ctx, viewer("org-a"), "org-b"))
	assert.True(t, svc.CanAccessOrganization(ctx, viewer("org-c"), "org-a"))
	assert.False(t, svc.CanAccessOrganization(ctx, viewer("org-d"), "org-a"))
	assert.False(t, svc.CanAccessOrganization(ctx, models.Actor{OrganizationID: "org-a", Role: "guest"}, "org-b"))

	// Partners of a partner are not reachable through the partner's groups.
	assert.Equal(t, []string{"org-a", "org-b"}, svc.GetAccessibleOrganizations(ctx, "org-b"))
	assert.Equal(t, []string{"org-a", "org-b", "org-c"}, svc.GetAccessibleOrganizations(ctx, "org-a"))
}

func TestCanShareIndicator(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFixture(t)

	tests := []struct {
		name   string
		actor  models.Actor
		owner  string
		target string
		want   bool
	}{
		{"publisher to partner", publisher("org-a"), "org-a", "org-b", true},
		{"publisher to community", publisher("org-a"), "org-a", "org-c", true},
		{"publisher to own organization", publisher("org-d"), "org-d", "org-d", true},
		{"publisher to stranger", publisher("org-a"), "org-a", "org-d", false},
		{"foreign indicator", publisher("org-b"), "org-a", "org-b", false},
		{"viewer cannot share", viewer("org-a"), "org-a", "org-b", false},
		{"admin inherits sharing", models.Actor{OrganizationID: "org-a", Role: models.RoleAdmin}, "org-a", "org-b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.CanShareIndicator(ctx, tt.actor, tt.owner, tt.target))
		})
	}
}

func TestFilterByAccess(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFixture(t)

	type indicator struct {
		ID    string
		Owner string
	}
	items := []indicator{{"i1", "org-a"}, {"i2", "org-b"}, {"i3", "org-c"}, {"i4", "org-d"}}
	owner := func(i indicator) string { return i.Owner }

	got := access.FilterByAccess(ctx, svc, viewer("org-b"), items, owner)
	assert.Equal(t, []indicator{{"i1", "org-a"}, {"i2", "org-b"}}, got)

	assert.Len(t, access.FilterByAccess(ctx, svc, viewer("org-a"), items, owner), 3)
	assert.Empty(t, access.FilterByAccess(ctx, svc, models.Actor{OrganizationID: "org-a", Role: "guest"}, items, owner))
}

func TestCheckAccessSpan(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })
	svc, _ := newFixture(t, access.WithTracer(provider.Tracer("access")))

	spanAttrs := func() map[attribute.Key]attribute.Value {
		spans := recorder.Ended()
		require.NotEmpty(t, spans)
		last := spans[len(spans)-1]
		require.Equal(t, "access.check", last.Name())
		out := map[attribute.Key]attribute.Value{}
		for _, kv := range last.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	t.Run("granted through a relationship", func(t *testing.T) {
		_, err := svc.CheckAccess(ctx, access.Request{
			RequestingOrg: "org-a", TargetOrg: "org-b", Actor: viewer("org-a"), Action: access.ActionRead,
		})
		require.NoError(t, err)

		attrs := spanAttrs()
		assert.Equal(t, telemetry.OrgPseudonym("org-a"), attrs[telemetry.KeyRequestingOrg].AsString())
		assert.Equal(t, telemetry.OrgPseudonym("org-b"), attrs[telemetry.KeyTargetOrg].AsString())
		assert.NotEmpty(t, attrs[telemetry.KeyRelationshipID].AsString())
		assert.Equal(t, "Medium", attrs[telemetry.KeyTrustLevel].AsString())
		assert.Equal(t, int64(50), attrs[telemetry.KeyTrustValue].AsInt64())
		assert.True(t, attrs[telemetry.KeyDecisionAllowed].AsBool())
		assert.Equal(t, "trust_level", attrs[telemetry.KeyDecisionStrategy].AsString())
		for _, v := range attrs {
			assert.NotEqual(t, "org-a", v.Emit())
		}
	})

	t.Run("denied without a relationship", func(t *testing.T) {
		_, err := svc.CheckAccess(ctx, access.Request{
			RequestingOrg: "org-d", TargetOrg: "org-b", Actor: viewer("org-d"), Action: access.ActionRead,
		})
		require.NoError(t, err)

		attrs := spanAttrs()
		assert.Equal(t, "none", attrs[telemetry.KeyRelationshipStatus].AsString())
		assert.False(t, attrs[telemetry.KeyDecisionAllowed].AsBool())
	})
}

func TestCheckAccessMetrics(t *testing.T) {
	ctx := context.Background()
	metrics.ResetRegistry()
	m := metrics.NewAccessMetrics()
	svc, _ := newFixture(t, access.WithMetrics(m))

	for _, org := range []string{"org-a", "org-d", "org-b"} {
		_, err := svc.CheckAccess(ctx, access.Request{
			RequestingOrg: org, TargetOrg: "org-b", Actor: viewer(org), Action: access.ActionRead,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrustLevelDecisions.WithLabelValues("Medium", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrustLevelDecisions.WithLabelValues("none", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrustLevelDecisions.WithLabelValues("self", "allowed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.DecisionLatency), "one series per result")
}
