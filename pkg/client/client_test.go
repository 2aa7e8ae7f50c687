package client_test

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/api"
	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/internal/sharing"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/client"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/memstore"
	"github.com/witlox/crisp/pkg/models"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	bus := events.NewBus(zap.NewNop(), nil)
	auditSvc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
	bus.Register(events.NewAuditObserver(auditSvc))

	ts := trust.NewService(memstore.NewTrustRepository(), bus, zap.NewNop())
	_, err := ts.EnsureDefaultTrustLevels(ctx)
	require.NoError(t, err)

	mgr := access.NewManager(nil, nil)
	mgr.Register(access.NewTrustLevelStrategy(20))
	mgr.Register(access.CommunityStrategy{})
	as := access.NewService(ts, mgr, access.WithPublisher(bus))

	ss, err := sharing.NewService(ts, as, sharing.NewMemoryTransport(nil), sharing.Config{}, sharing.WithPublisher(bus))
	require.NoError(t, err)

	router := api.NewRouter(&api.RouterConfig{Logger: zap.NewNop(), Version: "1.2.3"},
		&api.Services{Trust: ts, Access: as, Sharing: ss, Audit: auditSvc})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func newClient(server *httptest.Server, org string, role models.Role) *client.Client {
	return client.New(client.Config{
		BaseURL:    server.URL,
		OrgID:      org,
		UserID:     "user-" + org,
		Role:       role,
		HTTPClient: server.Client(),
	})
}

func indicator() map[string]any {
	return map[string]any{
		"type":         "indicator",
		"id":           "indicator--" + uuid.NewString(),
		"spec_version": "2.1",
		"created":      "2026-02-01T10:00:00.000Z",
		"modified":     "2026-02-01T10:00:00.000Z",
		"pattern":      "[domain-name:value = 'bad.example.net']",
		"pattern_type": "stix",
		"valid_from":   "2026-02-01T10:00:00Z",
	}
}

func TestHealth(t *testing.T) {
	server := newServer(t)
	health, err := newClient(server, "", "").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
}

func TestClientPropagatesTrace(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	t.Cleanup(server.Close)

	ctx, span := provider.Tracer("test").Start(context.Background(), "partner.sync")
	defer span.End()
	_, err := newClient(server, "org-a", models.RoleViewer).Health(ctx)
	require.NoError(t, err)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestAPIErrors(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)

	t.Run("missing identity", func(t *testing.T) {
		_, err := newClient(server, "", "").ListTrustLevels(ctx)
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, "IDENTITY_REQUIRED", apiErr.Code)
		assert.ErrorIs(t, err, errors.ErrUnauthorized)
	})

	t.Run("forbidden role", func(t *testing.T) {
		_, err := newClient(server, "org-a", models.RoleViewer).CreateRelationship(ctx, client.CreateRelationshipRequest{
			TargetOrganization: "org-b",
			TrustLevel:         "High",
		})
		assert.ErrorIs(t, err, errors.ErrForbidden)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := newClient(server, "org-a", models.RoleViewer).GetRelationship(ctx, uuid.NewString())
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("unreachable server", func(t *testing.T) {
		c := client.New(client.Config{BaseURL: "http://127.0.0.1:1", OrgID: "org-a", Timeout: time.Second})
		_, err := c.Health(ctx)
		assert.Error(t, err)
	})
}

func TestRelationshipWorkflow(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)
	alice := newClient(server, "org-a", models.RoleAdmin)
	bob := newClient(server, "org-b", models.RoleAdmin)

	levels, err := alice.ListTrustLevels(ctx)
	require.NoError(t, err)
	assert.Len(t, levels, 4)

	rel, err := alice.CreateRelationship(ctx, client.CreateRelationshipRequest{
		TargetOrganization: "org-b",
		TrustLevel:         "Medium",
		Notes:              "quarterly exchange",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipStatusPending, rel.Status)

	_, err = alice.AcceptRelationship(ctx, rel.ID)
	assert.ErrorIs(t, err, errors.ErrForbidden, "the source cannot accept for the target")

	accepted, err := bob.AcceptRelationship(ctx, rel.ID)
	require.NoError(t, err)
	assert.True(t, accepted.Success)

	approval, err := alice.ApproveRelationship(ctx, rel.ID)
	require.NoError(t, err)
	assert.True(t, approval.Activated)

	level, err := bob.GetTrustLevel(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, "Medium", level)

	high := "High"
	updated, err := bob.UpdateRelationship(ctx, rel.ID, client.UpdateRelationshipRequest{TrustLevel: &high})
	require.NoError(t, err)
	assert.Equal(t, "High", updated.Relationship.TrustLevel.Name)
	assert.Equal(t, models.RelationshipStatusPending, updated.Relationship.Status)
	assert.Contains(t, updated.Message, "awaiting partner approval")

	reapproved, err := alice.ApproveRelationship(ctx, rel.ID)
	require.NoError(t, err)
	assert.True(t, reapproved.Activated)

	orgs, err := alice.GetAccessibleOrganizations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"org-a", "org-b"}, orgs)

	suspended, err := bob.SuspendRelationship(ctx, rel.ID, "incident review")
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipStatusSuspended, suspended.Relationship.Status)

	level, err = alice.GetTrustLevel(ctx, "org-b")
	require.NoError(t, err)
	assert.Equal(t, "none", level)

	revoked, err := alice.RevokeRelationship(ctx, rel.ID, "contract ended")
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipStatusRevoked, revoked.Relationship.Status)

	_, err = bob.ApproveRelationship(ctx, rel.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	rels, err := bob.ListRelationships(ctx)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestGroupWorkflow(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)
	alice := newClient(server, "org-a", models.RoleAdmin)
	carol := newClient(server, "org-c", models.RoleAdmin)

	group, err := alice.CreateGroup(ctx, client.CreateGroupRequest{
		Name:              "Finance ISAC",
		GroupType:         models.GroupTypeSector,
		IsPublic:          true,
		RequiresApproval:  true,
		DefaultTrustLevel: "Low",
	})
	require.NoError(t, err)

	membership, err := carol.JoinGroup(ctx, group.ID, "")
	require.NoError(t, err)
	assert.False(t, membership.IsActive)

	_, err = carol.JoinGroup(ctx, group.ID, "")
	assert.ErrorIs(t, err, errors.ErrConflict)

	membership, err = alice.ApproveMembership(ctx, group.ID, "org-c")
	require.NoError(t, err)
	assert.True(t, membership.IsActive)

	orgs, err := carol.GetAccessibleOrganizations(ctx)
	require.NoError(t, err)
	assert.Contains(t, orgs, "org-a")

	groups, err := carol.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	fetched, err := carol.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "Finance ISAC", fetched.Name)

	require.NoError(t, carol.LeaveGroup(ctx, group.ID))
	orgs, err = carol.GetAccessibleOrganizations(ctx)
	require.NoError(t, err)
	assert.NotContains(t, orgs, "org-a")
}

func TestIntelligenceWorkflow(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)
	admin := newClient(server, "org-a", models.RoleAdmin)
	partner := newClient(server, "org-b", models.RoleAdmin)

	rel, err := admin.CreateRelationship(ctx, client.CreateRelationshipRequest{TargetOrganization: "org-b", TrustLevel: "Complete"})
	require.NoError(t, err)
	_, err = partner.ApproveRelationship(ctx, rel.ID)
	require.NoError(t, err)
	_, err = admin.ApproveRelationship(ctx, rel.ID)
	require.NoError(t, err)

	publisher := newClient(server, "org-a", models.RolePublisher)
	targets, err := publisher.SharingTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, models.AnonymizationNone, targets[0].AnonymizationLevel)

	decision, err := publisher.CheckAccess(ctx, client.AccessRequest{TargetOrg: "org-b"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	preview, err := publisher.PreviewAnonymization(ctx, indicator(), "org-b", "")
	require.NoError(t, err)
	assert.Equal(t, models.AnonymizationNone, preview.Level)

	obj := indicator()
	results, err := publisher.ShareIntelligence(ctx, client.ShareRequest{Object: obj})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Shared, results[0].Reason)
	assert.NotEmpty(t, results[0].TLP)

	reader := newClient(server, "org-b", models.RoleViewer)
	objects, err := reader.FetchIntelligence(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, obj["pattern"], objects[0]["pattern"])

	objects, err = reader.FetchIntelligence(ctx, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, objects)

	result, err := reader.ValidateIntelligenceAccess(ctx, "org-a", "read")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	stranger := newClient(server, "org-x", models.RoleViewer)
	result, err = stranger.ValidateIntelligenceAccess(ctx, "org-a", "read")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestAuditWorkflow(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)
	admin := newClient(server, "org-a", models.RoleAdmin)

	_, err := admin.CreateRelationship(ctx, client.CreateRelationshipRequest{TargetOrganization: "org-b", TrustLevel: "Low"})
	require.NoError(t, err)
	_, err = admin.CreateRelationship(ctx, client.CreateRelationshipRequest{TargetOrganization: "org-c", TrustLevel: "Low"})
	require.NoError(t, err)

	entries, err := admin.QueryAudit(ctx, client.AuditQueryParams{Action: models.ActionRelationshipCreated})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "org-c", entries[0].TargetOrganization, "newest first")

	entries, err = admin.QueryAudit(ctx, client.AuditQueryParams{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	valid, err := admin.VerifyAudit(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, valid)

	data, err := admin.ExportAudit(ctx, client.AuditQueryParams{}, "csv")
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	stats, err := admin.AuditStats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)

	_, err = newClient(server, "org-a", models.RoleViewer).QueryAudit(ctx, client.AuditQueryParams{})
	assert.ErrorIs(t, err, errors.ErrForbidden)
}
