package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/api"
	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/internal/sharing"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/client"
	"github.com/witlox/crisp/pkg/memstore"
	"github.com/witlox/crisp/pkg/models"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), nil)
	auditSvc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
	bus.Register(events.NewAuditObserver(auditSvc))

	ts := trust.NewService(memstore.NewTrustRepository(), bus, zap.NewNop())
	_, err := ts.EnsureDefaultTrustLevels(context.Background())
	require.NoError(t, err)

	mgr := access.NewManager(nil, nil)
	mgr.Register(access.NewTrustLevelStrategy(20))
	mgr.Register(access.CommunityStrategy{})
	as := access.NewService(ts, mgr, access.WithPublisher(bus))

	ss, err := sharing.NewService(ts, as, sharing.NewMemoryTransport(nil), sharing.Config{}, sharing.WithPublisher(bus))
	require.NoError(t, err)

	router := api.NewRouter(&api.RouterConfig{Logger: zap.NewNop(), Version: "test"},
		&api.Services{Trust: ts, Access: as, Sharing: ss, Audit: auditSvc})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

// run executes the CLI against server and returns stdout.
func run(t *testing.T, server *httptest.Server, org string, role models.Role, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	full := []string{"--api-url", server.URL, "--role", string(role)}
	if org != "" {
		full = append(full, "--org-id", org, "--user-id", "ops-"+org)
	}
	cmd.SetArgs(append(full, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClientFlags(t *testing.T) {
	server := newServer(t)

	t.Run("organization required", func(t *testing.T) {
		_, err := run(t, server, "", models.RoleAdmin, "trust", "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--org-id")
	})

	t.Run("invalid role", func(t *testing.T) {
		_, err := run(t, server, "org-a", models.Role("root"), "trust", "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid role")
	})

	t.Run("health needs no identity", func(t *testing.T) {
		out, err := run(t, server, "", models.RoleViewer, "health")
		require.NoError(t, err)
		assert.Contains(t, out, "status: healthy")
	})
}

func TestTrustCommands(t *testing.T) {
	server := newServer(t)

	out, err := run(t, server, "org-a", models.RoleAdmin, "--json", "trust", "create", "org-b", "--level", "High")
	require.NoError(t, err)
	var rel models.TrustRelationship
	require.NoError(t, json.Unmarshal([]byte(out), &rel))
	assert.Equal(t, models.RelationshipStatusPending, rel.Status)

	out, err = run(t, server, "org-b", models.RoleAdmin, "trust", "approve", rel.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "waiting for the other party")

	out, err = run(t, server, "org-a", models.RoleAdmin, "trust", "approve", rel.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "is now active")

	out, err = run(t, server, "org-a", models.RoleViewer, "trust", "level", "org-b")
	require.NoError(t, err)
	assert.Equal(t, "High\n", out)

	out, err = run(t, server, "org-b", models.RoleViewer, "trust", "accessible")
	require.NoError(t, err)
	assert.Contains(t, out, "org-a")

	out, err = run(t, server, "org-a", models.RoleViewer, "trust", "list")
	require.NoError(t, err)
	assert.Contains(t, out, rel.ID)
	assert.Contains(t, out, "source,target")

	_, err = run(t, server, "org-c", models.RoleAdmin, "trust", "revoke", rel.ID)
	require.Error(t, err)

	out, err = run(t, server, "org-b", models.RoleAdmin, "trust", "revoke", rel.ID, "--reason", "contract ended")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = run(t, server, "org-a", models.RoleViewer, "trust", "level", "org-b")
	require.NoError(t, err)
	assert.Equal(t, "none\n", out)
}

func TestLevelAndGroupCommands(t *testing.T) {
	server := newServer(t)

	out, err := run(t, server, "org-a", models.RoleViewer, "levels", "list")
	require.NoError(t, err)
	for _, name := range []string{"Low", "Medium", "High", "Complete"} {
		assert.Contains(t, out, name)
	}

	_, err = run(t, server, "org-a", models.RoleViewer, "levels", "create", "Partner", "--value", "60")
	require.Error(t, err)

	out, err = run(t, server, "org-a", models.RoleAdmin, "levels", "create", "Partner", "--value", "60")
	require.NoError(t, err)
	assert.Contains(t, out, "Created trust level Partner")

	out, err = run(t, server, "org-a", models.RoleAdmin, "--json", "groups", "create", "finance-isac")
	require.NoError(t, err)
	var group models.TrustGroup
	require.NoError(t, json.Unmarshal([]byte(out), &group))

	out, err = run(t, server, "org-b", models.RoleAdmin, "groups", "join", group.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "active")

	out, err = run(t, server, "org-b", models.RoleViewer, "access", "check", "org-a")
	require.NoError(t, err)
	assert.Contains(t, out, "ALLOWED")

	out, err = run(t, server, "org-b", models.RoleAdmin, "groups", "leave", group.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Left group")
}

func TestIntelAndAuditCommands(t *testing.T) {
	server := newServer(t)
	ctx := context.Background()

	// Establish trust through the client so the commands have a partner.
	a := client.New(client.Config{BaseURL: server.URL, OrgID: "org-a", UserID: "ops-a", Role: models.RoleAdmin})
	b := client.New(client.Config{BaseURL: server.URL, OrgID: "org-b", UserID: "ops-b", Role: models.RoleAdmin})
	rel, err := a.CreateRelationship(ctx, client.CreateRelationshipRequest{TargetOrganization: "org-b", TrustLevel: "Medium"})
	require.NoError(t, err)
	_, err = b.ApproveRelationship(ctx, rel.ID)
	require.NoError(t, err)
	_, err = a.ApproveRelationship(ctx, rel.ID)
	require.NoError(t, err)

	object := filepath.Join(t.TempDir(), "indicator.json")
	require.NoError(t, os.WriteFile(object, []byte(`{
		"type": "indicator",
		"id": "indicator--8e2e2d2b-17d4-4cbf-938f-98ee46b3cd3f",
		"spec_version": "2.1",
		"created": "2026-01-01T00:00:00Z",
		"modified": "2026-01-01T00:00:00Z",
		"pattern": "[ipv4-addr:value = '203.0.113.7']",
		"pattern_type": "stix",
		"valid_from": "2026-01-01T00:00:00Z",
		"created_by_ref": "identity--1b1e0a2c-3f44-4c3b-9bd5-9b3f5d0b2a11"
	}`), 0o600))

	out, err := run(t, server, "org-a", models.RolePublisher, "intel", "targets")
	require.NoError(t, err)
	assert.Contains(t, out, "org-b")

	out, err = run(t, server, "org-a", models.RolePublisher, "intel", "share", "--file", object)
	require.NoError(t, err)
	assert.Contains(t, out, "org-b: shared")

	out, err = run(t, server, "org-b", models.RoleViewer, "intel", "fetch")
	require.NoError(t, err)
	assert.Contains(t, out, "indicator")

	out, err = run(t, server, "org-a", models.RoleAdmin, "audit", "query", "--action", "intelligence_shared")
	require.NoError(t, err)
	assert.Contains(t, out, "intelligence_shared")

	out, err = run(t, server, "org-a", models.RoleAdmin, "audit", "export", "--format", "csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "id,"), out)

	out, err = run(t, server, "org-a", models.RoleAdmin, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "integrity verified")

	out, err = run(t, server, "org-a", models.RoleAdmin, "audit", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "events:")

	_, err = run(t, server, "org-a", models.RoleViewer, "audit", "query")
	require.Error(t, err)
}

func TestSeedLevels(t *testing.T) {
	svc := trust.NewService(memstore.NewTrustRepository(), events.Nop{}, zap.NewNop())
	var out bytes.Buffer
	require.NoError(t, seedLevels(context.Background(), &out, svc))
	assert.Equal(t, 4, strings.Count(out.String(), "built-in"))

	out.Reset()
	require.NoError(t, seedLevels(context.Background(), &out, svc))
	assert.Equal(t, 4, strings.Count(out.String(), "built-in"))
}
