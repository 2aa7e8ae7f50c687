package audit_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/memstore"
	"github.com/witlox/crisp/pkg/models"
)

func logEntry(org string, action models.TrustAction, success bool) *models.TrustLog {
	return &models.TrustLog{
		Action:             action,
		SourceOrganization: org,
		TargetOrganization: "org-z",
		User:               "user-" + org,
		Success:            success,
		Details:            map[string]any{"note": "test", "count": 3},
	}
}

func TestLogTrustEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("first entry links to genesis", func(t *testing.T) {
		svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
		entry := logEntry("org-a", models.ActionRelationshipCreated, true)

		require.NoError(t, svc.LogTrustEvent(ctx, entry))
		assert.NotEmpty(t, entry.ID)
		assert.NotEmpty(t, entry.DataHash)
		assert.False(t, entry.Timestamp.IsZero())
		assert.Equal(t, "genesis", entry.Metadata["prev_hash"])
		assert.NotEmpty(t, entry.Metadata["chain_hash"])
	})

	t.Run("chains are per source organization", func(t *testing.T) {
		svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
		a1 := logEntry("org-a", models.ActionRelationshipCreated, true)
		b1 := logEntry("org-b", models.ActionRelationshipCreated, true)
		a2 := logEntry("org-a", models.ActionRelationshipApproved, true)
		require.NoError(t, svc.LogTrustEvent(ctx, a1))
		require.NoError(t, svc.LogTrustEvent(ctx, b1))
		require.NoError(t, svc.LogTrustEvent(ctx, a2))

		assert.Equal(t, "genesis", b1.Metadata["prev_hash"])
		assert.Equal(t, a1.Metadata["chain_hash"], a2.Metadata["prev_hash"])
	})

	t.Run("rejects missing source organization", func(t *testing.T) {
		svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
		err := svc.LogTrustEvent(ctx, logEntry("", models.ActionAccessGranted, true))
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	t.Run("rejects unknown action", func(t *testing.T) {
		svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
		err := svc.LogTrustEvent(ctx, logEntry("org-a", models.TrustAction("made_up"), true))
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestQueryAndGet(t *testing.T) {
	ctx := context.Background()
	svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())

	first := logEntry("org-a", models.ActionAccessGranted, true)
	second := logEntry("org-a", models.ActionAccessDenied, false)
	third := logEntry("org-b", models.ActionAccessGranted, true)
	for _, e := range []*models.TrustLog{first, second, third} {
		require.NoError(t, svc.LogTrustEvent(ctx, e))
	}

	t.Run("newest first", func(t *testing.T) {
		entries, err := svc.Query(ctx, audit.QueryParams{Organization: "org-a"})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, second.ID, entries[0].ID)
		assert.Equal(t, first.ID, entries[1].ID)
	})

	t.Run("filters by outcome", func(t *testing.T) {
		failed := false
		entries, err := svc.Query(ctx, audit.QueryParams{Success: &failed})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, models.ActionAccessDenied, entries[0].Action)
	})

	t.Run("get by id", func(t *testing.T) {
		entry, err := svc.Get(ctx, third.ID)
		require.NoError(t, err)
		assert.Equal(t, "org-b", entry.SourceOrganization)

		_, err = svc.Get(ctx, "missing")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestVerifyIntegrity(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (audit.Service, *memstore.AuditRepository, []*models.TrustLog) {
		t.Helper()
		repo := memstore.NewAuditRepository()
		svc := audit.NewService(repo, nil, zap.NewNop())
		var entries []*models.TrustLog
		for i := 0; i < 5; i++ {
			org := "org-a"
			if i%2 == 1 {
				org = "org-b"
			}
			e := logEntry(org, models.ActionIntelligenceShared, true)
			require.NoError(t, svc.LogTrustEvent(ctx, e))
			entries = append(entries, e)
		}
		return svc, repo, entries
	}

	t.Run("untouched log verifies", func(t *testing.T) {
		svc, _, _ := setup(t)
		ok, err := svc.VerifyIntegrity(ctx, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("modified field is detected", func(t *testing.T) {
		svc, repo, entries := setup(t)
		repo.Tamper(entries[2].ID, func(e *models.TrustLog) { e.Success = false })

		ok, err := svc.VerifyIntegrity(ctx, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rehashed entry breaks the chain", func(t *testing.T) {
		svc, repo, entries := setup(t)
		repo.Tamper(entries[0].ID, func(e *models.TrustLog) {
			e.Metadata = map[string]any{"chain_hash": "forged", "prev_hash": "genesis"}
		})

		ok, err := svc.VerifyIntegrity(ctx, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty log verifies", func(t *testing.T) {
		svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
		ok, err := svc.VerifyIntegrity(ctx, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
	require.NoError(t, svc.LogTrustEvent(ctx, logEntry("org-a", models.ActionGroupJoined, true)))
	require.NoError(t, svc.LogTrustEvent(ctx, logEntry("org-b", models.ActionGroupLeft, true)))

	t.Run("json", func(t *testing.T) {
		data, err := svc.Export(ctx, audit.ExportRequest{Format: audit.ExportFormatJSON})
		require.NoError(t, err)
		var entries []models.TrustLog
		require.NoError(t, json.Unmarshal(data, &entries))
		assert.Len(t, entries, 2)
	})

	t.Run("csv", func(t *testing.T) {
		data, err := svc.Export(ctx, audit.ExportRequest{Format: audit.ExportFormatCSV})
		require.NoError(t, err)
		rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, "id", rows[0][0])
	})

	t.Run("empty json export", func(t *testing.T) {
		data, err := svc.Export(ctx, audit.ExportRequest{Query: audit.QueryParams{Organization: "nobody"}})
		require.NoError(t, err)
		assert.Equal(t, "[]", string(data))
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := svc.Export(ctx, audit.ExportRequest{Format: "xml"})
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	svc := audit.NewService(memstore.NewAuditRepository(), nil, zap.NewNop())
	require.NoError(t, svc.LogTrustEvent(ctx, logEntry("org-a", models.ActionAccessGranted, true)))
	require.NoError(t, svc.LogTrustEvent(ctx, logEntry("org-a", models.ActionAccessDenied, false)))
	require.NoError(t, svc.LogTrustEvent(ctx, logEntry("org-b", models.ActionAccessGranted, true)))

	stats, err := svc.GetStats(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.FailureCount)
	assert.Equal(t, int64(2), stats.EventsByType[models.ActionAccessGranted])
	assert.Equal(t, int64(2), stats.EventsByOrg["org-a"])
	assert.Equal(t, int64(2), stats.UniqueUsers)
}

func TestSIEMForwarding(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	svc := audit.NewServiceWithSIEM(memstore.NewAuditRepository(), &audit.SIEMConfig{
		Endpoint: server.URL,
		APIKey:   "secret",
		Enabled:  true,
		Timeout:  time.Second,
	}, zap.NewNop())

	require.NoError(t, svc.LogTrustEvent(context.Background(), logEntry("org-a", models.ActionSecurityAlert, false)))
	require.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
