package postgres

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil, "op"))
	assert.ErrorIs(t, translate(sql.ErrNoRows, "get"), errors.ErrNotFound)
	assert.ErrorIs(t, translate(&pq.Error{Code: "23505"}, "create"), errors.ErrConflict)
	assert.ErrorIs(t, translate(&pq.Error{Code: "23503"}, "delete"), errors.ErrConflict)

	err := translate(fmt.Errorf("connection reset"), "list")
	assert.EqualError(t, err, "failed to list: connection reset")
	assert.NotErrorIs(t, err, errors.ErrConflict)
}

func TestParseID(t *testing.T) {
	_, err := parseID("not-a-uuid")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	id, err := parseID("6f1c2b1e-3d4a-4c55-9a61-3f5b8b2f4d10")
	require.NoError(t, err)
	assert.Equal(t, "6f1c2b1e-3d4a-4c55-9a61-3f5b8b2f4d10", id.String())
}

func TestBuildTrustLogFilter(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		where, args := buildTrustLogFilter(audit.QueryParams{})
		assert.Equal(t, "1=1", where)
		assert.Empty(t, args)
	})

	t.Run("numbered in order", func(t *testing.T) {
		ok := false
		since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		where, args := buildTrustLogFilter(audit.QueryParams{
			Organization: "org-a",
			Action:       models.ActionAccessDenied,
			Success:      &ok,
			Since:        since,
		})
		assert.Equal(t, "1=1 AND source_organization = $1 AND action = $2 AND success = $3 AND timestamp >= $4", where)
		assert.Equal(t, []any{"org-a", models.ActionAccessDenied, false, since}, args)
	})
}

func TestJSONColumns(t *testing.T) {
	data, err := encodeJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = encodeJSON(map[string]any{"tlp": "green"})
	require.NoError(t, err)
	out, err := decodeJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "green", out["tlp"])

	_, err = decodeJSON([]byte("{broken"))
	assert.Error(t, err)
}

func TestNullables(t *testing.T) {
	assert.False(t, nullString("").Valid)
	assert.True(t, nullString("x").Valid)
	assert.False(t, nullTime(nil).Valid)
	assert.Nil(t, timePtr(sql.NullTime{}))

	now := time.Now()
	got := timePtr(nullTime(&now))
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
