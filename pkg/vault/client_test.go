package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeVault(t *testing.T, version string, salt string, reads *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"initialized": true,
			"sealed":      false,
			"standby":     false,
			"version":     version,
		})
	})
	mux.HandleFunc("/v1/secret/data/crisp/anonymization", func(w http.ResponseWriter, _ *http.Request) {
		reads.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data":     map[string]any{"salt": salt},
				"metadata": map[string]any{"version": 1},
			},
		})
	})
	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"auth": map[string]any{"client_token": "s.approle"},
		})
	})
	return httptest.NewServer(mux)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("requires config", func(t *testing.T) {
		_, err := New(ctx, nil, zap.NewNop())
		assert.Error(t, err)
		_, err = New(ctx, &Config{}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("approle login sets token", func(t *testing.T) {
		var reads atomic.Int32
		srv := fakeVault(t, "1.15.2", "pepper", &reads)
		defer srv.Close()

		c, err := New(ctx, &Config{Address: srv.URL, AppRoleID: "role", AppRoleSecretID: "secret"}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "s.approle", c.Raw().Token())
	})
}

func TestCheckVersion(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.15.2", false},
		{"1.16.0+ent", false},
		{"1.10.4", true},
		{"dev", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			var reads atomic.Int32
			srv := fakeVault(t, tt.version, "pepper", &reads)
			defer srv.Close()

			c, err := New(ctx, &Config{Address: srv.URL, Token: "root"}, zap.NewNop())
			require.NoError(t, err)
			err = c.CheckVersion(ctx)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaltSource(t *testing.T) {
	ctx := context.Background()
	var reads atomic.Int32
	srv := fakeVault(t, "1.15.2", "pepper", &reads)
	defer srv.Close()

	c, err := New(ctx, &Config{Address: srv.URL, Token: "root"}, zap.NewNop())
	require.NoError(t, err)

	src := NewSaltSource(c, SaltConfig{})
	salt, err := src.Salt(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pepper", salt)

	salt, err = src.Salt(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pepper", salt)
	assert.Equal(t, int32(1), reads.Load())
}
