package api_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/api"
	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/ratelimit"
)

// roleChecker answers capability checks from the default role table.
type roleChecker struct {
	roles *access.RoleTable
}

func (c roleChecker) CheckAccess(context.Context, access.Request) (access.Decision, error) {
	return access.Decision{}, errors.New("not used")
}

func (c roleChecker) HasCapability(role models.Role, capability access.Capability) bool {
	return c.roles.Has(role, capability)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// TestRequestIDMiddleware tests the request ID middleware.
func TestRequestIDMiddleware(t *testing.T) {
	t.Run("generates request ID when not present", func(t *testing.T) {
		var seen string
		handler := api.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = r.Context().Value(api.ContextKeyRequestID).(string)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	})

	t.Run("uses existing request ID from header", func(t *testing.T) {
		handler := api.RequestIDMiddleware(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Request-ID", "existing-id-123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "existing-id-123", w.Header().Get("X-Request-ID"))
	})
}

// TestLoggingMiddleware tests the logging middleware.
func TestLoggingMiddleware(t *testing.T) {
	handler := api.LoggingMiddleware(zap.NewNop())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trust/relationships/abc", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

// TestRecoveryMiddleware tests the recovery middleware.
func TestRecoveryMiddleware(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})
		handler := api.RecoveryMiddleware(zap.NewNop())(panicHandler)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()

		assert.NotPanics(t, func() {
			handler.ServeHTTP(w, req)
		})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w).Error.Code)
	})

	t.Run("passes through normal requests", func(t *testing.T) {
		handler := api.RecoveryMiddleware(nil)(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestIdentityMiddleware(t *testing.T) {
	var actor models.Actor
	handler := api.IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = r.Context().Value(api.ContextKeyActor).(models.Actor)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing organization is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "IDENTITY_REQUIRED", decodeError(t, w).Error.Code)
	})

	t.Run("role defaults to viewer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(api.HeaderOrganizationID, "org-a")
		req.Header.Set(api.HeaderUserID, "alice")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.Actor{UserID: "alice", OrganizationID: "org-a", Role: models.RoleViewer}, actor)
	})

	t.Run("role is case insensitive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(api.HeaderOrganizationID, "org-a")
		req.Header.Set(api.HeaderUserRole, "Admin")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.RoleAdmin, actor.Role)
	})

	t.Run("unknown role is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(api.HeaderOrganizationID, "org-a")
		req.Header.Set(api.HeaderUserRole, "root")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "INVALID_ROLE", decodeError(t, w).Error.Code)
	})

	partnerRequest := func(org string, subject pkix.Name) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(api.HeaderOrganizationID, org)
		req.TLS = &tls.ConnectionState{
			VerifiedChains: [][]*x509.Certificate{{{Subject: subject}}},
		}
		return req
	}

	t.Run("partner certificate must cover the organization", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, partnerRequest("org-b", pkix.Name{Organization: []string{"org-a"}}))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "CERTIFICATE_MISMATCH", decodeError(t, w).Error.Code)
	})

	t.Run("partner certificate matches", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, partnerRequest("org-a", pkix.Name{Organization: []string{"org-a"}}))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "org-a", actor.OrganizationID)
	})

	t.Run("common name is the fallback", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, partnerRequest("org-c", pkix.Name{CommonName: "org-c"}))
		assert.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		handler.ServeHTTP(w, partnerRequest("org-a", pkix.Name{CommonName: "org-c"}))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRequireCapability(t *testing.T) {
	checker := roleChecker{roles: access.DefaultRoleTable()}
	handler := api.IdentityMiddleware(api.RequireCapability(checker, access.CapViewAuditLogs)(okHandler()))

	tests := []struct {
		role string
		want int
	}{
		{"viewer", http.StatusForbidden},
		{"publisher", http.StatusForbidden},
		{"admin", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(api.HeaderOrganizationID, "org-a")
			req.Header.Set(api.HeaderUserRole, tt.role)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{Now: func() time.Time { return now }})
	handler := api.RateLimitMiddleware(limiter, 2, time.Minute)(okHandler())

	request := func(org string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		if org != "" {
			req.Header.Set(api.HeaderOrganizationID, org)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("limits per organization", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, request("org-a").Code)
		w := request("org-a")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))

		w = request("org-a")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "RATE_LIMITED", decodeError(t, w).Error.Code)

		assert.Equal(t, http.StatusOK, request("org-b").Code)
	})

	t.Run("anonymous requests are keyed by address", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, request("").Code)
		assert.Equal(t, http.StatusOK, request("").Code)
		assert.Equal(t, http.StatusTooManyRequests, request("").Code)
	})
}

// TestCORSMiddleware tests the CORS middleware.
func TestCORSMiddleware(t *testing.T) {
	handler := api.CORSMiddleware([]string{"https://portal.example.org"})(okHandler())

	t.Run("allowed origin gets headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "https://portal.example.org")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://portal.example.org", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), api.HeaderOrganizationID)
	})

	t.Run("other origins get none", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "https://portal.example.org")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

// TestDefaultServerConfig tests the default server configuration.
func TestDefaultServerConfig(t *testing.T) {
	config := api.DefaultServerConfig()

	require.NotNil(t, config)
	assert.Equal(t, ":8080", config.Addr)
	assert.Equal(t, 30*time.Second, config.ReadTimeout)
	assert.Equal(t, 30*time.Second, config.WriteTimeout)
	assert.Equal(t, 120*time.Second, config.IdleTimeout)
	assert.Equal(t, 30*time.Second, config.ShutdownTimeout)
	assert.NotNil(t, config.Logger)
	assert.Empty(t, config.TLSCertFile)
	assert.Empty(t, config.PartnerCAFile)
}

// TestDefaultRouterConfig tests the default router configuration.
func TestDefaultRouterConfig(t *testing.T) {
	config := api.DefaultRouterConfig()

	require.NotNil(t, config)
	assert.NotNil(t, config.Logger)
	assert.NotNil(t, config.Limiter)
	assert.Equal(t, 600, config.RateLimit)
	assert.Equal(t, time.Minute, config.RateWindow)
}

// writeCertificate writes a self-signed certificate and key for org and
// returns their paths.
func writeCertificate(t *testing.T, org string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: org, Organization: []string{org}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, org+".crt")
	keyFile = filepath.Join(dir, org+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

// TestNewServer tests server creation.
func TestNewServer(t *testing.T) {
	t.Run("creates plain HTTP server", func(t *testing.T) {
		server, err := api.NewServer(chi.NewRouter(), &api.ServerConfig{
			Addr:            "127.0.0.1:0",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Logger:          zap.NewNop(),
		})

		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:0", server.Addr())
		assert.Error(t, server.Ready(context.Background()), "not ready before start")
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		server, err := api.NewServer(chi.NewRouter(), nil)
		require.NoError(t, err)
		assert.Equal(t, ":8080", server.Addr())
	})

	t.Run("missing certificate fails", func(t *testing.T) {
		_, err := api.NewServer(chi.NewRouter(), &api.ServerConfig{
			Addr:        ":0",
			TLSCertFile: "/nonexistent/cert.pem",
			TLSKeyFile:  "/nonexistent/key.pem",
		})
		assert.Error(t, err)
	})

	t.Run("partner certificates need a server certificate", func(t *testing.T) {
		ca, _ := writeCertificate(t, "partner-ca")
		_, err := api.NewServer(chi.NewRouter(), &api.ServerConfig{Addr: ":0", PartnerCAFile: ca})
		assert.Error(t, err)
	})

	t.Run("partner CA must contain certificates", func(t *testing.T) {
		cert, key := writeCertificate(t, "crisp")
		empty := filepath.Join(t.TempDir(), "empty.pem")
		require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0o600))

		_, err := api.NewServer(chi.NewRouter(), &api.ServerConfig{
			Addr: ":0", TLSCertFile: cert, TLSKeyFile: key, PartnerCAFile: empty,
		})
		assert.Error(t, err)
	})

	t.Run("shutdown before start is a no-op", func(t *testing.T) {
		server, err := api.NewServer(chi.NewRouter(), nil)
		require.NoError(t, err)
		assert.NoError(t, server.Shutdown(context.Background()))
	})
}

func TestServerPartnerTLS(t *testing.T) {
	serverCert, serverKey := writeCertificate(t, "crisp")
	partnerCert, partnerKey := writeCertificate(t, "org-a")

	router := chi.NewRouter()
	router.With(api.IdentityMiddleware).Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		actor, _ := r.Context().Value(api.ContextKeyActor).(models.Actor)
		_, _ = w.Write([]byte(actor.OrganizationID))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	server, err := api.NewServer(router, &api.ServerConfig{
		Addr:            addr,
		TLSCertFile:     serverCert,
		TLSKeyFile:      serverKey,
		PartnerCAFile:   partnerCert,
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	serverPEM, err := os.ReadFile(serverCert)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(serverPEM))
	clientCert, err := tls.LoadX509KeyPair(partnerCert, partnerKey)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:      roots,
		Certificates: []tls.Certificate{clientCert},
		ServerName:   "localhost",
	}}}

	call := func(org string) int {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+addr+"/whoami", nil)
		require.NoError(t, err)
		req.Header.Set(api.HeaderOrganizationID, org)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	require.Eventually(t, func() bool { return server.Ready(ctx) == nil }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		conn, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: roots, Certificates: []tls.Certificate{clientCert}, ServerName: "localhost"})
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, http.StatusOK, call("org-a"))
	assert.Equal(t, http.StatusForbidden, call("org-b"))

	require.NoError(t, server.Shutdown(context.Background()))
	assert.Error(t, server.Ready(context.Background()))
	assert.NoError(t, <-done)
}

func TestHealthChecker(t *testing.T) {
	checker := api.NewHealthChecker(nil)
	checker.Register("database", func(context.Context) error { return nil })

	result := checker.Check(context.Background())
	assert.Equal(t, "healthy", result.Status)
	assert.Equal(t, "healthy", result.Components["database"].Status)

	checker.Register("kafka", func(context.Context) error { return errors.New("no brokers") })
	result = checker.Check(context.Background())
	assert.Equal(t, "unhealthy", result.Status)
	assert.Equal(t, "no brokers", result.Components["kafka"].Error)
}
