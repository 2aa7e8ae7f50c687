package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/ratelimit"
	"github.com/witlox/crisp/pkg/telemetry"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	Logger *zap.Logger
	// Limiter enables per-organization request limiting when set.
	Limiter    ratelimit.Limiter
	RateLimit  int
	RateWindow time.Duration
	// Health backs /health and /ready. Nil reports healthy.
	Health      *HealthChecker
	Version     string
	CORSOrigins []string
	// Metrics records request metrics and exposes /metrics when set.
	Metrics *metrics.APIMetrics
	// TracingService names the server spans. Empty disables tracing.
	TracingService string
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Logger:     zap.NewNop(),
		Limiter:    ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{}),
		RateLimit:  600,
		RateWindow: time.Minute,
		Version:    "dev",
	}
}

// Services holds all service dependencies for the API. Nil services leave
// their routes unregistered.
type Services struct {
	Trust   TrustService
	Access  AccessService
	Sharing SharingService
	Audit   audit.Service
}

// NewRouter creates a new chi router with all middleware and routes.
func NewRouter(config *RouterConfig, services *Services) chi.Router {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if services == nil {
		services = &Services{}
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(config.Logger))
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(config.Logger))
	if len(config.CORSOrigins) > 0 {
		r.Use(CORSMiddleware(config.CORSOrigins))
	}
	if config.Metrics != nil {
		r.Use(metrics.Middleware(config.Metrics))
	}
	if config.TracingService != "" {
		r.Use(telemetry.Middleware(config.TracingService, metrics.SanitizePath))
	}

	registerHealthRoutes(r, config)
	if config.Metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)
		if config.Limiter != nil && config.RateLimit > 0 {
			r.Use(RateLimitMiddleware(config.Limiter, config.RateLimit, config.RateWindow))
		}

		registerTrustRoutes(r, services)
		registerAccessRoutes(r, services)
		registerIntelligenceRoutes(r, services)
		registerAuditRoutes(r, services)
	})

	return r
}

// registerHealthRoutes registers health check endpoints.
func registerHealthRoutes(r chi.Router, config *RouterConfig) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "healthy", Version: config.Version}
		if config.Health != nil {
			result := config.Health.Check(r.Context())
			resp.Status = result.Status
			resp.Components = result.Components
		}
		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if config.Health != nil && config.Health.Check(r.Context()).Status != "healthy" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Get("/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// HealthResponse represents health check response.
type HealthResponse struct {
	Status     string                            `json:"status"`
	Version    string                            `json:"version"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

// registerTrustRoutes registers trust level, relationship and group endpoints.
func registerTrustRoutes(r chi.Router, services *Services) {
	if services.Trust == nil || services.Access == nil {
		return
	}
	handler := NewTrustHandler(services.Trust)
	can := func(capability access.Capability) func(http.Handler) http.Handler {
		return RequireCapability(services.Access, capability)
	}

	r.Route("/api/v1/trust", func(r chi.Router) {
		r.Route("/levels", func(r chi.Router) {
			r.With(can(access.CapViewTrustRelationships)).Get("/", handler.ListLevels)
			r.With(can(access.CapManageTrustLevels)).Post("/", handler.CreateLevel)
			r.With(can(access.CapManageTrustLevels)).Delete("/{id}", handler.DeleteLevel)
		})

		r.Route("/relationships", func(r chi.Router) {
			r.With(can(access.CapViewTrustRelationships)).Get("/", handler.ListRelationships)
			r.With(can(access.CapViewTrustRelationships)).Get("/{id}", handler.GetRelationship)

			r.Group(func(r chi.Router) {
				r.Use(can(access.CapManageTrustRelationships))
				r.Post("/", handler.CreateRelationship)
				r.Patch("/{id}", handler.Update)
				r.Post("/{id}/approve", handler.Approve)
				r.Post("/{id}/accept", handler.Accept)
				r.Post("/{id}/reject", handler.Reject)
				r.Post("/{id}/revoke", handler.Revoke)
				r.Post("/{id}/suspend", handler.Suspend)
			})
		})

		r.With(can(access.CapViewTrustRelationships)).Get("/level", handler.EffectiveLevel)
		r.With(can(access.CapViewTrustRelationships)).Get("/accessible", handler.Accessible)

		r.Route("/groups", func(r chi.Router) {
			r.With(can(access.CapViewTrustRelationships)).Get("/", handler.ListGroups)
			r.With(can(access.CapViewTrustRelationships)).Get("/{id}", handler.GetGroup)

			r.Group(func(r chi.Router) {
				r.Use(can(access.CapManageTrustGroups))
				r.Post("/", handler.CreateGroup)
				r.Post("/{id}/join", handler.JoinGroup)
				r.Post("/{id}/members/{org}/approve", handler.ApproveMember)
				r.Post("/{id}/leave", handler.LeaveGroup)
			})
		})
	})
}

// registerAccessRoutes registers access decision endpoints.
func registerAccessRoutes(r chi.Router, services *Services) {
	if services.Access == nil {
		return
	}
	handler := NewAccessHandler(services.Access)
	r.With(RequireCapability(services.Access, access.CapViewIntelligence)).
		Post("/api/v1/access/check", handler.Check)
}

// registerIntelligenceRoutes registers sharing endpoints. Role checks for
// sharing happen in the sharing service itself.
func registerIntelligenceRoutes(r chi.Router, services *Services) {
	if services.Sharing == nil || services.Access == nil {
		return
	}
	handler := NewIntelligenceHandler(services.Sharing)
	can := func(capability access.Capability) func(http.Handler) http.Handler {
		return RequireCapability(services.Access, capability)
	}

	r.Route("/api/v1/intelligence", func(r chi.Router) {
		r.With(can(access.CapViewIntelligence)).Get("/", handler.Fetch)
		r.With(can(access.CapShareIntelligence)).Get("/targets", handler.Targets)
		r.Post("/share", handler.Share)
		r.With(can(access.CapShareIntelligence)).Post("/anonymize", handler.Anonymize)
		r.With(can(access.CapViewIntelligence)).Post("/access", handler.ValidateAccess)
	})
}

// registerAuditRoutes registers trust log endpoints.
func registerAuditRoutes(r chi.Router, services *Services) {
	if services.Audit == nil || services.Access == nil {
		return
	}
	handler := NewAuditHandler(services.Audit)
	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Use(RequireCapability(services.Access, access.CapViewAuditLogs))
		r.Get("/", handler.Query)
		r.Get("/stats", handler.GetStats)
		r.Post("/export", handler.Export)
		r.Post("/verify", handler.VerifyIntegrity)
		r.Get("/{id}", handler.Get)
	})
}
