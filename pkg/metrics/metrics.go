// Package metrics exposes Prometheus metrics for trust and sharing decisions.
// Labels carry routes, strategies and levels; organization identifiers never
// appear in them.
package metrics

import (
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crisp"

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	registryMu   sync.Mutex
)

// GetRegistry returns the process-wide registry.
func GetRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	registryOnce.Do(func() {
		registry = newRegistry()
	})
	return registry
}

// ResetRegistry replaces the registry. Tests call it before registering
// collectors again.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = newRegistry()
	registryOnce = sync.Once{}
	registryOnce.Do(func() {})
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// APIMetrics covers the trust API surface: traffic per route and the
// requests refused before reaching a service.
type APIMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RefusalsTotal   *prometheus.CounterVec
	BuildInfo       *prometheus.GaugeVec
}

// NewAPIMetrics registers the API metrics.
func NewAPIMetrics(version string) *APIMetrics {
	m := &APIMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Trust API requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Trust API request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RefusalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "refusals_total",
				Help:      "Requests refused for identity, role or rate reasons",
			},
			[]string{"route", "reason"},
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Trust service build",
			},
			[]string{"version", "go_version"},
		),
	}

	GetRegistry().MustRegister(m.RequestsTotal, m.RequestDuration, m.RefusalsTotal, m.BuildInfo)
	m.BuildInfo.WithLabelValues(version, runtime.Version()).Set(1)
	return m
}

// refusalReason names the refusal behind an API status, or "" for statuses
// that are not refusals.
func refusalReason(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "identity"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	return ""
}

// pathParams maps a resource collection segment to the placeholder used for
// the identifier that follows it.
var pathParams = map[string]string{
	"relationships": "{relationship_id}",
	"groups":        "{group_id}",
	"levels":        "{level_id}",
	"organizations": "{org_id}",
	"collections":   "{collection_id}",
	"logs":          "{log_id}",
}

// SanitizePath replaces identifiers in an API path with placeholders, for
// example /api/v1/trust/relationships/abc/approve becomes
// /api/v1/trust/relationships/{relationship_id}/approve.
func SanitizePath(path string) string {
	segments := strings.Split(path, "/")
	for i := 0; i < len(segments)-1; i++ {
		if placeholder, ok := pathParams[segments[i]]; ok && segments[i+1] != "" {
			segments[i+1] = placeholder
			i++
		}
	}
	return strings.Join(segments, "/")
}
