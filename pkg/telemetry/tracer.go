// Package telemetry traces trust decisions with OpenTelemetry. Spans name
// organizations only by pseudonym and never carry STIX content, salts or
// client addresses.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys recorded by the trust service.
const (
	KeyOperation          = attribute.Key("crisp.operation")
	KeyRequestingOrg      = attribute.Key("crisp.org.requesting")
	KeyTargetOrg          = attribute.Key("crisp.org.target")
	KeyRelationshipID     = attribute.Key("crisp.relationship.id")
	KeyRelationshipStatus = attribute.Key("crisp.relationship.status")
	KeyTrustLevel         = attribute.Key("crisp.trust.level")
	KeyTrustValue         = attribute.Key("crisp.trust.value")
	KeyDecisionAllowed    = attribute.Key("crisp.decision.allowed")
	KeyDecisionStrategy   = attribute.Key("crisp.decision.strategy")
	KeyDecisionAccess     = attribute.Key("crisp.decision.access_level")
	KeyAnonymization      = attribute.Key("crisp.sharing.anonymization")
	KeyTLP                = attribute.Key("crisp.sharing.tlp")
	KeyTargets            = attribute.Key("crisp.sharing.targets")
	KeyDurationMS         = attribute.Key("crisp.duration_ms")
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SampleRate     float64
	Enabled        bool
}

// TracerProvider owns the exporter pipeline. When tracing is disabled it
// hands out the global no-op tracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init builds the OTLP/HTTP pipeline and installs W3C trace context
// propagation so decisions can be followed across partner services.
func Init(ctx context.Context, cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	if err := tp.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns the tracer the services start their spans from.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// OrgPseudonym maps an organization id to a stable, non-reversible label so
// spans for the same partner can be correlated without naming it.
func OrgPseudonym(org string) string {
	if org == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("crisp-trace:" + org))
	return hex.EncodeToString(sum[:8])
}

// SafeAttributes builds span attributes that are safe to export.
type SafeAttributes struct {
	attrs []attribute.KeyValue
}

// NewSafeAttributes creates an empty builder.
func NewSafeAttributes() *SafeAttributes {
	return &SafeAttributes{}
}

// HTTPMethod adds the HTTP method.
func (sa *SafeAttributes) HTTPMethod(method string) *SafeAttributes {
	return sa.add(attribute.String("http.request.method", method))
}

// HTTPRoute adds the route template, never the raw path.
func (sa *SafeAttributes) HTTPRoute(route string) *SafeAttributes {
	return sa.add(attribute.String("http.route", route))
}

// HTTPStatusCode adds the response status.
func (sa *SafeAttributes) HTTPStatusCode(code int) *SafeAttributes {
	return sa.add(attribute.Int("http.response.status_code", code))
}

// Operation names the trust operation the span covers.
func (sa *SafeAttributes) Operation(op string) *SafeAttributes {
	return sa.add(KeyOperation.String(op))
}

// Organization adds the pseudonym of the calling organization.
func (sa *SafeAttributes) Organization(org string) *SafeAttributes {
	if org == "" {
		return sa
	}
	return sa.add(KeyRequestingOrg.String(OrgPseudonym(org)))
}

// Organizations adds pseudonyms for both sides of a decision.
func (sa *SafeAttributes) Organizations(requesting, target string) *SafeAttributes {
	sa.Organization(requesting)
	if target == "" {
		return sa
	}
	return sa.add(KeyTargetOrg.String(OrgPseudonym(target)))
}

// Relationship adds the relationship a decision was based on. An empty id
// records that no relationship was in force.
func (sa *SafeAttributes) Relationship(id, status, level string, value int) *SafeAttributes {
	if id == "" {
		return sa.add(KeyRelationshipStatus.String("none"))
	}
	return sa.add(
		KeyRelationshipID.String(id),
		KeyRelationshipStatus.String(status),
		KeyTrustLevel.String(level),
		KeyTrustValue.Int(value),
	)
}

// Decision adds the outcome of an access decision.
func (sa *SafeAttributes) Decision(allowed bool, strategy, accessLevel string) *SafeAttributes {
	return sa.add(
		KeyDecisionAllowed.Bool(allowed),
		KeyDecisionStrategy.String(strategy),
		KeyDecisionAccess.String(accessLevel),
	)
}

// Sharing adds how an object left the service.
func (sa *SafeAttributes) Sharing(anonymization, tlp string, targets int) *SafeAttributes {
	return sa.add(
		KeyAnonymization.String(anonymization),
		KeyTLP.String(tlp),
		KeyTargets.Int(targets),
	)
}

// Duration adds the elapsed time in milliseconds.
func (sa *SafeAttributes) Duration(d time.Duration) *SafeAttributes {
	return sa.add(KeyDurationMS.Int64(d.Milliseconds()))
}

// Build returns the collected attributes.
func (sa *SafeAttributes) Build() []attribute.KeyValue {
	return sa.attrs
}

func (sa *SafeAttributes) add(kv ...attribute.KeyValue) *SafeAttributes {
	sa.attrs = append(sa.attrs, kv...)
	return sa
}
