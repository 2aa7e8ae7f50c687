package opa_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/witlox/crisp/pkg/opa"
)

func sampleInput() opa.Input {
	return opa.Input{
		RequestingOrg: "org-a",
		TargetOrg:     "org-b",
		Action:        "read",
		ResourceType:  "intelligence",
		Actor:         opa.Actor{UserID: "alice", Role: "viewer"},
		Time:          opa.NewClock(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)),
		Attributes:    map[string]any{},
		Trust:         opa.Trust{Effective: true, Name: "High", Value: 75, Status: "active", AccessLevel: "read"},
	}
}

func TestNewClientAddsScheme(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
	}))
	defer server.Close()

	c := opa.NewClient(server.Listener.Addr().String()+"/", opa.WithTimeout(time.Second))
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bundle not activated", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := opa.NewClient(server.URL).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundle not activated")
}

func TestDecideSendsAccessInput(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = body.Input
		_, _ = w.Write([]byte(`{"result": true}`))
	}))
	defer server.Close()

	_, err := opa.NewClient(server.URL).Decide(context.Background(), "crisp/access/decision", sampleInput())
	require.NoError(t, err)

	assert.Equal(t, "org-a", got["requesting_org"])
	assert.Equal(t, "org-b", got["target_org"])
	assert.Equal(t, map[string]any{"user_id": "alice", "role": "viewer"}, got["actor"])
	clock, _ := got["time"].(map[string]any)
	assert.Equal(t, float64(14), clock["hour"])
	assert.Equal(t, "Monday", clock["weekday"])
	trust, _ := got["trust"].(map[string]any)
	assert.Equal(t, true, trust["effective"])
	assert.Equal(t, float64(75), trust["value"])
	assert.NotContains(t, trust, "relationship_type")
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		body string
		want opa.Decision
	}{
		{"undefined", `{}`, opa.Decision{}},
		{"boolean", `{"result": true}`, opa.Decision{Allow: true, Defined: true}},
		{"object", `{"result": {"allow": false, "reason": "embargoed"}}`, opa.Decision{Reason: "embargoed", Defined: true}},
		{"access level", `{"result": {"allow": true, "access_level": "subscribe"}}`, opa.Decision{Allow: true, AccessLevel: "subscribe", Defined: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/data/crisp/access/decision", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			d, err := opa.NewClient(server.URL).Decide(context.Background(), "/crisp/access/decision", sampleInput())
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}

	t.Run("unexpected result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"result": "maybe"}`))
		}))
		defer server.Close()
		_, err := opa.NewClient(server.URL).Decide(context.Background(), "x", sampleInput())
		assert.Error(t, err)
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rego_type_error", http.StatusInternalServerError)
		}))
		defer server.Close()
		_, err := opa.NewClient(server.URL).Decide(context.Background(), "x", sampleInput())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rego_type_error")
	})
}

func TestDecidePropagatesTrace(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{"result": false}`))
	}))
	defer server.Close()

	ctx, span := provider.Tracer("test").Start(context.Background(), "access.check")
	defer span.End()
	_, err := opa.NewClient(server.URL).Decide(ctx, "crisp/access/decision", sampleInput())
	require.NoError(t, err)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}
