// Package opa asks an Open Policy Agent server for access decisions between
// organizations.
package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/witlox/crisp/pkg/telemetry"
)

// Input is the document a policy decides on: one organization acting on
// another's resources, and the trust in force between them.
type Input struct {
	RequestingOrg string         `json:"requesting_org"`
	TargetOrg     string         `json:"target_org"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	IPAddress     string         `json:"ip_address"`
	Actor         Actor          `json:"actor"`
	Time          Clock          `json:"time"`
	SharedGroups  int            `json:"shared_groups"`
	Attributes    map[string]any `json:"attributes"`
	Trust         Trust          `json:"trust"`
}

// Actor is the user behind the request.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Clock is the decision time, split so policies can match business hours
// without time builtins.
type Clock struct {
	Hour    int    `json:"hour"`
	Weekday string `json:"weekday"`
	Unix    int64  `json:"unix"`
}

// NewClock splits t.
func NewClock(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Weekday: t.Weekday().String(), Unix: t.Unix()}
}

// Trust describes the relationship between the two organizations. Only an
// effective relationship contributes a level; a stale one contributes its
// status so policies can explain the denial.
type Trust struct {
	Effective        bool   `json:"effective"`
	Name             string `json:"name"`
	Value            int    `json:"value"`
	Status           string `json:"status,omitempty"`
	RelationshipType string `json:"relationship_type,omitempty"`
	AccessLevel      string `json:"access_level,omitempty"`
}

// NoTrust is the trust block when no relationship links the organizations.
var NoTrust = Trust{Name: "none"}

// Decision is a policy result read as allow plus an optional reason and
// access level.
type Decision struct {
	Allow       bool
	Reason      string
	AccessLevel string
	Defined     bool
}

// Client talks to one OPA server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the OPA client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout bounds each decision request.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient creates a client for the server at address. A missing scheme
// defaults to http.
func NewClient(address string, opts ...ClientOption) *Client {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(address, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health reports whether the server is up with its bundles activated.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError("health check", resp)
	}
	return nil
}

// Decide queries the decision document at path, given without the /v1/data
// prefix (for example "crisp/access/decision"). A boolean result, or an
// object with allow, reason and access_level fields, is a decision; an
// undefined document is returned with Defined unset. The caller's trace is
// propagated so the policy evaluation joins it.
func (c *Client) Decide(ctx context.Context, path string, input Input) (Decision, error) {
	body, err := json.Marshal(struct {
		Input Input `json:"input"`
	}{input})
	if err != nil {
		return Decision{}, fmt.Errorf("marshaling decision input: %w", err)
	}

	endpoint := c.baseURL + "/v1/data/" + strings.Trim(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("creating decision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectContext(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("querying policy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Decision{}, statusError("decision", resp)
	}

	var out struct {
		Result any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Decision{}, fmt.Errorf("decoding decision: %w", err)
	}
	switch v := out.Result.(type) {
	case nil:
		return Decision{}, nil
	case bool:
		return Decision{Allow: v, Defined: true}, nil
	case map[string]any:
		d := Decision{Defined: true}
		d.Allow, _ = v["allow"].(bool)
		d.Reason, _ = v["reason"].(string)
		d.AccessLevel, _ = v["access_level"].(string)
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unexpected result type %T", out.Result)
	}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
