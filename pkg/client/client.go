// Package client provides an HTTP client for the CRISP trust API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apierrors "github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/telemetry"
)

// Identity headers understood by the API.
const (
	headerOrganizationID = "X-Organization-ID"
	headerUserID         = "X-User-ID"
	headerUserRole       = "X-User-Role"
)

// Client is the CRISP API client. It acts as a single user of a single
// organization.
type Client struct {
	baseURL    string
	httpClient *http.Client
	orgID      string
	userID     string
	role       models.Role
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	OrgID   string
	UserID  string
	Role    models.Role
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// New creates a new CRISP API client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		orgID:      cfg.OrgID,
		userID:     cfg.UserID,
		role:       cfg.Role,
	}
}

// SetIdentity changes the acting user.
func (c *Client) SetIdentity(orgID, userID string, role models.Role) {
	c.orgID = orgID
	c.userID = userID
	c.role = role
}

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code back onto the shared error sentinels so
// callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return apierrors.ErrNotFound
	case http.StatusUnauthorized:
		return apierrors.ErrUnauthorized
	case http.StatusForbidden:
		return apierrors.ErrForbidden
	case http.StatusBadRequest:
		return apierrors.ErrInvalidInput
	case http.StatusConflict:
		if e.Code == "INVALID_TRANSITION" {
			return apierrors.ErrInvalidTransition
		}
		return apierrors.ErrConflict
	case http.StatusUnprocessableEntity:
		return apierrors.ErrTAXIICompliance
	case http.StatusServiceUnavailable:
		return apierrors.ErrTransportUnavailable
	}
	return nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do makes an HTTP request to the API and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("build URL: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.orgID != "" {
		req.Header.Set(headerOrganizationID, c.orgID)
	}
	if c.userID != "" {
		req.Header.Set(headerUserID, c.userID)
	}
	if c.role != "" {
		req.Header.Set(headerUserRole, string(c.role))
	}
	telemetry.InjectContext(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error.Message != "" {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return nil, apiErr
	}
	return respBody, nil
}

// request makes an HTTP request and decodes the JSON response into result.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, result any) error {
	data, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Trust levels
// =============================================================================

// ListTrustLevels returns all trust levels.
func (c *Client) ListTrustLevels(ctx context.Context) ([]*models.TrustLevel, error) {
	var result struct {
		Levels []*models.TrustLevel `json:"levels"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/trust/levels", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Levels, nil
}

// CreateTrustLevel creates a custom trust level.
func (c *Client) CreateTrustLevel(ctx context.Context, level *models.TrustLevel) (*models.TrustLevel, error) {
	var result models.TrustLevel
	if err := c.request(ctx, http.MethodPost, "/api/v1/trust/levels", nil, level, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteTrustLevel deletes an unreferenced trust level.
func (c *Client) DeleteTrustLevel(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/trust/levels/"+url.PathEscape(id), nil, nil, nil)
}

// =============================================================================
// Relationships
// =============================================================================

// CreateRelationshipRequest proposes a relationship from the client's
// organization to TargetOrganization.
type CreateRelationshipRequest struct {
	TargetOrganization string                    `json:"target_organization"`
	TrustLevel         string                    `json:"trust_level"`
	RelationshipType   models.RelationshipType   `json:"relationship_type,omitempty"`
	AnonymizationLevel models.AnonymizationLevel `json:"anonymization_level,omitempty"`
	AccessLevel        models.AccessLevel        `json:"access_level,omitempty"`
	ValidUntil         *time.Time                `json:"valid_until,omitempty"`
	SharingPreferences map[string]any            `json:"sharing_preferences,omitempty"`
	Notes              string                    `json:"notes,omitempty"`
}

// UpdateRelationshipRequest changes relationship fields. Nil fields are kept.
type UpdateRelationshipRequest struct {
	TrustLevel         *string                    `json:"trust_level,omitempty"`
	AnonymizationLevel *models.AnonymizationLevel `json:"anonymization_level,omitempty"`
	AccessLevel        *models.AccessLevel        `json:"access_level,omitempty"`
	SharingPreferences map[string]any             `json:"sharing_preferences,omitempty"`
	Notes              *string                    `json:"notes,omitempty"`
	ValidUntil         *time.Time                 `json:"valid_until,omitempty"`
}

// ActionResult is the outcome of a relationship action.
type ActionResult struct {
	Success      bool                      `json:"success"`
	Message      string                    `json:"message"`
	Relationship *models.TrustRelationship `json:"relationship,omitempty"`
}

// ApprovalResult reports an approval.
type ApprovalResult struct {
	Relationship *models.TrustRelationship `json:"relationship"`
	Activated    bool                      `json:"activated"`
}

func relationshipPath(id string, action ...string) string {
	p := "/api/v1/trust/relationships/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

// CreateRelationship proposes a new relationship.
func (c *Client) CreateRelationship(ctx context.Context, req CreateRelationshipRequest) (*models.TrustRelationship, error) {
	var result models.TrustRelationship
	if err := c.request(ctx, http.MethodPost, "/api/v1/trust/relationships", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRelationships returns the client organization's relationships.
func (c *Client) ListRelationships(ctx context.Context) ([]*models.TrustRelationship, error) {
	var result struct {
		Relationships []*models.TrustRelationship `json:"relationships"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/trust/relationships", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Relationships, nil
}

// GetRelationship returns a relationship the client's organization is party to.
func (c *Client) GetRelationship(ctx context.Context, id string) (*models.TrustRelationship, error) {
	var result models.TrustRelationship
	if err := c.request(ctx, http.MethodGet, relationshipPath(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ApproveRelationship approves the client organization's side.
func (c *Client) ApproveRelationship(ctx context.Context, id string) (*ApprovalResult, error) {
	var result ApprovalResult
	if err := c.request(ctx, http.MethodPost, relationshipPath(id, "approve"), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AcceptRelationship accepts a relationship as its target.
func (c *Client) AcceptRelationship(ctx context.Context, id string) (*ActionResult, error) {
	return c.relationshipAction(ctx, id, "accept", "")
}

// RejectRelationship rejects a pending relationship as its target.
func (c *Client) RejectRelationship(ctx context.Context, id, reason string) (*ActionResult, error) {
	return c.relationshipAction(ctx, id, "reject", reason)
}

// RevokeRelationship revokes a relationship.
func (c *Client) RevokeRelationship(ctx context.Context, id, reason string) (*ActionResult, error) {
	return c.relationshipAction(ctx, id, "revoke", reason)
}

// SuspendRelationship suspends an active relationship.
func (c *Client) SuspendRelationship(ctx context.Context, id, reason string) (*ActionResult, error) {
	return c.relationshipAction(ctx, id, "suspend", reason)
}

func (c *Client) relationshipAction(ctx context.Context, id, action, reason string) (*ActionResult, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var result ActionResult
	if err := c.request(ctx, http.MethodPost, relationshipPath(id, action), nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateRelationship changes a relationship.
func (c *Client) UpdateRelationship(ctx context.Context, id string, req UpdateRelationshipRequest) (*ActionResult, error) {
	var result ActionResult
	if err := c.request(ctx, http.MethodPatch, relationshipPath(id), nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTrustLevel returns the effective trust level name between the client's
// organization and partner, or "none".
func (c *Client) GetTrustLevel(ctx context.Context, partner string) (string, error) {
	var result struct {
		TrustLevel string `json:"trust_level"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/trust/level", url.Values{"org": {partner}}, nil, &result); err != nil {
		return "", err
	}
	return result.TrustLevel, nil
}

// GetAccessibleOrganizations returns the organizations whose data the
// client's organization may read.
func (c *Client) GetAccessibleOrganizations(ctx context.Context) ([]string, error) {
	var result struct {
		Organizations []string `json:"organizations"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/trust/accessible", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Organizations, nil
}

// =============================================================================
// Groups
// =============================================================================

// CreateGroupRequest creates a trust group administered by the client's organization.
type CreateGroupRequest struct {
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	GroupType         models.GroupType `json:"group_type,omitempty"`
	IsPublic          bool             `json:"is_public"`
	RequiresApproval  bool             `json:"requires_approval"`
	DefaultTrustLevel string           `json:"default_trust_level"`
	GroupPolicies     map[string]any   `json:"group_policies,omitempty"`
}

func groupPath(id string, action ...string) string {
	p := "/api/v1/trust/groups/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

// CreateGroup creates a trust group.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (*models.TrustGroup, error) {
	var result models.TrustGroup
	if err := c.request(ctx, http.MethodPost, "/api/v1/trust/groups", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListGroups returns public groups and groups the client's organization belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]*models.TrustGroup, error) {
	var result struct {
		Groups []*models.TrustGroup `json:"groups"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/trust/groups", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Groups, nil
}

// GetGroup returns a trust group.
func (c *Client) GetGroup(ctx context.Context, id string) (*models.TrustGroup, error) {
	var result models.TrustGroup
	if err := c.request(ctx, http.MethodGet, groupPath(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// JoinGroup joins a trust group. invitedBy is required for private groups.
func (c *Client) JoinGroup(ctx context.Context, id, invitedBy string) (*models.TrustGroupMembership, error) {
	var body any
	if invitedBy != "" {
		body = map[string]string{"invited_by": invitedBy}
	}
	var result models.TrustGroupMembership
	if err := c.request(ctx, http.MethodPost, groupPath(id, "join"), nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ApproveMembership approves a pending member as a group administrator.
func (c *Client) ApproveMembership(ctx context.Context, groupID, org string) (*models.TrustGroupMembership, error) {
	var result models.TrustGroupMembership
	if err := c.request(ctx, http.MethodPost, groupPath(groupID, "members", url.PathEscape(org), "approve"), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LeaveGroup leaves a trust group.
func (c *Client) LeaveGroup(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodPost, groupPath(id, "leave"), nil, nil, nil)
}

// =============================================================================
// Access and intelligence
// =============================================================================

// AccessRequest asks whether the client's organization may act on a
// target's data.
type AccessRequest struct {
	TargetOrg    string         `json:"target_org"`
	Action       string         `json:"action,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Strategies   []string       `json:"strategies,omitempty"`
}

// Decision is an access decision.
type Decision struct {
	Allowed     bool               `json:"allowed"`
	Reason      string             `json:"reason"`
	AccessLevel models.AccessLevel `json:"access_level,omitempty"`
	Strategy    string             `json:"strategy,omitempty"`
}

// CheckAccess evaluates an access request. Denials are returned as
// decisions, not errors.
func (c *Client) CheckAccess(ctx context.Context, req AccessRequest) (*Decision, error) {
	var result Decision
	if err := c.request(ctx, http.MethodPost, "/api/v1/access/check", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SharingTarget is an organization the client may share with.
type SharingTarget struct {
	Organization       string                    `json:"organization"`
	Via                string                    `json:"via"`
	AnonymizationLevel models.AnonymizationLevel `json:"anonymization_level"`
	AccessLevel        models.AccessLevel        `json:"access_level"`
}

// SharingTargets lists the organizations the client may share with.
func (c *Client) SharingTargets(ctx context.Context) ([]SharingTarget, error) {
	var result struct {
		Targets []SharingTarget `json:"targets"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/intelligence/targets", nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Targets, nil
}

// ShareRequest shares a STIX object. No targets means every reachable organization.
type ShareRequest struct {
	Object        map[string]any            `json:"object"`
	Targets       []string                  `json:"targets,omitempty"`
	CollectionID  string                    `json:"collection_id,omitempty"`
	Anonymization models.AnonymizationLevel `json:"anonymization_level,omitempty"`
}

// ShareResult is the per-recipient outcome of a share.
type ShareResult struct {
	Organization       string                    `json:"organization"`
	Shared             bool                      `json:"shared"`
	Reason             string                    `json:"reason,omitempty"`
	AnonymizationLevel models.AnonymizationLevel `json:"anonymization_level,omitempty"`
	TLP                string                    `json:"tlp,omitempty"`
	ObjectID           string                    `json:"object_id,omitempty"`
	Collection         string                    `json:"collection,omitempty"`
}

// ShareIntelligence shares an object with trusted organizations.
func (c *Client) ShareIntelligence(ctx context.Context, req ShareRequest) ([]ShareResult, error) {
	var result struct {
		Results []ShareResult `json:"results"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/intelligence/share", nil, req, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// FetchIntelligence reads the client organization's inbox. A zero
// addedAfter returns everything.
func (c *Client) FetchIntelligence(ctx context.Context, collection string, addedAfter time.Time) ([]map[string]any, error) {
	query := url.Values{}
	if collection != "" {
		query.Set("collection", collection)
	}
	if !addedAfter.IsZero() {
		query.Set("added_after", addedAfter.UTC().Format(time.RFC3339))
	}
	var result struct {
		Objects []map[string]any `json:"objects"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/intelligence", query, nil, &result); err != nil {
		return nil, err
	}
	return result.Objects, nil
}

// AnonymizationResult is an anonymization preview.
type AnonymizationResult struct {
	Object map[string]any            `json:"object"`
	Level  models.AnonymizationLevel `json:"anonymization_level"`
}

// PreviewAnonymization returns obj as targetOrg would receive it.
func (c *Client) PreviewAnonymization(ctx context.Context, obj map[string]any, targetOrg string, level models.AnonymizationLevel) (*AnonymizationResult, error) {
	body := map[string]any{"object": obj, "target_org": targetOrg}
	if level != "" {
		body["anonymization_level"] = level
	}
	var result AnonymizationResult
	if err := c.request(ctx, http.MethodPost, "/api/v1/intelligence/anonymize", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AccessResult reports whether intelligence access is allowed.
type AccessResult struct {
	Allowed     bool               `json:"allowed"`
	Reason      string             `json:"reason"`
	AccessLevel models.AccessLevel `json:"access_level,omitempty"`
}

// ValidateIntelligenceAccess asks whether the client's organization may
// perform action on ownerOrg's intelligence.
func (c *Client) ValidateIntelligenceAccess(ctx context.Context, ownerOrg, action string) (*AccessResult, error) {
	var result AccessResult
	body := map[string]string{"owner_org": ownerOrg, "action": action}
	if err := c.request(ctx, http.MethodPost, "/api/v1/intelligence/access", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// Trust log
// =============================================================================

// AuditQueryParams represents trust log query parameters.
type AuditQueryParams struct {
	Organization   string
	Action         models.TrustAction
	User           string
	RelationshipID string
	GroupID        string
	Success        *bool
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

func (p AuditQueryParams) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("organization", p.Organization)
	set("action", string(p.Action))
	set("user", p.User)
	set("relationship_id", p.RelationshipID)
	set("group_id", p.GroupID)
	if p.Success != nil {
		v.Set("success", strconv.FormatBool(*p.Success))
	}
	if !p.Since.IsZero() {
		v.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	if !p.Until.IsZero() {
		v.Set("until", p.Until.UTC().Format(time.RFC3339))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		v.Set("offset", strconv.Itoa(p.Offset))
	}
	return v
}

// QueryAudit queries trust log entries, newest first.
func (c *Client) QueryAudit(ctx context.Context, params AuditQueryParams) ([]*models.TrustLog, error) {
	var result struct {
		Entries []*models.TrustLog `json:"entries"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/audit", params.values(), nil, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// ExportAudit exports trust log entries as "json" or "csv".
func (c *Client) ExportAudit(ctx context.Context, params AuditQueryParams, format string) ([]byte, error) {
	body := map[string]string{
		"organization": params.Organization,
		"action":       string(params.Action),
		"format":       format,
	}
	if !params.Since.IsZero() {
		body["since"] = params.Since.UTC().Format(time.RFC3339)
	}
	if !params.Until.IsZero() {
		body["until"] = params.Until.UTC().Format(time.RFC3339)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/audit/export", nil, body)
}

// VerifyAudit checks the trust log hash chains in the time range.
func (c *Client) VerifyAudit(ctx context.Context, since, until time.Time) (bool, error) {
	body := map[string]string{}
	if !since.IsZero() {
		body["since"] = since.UTC().Format(time.RFC3339)
	}
	if !until.IsZero() {
		body["until"] = until.UTC().Format(time.RFC3339)
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/audit/verify", nil, body, &result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

// AuditStats represents trust log statistics.
type AuditStats struct {
	TotalEvents  int64                        `json:"total_events"`
	SuccessCount int64                        `json:"success_count"`
	FailureCount int64                        `json:"failure_count"`
	EventsByType map[models.TrustAction]int64 `json:"events_by_type"`
	EventsByOrg  map[string]int64             `json:"events_by_org"`
	UniqueUsers  int64                        `json:"unique_users"`
}

// AuditStats returns trust log statistics since the given time.
func (c *Client) AuditStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}
	var result AuditStats
	if err := c.request(ctx, http.MethodGet, "/api/v1/audit/stats", query, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health checks API health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
