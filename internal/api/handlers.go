package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/internal/sharing"
	"github.com/witlox/crisp/internal/trust"
	apierrors "github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

// =============================================================================
// Common Helpers
// =============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON reads a JSON request body of at most 1MB.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	defer func() { _ = r.Body.Close() }()
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, v)
}

// handleError writes appropriate error response based on error type.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apierrors.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, apierrors.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, apierrors.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, apierrors.ErrPolicyViolation):
		writeJSONError(w, http.StatusForbidden, "POLICY_VIOLATION", err.Error())
	case errors.Is(err, apierrors.ErrInvalidInput), errors.Is(err, apierrors.ErrPolicyInvalid):
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, apierrors.ErrValidationFailed):
		writeJSONError(w, http.StatusBadRequest, "STIX_VALIDATION_FAILED", err.Error())
	case errors.Is(err, apierrors.ErrConflict):
		writeJSONError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, apierrors.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, apierrors.ErrTAXIICompliance):
		writeJSONError(w, http.StatusUnprocessableEntity, "TAXII_COMPLIANCE", err.Error())
	case errors.Is(err, apierrors.ErrTransportUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "TRANSPORT_UNAVAILABLE", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// getPaginationParams extracts limit and offset from query params.
func getPaginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return
}

// parseTime parses an optional RFC 3339 timestamp.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}

// =============================================================================
// Trust Handler
// =============================================================================

// TrustHandler handles trust level, relationship and group requests.
type TrustHandler struct {
	service TrustService
}

// NewTrustHandler creates a new trust handler.
func NewTrustHandler(service TrustService) *TrustHandler {
	return &TrustHandler{service: service}
}

// ListLevels handles GET /api/v1/trust/levels.
func (h *TrustHandler) ListLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := h.service.ListTrustLevels(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": levels, "count": len(levels)})
}

// CreateLevel handles POST /api/v1/trust/levels.
func (h *TrustHandler) CreateLevel(w http.ResponseWriter, r *http.Request) {
	var level models.TrustLevel
	if err := readJSON(r, &level); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	actor := getActor(r)
	level.CreatedBy = actor.UserID
	level.IsSystemDefault = false

	created, err := h.service.CreateTrustLevel(r.Context(), &level)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeleteLevel handles DELETE /api/v1/trust/levels/{id}.
func (h *TrustHandler) DeleteLevel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteTrustLevel(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateRelationship handles POST /api/v1/trust/relationships. The source
// organization is always the caller's.
func (h *TrustHandler) CreateRelationship(w http.ResponseWriter, r *http.Request) {
	var req trust.CreateRelationshipRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	actor := getActor(r)
	req.SourceOrganization = actor.OrganizationID
	req.CreatedBy = actor.UserID

	rel, err := h.service.CreateTrustRelationship(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

// ListRelationships handles GET /api/v1/trust/relationships.
func (h *TrustHandler) ListRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.service.ListRelationships(r.Context(), getActor(r).OrganizationID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels, "count": len(rels)})
}

// GetRelationship handles GET /api/v1/trust/relationships/{id}. Only the two
// parties may read a relationship.
func (h *TrustHandler) GetRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := h.service.GetRelationship(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	if !rel.Involves(getActor(r).OrganizationID) {
		handleError(w, apierrors.ErrNotAParty)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// ReasonRequest carries an optional reason for reject, revoke and suspend.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func readReason(r *http.Request) string {
	var req ReasonRequest
	if r.ContentLength == 0 {
		return ""
	}
	if err := readJSON(r, &req); err != nil {
		return ""
	}
	return req.Reason
}

// requireParty confines HTTP callers to their own side of a relationship.
// The service-level admin override is left to operator tooling.
func (h *TrustHandler) requireParty(w http.ResponseWriter, r *http.Request, targetOnly bool) (string, bool) {
	id := chi.URLParam(r, "id")
	rel, err := h.service.GetRelationship(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return "", false
	}
	org := getActor(r).OrganizationID
	if org == rel.TargetOrganization || (!targetOnly && org == rel.SourceOrganization) {
		return id, true
	}
	handleError(w, apierrors.ErrNotAParty)
	return "", false
}

// ApprovalResponse reports an approval and whether it activated the relationship.
type ApprovalResponse struct {
	Relationship *models.TrustRelationship `json:"relationship"`
	Activated    bool                      `json:"activated"`
}

// Approve handles POST /api/v1/trust/relationships/{id}/approve. The side
// approved is the caller's.
func (h *TrustHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor := getActor(r)
	result, err := h.service.ApproveTrustRelationship(r.Context(), chi.URLParam(r, "id"), actor.OrganizationID, actor.UserID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ApprovalResponse{Relationship: result.Relationship, Activated: result.Activated})
}

// Accept handles POST /api/v1/trust/relationships/{id}/accept.
func (h *TrustHandler) Accept(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParty(w, r, true)
	if !ok {
		return
	}
	result, err := h.service.AcceptBilateralTrust(r.Context(), id, getActor(r))
	h.writeAction(w, result, err)
}

// Reject handles POST /api/v1/trust/relationships/{id}/reject.
func (h *TrustHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParty(w, r, true)
	if !ok {
		return
	}
	result, err := h.service.RejectBilateralTrust(r.Context(), id, getActor(r), readReason(r))
	h.writeAction(w, result, err)
}

// Revoke handles POST /api/v1/trust/relationships/{id}/revoke.
func (h *TrustHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParty(w, r, false)
	if !ok {
		return
	}
	result, err := h.service.RevokeBilateralTrust(r.Context(), id, getActor(r), readReason(r))
	h.writeAction(w, result, err)
}

// Suspend handles POST /api/v1/trust/relationships/{id}/suspend.
func (h *TrustHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParty(w, r, false)
	if !ok {
		return
	}
	result, err := h.service.SuspendTrustRelationship(r.Context(), id, getActor(r), readReason(r))
	h.writeAction(w, result, err)
}

// Update handles PATCH /api/v1/trust/relationships/{id}.
func (h *TrustHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req trust.UpdateRelationshipRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	id, ok := h.requireParty(w, r, false)
	if !ok {
		return
	}
	result, err := h.service.UpdateBilateralTrust(r.Context(), id, getActor(r), req)
	h.writeAction(w, result, err)
}

// writeAction maps an unsuccessful result without an error to 409.
func (h *TrustHandler) writeAction(w http.ResponseWriter, result *trust.ActionResult, err error) {
	if err != nil {
		handleError(w, err)
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TrustLevelResponse is the effective trust level between two organizations.
type TrustLevelResponse struct {
	Organization string `json:"organization"`
	Partner      string `json:"partner"`
	TrustLevel   string `json:"trust_level"`
}

// EffectiveLevel handles GET /api/v1/trust/level?org=.
func (h *TrustHandler) EffectiveLevel(w http.ResponseWriter, r *http.Request) {
	partner := strings.TrimSpace(r.URL.Query().Get("org"))
	if partner == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "org query parameter is required")
		return
	}
	org := getActor(r).OrganizationID
	writeJSON(w, http.StatusOK, TrustLevelResponse{
		Organization: org,
		Partner:      partner,
		TrustLevel:   h.service.GetTrustLevel(r.Context(), org, partner),
	})
}

// Accessible handles GET /api/v1/trust/accessible.
func (h *TrustHandler) Accessible(w http.ResponseWriter, r *http.Request) {
	orgs := h.service.GetAccessibleOrganizations(r.Context(), getActor(r).OrganizationID)
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs, "count": len(orgs)})
}

// CreateGroup handles POST /api/v1/trust/groups.
func (h *TrustHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req trust.CreateGroupRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	actor := getActor(r)
	req.CreatorOrganization = actor.OrganizationID
	req.CreatedBy = actor.UserID

	group, err := h.service.CreateTrustGroup(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

// ListGroups handles GET /api/v1/trust/groups.
func (h *TrustHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListTrustGroups(r.Context(), getActor(r).OrganizationID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}

// GetGroup handles GET /api/v1/trust/groups/{id}.
func (h *TrustHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.service.GetTrustGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// JoinGroupRequest is the body of a join request.
type JoinGroupRequest struct {
	InvitedBy      string                `json:"invited_by,omitempty"`
	MembershipType models.MembershipType `json:"membership_type,omitempty"`
}

// JoinGroup handles POST /api/v1/trust/groups/{id}/join.
func (h *TrustHandler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	var body JoinGroupRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
			return
		}
	}
	actor := getActor(r)
	membership, err := h.service.JoinTrustGroup(r.Context(), trust.JoinGroupRequest{
		GroupID:        chi.URLParam(r, "id"),
		OrganizationID: actor.OrganizationID,
		UserID:         actor.UserID,
		InvitedBy:      body.InvitedBy,
		MembershipType: body.MembershipType,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, membership)
}

// ApproveMember handles POST /api/v1/trust/groups/{id}/members/{org}/approve.
func (h *TrustHandler) ApproveMember(w http.ResponseWriter, r *http.Request) {
	membership, err := h.service.ApproveGroupMembership(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "org"), getActor(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, membership)
}

// LeaveGroup handles POST /api/v1/trust/groups/{id}/leave.
func (h *TrustHandler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	actor := getActor(r)
	if err := h.service.LeaveTrustGroup(r.Context(), chi.URLParam(r, "id"), actor.OrganizationID, actor.UserID); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Access Handler
// =============================================================================

// AccessHandler handles access decision requests.
type AccessHandler struct {
	service AccessService
}

// NewAccessHandler creates a new access handler.
func NewAccessHandler(service AccessService) *AccessHandler {
	return &AccessHandler{service: service}
}

// CheckAccessRequest asks whether the caller may act on a target's data.
type CheckAccessRequest struct {
	TargetOrg    string         `json:"target_org"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Strategies   []string       `json:"strategies,omitempty"`
}

// Check handles POST /api/v1/access/check. The requesting organization and
// client address always come from the request itself.
func (h *AccessHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckAccessRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.TargetOrg == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "target_org is required")
		return
	}
	if req.Action == "" {
		req.Action = access.ActionRead
	}
	actor := getActor(r)
	decision, err := h.service.CheckAccess(r.Context(), access.Request{
		RequestingOrg: actor.OrganizationID,
		TargetOrg:     req.TargetOrg,
		Actor:         actor,
		Action:        req.Action,
		ResourceType:  req.ResourceType,
		IPAddress:     clientIP(r),
		Attributes:    req.Attributes,
		Strategies:    req.Strategies,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// =============================================================================
// Intelligence Handler
// =============================================================================

// IntelligenceHandler handles intelligence sharing requests.
type IntelligenceHandler struct {
	service SharingService
}

// NewIntelligenceHandler creates a new intelligence handler.
func NewIntelligenceHandler(service SharingService) *IntelligenceHandler {
	return &IntelligenceHandler{service: service}
}

// Targets handles GET /api/v1/intelligence/targets.
func (h *IntelligenceHandler) Targets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.service.GetSharingOrganizationsForIntelligence(r.Context(), getActor(r).OrganizationID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets, "count": len(targets)})
}

// ShareRequest is the body of a share request.
type ShareRequest struct {
	Object        map[string]any            `json:"object"`
	Targets       []string                  `json:"targets,omitempty"`
	CollectionID  string                    `json:"collection_id,omitempty"`
	Anonymization models.AnonymizationLevel `json:"anonymization_level,omitempty"`
}

// Share handles POST /api/v1/intelligence/share.
func (h *IntelligenceHandler) Share(w http.ResponseWriter, r *http.Request) {
	var req ShareRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	results, err := h.service.ShareIntelligence(r.Context(), sharing.ShareRequest{
		Actor:         getActor(r),
		Object:        req.Object,
		Targets:       req.Targets,
		CollectionID:  req.CollectionID,
		Anonymization: req.Anonymization,
		IPAddress:     clientIP(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}
	shared := 0
	for _, res := range results {
		if res.Shared {
			shared++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "shared": shared})
}

// Fetch handles GET /api/v1/intelligence?collection=&added_after=.
func (h *IntelligenceHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	addedAfter, err := parseTime(query.Get("added_after"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "added_after must be RFC 3339")
		return
	}
	objects, err := h.service.FetchIntelligence(r.Context(), sharing.FetchRequest{
		Actor:        getActor(r),
		CollectionID: query.Get("collection"),
		AddedAfter:   addedAfter,
		IPAddress:    clientIP(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects, "count": len(objects)})
}

// AnonymizeRequest previews what a target organization would receive.
type AnonymizeRequest struct {
	Object    map[string]any            `json:"object"`
	TargetOrg string                    `json:"target_org"`
	Level     models.AnonymizationLevel `json:"anonymization_level,omitempty"`
}

// Anonymize handles POST /api/v1/intelligence/anonymize.
func (h *IntelligenceHandler) Anonymize(w http.ResponseWriter, r *http.Request) {
	var req AnonymizeRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.Object == nil || req.TargetOrg == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "object and target_org are required")
		return
	}
	result, err := h.service.ApplyTrustBasedAnonymization(r.Context(), req.Object, getActor(r).OrganizationID, req.TargetOrg, req.Level)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ValidateAccessRequest asks whether the caller may act on an owner's intelligence.
type ValidateAccessRequest struct {
	OwnerOrg string `json:"owner_org"`
	Action   string `json:"action"`
}

// ValidateAccess handles POST /api/v1/intelligence/access.
func (h *IntelligenceHandler) ValidateAccess(w http.ResponseWriter, r *http.Request) {
	var req ValidateAccessRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.OwnerOrg == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "owner_org is required")
		return
	}
	if req.Action == "" {
		req.Action = access.ActionRead
	}
	result, err := h.service.ValidateIntelligenceAccess(r.Context(), getActor(r).OrganizationID, req.OwnerOrg, req.Action)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// Audit Handler
// =============================================================================

// AuditHandler handles trust log requests. Non-admin callers only see their
// own organization's entries.
type AuditHandler struct {
	service audit.Service
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(service audit.Service) *AuditHandler {
	return &AuditHandler{service: service}
}

// scopeOrganization pins the queried organization to the caller unless the
// caller is an admin.
func scopeOrganization(actor models.Actor, requested string) string {
	if actor.Role == models.RoleAdmin && requested != "" {
		return requested
	}
	return actor.OrganizationID
}

func queryParams(r *http.Request) (audit.QueryParams, error) {
	query := r.URL.Query()
	since, err := parseTime(query.Get("since"))
	if err != nil {
		return audit.QueryParams{}, err
	}
	until, err := parseTime(query.Get("until"))
	if err != nil {
		return audit.QueryParams{}, err
	}
	limit, offset := getPaginationParams(r)
	params := audit.QueryParams{
		Organization:   scopeOrganization(getActor(r), query.Get("organization")),
		Action:         models.TrustAction(query.Get("action")),
		User:           query.Get("user"),
		RelationshipID: query.Get("relationship_id"),
		GroupID:        query.Get("group_id"),
		Since:          since,
		Until:          until,
		Limit:          limit,
		Offset:         offset,
	}
	if s := query.Get("success"); s != "" {
		ok, err := strconv.ParseBool(s)
		if err != nil {
			return audit.QueryParams{}, err
		}
		params.Success = &ok
	}
	return params, nil
}

// Query handles GET /api/v1/audit.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	params, err := queryParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid query parameters")
		return
	}
	entries, err := h.service.Query(r.Context(), params)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// Get handles GET /api/v1/audit/{id}.
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	actor := getActor(r)
	if actor.Role != models.RoleAdmin && entry.SourceOrganization != actor.OrganizationID && entry.TargetOrganization != actor.OrganizationID {
		handleError(w, apierrors.NewNotFoundError("trust log entry", entry.ID))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ExportAuditRequest represents a trust log export request.
type ExportAuditRequest struct {
	Organization string             `json:"organization"`
	Action       string             `json:"action"`
	Since        string             `json:"since"`
	Until        string             `json:"until"`
	Format       audit.ExportFormat `json:"format"`
}

// Export handles POST /api/v1/audit/export.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportAuditRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	since, err := parseTime(req.Since)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be RFC 3339")
		return
	}
	until, err := parseTime(req.Until)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "until must be RFC 3339")
		return
	}

	format := req.Format
	if format == "" {
		format = audit.ExportFormatJSON
	}

	data, err := h.service.Export(r.Context(), audit.ExportRequest{
		Query: audit.QueryParams{
			Organization: scopeOrganization(getActor(r), req.Organization),
			Action:       models.TrustAction(req.Action),
			Since:        since,
			Until:        until,
		},
		Format: format,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	contentType := "application/json"
	if format == audit.ExportFormatCSV {
		contentType = "text/csv"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=trust-log-export."+string(format))
	_, _ = w.Write(data)
}

// GetStats handles GET /api/v1/audit/stats.
func (h *AuditHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be RFC 3339")
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}

	stats, err := h.service.GetStats(r.Context(), since)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// VerifyRequest bounds an integrity check.
type VerifyRequest struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// VerifyIntegrity handles POST /api/v1/audit/verify.
func (h *AuditHandler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
			return
		}
	}
	since, err := parseTime(req.Since)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be RFC 3339")
		return
	}
	until, err := parseTime(req.Until)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "until must be RFC 3339")
		return
	}

	valid, err := h.service.VerifyIntegrity(r.Context(), since, until)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       valid,
		"verified_at": time.Now().UTC(),
	})
}
