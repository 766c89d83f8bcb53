/*
handlers.go - HTTP API handlers for the reconciliation workbench

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Workflow:
    GET    /api/workflow/queue         Pending review queue (confidence ASC)
    POST   /api/workflow/resolve       Resolve a pending attribution

  Reference data:
    GET    /api/reasons                List reason codes

  Runs:
    GET    /api/runs                   List reconciliation runs
    GET    /api/runs/{id}              Run details
    GET    /api/runs/{id}/differences  Differences found by a run

  Audit:
    GET    /api/attributions/{id}/audit Audit trail for an attribution

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Review: Review workflow service (transactional resolve)
  - Store:  Database access for read paths

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input at the boundary (actor, comment, limits)
  3. Call domain logic (review service, store)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unknown reason code
  - 404: Attribution or run not found
  - 409: Conflict (already resolved, concurrent resolution)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. The actor_id field is
  caller-asserted. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/recon-engine/recon"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 500
	defaultPageLimit  = 100

	// Resolutions are permanent; a bare "ok" is not an audit comment.
	minCommentLength = 5
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Review *recon.ReviewService
	Store  recon.TxStore
}

// NewHandler creates a handler backed by the given store.
func NewHandler(store recon.TxStore) *Handler {
	return &Handler{
		Review: recon.NewReviewService(store),
		Store:  store,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// WORKFLOW ENDPOINTS
// =============================================================================

// GetReviewQueue returns the pending review queue, lowest confidence
// first so reviewers see the least certain attributions at the top.
// GET /api/workflow/queue?limit=50
func (h *Handler) GetReviewQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultQueueLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter", err)
			return
		}
		if n > maxQueueLimit {
			n = maxQueueLimit
		}
		limit = n
	}

	items, err := h.Review.ListPending(ctx, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load review queue", err)
		return
	}

	dtos := make([]ReviewItemDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, toReviewItemDTO(item))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveDifference applies one APPROVE or OVERRIDE decision.
// POST /api/workflow/resolve
func (h *Handler) ResolveDifference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ResolveRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.AttributionID == "" {
		writeError(w, http.StatusBadRequest, "attribution_id is required", nil)
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required", nil)
		return
	}
	if len(strings.TrimSpace(req.Comment)) < minCommentLength {
		writeError(w, http.StatusBadRequest, "comment must be at least 5 characters", nil)
		return
	}

	err := h.Review.Resolve(ctx, recon.ResolveRequest{
		AttributionID: recon.AttributionID(req.AttributionID),
		Action:        recon.AuditAction(strings.ToUpper(req.Action)),
		NewReasonCode: req.NewReasonCode,
		ActorID:       req.ActorID,
		Comment:       req.Comment,
	})
	if err != nil {
		switch {
		case recon.IsNotFound(err):
			writeError(w, http.StatusNotFound, "Attribution not found", err)
		case recon.IsConflict(err):
			writeError(w, http.StatusConflict, "Attribution already resolved", err)
		case recon.IsValidation(err):
			writeError(w, http.StatusBadRequest, "Invalid resolution request", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to resolve attribution", err)
		}
		return
	}

	resp := ResolveResponseDTO{
		AttributionID: req.AttributionID,
		Status:        string(recon.StatusAccepted),
		ResolvedBy:    req.ActorID,
	}
	if attr, err := h.Store.GetAttribution(ctx, recon.AttributionID(req.AttributionID)); err == nil && attr != nil {
		resp.ReasonCode = h.reasonCode(ctx, attr.ReasonID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAuditTrail returns the audit entries for an attribution, oldest first.
// GET /api/attributions/{id}/audit
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := recon.AttributionID(chi.URLParam(r, "id"))

	attr, err := h.Store.GetAttribution(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load attribution", err)
		return
	}
	if attr == nil {
		writeError(w, http.StatusNotFound, "Attribution not found", nil)
		return
	}

	entries, err := h.Store.ListAudit(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load audit trail", err)
		return
	}

	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, AuditEntryDTO{
			AuditID:       e.ID,
			AttributionID: string(e.AttributionID),
			ActorID:       e.ActorID,
			Action:        string(e.Action),
			Comment:       e.Comment,
			PrevStatus:    string(e.PrevStatus),
			PrevReasonID:  e.PrevReasonID,
			CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REFERENCE DATA ENDPOINTS
// =============================================================================

// ListReasonCodes returns all reason codes.
// GET /api/reasons
func (h *Handler) ListReasonCodes(w http.ResponseWriter, r *http.Request) {
	reasons, err := h.Store.ListReasons(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load reason codes", err)
		return
	}

	dtos := make([]ReasonCodeDTO, 0, len(reasons))
	for _, rc := range reasons {
		dtos = append(dtos, ReasonCodeDTO{
			ID:           rc.ID,
			Code:         rc.Code,
			Description:  rc.Description,
			IsFunctional: rc.IsFunctional,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// ListRuns returns all runs, most recent first.
// GET /api/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns a single run.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := recon.RunID(chi.URLParam(r, "id"))

	run, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// ListRunDifferences returns the differences found by a run.
// GET /api/runs/{id}/differences?limit=100&offset=0
func (h *Handler) ListRunDifferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := recon.RunID(chi.URLParam(r, "id"))

	run, err := h.Store.GetRun(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}

	limit := defaultPageLimit
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	diffs, err := h.Store.ListDifferences(ctx, id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load differences", err)
		return
	}

	dtos := make([]DifferenceDTO, 0, len(diffs))
	for _, d := range diffs {
		dtos = append(dtos, DifferenceDTO{
			DiffID:    string(d.ID),
			RecordID:  string(d.RecordID),
			FieldName: d.Field,
			ValueA:    d.ValueA,
			ValueB:    d.ValueB,
			DiffType:  string(d.Type),
			Severity:  string(d.Severity),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func toReviewItemDTO(item recon.ReviewItem) ReviewItemDTO {
	dto := ReviewItemDTO{
		AttributionID: string(item.Attribution.ID),
		DiffID:        string(item.Attribution.DiffID),
		RecordID:      string(item.Difference.RecordID),
		SourceARefID:  item.SourceARefID,
		SourceBRefID:  item.SourceBRefID,
		FieldName:     item.Difference.Field,
		ValueA:        item.Difference.ValueA,
		ValueB:        item.Difference.ValueB,
		DiffType:      string(item.Difference.Type),
		Severity:      string(item.Difference.Severity),
		Confidence:    item.Attribution.Confidence,
		Status:        string(item.Attribution.Status),
		AssignedBy:    item.Attribution.AssignedBy,
		AssignedAt:    item.Attribution.AssignedAt.UTC().Format(time.RFC3339),
	}
	if item.Reason != nil {
		code := item.Reason.Code
		dto.ReasonCode = &code
	}
	return dto
}

func toRunDTO(run recon.Run) RunDTO {
	dto := RunDTO{
		RunID:            string(run.ID),
		SourceA:          run.SourceA,
		SourceB:          run.SourceB,
		BatchDate:        run.BatchDate.Format("2006-01-02"),
		Status:           string(run.Status),
		StartTime:        run.StartTime.UTC().Format(time.RFC3339),
		TotalRecords:     run.TotalRecords,
		TotalDifferences: run.TotalDifferences,
		Metadata:         run.Metadata,
	}
	if run.EndTime != nil {
		s := run.EndTime.UTC().Format(time.RFC3339)
		dto.EndTime = &s
	}
	return dto
}

// reasonCode resolves a reason id back to its code for responses.
func (h *Handler) reasonCode(ctx context.Context, id *int64) *string {
	if id == nil {
		return nil
	}
	reasons, err := h.Store.ListReasons(ctx)
	if err != nil {
		return nil
	}
	for _, rc := range reasons {
		if rc.ID == *id {
			code := rc.Code
			return &code
		}
	}
	return nil
}
