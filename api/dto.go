/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the wire format from the domain model: handlers translate between the
  two so internal representations can evolve without breaking clients.

CONVENTIONS:
  - Times are RFC3339 strings in UTC
  - Nullable values use pointers (omitted or null in JSON)
  - Monetary values stay strings end to end to avoid float artifacts

SEE ALSO:
  - handlers.go: Where these are populated and consumed
*/
package api

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ReviewItemDTO is one entry in the review queue.
type ReviewItemDTO struct {
	AttributionID string  `json:"attribution_id"`
	DiffID        string  `json:"diff_id"`
	RecordID      string  `json:"record_id"`
	SourceARefID  *string `json:"source_a_ref_id"`
	SourceBRefID  *string `json:"source_b_ref_id"`
	FieldName     string  `json:"field_name"`
	ValueA        *string `json:"value_a"`
	ValueB        *string `json:"value_b"`
	DiffType      string  `json:"diff_type"`
	Severity      string  `json:"severity"`
	ReasonCode    *string `json:"reason_code"`
	Confidence    float64 `json:"confidence_score"`
	Status        string  `json:"status"`
	AssignedBy    string  `json:"assigned_by"`
	AssignedAt    string  `json:"assigned_at"`
}

// ResolveRequestDTO is the payload for resolving a pending attribution.
type ResolveRequestDTO struct {
	AttributionID string `json:"attribution_id"`
	Action        string `json:"action"`
	NewReasonCode string `json:"new_reason_code,omitempty"`
	ActorID       string `json:"actor_id"`
	Comment       string `json:"comment"`
}

// ResolveResponseDTO confirms a successful resolution.
type ResolveResponseDTO struct {
	AttributionID string  `json:"attribution_id"`
	Status        string  `json:"status"`
	ReasonCode    *string `json:"reason_code"`
	ResolvedBy    string  `json:"resolved_by"`
}

// ReasonCodeDTO describes one reason code.
type ReasonCodeDTO struct {
	ID           int64  `json:"reason_id"`
	Code         string `json:"code"`
	Description  string `json:"description"`
	IsFunctional bool   `json:"is_functional"`
}

// RunDTO describes a reconciliation run.
type RunDTO struct {
	RunID            string            `json:"run_id"`
	SourceA          string            `json:"source_system_a"`
	SourceB          string            `json:"source_system_b"`
	BatchDate        string            `json:"batch_date"`
	Status           string            `json:"status"`
	StartTime        string            `json:"start_time"`
	EndTime          *string           `json:"end_time"`
	TotalRecords     int               `json:"total_records"`
	TotalDifferences int               `json:"total_differences"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// DifferenceDTO describes one stored difference.
type DifferenceDTO struct {
	DiffID    string  `json:"diff_id"`
	RecordID  string  `json:"record_id"`
	FieldName string  `json:"field_name"`
	ValueA    *string `json:"value_a"`
	ValueB    *string `json:"value_b"`
	DiffType  string  `json:"diff_type"`
	Severity  string  `json:"severity"`
}

// AuditEntryDTO is one append-only audit record.
type AuditEntryDTO struct {
	AuditID       string `json:"audit_id"`
	AttributionID string `json:"attribution_id"`
	ActorID       string `json:"actor_id"`
	Action        string `json:"action_type"`
	Comment       string `json:"comments,omitempty"`
	PrevStatus    string `json:"prev_status"`
	PrevReasonID  *int64 `json:"prev_reason_id"`
	CreatedAt     string `json:"created_at"`
}
