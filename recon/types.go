/*
Package recon provides the core reconciliation engine.

PURPOSE:
  This package contains the domain types and algorithms for reconciling two
  independently-maintained records of the same transactions: detecting
  field-level differences, attributing each difference to a reason with a
  confidence score, and gating low-confidence attributions behind a human
  review workflow with an immutable audit trail.

KEY CONCEPTS IN THIS FILE (types.go):
  - Run:         One execution of the pipeline over one batch of records
  - Record:      An aligned pair (side A / side B) for one transaction
  - Difference:  A field-level or whole-record discrepancy
  - ReasonCode:  Static reference data explaining a difference
  - Attribution: The (reason, confidence) classification of a Difference
  - AuditEntry:  Append-only log of every human decision

DESIGN PRINCIPLES:
  1. Immutability: Differences and audit entries are never modified
  2. Precision: decimal.Decimal for all tolerance math, never float compare
  3. Determinism: rule ordering and field iteration order are fixed
  4. Auditability: every workflow mutation carries its prior-state snapshot

TOLERANCES:
  Two independent thresholds exist on purpose. The differ flags anything
  beyond NumericTolerance (0.005); the attributor explains anything under
  RoundingTolerance (0.02) as a rounding difference. Flagging and
  explaining are separate stages with separate budgets.

SEE ALSO:
  - differ.go:     Field comparison rules
  - attributor.go: Ordered classification cascade
  - workflow.go:   Review workflow (APPROVE / OVERRIDE)
  - pipeline.go:   Chunked batch execution
*/
package recon

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TOLERANCES & THRESHOLDS
// =============================================================================

var (
	// NumericTolerance is the differ's flagging threshold. Numeric deltas at
	// or under this are treated as float noise and produce no Difference.
	NumericTolerance = decimal.RequireFromString("0.005")

	// RoundingTolerance is the attributor's explanation threshold. Numeric
	// deltas strictly under this are attributed to rounding.
	RoundingTolerance = decimal.RequireFromString("0.02")

	// FX variance band: percentage deltas in the open interval
	// (FXVarianceFloor, FXVarianceCeiling) are attributed to FX movement.
	FXVarianceFloor   = decimal.RequireFromString("0.005")
	FXVarianceCeiling = decimal.RequireFromString("0.03")
)

// ConfidenceThreshold separates auto-accepted attributions from those
// requiring human review.
const ConfidenceThreshold = 0.85

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RunID string
type RecordID string
type DiffID string
type AttributionID string

// =============================================================================
// RUN - One execution of the pipeline over one batch
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Run identifies one reconciliation execution over a dated batch.
// Created at ingestion start, mutated on completion or failure, never deleted.
type Run struct {
	ID               RunID
	SourceA          string
	SourceB          string
	BatchDate        time.Time
	Status           RunStatus
	StartTime        time.Time
	EndTime          *time.Time
	TotalRecords     int
	TotalDifferences int
	Metadata         map[string]string
}

// =============================================================================
// RECORD - Aligned pair of one logical transaction
// =============================================================================

// FieldMap holds the normalized field values for one side of a record.
// Values are strings, numbers (json.Number after decoding), or nil.
type FieldMap map[string]any

// Record is the aligned representation of one transaction as seen by
// source A and source B. A nil ref id on a side means the record is absent
// from that source entirely. At least one side's ref id must be present.
// Immutable once created.
type Record struct {
	ID           RecordID
	RunID        RunID
	SourceARefID *string
	SourceBRefID *string
	DataA        FieldMap
	DataB        FieldMap
}

// =============================================================================
// DIFFERENCE - One detected discrepancy
// =============================================================================

type DiffType string

const (
	DiffMissingInSourceA DiffType = "MISSING_IN_SOURCE_A"
	DiffMissingInSourceB DiffType = "MISSING_IN_SOURCE_B"
	DiffNullMismatch     DiffType = "NULL_MISMATCH"
	DiffNumericMismatch  DiffType = "NUMERIC_MISMATCH"
	DiffStringMismatch   DiffType = "STRING_MISMATCH"
	DiffTypeMismatch     DiffType = "TYPE_MISMATCH"
)

// IsMissingRecord reports whether the type denotes a whole-record absence.
func (t DiffType) IsMissingRecord() bool {
	return t == DiffMissingInSourceA || t == DiffMissingInSourceB
}

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
)

// FieldEntireRecord is the field name used for whole-record differences.
const FieldEntireRecord = "ENTIRE_RECORD"

// ExistsMarker is the sentinel value recorded on the side that has the
// record when the other side is missing it.
const ExistsMarker = "EXISTS"

// Difference is one field-level or whole-record discrepancy for a Record.
// Values are canonical string forms; nil means null. Created only by the
// Differ, never updated.
type Difference struct {
	ID       DiffID
	RecordID RecordID
	Field    string
	ValueA   *string
	ValueB   *string
	Type     DiffType
	Severity Severity
}

// =============================================================================
// REASON CODES - Static reference data
// =============================================================================

// Canonical reason code strings. The attributor resolves these against the
// ReasonMap loaded once per batch; a code absent from the map yields a nil
// reason id, never an error.
const (
	ReasonMissingSourceA   = "MISSING_SOURCE_A"
	ReasonMissingSourceB   = "MISSING_SOURCE_B"
	ReasonDataTypeMismatch = "DATA_TYPE_MISMATCH"
	ReasonRoundingDiff     = "ROUNDING_DIFF"
	ReasonFXVariance       = "FX_VARIANCE"
	ReasonManualEntryErr   = "MANUAL_ENTRY_ERR"
	ReasonTimingDiff       = "TIMING_DIFF"
	ReasonUnknown          = "UNKNOWN"
)

// ReasonCode is static reference data. Read-only to the pipeline.
// IsFunctional distinguishes a true business exception from cosmetic or
// explained variance.
type ReasonCode struct {
	ID           int64
	Code         string
	Description  string
	IsFunctional bool
}

// ReasonMap maps reason code strings to their ids, loaded once per batch.
type ReasonMap map[string]int64

// Lookup resolves a code to its id. Missing codes are a normal condition
// (the attributor falls back to a nil reason).
func (m ReasonMap) Lookup(code string) (int64, bool) {
	id, ok := m[code]
	return id, ok
}

// =============================================================================
// ATTRIBUTION - Classification outcome for exactly one Difference
// =============================================================================

type AttributionStatus string

const (
	// StatusAccepted is terminal: auto-accepted at creation or confirmed
	// by a human. No transition out is defined.
	StatusAccepted AttributionStatus = "ACCEPTED"

	// StatusUnknown means pending human review. Entry state when the
	// confidence score is below ConfidenceThreshold.
	StatusUnknown AttributionStatus = "UNKNOWN"
)

// Attribution is the classification outcome for exactly one Difference.
// Created by the attributor; mutated only by the review workflow.
type Attribution struct {
	ID         AttributionID
	DiffID     DiffID
	ReasonID   *int64
	Confidence float64
	Status     AttributionStatus
	AssignedBy string
	AssignedAt time.Time
}

// StatusFor derives the initial attribution status from a confidence score.
func StatusFor(confidence float64) AttributionStatus {
	if confidence >= ConfidenceThreshold {
		return StatusAccepted
	}
	return StatusUnknown
}

// =============================================================================
// AUDIT - Append-only record of human decisions
// =============================================================================

type AuditAction string

const (
	ActionApprove  AuditAction = "APPROVE"
	ActionOverride AuditAction = "OVERRIDE"
)

// AuditEntry records one human decision against an Attribution, including a
// snapshot of the attribution's state immediately before the decision.
// Write-once: never mutated, never deleted. This is the governance record.
type AuditEntry struct {
	ID            string
	AttributionID AttributionID
	ActorID       string
	Action        AuditAction
	Comment       string
	PrevStatus    AttributionStatus
	PrevReasonID  *int64
	CreatedAt     time.Time
}

// =============================================================================
// VALUE CANONICALIZATION
// =============================================================================

// Canonical returns the canonical string form of a field value and whether
// the value is non-null. Comparing canonical forms avoids
// type-representation artifacts (1 vs "1") between the two sides.
func Canonical(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return fmt.Sprintf("%v", x), true
	}
}

// parseDecimal is the fallible numeric parse used by the differ and the
// attributor. Failure means "not a number", never an error.
func parseDecimal(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func strPtr(s string) *string { return &s }
