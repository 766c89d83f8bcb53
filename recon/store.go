/*
store.go - Persistence interfaces for the reconciliation pipeline

PURPOSE:
  Defines the interface between the domain logic and the database. The
  differ, attributor and review workflow operate only on the typed
  entities in types.go; row construction happens at the persistence
  boundary, never in domain code.

KEY INTERFACES:
  Store:   Entity persistence (runs, records, differences, reason codes,
           attributions, audit trail)
  TxStore: Transactional operations (atomic resolve + audit write)

WRITE DISCIPLINE:
  - Records and differences are insert-only; corrections happen by
    re-running the pipeline, which is idempotent per (record, field, type).
  - Attributions are inserted once per difference and mutated only via
    TransitionAttribution, a compare-and-swap on the current status.
  - The audit trail is append-only. No Update or Delete exists for it.

IMPLEMENTATIONS:
  - store/sqlite:    Production SQLite
  - recon/store:     In-memory for tests

SEE ALSO:
  - workflow.go: Uses TransitionAttribution + AppendAudit inside WithTx
  - pipeline.go: Uses the chunked record/difference operations
*/
package recon

import (
	"context"
	"time"
)

// ReviewItem is one row of the review queue: the pending attribution with
// the context a reviewer needs (the difference, the record's reference ids
// on both sides, and the currently assigned reason, if any).
type ReviewItem struct {
	Attribution  Attribution
	Difference   Difference
	SourceARefID *string
	SourceBRefID *string
	Reason       *ReasonCode
}

// Store handles persistence for all six entity types.
type Store interface {
	// --- Runs ---

	// CreateRun persists a new run in RUNNING status.
	CreateRun(ctx context.Context, run Run) error

	// GetRun returns a run by id, or nil if absent.
	GetRun(ctx context.Context, id RunID) (*Run, error)

	// ListRuns returns all runs, most recent first.
	ListRuns(ctx context.Context) ([]Run, error)

	// LatestCompletedRun returns the most recently completed run, or nil.
	LatestCompletedRun(ctx context.Context) (*Run, error)

	// UpdateRunStatus moves a run to COMPLETED or FAILED and stamps the
	// end time. Never transitions back to RUNNING.
	UpdateRunStatus(ctx context.Context, id RunID, status RunStatus, endTime time.Time) error

	// SetRunTotals records the batch statistics on a run.
	SetRunTotals(ctx context.Context, id RunID, totalRecords, totalDifferences int) error

	// --- Records ---

	// InsertRecords persists a chunk of aligned record pairs.
	InsertRecords(ctx context.Context, records []Record) error

	// LoadRecordPage returns records for a run ordered by record id,
	// bounded by limit/offset. Paging keeps memory proportional to the
	// chunk size, not the run size.
	LoadRecordPage(ctx context.Context, runID RunID, limit, offset int) ([]Record, error)

	// --- Differences ---

	// InsertDifferences persists a chunk of differences atomically and
	// returns how many were actually inserted. A difference whose
	// (record, field, type) identity already exists is skipped, making
	// retries after partial failure safe.
	InsertDifferences(ctx context.Context, diffs []Difference) (int, error)

	// CountDifferences returns the total difference count for a run.
	CountDifferences(ctx context.Context, runID RunID) (int, error)

	// ListDifferences returns the differences for a run ordered by record
	// id then field name, bounded by limit/offset.
	ListDifferences(ctx context.Context, runID RunID, limit, offset int) ([]Difference, error)

	// LoadUnattributed returns differences that have no attribution yet,
	// bounded by limit.
	LoadUnattributed(ctx context.Context, limit int) ([]Difference, error)

	// --- Reason codes ---

	// ReasonMap returns the code -> id lookup, loaded once per batch.
	ReasonMap(ctx context.Context) (ReasonMap, error)

	// ListReasons returns all reason codes.
	ListReasons(ctx context.Context) ([]ReasonCode, error)

	// --- Attributions ---

	// InsertAttributions persists a chunk of attributions atomically.
	// At most one attribution exists per difference.
	InsertAttributions(ctx context.Context, attrs []Attribution) error

	// GetAttribution returns an attribution by id, or nil if absent.
	GetAttribution(ctx context.Context, id AttributionID) (*Attribution, error)

	// ListPending returns UNKNOWN attributions joined with their review
	// context, ordered by ascending confidence, bounded by limit.
	ListPending(ctx context.Context, limit int) ([]ReviewItem, error)

	// TransitionAttribution applies a status/reason mutation only if the
	// attribution is still in fromStatus (compare-and-swap). Returns
	// ErrConcurrentResolution if the state already moved.
	TransitionAttribution(ctx context.Context, id AttributionID, fromStatus, toStatus AttributionStatus, reasonID *int64, actorID string, at time.Time) error

	// --- Audit trail ---

	// AppendAudit writes one audit entry. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// ListAudit returns the audit entries for an attribution, oldest first.
	ListAudit(ctx context.Context, id AttributionID) ([]AuditEntry, error)
}

// TxStore wraps Store with transaction support. The review workflow
// requires it: a resolution's state mutation and its audit entry must both
// commit or both roll back.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
