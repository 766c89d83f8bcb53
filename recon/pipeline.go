/*
pipeline.go - Chunked batch execution of the differ and attributor

PURPOSE:
  Drives the two pure engines over persisted state in bounded chunks, so
  memory stays proportional to chunk size rather than run size. Chunk
  boundaries are an efficiency concern only; correctness comes from
  idempotent difference insertion (keyed on record + field + type), which
  makes a retry after partial failure safe.

FAILURE POLICY:
  A storage failure mid-run marks the run FAILED and leaves previously
  committed chunks intact. Re-running the engine on the same run resumes
  idempotently and, on success, restores COMPLETED.

SEE ALSO:
  - differ.go:     Per-record comparison (pure)
  - attributor.go: Per-difference classification (pure)
  - store.go:      Chunked persistence operations
*/
package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize bounds how many records or differences are held in
// memory at once during batch processing.
const DefaultChunkSize = 1000

// DefaultAssignor identifies attributions created by the rule engine, as
// opposed to a human reviewer.
const DefaultAssignor = "RULES_ENGINE_V1"

// =============================================================================
// DIFF ENGINE - Differ over a whole run
// =============================================================================

// DiffSummary reports the outcome of one diff pass, for operator-facing
// output.
type DiffSummary struct {
	RunID            RunID
	RecordsProcessed int
	DifferencesFound int
	Inserted         int
}

// DiffEngine runs the differ over every record of a run in chunks.
type DiffEngine struct {
	Store     Store
	Log       *logrus.Logger
	ChunkSize int
}

func NewDiffEngine(store Store, log *logrus.Logger) *DiffEngine {
	return &DiffEngine{Store: store, Log: log, ChunkSize: DefaultChunkSize}
}

// Run computes and persists differences for the given run. An empty runID
// selects the most recently completed run.
func (e *DiffEngine) Run(ctx context.Context, runID RunID) (*DiffSummary, error) {
	run, err := e.targetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	e.Log.WithFields(logrus.Fields{"run_id": run.ID, "chunk_size": e.chunkSize()}).
		Info("starting difference engine")

	summary := &DiffSummary{RunID: run.ID}
	differ := Differ{}

	offset := 0
	for {
		records, err := e.Store.LoadRecordPage(ctx, run.ID, e.chunkSize(), offset)
		if err != nil {
			return summary, e.fail(ctx, run.ID, "diff", err)
		}
		if len(records) == 0 {
			break
		}

		var chunk []Difference
		for _, rec := range records {
			diffs := differ.Compare(rec)
			for i := range diffs {
				diffs[i].ID = DiffID(uuid.NewString())
			}
			chunk = append(chunk, diffs...)
		}
		summary.RecordsProcessed += len(records)
		summary.DifferencesFound += len(chunk)

		if len(chunk) > 0 {
			// Commit per chunk; duplicates from a previous partial run
			// are skipped, so retries never double-insert.
			inserted, err := e.Store.InsertDifferences(ctx, chunk)
			if err != nil {
				return summary, e.fail(ctx, run.ID, "diff", err)
			}
			summary.Inserted += inserted
		}

		offset += e.chunkSize()
	}

	total, err := e.Store.CountDifferences(ctx, run.ID)
	if err != nil {
		return summary, e.fail(ctx, run.ID, "diff", err)
	}
	if err := e.Store.SetRunTotals(ctx, run.ID, run.TotalRecords, total); err != nil {
		return summary, e.fail(ctx, run.ID, "diff", err)
	}

	// A re-run after a failure restores the run to COMPLETED.
	if run.Status == RunFailed {
		if err := e.Store.UpdateRunStatus(ctx, run.ID, RunCompleted, time.Now().UTC()); err != nil {
			return summary, e.fail(ctx, run.ID, "diff", err)
		}
	}

	e.Log.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"processed": summary.RecordsProcessed,
		"flagged":   summary.DifferencesFound,
		"inserted":  summary.Inserted,
	}).Info("difference analysis complete")

	return summary, nil
}

func (e *DiffEngine) targetRun(ctx context.Context, runID RunID) (*Run, error) {
	if runID != "" {
		run, err := e.Store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, ErrRunNotFound
		}
		return run, nil
	}

	e.Log.Info("no run id provided, selecting latest completed run")
	run, err := e.Store.LatestCompletedRun(ctx)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: no completed runs to process", ErrRunNotFound)
	}
	return run, nil
}

func (e *DiffEngine) fail(ctx context.Context, runID RunID, stage string, cause error) error {
	e.Log.WithFields(logrus.Fields{"run_id": runID, "stage": stage}).
		WithError(cause).Error("batch failed")
	// Best effort: the original failure is what the caller needs to see.
	_ = e.Store.UpdateRunStatus(ctx, runID, RunFailed, time.Now().UTC())
	return &RunError{RunID: runID, Stage: stage, Err: cause}
}

func (e *DiffEngine) chunkSize() int {
	if e.ChunkSize > 0 {
		return e.ChunkSize
	}
	return DefaultChunkSize
}

// =============================================================================
// ATTRIBUTION ENGINE - Attributor over pending differences
// =============================================================================

// AttributionSummary reports the outcome of one attribution pass.
type AttributionSummary struct {
	Processed    int
	AutoAccepted int
	Unknown      int
}

// AttributionEngine classifies every difference that has no attribution
// yet, in chunks. Differences are independent, so a partial failure simply
// leaves the remainder unattributed for the next pass.
type AttributionEngine struct {
	Store      Store
	Log        *logrus.Logger
	ChunkSize  int
	AssignedBy string
}

func NewAttributionEngine(store Store, log *logrus.Logger) *AttributionEngine {
	return &AttributionEngine{
		Store:      store,
		Log:        log,
		ChunkSize:  DefaultChunkSize,
		AssignedBy: DefaultAssignor,
	}
}

// Run classifies all unattributed differences and persists the outcomes
// with their derived status.
func (e *AttributionEngine) Run(ctx context.Context) (*AttributionSummary, error) {
	reasons, err := e.Store.ReasonMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reason codes: %w", err)
	}
	attributor := NewAttributor(reasons)

	e.Log.WithField("chunk_size", e.chunkSize()).Info("starting attribution engine")

	summary := &AttributionSummary{}
	for {
		diffs, err := e.Store.LoadUnattributed(ctx, e.chunkSize())
		if err != nil {
			return summary, err
		}
		if len(diffs) == 0 {
			break
		}

		now := time.Now().UTC()
		attrs := make([]Attribution, 0, len(diffs))
		for _, d := range diffs {
			reasonID, confidence := attributor.Classify(d)
			status := StatusFor(confidence)

			attrs = append(attrs, Attribution{
				ID:         AttributionID(uuid.NewString()),
				DiffID:     d.ID,
				ReasonID:   reasonID,
				Confidence: confidence,
				Status:     status,
				AssignedBy: e.assignedBy(),
				AssignedAt: now,
			})

			if status == StatusAccepted {
				summary.AutoAccepted++
			} else {
				summary.Unknown++
			}
		}

		if err := e.Store.InsertAttributions(ctx, attrs); err != nil {
			return summary, err
		}
		summary.Processed += len(attrs)
	}

	e.Log.WithFields(logrus.Fields{
		"processed":     summary.Processed,
		"auto_accepted": summary.AutoAccepted,
		"unknown":       summary.Unknown,
	}).Info("attribution batch complete")

	return summary, nil
}

func (e *AttributionEngine) assignedBy() string {
	if e.AssignedBy != "" {
		return e.AssignedBy
	}
	return DefaultAssignor
}

func (e *AttributionEngine) chunkSize() int {
	if e.ChunkSize > 0 {
		return e.ChunkSize
	}
	return DefaultChunkSize
}
