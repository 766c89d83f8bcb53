/*
sqlite_test.go - SQLite store tests

Tests for:
- Schema migration and reason code seeding
- Run lifecycle persistence
- Difference insertion idempotency (identity index)
- Review queue join and ordering
- Compare-and-swap transitions
- Transaction rollback atomicity
*/
package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recon-engine/recon"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strRef(s string) *string { return &s }

func seedRun(t *testing.T, s *Store, id recon.RunID, status recon.RunStatus, endTime *time.Time) {
	t.Helper()
	run := recon.Run{
		ID:        id,
		SourceA:   "TRADING_SYSTEM",
		SourceB:   "SETTLEMENT_SYSTEM",
		BatchDate: time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		Status:    status,
		StartTime: time.Now().UTC().Truncate(time.Second),
		EndTime:   endTime,
		Metadata:  map[string]string{"job_name": "fx_trades_daily"},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
}

func seedRecord(t *testing.T, s *Store, runID recon.RunID, recID recon.RecordID) {
	t.Helper()
	require.NoError(t, s.InsertRecords(context.Background(), []recon.Record{{
		ID:           recID,
		RunID:        runID,
		SourceARefID: strRef("A-" + string(recID)),
		SourceBRefID: strRef("B-" + string(recID)),
		DataA:        recon.FieldMap{"amount": "100.00"},
		DataB:        recon.FieldMap{"amount": "250.00"},
	}}))
}

func seedDiff(t *testing.T, s *Store, recID recon.RecordID, diffID recon.DiffID, field string) {
	t.Helper()
	n, err := s.InsertDifferences(context.Background(), []recon.Difference{{
		ID:       diffID,
		RecordID: recID,
		Field:    field,
		ValueA:   strRef("100.00"),
		ValueB:   strRef("250.00"),
		Type:     recon.DiffNumericMismatch,
		Severity: recon.SeverityMedium,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func seedAttribution(t *testing.T, s *Store, diffID recon.DiffID, attrID recon.AttributionID, confidence float64, status recon.AttributionStatus) {
	t.Helper()
	require.NoError(t, s.InsertAttributions(context.Background(), []recon.Attribution{{
		ID:         attrID,
		DiffID:     diffID,
		Confidence: confidence,
		Status:     status,
		AssignedBy: "RULES_ENGINE_V1",
		AssignedAt: time.Now().UTC().Truncate(time.Second),
	}}))
}

// =============================================================================
// MIGRATION & REFERENCE DATA
// =============================================================================

func TestMigrate_SeedsReasonCodes(t *testing.T) {
	// GIVEN / WHEN: A freshly migrated store
	s := newTestStore(t)

	// THEN: The full reason code catalogue is present with stable ids
	reasons, err := s.ListReasons(context.Background())
	require.NoError(t, err)
	require.Len(t, reasons, len(recon.DefaultReasonCodes()))

	rm, err := s.ReasonMap(context.Background())
	require.NoError(t, err)
	for _, rc := range recon.DefaultReasonCodes() {
		id, ok := rm.Lookup(rc.Code)
		require.True(t, ok, rc.Code)
		assert.Equal(t, rc.ID, id)
	}
}

// =============================================================================
// RUNS
// =============================================================================

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// GIVEN: A run created in RUNNING state
	seedRun(t, s, "run-1", recon.RunRunning, nil)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, recon.RunRunning, run.Status)
	assert.Nil(t, run.EndTime)
	assert.Equal(t, "fx_trades_daily", run.Metadata["job_name"])

	// WHEN: It completes with totals
	end := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetRunTotals(ctx, "run-1", 1000, 37))
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", recon.RunCompleted, end))

	// THEN
	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, recon.RunCompleted, run.Status)
	require.NotNil(t, run.EndTime)
	assert.True(t, run.EndTime.Equal(end))
	assert.Equal(t, 1000, run.TotalRecords)
	assert.Equal(t, 37, run.TotalDifferences)
}

func TestGetRun_AbsentIsNil(t *testing.T) {
	s := newTestStore(t)

	run, err := s.GetRun(context.Background(), "run-missing")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestUpdateRunStatus_UnknownRun(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRunStatus(context.Background(), "run-missing", recon.RunFailed, time.Now())
	assert.ErrorIs(t, err, recon.ErrRunNotFound)
}

func TestLatestCompletedRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// GIVEN: An old completed run, a newer completed run and a failed run
	early := time.Date(2026, 8, 29, 18, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)
	seedRun(t, s, "run-early", recon.RunCompleted, &early)
	seedRun(t, s, "run-late", recon.RunCompleted, &late)
	seedRun(t, s, "run-failed", recon.RunFailed, &late)

	// WHEN
	run, err := s.LatestCompletedRun(ctx)
	require.NoError(t, err)

	// THEN
	require.NotNil(t, run)
	assert.Equal(t, recon.RunID("run-late"), run.ID)
}

// =============================================================================
// RECORDS & DIFFERENCES
// =============================================================================

func TestInsertRecords_RejectsRecordWithoutSides(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "run-1", recon.RunRunning, nil)

	err := s.InsertRecords(context.Background(), []recon.Record{{
		ID:    "rec-1",
		RunID: "run-1",
	}})
	assert.ErrorIs(t, err, recon.ErrRecordWithoutSides)
}

func TestLoadRecordPage_Paging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-a")
	seedRecord(t, s, "run-1", "rec-b")
	seedRecord(t, s, "run-1", "rec-c")

	// Side-less field maps survive the JSON round trip.
	page, err := s.LoadRecordPage(ctx, "run-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, recon.RecordID("rec-a"), page[0].ID)
	assert.Equal(t, "100.00", page[0].DataA["amount"])

	page, err = s.LoadRecordPage(ctx, "run-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, recon.RecordID("rec-c"), page[0].ID)
}

func TestInsertDifferences_IdentityIsIdempotent(t *testing.T) {
	// GIVEN: A difference already stored
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-1")
	seedDiff(t, s, "rec-1", "diff-1", "amount")

	// WHEN: A retry re-submits the same (record, field, type) under a new id
	n, err := s.InsertDifferences(ctx, []recon.Difference{{
		ID:       "diff-1-retry",
		RecordID: "rec-1",
		Field:    "amount",
		ValueA:   strRef("100.00"),
		ValueB:   strRef("250.00"),
		Type:     recon.DiffNumericMismatch,
		Severity: recon.SeverityMedium,
	}})
	require.NoError(t, err)

	// THEN: Skipped, not duplicated
	assert.Equal(t, 0, n)
	count, err := s.CountDifferences(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListDifferences_ScopedToRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRun(t, s, "run-2", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-1")
	seedRecord(t, s, "run-2", "rec-2")
	seedDiff(t, s, "rec-1", "diff-1", "amount")
	seedDiff(t, s, "rec-2", "diff-2", "amount")

	diffs, err := s.ListDifferences(ctx, "run-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, recon.DiffID("diff-1"), diffs[0].ID)
}

func TestLoadUnattributed(t *testing.T) {
	// GIVEN: Two differences, one already attributed
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-1")
	seedDiff(t, s, "rec-1", "diff-1", "amount")
	seedDiff(t, s, "rec-1", "diff-2", "currency")
	seedAttribution(t, s, "diff-1", "attr-1", 0.98, recon.StatusAccepted)

	// WHEN
	pending, err := s.LoadUnattributed(ctx, 10)
	require.NoError(t, err)

	// THEN
	require.Len(t, pending, 1)
	assert.Equal(t, recon.DiffID("diff-2"), pending[0].ID)
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

func TestListPending_JoinAndOrdering(t *testing.T) {
	// GIVEN: Pending attributions with mixed confidence plus an accepted one
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-1")
	seedDiff(t, s, "rec-1", "diff-1", "amount")
	seedDiff(t, s, "rec-1", "diff-2", "currency")
	seedDiff(t, s, "rec-1", "diff-3", "trade_date")
	seedAttribution(t, s, "diff-1", "attr-mid", 0.4, recon.StatusUnknown)
	seedAttribution(t, s, "diff-2", "attr-low", 0.0, recon.StatusUnknown)
	seedAttribution(t, s, "diff-3", "attr-done", 0.98, recon.StatusAccepted)

	// WHEN
	items, err := s.ListPending(ctx, 10)
	require.NoError(t, err)

	// THEN: Only pending items, least confident first, with record context
	require.Len(t, items, 2)
	assert.Equal(t, recon.AttributionID("attr-low"), items[0].Attribution.ID)
	assert.Equal(t, recon.AttributionID("attr-mid"), items[1].Attribution.ID)
	require.NotNil(t, items[0].SourceARefID)
	assert.Equal(t, "A-rec-1", *items[0].SourceARefID)
	assert.Equal(t, "currency", items[0].Difference.Field)
	require.NotNil(t, items[0].Difference.ValueA)
	assert.Equal(t, "100.00", *items[0].Difference.ValueA)
	assert.Nil(t, items[0].Reason)
}

// =============================================================================
// COMPARE-AND-SWAP & TRANSACTIONS
// =============================================================================

func TestTransitionAttribution_CAS(t *testing.T) {
	// GIVEN
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-1")
	seedDiff(t, s, "rec-1", "diff-1", "amount")
	seedAttribution(t, s, "diff-1", "attr-1", 0.0, recon.StatusUnknown)

	rm, err := s.ReasonMap(ctx)
	require.NoError(t, err)
	timingID, _ := rm.Lookup(recon.ReasonTimingDiff)
	now := time.Now().UTC().Truncate(time.Second)

	// WHEN: The first transition wins
	err = s.TransitionAttribution(ctx, "attr-1", recon.StatusUnknown, recon.StatusAccepted, &timingID, "analyst-7", now)
	require.NoError(t, err)

	// THEN: A second transition from the stale state loses
	err = s.TransitionAttribution(ctx, "attr-1", recon.StatusUnknown, recon.StatusAccepted, &timingID, "analyst-8", now)
	assert.ErrorIs(t, err, recon.ErrConcurrentResolution)

	attr, err := s.GetAttribution(ctx, "attr-1")
	require.NoError(t, err)
	assert.Equal(t, "analyst-7", attr.AssignedBy)
	require.NotNil(t, attr.ReasonID)
	assert.Equal(t, timingID, *attr.ReasonID)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-1")
	seedDiff(t, s, "rec-1", "diff-1", "amount")
	seedAttribution(t, s, "diff-1", "attr-1", 0.0, recon.StatusUnknown)

	boom := errors.New("validation failed downstream")

	// WHEN: A transaction mutates state, writes audit, then errors
	err := s.WithTx(ctx, func(tx recon.Store) error {
		if err := tx.TransitionAttribution(ctx, "attr-1", recon.StatusUnknown, recon.StatusAccepted, nil, "analyst-7", time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, recon.AuditEntry{
			ID:            "audit-1",
			AttributionID: "attr-1",
			ActorID:       "analyst-7",
			Action:        recon.ActionApprove,
			Comment:       "about to fail",
			PrevStatus:    recon.StatusUnknown,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// THEN: Neither the transition nor the audit entry survived
	attr, err := s.GetAttribution(ctx, "attr-1")
	require.NoError(t, err)
	assert.Equal(t, recon.StatusUnknown, attr.Status)

	entries, err := s.ListAudit(ctx, "attr-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	// GIVEN
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", recon.RunRunning, nil)
	seedRecord(t, s, "run-1", "rec-1")
	seedDiff(t, s, "rec-1", "diff-1", "amount")
	seedAttribution(t, s, "diff-1", "attr-1", 0.0, recon.StatusUnknown)

	// WHEN
	err := s.WithTx(ctx, func(tx recon.Store) error {
		if err := tx.TransitionAttribution(ctx, "attr-1", recon.StatusUnknown, recon.StatusAccepted, nil, "analyst-7", time.Now().UTC()); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, recon.AuditEntry{
			ID:            "audit-1",
			AttributionID: "attr-1",
			ActorID:       "analyst-7",
			Action:        recon.ActionApprove,
			Comment:       "looks right",
			PrevStatus:    recon.StatusUnknown,
			CreatedAt:     time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	// THEN: Both writes are visible
	attr, err := s.GetAttribution(ctx, "attr-1")
	require.NoError(t, err)
	assert.Equal(t, recon.StatusAccepted, attr.Status)

	entries, err := s.ListAudit(ctx, "attr-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, recon.ActionApprove, entries[0].Action)
}
