/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements recon.Store and recon.TxStore using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  recon_runs:        One row per pipeline execution
  recon_records:     Aligned record pairs (JSON field maps per side)
  data_differences:  Insert-only differences with an idempotency identity
  reason_codes:      Static reference data, seeded at migration
  attributions:      One per difference; status mutated only via CAS
  audit_trail:       Append-only governance record

IDEMPOTENT DIFFERENCES:
  idx_diff_identity (record_id, field_name, diff_type) plus INSERT OR
  IGNORE makes difference insertion retry-safe: a failed chunk can be
  re-run without double-inserting.

RESOLVE ATOMICITY:
  The review workflow wraps the status CAS and the audit insert in
  WithTx. The UPDATE carries `AND status = ?` so concurrent resolutions
  of the same attribution serialize: the loser's zero-row update aborts
  the whole transaction.

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers
  don't block, single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/recon.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - recon/store.go:    Interface definitions
  - recon/store:       In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/recon-engine/recon"
)

// Store implements recon.Store and recon.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema and seeds the reason codes.
func (s *Store) migrate() error {
	schema := `
	-- Reconciliation runs
	CREATE TABLE IF NOT EXISTS recon_runs (
		run_id TEXT PRIMARY KEY,
		source_system_a TEXT NOT NULL,
		source_system_b TEXT NOT NULL,
		batch_date TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		total_records INTEGER NOT NULL DEFAULT 0,
		total_differences INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status
		ON recon_runs(status, end_time DESC);

	-- Aligned record pairs (immutable once created)
	CREATE TABLE IF NOT EXISTS recon_records (
		record_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES recon_runs(run_id),
		source_a_ref_id TEXT,
		source_b_ref_id TEXT,
		data_a_json TEXT,
		data_b_json TEXT,
		CHECK (source_a_ref_id IS NOT NULL OR source_b_ref_id IS NOT NULL)
	);

	CREATE INDEX IF NOT EXISTS idx_records_run
		ON recon_records(run_id, record_id);

	-- Differences (insert-only, created only by the differ)
	CREATE TABLE IF NOT EXISTS data_differences (
		diff_id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES recon_records(record_id),
		field_name TEXT NOT NULL,
		value_a TEXT,
		value_b TEXT,
		diff_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the idempotency identity for retry-safe insertion.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_diff_identity
		ON data_differences(record_id, field_name, diff_type);

	-- Reason codes (static reference data)
	CREATE TABLE IF NOT EXISTS reason_codes (
		reason_id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		is_functional BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Attributions (exactly one per difference)
	CREATE TABLE IF NOT EXISTS attributions (
		attribution_id TEXT PRIMARY KEY,
		diff_id TEXT NOT NULL UNIQUE REFERENCES data_differences(diff_id),
		reason_id INTEGER REFERENCES reason_codes(reason_id),
		confidence_score REAL NOT NULL,
		status TEXT NOT NULL,
		assigned_by TEXT NOT NULL,
		assigned_at TEXT NOT NULL
	);

	-- Review queue hot path: pending items ordered by confidence.
	CREATE INDEX IF NOT EXISTS idx_attributions_pending
		ON attributions(status, confidence_score ASC);

	-- Audit trail (append-only; no UPDATE or DELETE is ever issued)
	CREATE TABLE IF NOT EXISTS audit_trail (
		audit_id TEXT PRIMARY KEY,
		attribution_id TEXT NOT NULL REFERENCES attributions(attribution_id),
		actor_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		comments TEXT,
		prev_status TEXT NOT NULL,
		prev_reason_id INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_attribution
		ON audit_trail(attribution_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.seedReasons()
}

func (s *Store) seedReasons() error {
	for _, rc := range recon.DefaultReasonCodes() {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO reason_codes (reason_id, code, description, is_functional) VALUES (?, ?, ?, ?)",
			rc.ID, rc.Code, rc.Description, rc.IsFunctional,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// dbtx is satisfied by *sql.DB and *sql.Tx so the same query helpers can
// run inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// RUNS
// =============================================================================

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run recon.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRun(ctx, s.db, run)
}

func (s *Store) createRun(ctx context.Context, db dbtx, run recon.Run) error {
	metadataJSON, _ := json.Marshal(run.Metadata)

	_, err := db.ExecContext(ctx, `
		INSERT INTO recon_runs
		(run_id, source_system_a, source_system_b, batch_date, status, start_time, end_time,
		 total_records, total_differences, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.SourceA,
		run.SourceB,
		run.BatchDate.Format("2006-01-02"),
		run.Status,
		run.StartTime.UTC().Format(time.RFC3339),
		nullTime(run.EndTime),
		run.TotalRecords,
		run.TotalDifferences,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun returns a run by id, or nil if absent.
func (s *Store) GetRun(ctx context.Context, id recon.RunID) (*recon.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRun(ctx, s.db, id)
}

const runColumns = `run_id, source_system_a, source_system_b, batch_date, status,
	start_time, end_time, total_records, total_differences, metadata_json`

func (s *Store) getRun(ctx context.Context, db dbtx, id recon.RunID) (*recon.Run, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM recon_runs WHERE run_id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]recon.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM recon_runs ORDER BY start_time DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []recon.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LatestCompletedRun returns the most recently completed run, or nil.
func (s *Store) LatestCompletedRun(ctx context.Context) (*recon.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+` FROM recon_runs
		 WHERE status = ? ORDER BY end_time DESC LIMIT 1`, recon.RunCompleted)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRunStatus moves a run to a terminal status and stamps the end time.
func (s *Store) UpdateRunStatus(ctx context.Context, id recon.RunID, status recon.RunStatus, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRunStatus(ctx, s.db, id, status, endTime)
}

func (s *Store) updateRunStatus(ctx context.Context, db dbtx, id recon.RunID, status recon.RunStatus, endTime time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE recon_runs SET status = ?, end_time = ? WHERE run_id = ?",
		status, endTime.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recon.ErrRunNotFound
	}
	return nil
}

// SetRunTotals records the batch statistics on a run.
func (s *Store) SetRunTotals(ctx context.Context, id recon.RunID, totalRecords, totalDifferences int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE recon_runs SET total_records = ?, total_differences = ? WHERE run_id = ?",
		totalRecords, totalDifferences, id)
	if err != nil {
		return fmt.Errorf("failed to set run totals: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return recon.ErrRunNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*recon.Run, error) {
	var (
		run          recon.Run
		batchDate    string
		startTime    string
		endTime      sql.NullString
		metadataJSON sql.NullString
	)

	err := row.Scan(
		&run.ID, &run.SourceA, &run.SourceB, &batchDate, &run.Status,
		&startTime, &endTime, &run.TotalRecords, &run.TotalDifferences, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	run.BatchDate, _ = time.Parse("2006-01-02", batchDate)
	run.StartTime, _ = time.Parse(time.RFC3339, startTime)
	if endTime.Valid {
		t, _ := time.Parse(time.RFC3339, endTime.String)
		run.EndTime = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &run.Metadata)
	}
	return &run, nil
}

// =============================================================================
// RECORDS
// =============================================================================

// InsertRecords persists a chunk of aligned record pairs atomically.
func (s *Store) InsertRecords(ctx context.Context, records []recon.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, rec := range records {
		if rec.SourceARefID == nil && rec.SourceBRefID == nil {
			return recon.ErrRecordWithoutSides
		}

		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO recon_records
			(record_id, run_id, source_a_ref_id, source_b_ref_id, data_a_json, data_b_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.RunID,
			nullStringPtr(rec.SourceARefID),
			nullStringPtr(rec.SourceBRefID),
			encodeFieldMap(rec.DataA),
			encodeFieldMap(rec.DataB),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
	}

	return sqlTx.Commit()
}

// LoadRecordPage returns records for a run ordered by record id.
func (s *Store) LoadRecordPage(ctx context.Context, runID recon.RunID, limit, offset int) ([]recon.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, run_id, source_a_ref_id, source_b_ref_id, data_a_json, data_b_json
		FROM recon_records
		WHERE run_id = ?
		ORDER BY record_id
		LIMIT ? OFFSET ?`,
		runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []recon.Record
	for rows.Next() {
		var (
			rec          recon.Record
			refA, refB   sql.NullString
			dataA, dataB sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &refA, &refB, &dataA, &dataB); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.SourceARefID = ptrFromNull(refA)
		rec.SourceBRefID = ptrFromNull(refB)
		rec.DataA = decodeFieldMap(dataA)
		rec.DataB = decodeFieldMap(dataB)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// DIFFERENCES
// =============================================================================

// InsertDifferences persists a chunk of differences atomically, skipping
// any whose (record, field, type) identity already exists. Returns the
// number actually inserted.
func (s *Store) InsertDifferences(ctx context.Context, diffs []recon.Difference) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	inserted := 0

	for _, d := range diffs {
		res, err := sqlTx.ExecContext(ctx, `
			INSERT OR IGNORE INTO data_differences
			(diff_id, record_id, field_name, value_a, value_b, diff_type, severity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.RecordID, d.Field,
			nullStringPtr(d.ValueA), nullStringPtr(d.ValueB),
			d.Type, d.Severity, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert difference: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// CountDifferences returns the total difference count for a run.
func (s *Store) CountDifferences(ctx context.Context, runID recon.RunID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM data_differences d
		JOIN recon_records r ON d.record_id = r.record_id
		WHERE r.run_id = ?`, runID).Scan(&count)
	return count, err
}

// ListDifferences returns the differences for a run ordered by record id
// then field name.
func (s *Store) ListDifferences(ctx context.Context, runID recon.RunID, limit, offset int) ([]recon.Difference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.diff_id, d.record_id, d.field_name, d.value_a, d.value_b, d.diff_type, d.severity
		FROM data_differences d
		JOIN recon_records r ON d.record_id = r.record_id
		WHERE r.run_id = ?
		ORDER BY d.record_id, d.field_name
		LIMIT ? OFFSET ?`, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query differences: %w", err)
	}
	defer rows.Close()

	var diffs []recon.Difference
	for rows.Next() {
		d, err := scanDifference(rows)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, d)
	}
	return diffs, rows.Err()
}

// LoadUnattributed returns differences that have no attribution yet.
func (s *Store) LoadUnattributed(ctx context.Context, limit int) ([]recon.Difference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.diff_id, d.record_id, d.field_name, d.value_a, d.value_b, d.diff_type, d.severity
		FROM data_differences d
		LEFT JOIN attributions a ON d.diff_id = a.diff_id
		WHERE a.attribution_id IS NULL
		ORDER BY d.record_id, d.field_name
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending differences: %w", err)
	}
	defer rows.Close()

	var diffs []recon.Difference
	for rows.Next() {
		d, err := scanDifference(rows)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, d)
	}
	return diffs, rows.Err()
}

func scanDifference(row rowScanner) (recon.Difference, error) {
	var (
		d          recon.Difference
		valA, valB sql.NullString
	)
	err := row.Scan(&d.ID, &d.RecordID, &d.Field, &valA, &valB, &d.Type, &d.Severity)
	if err != nil {
		return d, fmt.Errorf("failed to scan difference: %w", err)
	}
	d.ValueA = ptrFromNull(valA)
	d.ValueB = ptrFromNull(valB)
	return d, nil
}

// =============================================================================
// REASON CODES
// =============================================================================

// ReasonMap returns the code -> id lookup.
func (s *Store) ReasonMap(ctx context.Context) (recon.ReasonMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadReasonMap(ctx, s.db)
}

func (s *Store) loadReasonMap(ctx context.Context, db dbtx) (recon.ReasonMap, error) {
	rows, err := db.QueryContext(ctx, "SELECT code, reason_id FROM reason_codes")
	if err != nil {
		return nil, fmt.Errorf("failed to query reason codes: %w", err)
	}
	defer rows.Close()

	rm := make(recon.ReasonMap)
	for rows.Next() {
		var code string
		var id int64
		if err := rows.Scan(&code, &id); err != nil {
			return nil, err
		}
		rm[code] = id
	}
	return rm, rows.Err()
}

// ListReasons returns all reason codes ordered by id.
func (s *Store) ListReasons(ctx context.Context) ([]recon.ReasonCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT reason_id, code, description, is_functional FROM reason_codes ORDER BY reason_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reasons []recon.ReasonCode
	for rows.Next() {
		var rc recon.ReasonCode
		if err := rows.Scan(&rc.ID, &rc.Code, &rc.Description, &rc.IsFunctional); err != nil {
			return nil, err
		}
		reasons = append(reasons, rc)
	}
	return reasons, rows.Err()
}

// =============================================================================
// ATTRIBUTIONS
// =============================================================================

// InsertAttributions persists a chunk of attributions atomically. An
// already-attributed difference is skipped (UNIQUE on diff_id + OR IGNORE),
// keeping attribution re-runs safe.
func (s *Store) InsertAttributions(ctx context.Context, attrs []recon.Attribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, a := range attrs {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attributions
			(attribution_id, diff_id, reason_id, confidence_score, status, assigned_by, assigned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.DiffID, nullInt64Ptr(a.ReasonID), a.Confidence,
			a.Status, a.AssignedBy, a.AssignedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert attribution: %w", err)
		}
	}

	return sqlTx.Commit()
}

// GetAttribution returns an attribution by id, or nil if absent.
func (s *Store) GetAttribution(ctx context.Context, id recon.AttributionID) (*recon.Attribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAttribution(ctx, s.db, id)
}

func (s *Store) getAttribution(ctx context.Context, db dbtx, id recon.AttributionID) (*recon.Attribution, error) {
	row := db.QueryRowContext(ctx, `
		SELECT attribution_id, diff_id, reason_id, confidence_score, status, assigned_by, assigned_at
		FROM attributions WHERE attribution_id = ?`, id)

	var (
		a          recon.Attribution
		reasonID   sql.NullInt64
		assignedAt string
	)
	err := row.Scan(&a.ID, &a.DiffID, &reasonID, &a.Confidence, &a.Status, &a.AssignedBy, &assignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attribution: %w", err)
	}
	if reasonID.Valid {
		a.ReasonID = &reasonID.Int64
	}
	a.AssignedAt, _ = time.Parse(time.RFC3339, assignedAt)
	return &a, nil
}

// ListPending returns the review queue: UNKNOWN attributions joined with
// their difference, record references and current reason, lowest
// confidence first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]recon.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			a.attribution_id, a.diff_id, a.reason_id, a.confidence_score, a.status,
			a.assigned_by, a.assigned_at,
			d.record_id, d.field_name, d.value_a, d.value_b, d.diff_type, d.severity,
			r.source_a_ref_id, r.source_b_ref_id,
			rc.reason_id, rc.code, rc.description, rc.is_functional
		FROM attributions a
		JOIN data_differences d ON a.diff_id = d.diff_id
		JOIN recon_records r ON d.record_id = r.record_id
		LEFT JOIN reason_codes rc ON a.reason_id = rc.reason_id
		WHERE a.status = ?
		ORDER BY a.confidence_score ASC
		LIMIT ?`, recon.StatusUnknown, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query review queue: %w", err)
	}
	defer rows.Close()

	var items []recon.ReviewItem
	for rows.Next() {
		var (
			item         recon.ReviewItem
			attrReason   sql.NullInt64
			assignedAt   string
			valA, valB   sql.NullString
			refA, refB   sql.NullString
			rcID         sql.NullInt64
			rcCode       sql.NullString
			rcDesc       sql.NullString
			rcFunctional sql.NullBool
		)

		err := rows.Scan(
			&item.Attribution.ID, &item.Attribution.DiffID, &attrReason,
			&item.Attribution.Confidence, &item.Attribution.Status,
			&item.Attribution.AssignedBy, &assignedAt,
			&item.Difference.RecordID, &item.Difference.Field, &valA, &valB,
			&item.Difference.Type, &item.Difference.Severity,
			&refA, &refB,
			&rcID, &rcCode, &rcDesc, &rcFunctional,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}

		item.Difference.ID = item.Attribution.DiffID
		if attrReason.Valid {
			item.Attribution.ReasonID = &attrReason.Int64
		}
		item.Attribution.AssignedAt, _ = time.Parse(time.RFC3339, assignedAt)
		item.Difference.ValueA = ptrFromNull(valA)
		item.Difference.ValueB = ptrFromNull(valB)
		item.SourceARefID = ptrFromNull(refA)
		item.SourceBRefID = ptrFromNull(refB)

		if rcID.Valid {
			item.Reason = &recon.ReasonCode{
				ID:           rcID.Int64,
				Code:         rcCode.String,
				Description:  rcDesc.String,
				IsFunctional: rcFunctional.Bool,
			}
		}

		items = append(items, item)
	}
	return items, rows.Err()
}

// TransitionAttribution applies the status/reason mutation with a
// compare-and-swap on the current status.
func (s *Store) TransitionAttribution(ctx context.Context, id recon.AttributionID, fromStatus, toStatus recon.AttributionStatus, reasonID *int64, actorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionAttribution(ctx, s.db, id, fromStatus, toStatus, reasonID, actorID, at)
}

func (s *Store) transitionAttribution(ctx context.Context, db dbtx, id recon.AttributionID, fromStatus, toStatus recon.AttributionStatus, reasonID *int64, actorID string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE attributions
		SET status = ?, reason_id = ?, assigned_by = ?, assigned_at = ?
		WHERE attribution_id = ? AND status = ?`,
		toStatus, nullInt64Ptr(reasonID), actorID, at.UTC().Format(time.RFC3339),
		id, fromStatus)
	if err != nil {
		return fmt.Errorf("failed to transition attribution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The workflow has already ruled out a missing row under this
		// transaction, so a zero-row update means the state moved.
		return recon.ErrConcurrentResolution
	}
	return nil
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AppendAudit writes one audit entry. Append-only: there is no update or
// delete path anywhere in this package.
func (s *Store) AppendAudit(ctx context.Context, entry recon.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAudit(ctx, s.db, entry)
}

func (s *Store) appendAudit(ctx context.Context, db dbtx, entry recon.AuditEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_trail
		(audit_id, attribution_id, actor_id, action_type, comments, prev_status, prev_reason_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AttributionID, entry.ActorID, entry.Action,
		nullString(entry.Comment), entry.PrevStatus, nullInt64Ptr(entry.PrevReasonID),
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the audit entries for an attribution, oldest first.
func (s *Store) ListAudit(ctx context.Context, id recon.AttributionID) ([]recon.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, attribution_id, actor_id, action_type, comments, prev_status, prev_reason_id, created_at
		FROM audit_trail
		WHERE attribution_id = ?
		ORDER BY created_at ASC, audit_id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []recon.AuditEntry
	for rows.Next() {
		var (
			e          recon.AuditEntry
			comment    sql.NullString
			prevReason sql.NullInt64
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.AttributionID, &e.ActorID, &e.Action, &comment, &e.PrevStatus, &prevReason, &createdAt); err != nil {
			return nil, err
		}
		e.Comment = comment.String
		if prevReason.Valid {
			e.PrevReasonID = &prevReason.Int64
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (recon.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store recon.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx, parent: s}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs store operations against an open transaction. The review
// workflow needs only the read + CAS + audit subset inside a transaction;
// batch operations manage their own transactions and are not available here.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) CreateRun(ctx context.Context, run recon.Run) error {
	return ts.parent.createRun(ctx, ts.tx, run)
}

func (ts *txStore) GetRun(ctx context.Context, id recon.RunID) (*recon.Run, error) {
	return ts.parent.getRun(ctx, ts.tx, id)
}

func (ts *txStore) ListRuns(ctx context.Context) ([]recon.Run, error) {
	return nil, errNotInTx("ListRuns")
}

func (ts *txStore) LatestCompletedRun(ctx context.Context) (*recon.Run, error) {
	return nil, errNotInTx("LatestCompletedRun")
}

func (ts *txStore) UpdateRunStatus(ctx context.Context, id recon.RunID, status recon.RunStatus, endTime time.Time) error {
	return ts.parent.updateRunStatus(ctx, ts.tx, id, status, endTime)
}

func (ts *txStore) SetRunTotals(ctx context.Context, id recon.RunID, totalRecords, totalDifferences int) error {
	return errNotInTx("SetRunTotals")
}

func (ts *txStore) InsertRecords(ctx context.Context, records []recon.Record) error {
	return errNotInTx("InsertRecords")
}

func (ts *txStore) LoadRecordPage(ctx context.Context, runID recon.RunID, limit, offset int) ([]recon.Record, error) {
	return nil, errNotInTx("LoadRecordPage")
}

func (ts *txStore) InsertDifferences(ctx context.Context, diffs []recon.Difference) (int, error) {
	return 0, errNotInTx("InsertDifferences")
}

func (ts *txStore) CountDifferences(ctx context.Context, runID recon.RunID) (int, error) {
	return 0, errNotInTx("CountDifferences")
}

func (ts *txStore) ListDifferences(ctx context.Context, runID recon.RunID, limit, offset int) ([]recon.Difference, error) {
	return nil, errNotInTx("ListDifferences")
}

func (ts *txStore) LoadUnattributed(ctx context.Context, limit int) ([]recon.Difference, error) {
	return nil, errNotInTx("LoadUnattributed")
}

func (ts *txStore) ReasonMap(ctx context.Context) (recon.ReasonMap, error) {
	return ts.parent.loadReasonMap(ctx, ts.tx)
}

func (ts *txStore) ListReasons(ctx context.Context) ([]recon.ReasonCode, error) {
	return nil, errNotInTx("ListReasons")
}

func (ts *txStore) InsertAttributions(ctx context.Context, attrs []recon.Attribution) error {
	return errNotInTx("InsertAttributions")
}

func (ts *txStore) GetAttribution(ctx context.Context, id recon.AttributionID) (*recon.Attribution, error) {
	return ts.parent.getAttribution(ctx, ts.tx, id)
}

func (ts *txStore) ListPending(ctx context.Context, limit int) ([]recon.ReviewItem, error) {
	return nil, errNotInTx("ListPending")
}

func (ts *txStore) TransitionAttribution(ctx context.Context, id recon.AttributionID, fromStatus, toStatus recon.AttributionStatus, reasonID *int64, actorID string, at time.Time) error {
	return ts.parent.transitionAttribution(ctx, ts.tx, id, fromStatus, toStatus, reasonID, actorID, at)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry recon.AuditEntry) error {
	return ts.parent.appendAudit(ctx, ts.tx, entry)
}

func (ts *txStore) ListAudit(ctx context.Context, id recon.AttributionID) ([]recon.AuditEntry, error) {
	return nil, errNotInTx("ListAudit")
}

func errNotInTx(op string) error {
	return fmt.Errorf("%s is not available inside a workflow transaction", op)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64Ptr(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func ptrFromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// encodeFieldMap serializes a side's field map; a nil map (side absent)
// stores as NULL.
func encodeFieldMap(m recon.FieldMap) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(m)
	return sql.NullString{String: string(b), Valid: true}
}

// decodeFieldMap deserializes a side's field map, keeping numbers as
// json.Number so canonical forms survive the round trip.
func decodeFieldMap(s sql.NullString) recon.FieldMap {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m recon.FieldMap
	dec := json.NewDecoder(strings.NewReader(s.String))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}
