// Package store provides Store implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/recon-engine/recon"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	runs         map[recon.RunID]recon.Run
	records      map[recon.RecordID]recon.Record
	recordOrder  []recon.RecordID
	diffs        map[recon.DiffID]recon.Difference
	diffOrder    []recon.DiffID
	diffIdentity map[diffKey]bool
	reasons      []recon.ReasonCode
	attrs        map[recon.AttributionID]recon.Attribution
	attrOrder    []recon.AttributionID
	attrByDiff   map[recon.DiffID]recon.AttributionID
	audits       []recon.AuditEntry
}

// diffKey is the idempotency identity of a difference.
type diffKey struct {
	RecordID recon.RecordID
	Field    string
	Type     recon.DiffType
}

func NewMemory() *Memory {
	return &Memory{
		runs:         make(map[recon.RunID]recon.Run),
		records:      make(map[recon.RecordID]recon.Record),
		diffs:        make(map[recon.DiffID]recon.Difference),
		diffIdentity: make(map[diffKey]bool),
		reasons:      recon.DefaultReasonCodes(),
		attrs:        make(map[recon.AttributionID]recon.Attribution),
		attrByDiff:   make(map[recon.DiffID]recon.AttributionID),
	}
}

// =============================================================================
// RUNS
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, run recon.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id recon.RunID) (*recon.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRunLocked(id), nil
}

func (m *Memory) getRunLocked(id recon.RunID) *recon.Run {
	if run, ok := m.runs[id]; ok {
		copied := run
		return &copied
	}
	return nil
}

func (m *Memory) ListRuns(_ context.Context) ([]recon.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]recon.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	return runs, nil
}

func (m *Memory) LatestCompletedRun(_ context.Context) (*recon.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *recon.Run
	for id := range m.runs {
		run := m.runs[id]
		if run.Status != recon.RunCompleted || run.EndTime == nil {
			continue
		}
		if latest == nil || run.EndTime.After(*latest.EndTime) {
			copied := run
			latest = &copied
		}
	}
	return latest, nil
}

func (m *Memory) UpdateRunStatus(_ context.Context, id recon.RunID, status recon.RunStatus, endTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRunStatusLocked(id, status, endTime)
}

func (m *Memory) updateRunStatusLocked(id recon.RunID, status recon.RunStatus, endTime time.Time) error {
	run, ok := m.runs[id]
	if !ok {
		return recon.ErrRunNotFound
	}
	run.Status = status
	run.EndTime = &endTime
	m.runs[id] = run
	return nil
}

func (m *Memory) SetRunTotals(_ context.Context, id recon.RunID, totalRecords, totalDifferences int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return recon.ErrRunNotFound
	}
	run.TotalRecords = totalRecords
	run.TotalDifferences = totalDifferences
	m.runs[id] = run
	return nil
}

// =============================================================================
// RECORDS
// =============================================================================

func (m *Memory) InsertRecords(_ context.Context, records []recon.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		if rec.SourceARefID == nil && rec.SourceBRefID == nil {
			return recon.ErrRecordWithoutSides
		}
		if _, exists := m.records[rec.ID]; !exists {
			m.recordOrder = append(m.recordOrder, rec.ID)
		}
		m.records[rec.ID] = rec
	}
	return nil
}

func (m *Memory) LoadRecordPage(_ context.Context, runID recon.RunID, limit, offset int) ([]recon.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []recon.RecordID
	for _, id := range m.recordOrder {
		if m.records[id].RunID == runID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	page := make([]recon.Record, 0, end-offset)
	for _, id := range ids[offset:end] {
		page = append(page, m.records[id])
	}
	return page, nil
}

// =============================================================================
// DIFFERENCES
// =============================================================================

func (m *Memory) InsertDifferences(_ context.Context, diffs []recon.Difference) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, d := range diffs {
		k := diffKey{RecordID: d.RecordID, Field: d.Field, Type: d.Type}
		if m.diffIdentity[k] {
			continue // idempotent retry
		}
		m.diffIdentity[k] = true
		m.diffs[d.ID] = d
		m.diffOrder = append(m.diffOrder, d.ID)
		inserted++
	}
	return inserted, nil
}

func (m *Memory) CountDifferences(_ context.Context, runID recon.RunID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, id := range m.diffOrder {
		if rec, ok := m.records[m.diffs[id].RecordID]; ok && rec.RunID == runID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListDifferences(_ context.Context, runID recon.RunID, limit, offset int) ([]recon.Difference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []recon.Difference
	for _, id := range m.diffOrder {
		d := m.diffs[id]
		if rec, ok := m.records[d.RecordID]; ok && rec.RunID == runID {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].RecordID != all[j].RecordID {
			return all[i].RecordID < all[j].RecordID
		}
		return all[i].Field < all[j].Field
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *Memory) LoadUnattributed(_ context.Context, limit int) ([]recon.Difference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []recon.Difference
	for _, id := range m.diffOrder {
		if _, attributed := m.attrByDiff[id]; attributed {
			continue
		}
		pending = append(pending, m.diffs[id])
		if limit > 0 && len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

// =============================================================================
// REASON CODES
// =============================================================================

func (m *Memory) ReasonMap(_ context.Context) (recon.ReasonMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reasonMapLocked(), nil
}

func (m *Memory) reasonMapLocked() recon.ReasonMap {
	rm := make(recon.ReasonMap, len(m.reasons))
	for _, rc := range m.reasons {
		rm[rc.Code] = rc.ID
	}
	return rm
}

func (m *Memory) ListReasons(_ context.Context) ([]recon.ReasonCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]recon.ReasonCode{}, m.reasons...), nil
}

// SetReasons replaces the seeded reference data (test hook).
func (m *Memory) SetReasons(reasons []recon.ReasonCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append([]recon.ReasonCode{}, reasons...)
}

// =============================================================================
// ATTRIBUTIONS
// =============================================================================

func (m *Memory) InsertAttributions(_ context.Context, attrs []recon.Attribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAttributionsLocked(attrs)
}

func (m *Memory) insertAttributionsLocked(attrs []recon.Attribution) error {
	// One attribution per difference: an already-attributed difference is
	// skipped, which keeps re-running the engine safe.
	for _, a := range attrs {
		if _, exists := m.attrByDiff[a.DiffID]; exists {
			continue
		}
		m.attrs[a.ID] = a
		m.attrOrder = append(m.attrOrder, a.ID)
		m.attrByDiff[a.DiffID] = a.ID
	}
	return nil
}

func (m *Memory) GetAttribution(_ context.Context, id recon.AttributionID) (*recon.Attribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAttributionLocked(id), nil
}

func (m *Memory) getAttributionLocked(id recon.AttributionID) *recon.Attribution {
	if a, ok := m.attrs[id]; ok {
		copied := a
		return &copied
	}
	return nil
}

func (m *Memory) ListPending(_ context.Context, limit int) ([]recon.ReviewItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []recon.ReviewItem
	for _, id := range m.attrOrder {
		a := m.attrs[id]
		if a.Status != recon.StatusUnknown {
			continue
		}
		items = append(items, m.reviewItemLocked(a))
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Attribution.Confidence < items[j].Attribution.Confidence
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Memory) reviewItemLocked(a recon.Attribution) recon.ReviewItem {
	item := recon.ReviewItem{Attribution: a}

	if d, ok := m.diffs[a.DiffID]; ok {
		item.Difference = d
		if rec, ok := m.records[d.RecordID]; ok {
			item.SourceARefID = rec.SourceARefID
			item.SourceBRefID = rec.SourceBRefID
		}
	}

	if a.ReasonID != nil {
		for _, rc := range m.reasons {
			if rc.ID == *a.ReasonID {
				copied := rc
				item.Reason = &copied
				break
			}
		}
	}
	return item
}

func (m *Memory) TransitionAttribution(_ context.Context, id recon.AttributionID, fromStatus, toStatus recon.AttributionStatus, reasonID *int64, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, fromStatus, toStatus, reasonID, actorID, at)
}

func (m *Memory) transitionLocked(id recon.AttributionID, fromStatus, toStatus recon.AttributionStatus, reasonID *int64, actorID string, at time.Time) error {
	a, ok := m.attrs[id]
	if !ok {
		return recon.ErrAttributionNotFound
	}
	if a.Status != fromStatus {
		return recon.ErrConcurrentResolution
	}
	a.Status = toStatus
	a.ReasonID = reasonID
	a.AssignedBy = actorID
	a.AssignedAt = at
	m.attrs[id] = a
	return nil
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry recon.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, id recon.AttributionID) ([]recon.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []recon.AuditEntry
	for _, e := range m.audits {
		if e.AttributionID == id {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
// For the memory store this is simulated with a snapshot + rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
func (tm *TxMemory) WithTx(_ context.Context, fn func(recon.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	attrs      map[recon.AttributionID]recon.Attribution
	attrOrder  []recon.AttributionID
	attrByDiff map[recon.DiffID]recon.AttributionID
	audits     []recon.AuditEntry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	attrsCopy := make(map[recon.AttributionID]recon.Attribution, len(tm.attrs))
	for k, v := range tm.attrs {
		attrsCopy[k] = v
	}
	byDiffCopy := make(map[recon.DiffID]recon.AttributionID, len(tm.attrByDiff))
	for k, v := range tm.attrByDiff {
		byDiffCopy[k] = v
	}
	return memorySnapshot{
		attrs:      attrsCopy,
		attrOrder:  append([]recon.AttributionID{}, tm.attrOrder...),
		attrByDiff: byDiffCopy,
		audits:     append([]recon.AuditEntry{}, tm.audits...),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.attrs = s.attrs
	tm.attrOrder = s.attrOrder
	tm.attrByDiff = s.attrByDiff
	tm.audits = s.audits
}

// txMemoryView routes writes to the already-locked parent. Only the
// operations the review workflow needs inside a transaction are distinct;
// everything else delegates to locked helpers.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateRun(ctx context.Context, run recon.Run) error {
	tv.parent.runs[run.ID] = run
	return nil
}

func (tv *txMemoryView) GetRun(_ context.Context, id recon.RunID) (*recon.Run, error) {
	return tv.parent.getRunLocked(id), nil
}

func (tv *txMemoryView) ListRuns(ctx context.Context) ([]recon.Run, error) {
	return nil, errTxUnsupported
}

func (tv *txMemoryView) LatestCompletedRun(ctx context.Context) (*recon.Run, error) {
	return nil, errTxUnsupported
}

func (tv *txMemoryView) UpdateRunStatus(_ context.Context, id recon.RunID, status recon.RunStatus, endTime time.Time) error {
	return tv.parent.updateRunStatusLocked(id, status, endTime)
}

func (tv *txMemoryView) SetRunTotals(ctx context.Context, id recon.RunID, totalRecords, totalDifferences int) error {
	return errTxUnsupported
}

func (tv *txMemoryView) InsertRecords(ctx context.Context, records []recon.Record) error {
	return errTxUnsupported
}

func (tv *txMemoryView) LoadRecordPage(ctx context.Context, runID recon.RunID, limit, offset int) ([]recon.Record, error) {
	return nil, errTxUnsupported
}

func (tv *txMemoryView) InsertDifferences(ctx context.Context, diffs []recon.Difference) (int, error) {
	return 0, errTxUnsupported
}

func (tv *txMemoryView) CountDifferences(ctx context.Context, runID recon.RunID) (int, error) {
	return 0, errTxUnsupported
}

func (tv *txMemoryView) ListDifferences(ctx context.Context, runID recon.RunID, limit, offset int) ([]recon.Difference, error) {
	return nil, errTxUnsupported
}

func (tv *txMemoryView) LoadUnattributed(ctx context.Context, limit int) ([]recon.Difference, error) {
	return nil, errTxUnsupported
}

func (tv *txMemoryView) ReasonMap(_ context.Context) (recon.ReasonMap, error) {
	return tv.parent.reasonMapLocked(), nil
}

func (tv *txMemoryView) ListReasons(_ context.Context) ([]recon.ReasonCode, error) {
	return append([]recon.ReasonCode{}, tv.parent.reasons...), nil
}

func (tv *txMemoryView) InsertAttributions(_ context.Context, attrs []recon.Attribution) error {
	return tv.parent.insertAttributionsLocked(attrs)
}

func (tv *txMemoryView) GetAttribution(_ context.Context, id recon.AttributionID) (*recon.Attribution, error) {
	return tv.parent.getAttributionLocked(id), nil
}

func (tv *txMemoryView) ListPending(ctx context.Context, limit int) ([]recon.ReviewItem, error) {
	return nil, errTxUnsupported
}

func (tv *txMemoryView) TransitionAttribution(_ context.Context, id recon.AttributionID, fromStatus, toStatus recon.AttributionStatus, reasonID *int64, actorID string, at time.Time) error {
	return tv.parent.transitionLocked(id, fromStatus, toStatus, reasonID, actorID, at)
}

func (tv *txMemoryView) AppendAudit(_ context.Context, entry recon.AuditEntry) error {
	tv.parent.audits = append(tv.parent.audits, entry)
	return nil
}

func (tv *txMemoryView) ListAudit(_ context.Context, id recon.AttributionID) ([]recon.AuditEntry, error) {
	var entries []recon.AuditEntry
	for _, e := range tv.parent.audits {
		if e.AttributionID == id {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Batch operations are not re-entrant under the memory transaction lock;
// the pipeline never runs inside WithTx.
var errTxUnsupported = errors.New("operation not supported inside a memory transaction")
