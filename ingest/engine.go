package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/recon-engine/recon"
)

// Summary reports what an ingestion run produced.
type Summary struct {
	RunID        recon.RunID
	SourceARows  int
	SourceBRows  int
	AlignedPairs int
}

// Engine drives one ingestion run: fetch both sources, normalize, align
// and persist the record pairs, moving the run RUNNING -> COMPLETED (or
// FAILED on any error).
type Engine struct {
	Store     recon.Store
	Log       *logrus.Logger
	ChunkSize int
}

// NewEngine returns an engine with the default chunk size.
func NewEngine(store recon.Store, log *logrus.Logger) *Engine {
	return &Engine{Store: store, Log: log, ChunkSize: recon.DefaultChunkSize}
}

// Run executes the job described by cfg against today's batch date.
func (e *Engine) Run(ctx context.Context, cfg *JobConfig) (*Summary, error) {
	return e.RunForDate(ctx, cfg, time.Now().UTC())
}

// RunForDate executes the job for an explicit batch date.
func (e *Engine) RunForDate(ctx context.Context, cfg *JobConfig, batchDate time.Time) (*Summary, error) {
	runID := recon.RunID(uuid.NewString())

	e.Log.WithFields(logrus.Fields{
		"run_id":   runID,
		"job":      cfg.JobName,
		"source_a": cfg.SourceA.Name,
		"source_b": cfg.SourceB.Name,
	}).Info("starting ingestion run")

	run := recon.Run{
		ID:        runID,
		SourceA:   cfg.SourceA.Name,
		SourceB:   cfg.SourceB.Name,
		BatchDate: batchDate,
		Status:    recon.RunRunning,
		StartTime: time.Now().UTC(),
		Metadata:  map[string]string{"job_name": cfg.JobName},
	}
	if err := e.Store.CreateRun(ctx, run); err != nil {
		return nil, &recon.RunError{RunID: runID, Stage: "ingest", Err: err}
	}

	summary, err := e.ingest(ctx, cfg, runID, batchDate)
	if err != nil {
		return nil, e.fail(ctx, runID, err)
	}

	if err := e.Store.SetRunTotals(ctx, runID, summary.AlignedPairs, 0); err != nil {
		return nil, e.fail(ctx, runID, err)
	}
	if err := e.Store.UpdateRunStatus(ctx, runID, recon.RunCompleted, time.Now().UTC()); err != nil {
		return nil, e.fail(ctx, runID, err)
	}

	e.Log.WithFields(logrus.Fields{
		"run_id":        runID,
		"source_a_rows": summary.SourceARows,
		"source_b_rows": summary.SourceBRows,
		"aligned_pairs": summary.AlignedPairs,
	}).Info("ingestion run completed")

	return summary, nil
}

func (e *Engine) ingest(ctx context.Context, cfg *JobConfig, runID recon.RunID, batchDate time.Time) (*Summary, error) {
	e.Log.WithField("source", cfg.SourceA.Name).Info("fetching source data")
	rawA, err := fetchSource(ctx, cfg.SourceA, batchDate)
	if err != nil {
		return nil, err
	}

	e.Log.WithField("source", cfg.SourceB.Name).Info("fetching source data")
	rawB, err := fetchSource(ctx, cfg.SourceB, batchDate)
	if err != nil {
		return nil, err
	}

	normA := normalizeRows(rawA, cfg.SourceA.Mapping, cfg.NormalizationRules)
	normB := normalizeRows(rawB, cfg.SourceB.Mapping, cfg.NormalizationRules)

	records := align(runID, cfg.JoinKey, normA, normB)

	chunkSize := e.ChunkSize
	if chunkSize <= 0 {
		chunkSize = recon.DefaultChunkSize
	}
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := e.Store.InsertRecords(ctx, records[start:end]); err != nil {
			return nil, err
		}
	}

	return &Summary{
		RunID:        runID,
		SourceARows:  len(rawA),
		SourceBRows:  len(rawB),
		AlignedPairs: len(records),
	}, nil
}

func (e *Engine) fail(ctx context.Context, runID recon.RunID, err error) error {
	e.Log.WithError(err).WithField("run_id", runID).Error("ingestion run failed")
	if updateErr := e.Store.UpdateRunStatus(ctx, runID, recon.RunFailed, time.Now().UTC()); updateErr != nil {
		e.Log.WithError(updateErr).WithField("run_id", runID).Error("failed to mark run as failed")
	}
	return &recon.RunError{RunID: runID, Stage: "ingest", Err: err}
}

// align performs a full outer join of the two normalized datasets on the
// join key. Rows without a parseable key value are skipped; duplicate
// keys within one side keep the first occurrence.
func align(runID recon.RunID, joinKey string, sideA, sideB []recon.FieldMap) []recon.Record {
	indexA := indexByKey(sideA, joinKey)
	indexB := indexByKey(sideB, joinKey)

	keys := make(map[string]bool, len(indexA)+len(indexB))
	for k := range indexA {
		keys[k] = true
	}
	for k := range indexB {
		keys[k] = true
	}

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	records := make([]recon.Record, 0, len(ordered))
	for _, key := range ordered {
		rec := recon.Record{
			ID:    recon.RecordID(uuid.NewString()),
			RunID: runID,
		}
		if dataA, ok := indexA[key]; ok {
			ref := key
			rec.SourceARefID = &ref
			rec.DataA = dataA
		}
		if dataB, ok := indexB[key]; ok {
			ref := key
			rec.SourceBRefID = &ref
			rec.DataB = dataB
		}
		records = append(records, rec)
	}
	return records
}

func indexByKey(rows []recon.FieldMap, joinKey string) map[string]recon.FieldMap {
	index := make(map[string]recon.FieldMap, len(rows))
	for _, row := range rows {
		key, ok := recon.Canonical(row[joinKey])
		if !ok || key == "" {
			continue
		}
		if _, seen := index[key]; seen {
			continue
		}
		index[key] = row
	}
	return index
}
