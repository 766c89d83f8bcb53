/*
engine_test.go - Ingestion engine tests

Tests for:
- Job config loading and validation
- CSV fetch, mapping and normalization rules
- Outer-join alignment (matched, A-only, B-only)
- Run lifecycle (COMPLETED on success, FAILED on source errors)
*/
package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recon-engine/recon"
	"github.com/warp/recon-engine/recon/store"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testJobConfig(pathA, pathB string) *JobConfig {
	return &JobConfig{
		JobName: "fx_trades_daily",
		JoinKey: "transaction_id",
		SourceA: SourceConfig{
			Name: "TRADING_SYSTEM",
			Type: "csv",
			Connection: ConnectionConfig{Path: pathA},
			Mapping: map[string]string{
				"TradeRef":    "transaction_id",
				"TradeAmount": "amount",
				"Cpty":        "counterparty",
				"TradeDate":   "trade_date",
			},
		},
		SourceB: SourceConfig{
			Name: "SETTLEMENT_SYSTEM",
			Type: "csv",
			Connection: ConnectionConfig{Path: pathB},
			Mapping: map[string]string{
				"txn_id":       "transaction_id",
				"settled_amt":  "amount",
				"counterparty": "counterparty",
				"value_date":   "trade_date",
			},
		},
		NormalizationRules: NormalizationRules{
			UppercaseStrings: true,
			DateFormat:       "2006-01-02",
			DateFields:       []string{"trade_date"},
		},
	}
}

// =============================================================================
// CONFIG
// =============================================================================

func TestLoadJobConfig(t *testing.T) {
	// GIVEN: A job config on disk
	dir := t.TempDir()
	path := writeFile(t, dir, "job.yaml", `
job_name: fx_trades_daily
join_key: transaction_id
source_a:
  name: TRADING_SYSTEM
  type: csv
  connection:
    path: ./data/a.csv
  mapping:
    TradeRef: transaction_id
    TradeAmount: amount
source_b:
  name: SETTLEMENT_SYSTEM
  type: sql
  connection:
    driver: sqlite3
    dsn: ./data/settlement.db
    query: SELECT * FROM trades WHERE trade_date = '${BATCH_DATE}'
  mapping:
    txn_id: transaction_id
    settled_amt: amount
normalization_rules:
  uppercase_strings: true
  date_format: "2006-01-02"
  date_fields: [trade_date]
`)

	// WHEN
	cfg, err := LoadJobConfig(path)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, "fx_trades_daily", cfg.JobName)
	assert.Equal(t, "transaction_id", cfg.JoinKey)
	assert.Equal(t, "csv", cfg.SourceA.Type)
	assert.Equal(t, "sql", cfg.SourceB.Type)
	assert.Equal(t, "sqlite3", cfg.SourceB.Connection.Driver)
	assert.Equal(t, "amount", cfg.SourceA.Mapping["TradeAmount"])
	assert.True(t, cfg.NormalizationRules.UppercaseStrings)
	assert.Equal(t, []string{"trade_date"}, cfg.NormalizationRules.DateFields)
}

func TestJobConfigValidate(t *testing.T) {
	base := testJobConfig("a.csv", "b.csv")

	t.Run("missing join key", func(t *testing.T) {
		cfg := *base
		cfg.JoinKey = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("join key not mapped", func(t *testing.T) {
		cfg := *base
		cfg.JoinKey = "settlement_ref"
		assert.Error(t, cfg.Validate())
	})

	t.Run("unsupported source type", func(t *testing.T) {
		cfg := *base
		src := cfg.SourceA
		src.Type = "parquet"
		cfg.SourceA = src
		assert.Error(t, cfg.Validate())
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base.Validate())
	})
}

// =============================================================================
// NORMALIZATION
// =============================================================================

func TestNormalizeRows(t *testing.T) {
	// GIVEN: Raw rows with unmapped columns, mixed case and noisy dates
	rows := []Row{
		{
			"TradeRef":    "TX-1",
			"TradeAmount": "100.00",
			"Cpty":        "  acme corp ",
			"TradeDate":   "31/08/2026",
			"internal_id": "should be dropped",
		},
	}
	mapping := map[string]string{
		"TradeRef":    "transaction_id",
		"TradeAmount": "amount",
		"Cpty":        "counterparty",
		"TradeDate":   "trade_date",
	}
	rules := NormalizationRules{
		UppercaseStrings: true,
		DateFormat:       "2006-01-02",
		DateFields:       []string{"trade_date"},
	}

	// WHEN
	out := normalizeRows(rows, mapping, rules)

	// THEN
	require.Len(t, out, 1)
	assert.Equal(t, "TX-1", out[0]["transaction_id"])
	assert.Equal(t, "ACME CORP", out[0]["counterparty"])
	assert.Equal(t, "2026-08-31", out[0]["trade_date"])
	assert.NotContains(t, out[0], "internal_id")
}

func TestNormalizeRows_UnparseableDatePassesThrough(t *testing.T) {
	rows := []Row{{"TradeDate": "not-a-date"}}
	mapping := map[string]string{"TradeDate": "trade_date"}
	rules := NormalizationRules{
		UppercaseStrings: true,
		DateFields:       []string{"trade_date"},
	}

	out := normalizeRows(rows, mapping, rules)

	// The differ should surface the bad value, not the loader hide it.
	require.Len(t, out, 1)
	assert.Equal(t, "NOT-A-DATE", out[0]["trade_date"])
}

// =============================================================================
// ALIGNMENT
// =============================================================================

func TestAlign_OuterJoin(t *testing.T) {
	// GIVEN: One matched key, one A-only, one B-only
	sideA := []recon.FieldMap{
		{"transaction_id": "TX-1", "amount": "100.00"},
		{"transaction_id": "TX-2", "amount": "50.00"},
	}
	sideB := []recon.FieldMap{
		{"transaction_id": "TX-1", "amount": "100.00"},
		{"transaction_id": "TX-3", "amount": "75.00"},
	}

	// WHEN
	records := align("run-1", "transaction_id", sideA, sideB)

	// THEN: Three records in key order
	require.Len(t, records, 3)

	matched := records[0]
	require.NotNil(t, matched.SourceARefID)
	require.NotNil(t, matched.SourceBRefID)
	assert.Equal(t, "TX-1", *matched.SourceARefID)
	assert.Equal(t, "100.00", matched.DataA["amount"])

	aOnly := records[1]
	require.NotNil(t, aOnly.SourceARefID)
	assert.Equal(t, "TX-2", *aOnly.SourceARefID)
	assert.Nil(t, aOnly.SourceBRefID)
	assert.Nil(t, aOnly.DataB)

	bOnly := records[2]
	assert.Nil(t, bOnly.SourceARefID)
	require.NotNil(t, bOnly.SourceBRefID)
	assert.Equal(t, "TX-3", *bOnly.SourceBRefID)
}

func TestAlign_SkipsRowsWithoutJoinKey(t *testing.T) {
	sideA := []recon.FieldMap{
		{"amount": "100.00"}, // no key
		{"transaction_id": "TX-1", "amount": "50.00"},
	}

	records := align("run-1", "transaction_id", sideA, nil)

	require.Len(t, records, 1)
	assert.Equal(t, "TX-1", *records[0].SourceARefID)
}

// =============================================================================
// END TO END
// =============================================================================

func TestEngineRun_EndToEnd(t *testing.T) {
	// GIVEN: Two CSV extracts sharing two keys, with one orphan each side
	dir := t.TempDir()
	pathA := writeFile(t, dir, "source_a.csv", `TradeRef,TradeAmount,Cpty,TradeDate
TX-1,100.00,acme corp,2026-08-31
TX-2,50.00,globex llc,2026-08-31
`)
	pathB := writeFile(t, dir, "source_b.csv", `txn_id,settled_amt,counterparty,value_date
TX-1,100.00,ACME CORP,2026-08-31
TX-3,75.00,INITECH,2026-08-31
`)
	cfg := testJobConfig(pathA, pathB)

	mem := store.NewMemory()
	engine := NewEngine(mem, quietLogger())
	ctx := context.Background()

	// WHEN
	batchDate := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	summary, err := engine.RunForDate(ctx, cfg, batchDate)
	require.NoError(t, err)

	// THEN: Run completed with outer-join totals
	assert.Equal(t, 2, summary.SourceARows)
	assert.Equal(t, 2, summary.SourceBRows)
	assert.Equal(t, 3, summary.AlignedPairs)

	run, err := mem.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, recon.RunCompleted, run.Status)
	assert.Equal(t, 3, run.TotalRecords)
	assert.Equal(t, "TRADING_SYSTEM", run.SourceA)
	require.NotNil(t, run.EndTime)

	// AND: Normalization converged both sides on the same shape
	records, err := mem.LoadRecordPage(ctx, summary.RunID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	var matched *recon.Record
	for i := range records {
		if records[i].SourceARefID != nil && records[i].SourceBRefID != nil {
			matched = &records[i]
		}
	}
	require.NotNil(t, matched)
	assert.Equal(t, "ACME CORP", matched.DataA["counterparty"])
	assert.Equal(t, "ACME CORP", matched.DataB["counterparty"])
}

func TestEngineRun_SourceFailureMarksRunFailed(t *testing.T) {
	// GIVEN: A config pointing at a missing extract
	dir := t.TempDir()
	pathB := writeFile(t, dir, "source_b.csv", `txn_id,settled_amt,counterparty,value_date
TX-1,100.00,ACME CORP,2026-08-31
`)
	cfg := testJobConfig(filepath.Join(dir, "missing.csv"), pathB)

	mem := store.NewMemory()
	engine := NewEngine(mem, quietLogger())
	ctx := context.Background()

	// WHEN
	_, err := engine.Run(ctx, cfg)

	// THEN: The error carries the run id and the run is FAILED
	require.Error(t, err)
	var runErr *recon.RunError
	require.ErrorAs(t, err, &runErr)

	run, getErr := mem.GetRun(ctx, runErr.RunID)
	require.NoError(t, getErr)
	require.NotNil(t, run)
	assert.Equal(t, recon.RunFailed, run.Status)
}
