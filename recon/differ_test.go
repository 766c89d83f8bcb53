/*
differ_test.go - Field comparison tests

Tests for:
- Whole-record absence detection
- Null handling (both null, one-sided null)
- Numeric tolerance at and around the boundary
- Canonical string comparison (no float artifacts)
*/
package recon

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairedRecord(id string, dataA, dataB FieldMap) Record {
	refA := "A-" + id
	refB := "B-" + id
	return Record{
		ID:           RecordID(id),
		RunID:        "run-1",
		SourceARefID: &refA,
		SourceBRefID: &refB,
		DataA:        dataA,
		DataB:        dataB,
	}
}

// =============================================================================
// MISSING RECORDS
// =============================================================================

func TestCompare_MissingInSourceA(t *testing.T) {
	// GIVEN: A record that only source B produced
	refB := "B-1"
	rec := Record{
		ID:           "rec-1",
		RunID:        "run-1",
		SourceBRefID: &refB,
		DataB:        FieldMap{"amount": "100.00"},
	}

	// WHEN: The record is compared
	diffs := Differ{}.Compare(rec)

	// THEN: A single whole-record difference is produced, field data ignored
	require.Len(t, diffs, 1)
	d := diffs[0]
	assert.Equal(t, DiffMissingInSourceA, d.Type)
	assert.Equal(t, FieldEntireRecord, d.Field)
	assert.Equal(t, SeverityHigh, d.Severity)
	assert.Nil(t, d.ValueA)
	require.NotNil(t, d.ValueB)
	assert.Equal(t, ExistsMarker, *d.ValueB)
}

func TestCompare_MissingInSourceB(t *testing.T) {
	// GIVEN: A record that only source A produced
	refA := "A-1"
	rec := Record{
		ID:           "rec-1",
		RunID:        "run-1",
		SourceARefID: &refA,
		DataA:        FieldMap{"amount": "100.00", "currency": "USD"},
	}

	// WHEN
	diffs := Differ{}.Compare(rec)

	// THEN: One difference, not one per field
	require.Len(t, diffs, 1)
	d := diffs[0]
	assert.Equal(t, DiffMissingInSourceB, d.Type)
	assert.Equal(t, SeverityHigh, d.Severity)
	require.NotNil(t, d.ValueA)
	assert.Equal(t, ExistsMarker, *d.ValueA)
	assert.Nil(t, d.ValueB)
}

// =============================================================================
// NULL HANDLING
// =============================================================================

func TestCompare_BothNullIsNotADifference(t *testing.T) {
	// GIVEN: The field is null on both sides
	rec := pairedRecord("rec-1",
		FieldMap{"trader_id": nil},
		FieldMap{"trader_id": nil},
	)

	// WHEN / THEN
	assert.Empty(t, Differ{}.Compare(rec))
}

func TestCompare_OneSidedNull(t *testing.T) {
	// GIVEN: Null on one side only
	rec := pairedRecord("rec-1",
		FieldMap{"trader_id": "TRADER-001"},
		FieldMap{"trader_id": nil},
	)

	// WHEN
	diffs := Differ{}.Compare(rec)

	// THEN
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffNullMismatch, diffs[0].Type)
	assert.Equal(t, SeverityMedium, diffs[0].Severity)
	require.NotNil(t, diffs[0].ValueA)
	assert.Equal(t, "TRADER-001", *diffs[0].ValueA)
	assert.Nil(t, diffs[0].ValueB)
}

func TestCompare_FieldAbsentOnOneSideIsANull(t *testing.T) {
	// GIVEN: A field that source B never supplied
	rec := pairedRecord("rec-1",
		FieldMap{"settlement_date": "2026-08-31"},
		FieldMap{},
	)

	// WHEN
	diffs := Differ{}.Compare(rec)

	// THEN: Treated as a null mismatch, not a structural anomaly
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffNullMismatch, diffs[0].Type)
}

// =============================================================================
// NUMERIC TOLERANCE
// =============================================================================

func TestCompare_NumericWithinToleranceIsEqual(t *testing.T) {
	// GIVEN: A delta of exactly the tolerance (0.005, inclusive)
	rec := pairedRecord("rec-1",
		FieldMap{"amount": "100.000"},
		FieldMap{"amount": "100.005"},
	)

	// WHEN / THEN
	assert.Empty(t, Differ{}.Compare(rec))
}

func TestCompare_NumericJustOverToleranceDiffers(t *testing.T) {
	// GIVEN: A delta one thousandth over the tolerance
	rec := pairedRecord("rec-1",
		FieldMap{"amount": "100.000"},
		FieldMap{"amount": "100.006"},
	)

	// WHEN
	diffs := Differ{}.Compare(rec)

	// THEN
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffNumericMismatch, diffs[0].Type)
	assert.Equal(t, SeverityMedium, diffs[0].Severity)
}

func TestCompare_NumericStringsCompareNumerically(t *testing.T) {
	// GIVEN: The same quantity in different lexical forms
	rec := pairedRecord("rec-1",
		FieldMap{"amount": "100"},
		FieldMap{"amount": "100.00"},
	)

	// WHEN / THEN: numeric comparison wins over string comparison
	assert.Empty(t, Differ{}.Compare(rec))
}

func TestCompare_JSONNumbersCompareWithoutFloatArtifacts(t *testing.T) {
	// GIVEN: Field maps decoded the way the loaders decode them
	var dataA, dataB FieldMap
	decodeInto(t, `{"amount": 0.1, "qty": 3}`, &dataA)
	decodeInto(t, `{"amount": 0.1, "qty": 3}`, &dataB)
	rec := pairedRecord("rec-1", dataA, dataB)

	// WHEN / THEN: no artifacts from binary float representation
	assert.Empty(t, Differ{}.Compare(rec))
}

func decodeInto(t *testing.T, raw string, into *FieldMap) {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	require.NoError(t, dec.Decode(into))
}

// =============================================================================
// STRING COMPARISON
// =============================================================================

func TestCompare_StringMismatch(t *testing.T) {
	// GIVEN
	rec := pairedRecord("rec-1",
		FieldMap{"counterparty": "ACME CORP"},
		FieldMap{"counterparty": "ACME CORP."},
	)

	// WHEN
	diffs := Differ{}.Compare(rec)

	// THEN
	require.Len(t, diffs, 1)
	d := diffs[0]
	assert.Equal(t, DiffStringMismatch, d.Type)
	assert.Equal(t, "counterparty", d.Field)
	require.NotNil(t, d.ValueA)
	require.NotNil(t, d.ValueB)
	assert.Equal(t, "ACME CORP", *d.ValueA)
	assert.Equal(t, "ACME CORP.", *d.ValueB)
}

func TestCompare_MultipleFieldsInStableOrder(t *testing.T) {
	// GIVEN: Two differing fields
	rec := pairedRecord("rec-1",
		FieldMap{"amount": "100.00", "currency": "USD", "buy_sell": "BUY"},
		FieldMap{"amount": "250.00", "currency": "EUR", "buy_sell": "BUY"},
	)

	// WHEN
	diffs := Differ{}.Compare(rec)

	// THEN: Sorted by field name so re-runs produce identical output
	require.Len(t, diffs, 2)
	assert.Equal(t, "amount", diffs[0].Field)
	assert.Equal(t, "currency", diffs[1].Field)
}
