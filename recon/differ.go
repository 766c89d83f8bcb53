/*
differ.go - Field-by-field comparison of aligned record pairs

PURPOSE:
  Consumes one aligned record pair and produces zero or more typed
  Differences. A pure function of its inputs: no store access, no clock,
  no randomness. Re-running on the same pair always produces an
  equivalent set of differences.

COMPARISON RULES (in order):
  1. Side A absent  -> single MISSING_IN_SOURCE_A, no field comparison
  2. Side B absent  -> single MISSING_IN_SOURCE_B, no field comparison
  3. Per field (union of both sides, sorted for determinism):
     - both null                      -> no difference
     - exactly one null               -> NULL_MISMATCH
     - both parse as decimal numbers  -> NUMERIC_MISMATCH iff |a-b| > 0.005
     - otherwise canonical strings    -> STRING_MISMATCH iff they differ

SEVERITY:
  HIGH for missing-record differences, MEDIUM for everything else.

The differ only flags; it never explains. Explanation (including the
separate 0.02 rounding band) belongs to the attributor.

SEE ALSO:
  - types.go:      Canonical() string forms, tolerance constants
  - attributor.go: Classification of the flagged differences
*/
package recon

import "sort"

// Differ detects discrepancies between the two sides of a record pair.
// The zero value is ready to use.
type Differ struct{}

// Compare returns the differences found in one record pair. The result
// order follows sorted field names, so it is stable across runs.
func (Differ) Compare(rec Record) []Difference {
	// Whole-record absence short-circuits field comparison.
	if rec.SourceARefID == nil {
		return []Difference{{
			RecordID: rec.ID,
			Field:    FieldEntireRecord,
			ValueA:   nil,
			ValueB:   strPtr(ExistsMarker),
			Type:     DiffMissingInSourceA,
			Severity: SeverityHigh,
		}}
	}
	if rec.SourceBRefID == nil {
		return []Difference{{
			RecordID: rec.ID,
			Field:    FieldEntireRecord,
			ValueA:   strPtr(ExistsMarker),
			ValueB:   nil,
			Type:     DiffMissingInSourceB,
			Severity: SeverityHigh,
		}}
	}

	var diffs []Difference
	for _, field := range unionFields(rec.DataA, rec.DataB) {
		if d, ok := compareField(field, rec.DataA[field], rec.DataB[field]); ok {
			d.RecordID = rec.ID
			diffs = append(diffs, d)
		}
	}
	return diffs
}

// compareField compares a single field's values and reports whether a
// difference was found. A field present on only one side is treated as a
// null value on the other, not a structural anomaly.
func compareField(field string, valA, valB any) (Difference, bool) {
	strA, okA := Canonical(valA)
	strB, okB := Canonical(valB)

	// Null handling.
	if !okA && !okB {
		return Difference{}, false
	}
	if !okA || !okB {
		return newFieldDiff(field, strA, okA, strB, okB, DiffNullMismatch), true
	}

	// Numeric comparison with tolerance.
	if numA, isNumA := parseDecimal(strA); isNumA {
		if numB, isNumB := parseDecimal(strB); isNumB {
			if numA.Sub(numB).Abs().GreaterThan(NumericTolerance) {
				return newFieldDiff(field, strA, true, strB, true, DiffNumericMismatch), true
			}
			return Difference{}, false
		}
	}

	// String comparison on canonical forms.
	if strA != strB {
		return newFieldDiff(field, strA, true, strB, true, DiffStringMismatch), true
	}
	return Difference{}, false
}

func newFieldDiff(field string, valA string, okA bool, valB string, okB bool, t DiffType) Difference {
	d := Difference{Field: field, Type: t, Severity: SeverityMedium}
	if t.IsMissingRecord() {
		d.Severity = SeverityHigh
	}
	if okA {
		d.ValueA = strPtr(valA)
	}
	if okB {
		d.ValueB = strPtr(valB)
	}
	return d
}

// unionFields returns the sorted union of field names present on either side.
func unionFields(a, b FieldMap) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}
