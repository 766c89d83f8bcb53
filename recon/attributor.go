/*
attributor.go - Deterministic classification of differences

PURPOSE:
  Consumes one Difference plus the static reason-code lookup and produces
  a (reason, confidence) pair via an ordered, first-match-wins rule
  cascade. A pure function beyond the lookup.

RULE CASCADE (order is a correctness property, not an optimization):
  1. MISSING_IN_SOURCE_A -> MISSING_SOURCE_A, 1.0
  2. MISSING_IN_SOURCE_B -> MISSING_SOURCE_B, 1.0
  3. TYPE_MISMATCH       -> DATA_TYPE_MISMATCH, 1.0
  4. NUMERIC_MISMATCH:
       delta < 0.02                      -> ROUNDING_DIFF, 0.98
       delta/|a| in (0.005, 0.03) open   -> FX_VARIANCE, 0.88
       (a == 0 counts as percentage 0; parse failure falls through)
  5. STRING_MISMATCH: strip periods, commas and surrounding whitespace;
       normalized forms equal            -> MANUAL_ENTRY_ERR, 0.90
  6. Fallback            -> UNKNOWN, 0.0

  The rounding check runs before the percentage check: a small numeric
  delta that would also satisfy the FX band always resolves to rounding.

ERROR POLICY:
  Classification never fails. Unparseable numbers are "rule does not
  match"; a reason code missing from the lookup yields a nil reason id.
  The batch always gets a result, at worst (nil, 0.0).
*/
package recon

import "strings"

// Attributor classifies differences against a reason-code lookup resolved
// once per batch.
type Attributor struct {
	Reasons ReasonMap
}

// NewAttributor creates an attributor bound to a reason-code lookup.
func NewAttributor(reasons ReasonMap) *Attributor {
	return &Attributor{Reasons: reasons}
}

// Classify returns the reason id (nil if the matched code is absent from
// the lookup) and confidence score for one difference.
func (a *Attributor) Classify(d Difference) (*int64, float64) {
	switch d.Type {
	case DiffMissingInSourceA:
		return a.reason(ReasonMissingSourceA), 1.0
	case DiffMissingInSourceB:
		return a.reason(ReasonMissingSourceB), 1.0
	case DiffTypeMismatch:
		return a.reason(ReasonDataTypeMismatch), 1.0
	case DiffNumericMismatch:
		if reason, conf, ok := a.classifyNumeric(d); ok {
			return reason, conf
		}
	case DiffStringMismatch:
		if reason, conf, ok := a.classifyString(d); ok {
			return reason, conf
		}
	}
	return a.reason(ReasonUnknown), 0.0
}

// classifyNumeric applies the rounding and FX-variance heuristics.
// Parse failure is a non-match, never an error.
func (a *Attributor) classifyNumeric(d Difference) (*int64, float64, bool) {
	valA, okA := parseDecimal(deref(d.ValueA))
	valB, okB := parseDecimal(deref(d.ValueB))
	if !okA || !okB {
		return nil, 0, false
	}

	delta := valA.Sub(valB).Abs()

	// Rounding takes precedence over the FX band.
	if delta.LessThan(RoundingTolerance) {
		return a.reason(ReasonRoundingDiff), 0.98, true
	}

	if !valA.IsZero() {
		pct := delta.Div(valA.Abs())
		if pct.GreaterThan(FXVarianceFloor) && pct.LessThan(FXVarianceCeiling) {
			return a.reason(ReasonFXVariance), 0.88, true
		}
	}
	return nil, 0, false
}

// classifyString detects punctuation-level typos: values that agree after
// stripping periods, commas and surrounding whitespace.
func (a *Attributor) classifyString(d Difference) (*int64, float64, bool) {
	if d.ValueA == nil || d.ValueB == nil {
		return nil, 0, false
	}
	if normalizeString(*d.ValueA) == normalizeString(*d.ValueB) {
		return a.reason(ReasonManualEntryErr), 0.90, true
	}
	return nil, 0, false
}

func normalizeString(s string) string {
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", "")
	return strings.TrimSpace(s)
}

func (a *Attributor) reason(code string) *int64 {
	if id, ok := a.Reasons.Lookup(code); ok {
		return &id
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
