package recon

// DefaultReasonCodes returns the canonical reference data seeded into a
// fresh store. IDs are stable so override requests and fixtures can rely
// on them.
func DefaultReasonCodes() []ReasonCode {
	return []ReasonCode{
		{ID: 1, Code: ReasonMissingSourceA, Description: "Record missing from source A", IsFunctional: true},
		{ID: 2, Code: ReasonMissingSourceB, Description: "Record missing from source B", IsFunctional: true},
		{ID: 3, Code: ReasonDataTypeMismatch, Description: "Data type mismatch between sources", IsFunctional: false},
		{ID: 4, Code: ReasonRoundingDiff, Description: "Rounding difference within tolerance of explanation", IsFunctional: false},
		{ID: 5, Code: ReasonFXVariance, Description: "FX rate variance within expected daily movement", IsFunctional: false},
		{ID: 6, Code: ReasonManualEntryErr, Description: "Manual entry formatting discrepancy", IsFunctional: false},
		{ID: 7, Code: ReasonTimingDiff, Description: "Timing difference between posting dates", IsFunctional: true},
		{ID: 8, Code: ReasonUnknown, Description: "Unclassified discrepancy requiring review", IsFunctional: true},
	}
}
