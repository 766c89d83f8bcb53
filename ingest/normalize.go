package ingest

import (
	"strings"
	"time"

	"github.com/warp/recon-engine/recon"
)

// dateLayouts are the input formats tried when reformatting a date field.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"01/02/2006",
	"2006/01/02",
}

// normalizeRows maps source columns to canonical field names and applies
// the job's normalization rules. Columns absent from the mapping are
// dropped so both sides converge on the same schema.
func normalizeRows(rows []Row, mapping map[string]string, rules NormalizationRules) []recon.FieldMap {
	out := make([]recon.FieldMap, 0, len(rows))
	for _, row := range rows {
		normalized := make(recon.FieldMap, len(mapping))
		for sourceCol, canonical := range mapping {
			v, ok := row[sourceCol]
			if !ok {
				continue
			}
			normalized[canonical] = normalizeValue(canonical, v, rules)
		}
		if len(normalized) > 0 {
			out = append(out, normalized)
		}
	}
	return out
}

func normalizeValue(field string, v any, rules NormalizationRules) any {
	s, isString := v.(string)
	if !isString {
		return v
	}

	s = strings.TrimSpace(s)

	if isDateField(field, rules) {
		if formatted, ok := reformatDate(s, rules.DateFormat); ok {
			return formatted
		}
	}

	if rules.UppercaseStrings {
		s = strings.ToUpper(s)
	}
	return s
}

func isDateField(field string, rules NormalizationRules) bool {
	for _, f := range rules.DateFields {
		if f == field {
			return true
		}
	}
	return false
}

// reformatDate parses a date string against the known input layouts and
// renders it in the target format. Unparseable values pass through
// untouched so the differ surfaces them instead of the loader dropping
// them.
func reformatDate(s, targetFormat string) (string, bool) {
	if targetFormat == "" {
		targetFormat = "2006-01-02"
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(targetFormat), true
		}
	}
	return "", false
}
