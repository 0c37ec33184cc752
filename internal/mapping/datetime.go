package mapping

import (
	"strings"
	"time"
)

// dateFields is the fixed set of date-bearing keys the Mapper normalises,
// per spec.md §4.5 step 3 (dateTime is this pipeline's own addition beyond
// the original's list — see original_source/application/utils/mapper.py).
var dateFields = map[string]bool{
	"recordedDate":      true,
	"onsetDateTime":     true,
	"abatementDateTime": true,
	"effectiveDateTime": true,
	"performedDateTime": true,
	"dateTime":          true,
}

// dateLayouts are tried in order; the original only handled fractional
// seconds without a timezone offset, but real EHR exports also emit
// second-precision and offset-bearing timestamps, so a few additional
// layouts are tried before giving up.
var dateLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	time.RFC3339,
	time.RFC3339Nano,
}

// NormalizeDateTime is the exported form of normalizeDateTime, used by
// internal/consent to normalise provision period bounds the same way the
// Mapper normalises its own date fields.
func NormalizeDateTime(value string) (string, bool) {
	return normalizeDateTime(value)
}

// normalizeDateTime parses value against the known layouts and re-emits it
// in UTC as YYYY-MM-DDTHH:MM:SSZ. An unparseable value yields ("", false)
// so the caller can null the field out, per spec.md §4.5 step 3.
func normalizeDateTime(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "none") || strings.EqualFold(trimmed, "null") {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC().Format("2006-01-02T15:04:05Z"), true
		}
	}
	return "", false
}

// normalizeDatesInPlace walks the top level of a rendered resource,
// rewriting any of dateFields present as a string to its UTC form, and
// nulling it if unparseable.
func normalizeDatesInPlace(resource *OrderedMap) {
	for _, key := range resource.Keys() {
		if !dateFields[key] {
			continue
		}
		raw, _ := resource.Get(key)
		s, ok := raw.(string)
		if !ok {
			continue
		}
		normalized, ok := normalizeDateTime(s)
		if !ok {
			resource.Set(key, nil)
			continue
		}
		resource.Set(key, normalized)
	}
}
