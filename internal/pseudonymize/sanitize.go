package pseudonymize

import (
	"regexp"
	"strings"
)

var sanitizeDisallowed = regexp.MustCompile(`[^\w\-.]`)

const sanitizeMaxLen = 64

// Sanitize replaces "/" with "-", strips any character outside
// `[\w\-.]`, and truncates to 64 characters, per spec.md §6's
// sanitize stanza (SPEC_FULL.md §10.2).
func Sanitize(value string) string {
	replaced := strings.ReplaceAll(value, "/", "-")
	cleaned := sanitizeDisallowed.ReplaceAllString(replaced, "")
	if len(cleaned) > sanitizeMaxLen {
		cleaned = cleaned[:sanitizeMaxLen]
	}
	return cleaned
}

// ApplySanitize rewrites every field named in fields within row using
// Sanitize, leaving other fields untouched.
func ApplySanitize(row map[string]interface{}, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		return row
	}
	fieldSet := make(map[string]bool, len(fields))
	for _, f := range fields {
		fieldSet[f] = true
	}

	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		if fieldSet[k] {
			if s, ok := v.(string); ok {
				out[k] = Sanitize(s)
				continue
			}
		}
		out[k] = v
	}
	return out
}
