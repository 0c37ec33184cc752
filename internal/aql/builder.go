// Package aql resolves the `{{name}}` placeholders in a resource's
// query_template into the single-line AQL string sent to the EHR server,
// per spec.md §4.3. The substitution grammar mirrors the teacher's
// SqlGenerator split between template text and a small, explicit set of
// recognised tokens (see internal/store/dialect.go) rather than reaching
// for a general templating engine: only flat `{{name}}` substitution is
// needed here, never conditionals or loops.
package aql

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// windowClausePattern matches the trailing date-window clause the Fetcher
// excises when date-windowing is disabled globally, per spec.md §4.3.
var windowClausePattern = regexp.MustCompile(`(?i)\s*AND\s+c/context/start_time/value\s*<\s*'\{\{\s*end_run_time\s*\}\}'`)

// Params carries the values the Fetcher resolved for one resource's window,
// per spec.md §4.3's input list.
type Params struct {
	LastRunTime     string
	EndRunTime      string
	CompositionName string
	Offset          string
	Limit           string
}

func (p Params) asMap() map[string]string {
	m := map[string]string{
		"last_run_time":    p.LastRunTime,
		"end_run_time":     p.EndRunTime,
		"composition_name": p.CompositionName,
		"offset":           p.Offset,
		"limit":            p.Limit,
	}
	return m
}

// Build resolves template against params and the resource's own default
// parameters (params take precedence over defaults), collapsing whitespace
// in the result. If dateWindowingEnabled is false, the start_time window
// clause is removed from the template before substitution.
//
// Build fails if the template is empty or if a placeholder in the template
// has no value in params or defaults — per spec.md §4.3, that failure is
// fatal for the resource's cycle, not for the process.
func Build(template string, defaults map[string]string, params Params, dateWindowingEnabled bool) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", fmt.Errorf("aql builder: empty query_template")
	}

	working := template
	if !dateWindowingEnabled {
		working = windowClausePattern.ReplaceAllString(working, "")
	}

	values := params.asMap()

	var missing []string
	resolved := placeholderPattern.ReplaceAllStringFunc(working, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := values[name]; ok && v != "" {
			return v
		}
		if v, ok := defaults[name]; ok && v != "" {
			return v
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("aql builder: missing value(s) for placeholder(s) %s in template", strings.Join(missing, ", "))
	}

	return collapseWhitespace(resolved), nil
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
