// Package mapping implements the Mapper of spec.md §4.5: render one staging
// row into a FHIR resource using a resource's mapping template, then
// normalise dates, canonicalise terminology system URIs, prune
// empty-equivalent branches, and reorder fields to match the template's
// declaration order.
//
// The original (original_source/application/utils/mapper.py) used Jinja2
// for template rendering; that pipeline's templates never use Jinja2
// control flow (loops, conditionals, filters) — only `{{var}}`
// interpolation — so a general templating engine would import far more
// than this component exercises. The same restricted-placeholder approach
// already used by internal/aql.Build and the teacher's own SqlGenerator
// text-token split (internal/store/dialect.go) is reused here instead
// (see DESIGN.md).
package mapping

import (
	"regexp"

	"gopkg.in/yaml.v3"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// RequiredFieldsSatisfied implements spec.md §4.5 step 1: every named field
// must be present in row and non-empty — not null, not "", not "None"/
// "null", and (for a value that looks like a serialised empty collection)
// not an empty collection.
func RequiredFieldsSatisfied(row map[string]string, required []string) bool {
	for _, field := range required {
		value, ok := row[field]
		if !ok {
			return false
		}
		if value == "" || value == "None" || value == "null" || value == "{}" || value == "[]" {
			return false
		}
	}
	return true
}

// renderString substitutes every `{{var}}` occurrence in s with row[var];
// a lookup miss substitutes the empty string, per spec.md §4.5 step 2.
func renderString(s string, row map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return row[name]
	})
}

// render recursively resolves a template value (as decoded by nodeToValue)
// against row. Maps and lists recurse; non-string scalars pass through as
// literals.
func render(template interface{}, row map[string]string) interface{} {
	switch t := template.(type) {
	case string:
		return renderString(t, row)
	case *OrderedMap:
		out := NewOrderedMap()
		for _, key := range t.Keys() {
			child, _ := t.Get(key)
			out.Set(key, render(child, row))
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			out = append(out, render(item, row))
		}
		return out
	default:
		return t
	}
}

// Map runs the full six-step Mapper pipeline of spec.md §4.5 over one
// staging row. It returns (nil, false) if required fields are missing
// (step 1) or the template resolves to nothing after pruning (step 5).
func Map(row map[string]string, template yaml.Node, requiredFields []string) (*OrderedMap, bool) {
	if !RequiredFieldsSatisfied(row, requiredFields) {
		return nil, false
	}

	templateValue := nodeToValue(&template)
	templateMap, ok := templateValue.(*OrderedMap)
	if !ok {
		return nil, false
	}

	rendered := render(templateMap, row).(*OrderedMap)
	normalizeDatesInPlace(rendered)
	canonicalizeSystemURIs(rendered)

	pruned := Prune(rendered)
	if pruned.Len() == 0 {
		return nil, false
	}

	pruned.Reorder(templateMap.Keys())
	return pruned, true
}
