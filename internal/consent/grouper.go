// Package consent implements the Consent Grouper of spec.md §4.6: Consent
// staging rows are collapsed by a grouping key into one FHIR Consent per
// group, with every row contributing one nested provision.
//
// REDESIGN FLAG applied (see SPEC_FULL.md §4.6, DESIGN.md): the original
// (original_source/application/utils/mapper_consent.py) serialised the
// provision wrapper to a JSON string, stuffed it into the row under the
// "provision" key so the Jinja2 template could reference it as a plain
// placeholder, then parsed that string back out of the rendered resource.
// Here the provision wrapper is built as a first-class *mapping.OrderedMap
// and set directly on the rendered resource — no string round-trip.
package consent

import (
	"sort"
	"strings"

	"github.com/flowhealth/ehr-fhir-sync/internal/mapping"
	"github.com/flowhealth/ehr-fhir-sync/internal/store"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// consentCodeSystem is the fixed canonical system every provision's code
// coding carries, per original_source/application/utils/mapper_consent.py.
const consentCodeSystem = "https://www.medizininformatik-initiative.de/fhir/modul-consent/CodeSystem/mii-cs-consent-consent_code"

// provisionOnlyColumns are excluded from a group's base record because
// they are consumed into the provision wrapper instead, per the original's
// group_provisions exclusion list.
var provisionOnlyColumns = map[string]bool{
	"provision_type":            true,
	"consent_code":              true,
	"consent_code_system":       true,
	"start_time":                true,
	"end_time":                  true,
	"consent":                   true,
	"uri_einwilligungsnachweis": true,
}

// Group is one partition of Consent staging rows sharing a group key.
type Group struct {
	GroupValue string
	StagingIDs []int64
	BaseRow    map[string]string
	Rows       []map[string]string
}

// PartitionByGroupKey partitions unprocessed Consent staging rows by the
// groupByColumn, dropping rows whose group key is empty, per spec.md §4.6
// steps 1-2. Rows within a group preserve the order they were read in
// (AQL order, per spec.md §5).
func PartitionByGroupKey(rows []store.StagingRow, groupByColumn string, logger *log.Entry) []Group {
	groupByColumn = strings.ToLower(groupByColumn)

	order := make([]string, 0)
	groups := make(map[string]*Group)

	for _, row := range rows {
		key := strings.TrimSpace(row.Columns[groupByColumn])
		if key == "" {
			if logger != nil {
				logger.WithField("staging_id", row.ID).Warn("skipping consent row with missing group key")
			}
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &Group{GroupValue: key}
			groups[key] = g
			order = append(order, key)
		}
		g.StagingIDs = append(g.StagingIDs, row.ID)
		g.Rows = append(g.Rows, row.Columns)
	}

	out := make([]Group, 0, len(order))
	for _, key := range order {
		g := groups[key]
		g.BaseRow = buildBaseRow(g.Rows[0])
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GroupValue < out[j].GroupValue })
	return out
}

func buildBaseRow(first map[string]string) map[string]string {
	base := make(map[string]string, len(first))
	for k, v := range first {
		if provisionOnlyColumns[k] {
			continue
		}
		base[k] = v
	}
	if ct, ok := base["consent_type"]; ok {
		base["consent_type"] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(ct)), " ", "-")
	}
	return base
}

// buildProvisionEntry renders one staging row into the nested provision
// structure spec.md §4.6 step 3b describes.
func buildProvisionEntry(row map[string]string) *mapping.OrderedMap {
	entry := mapping.NewOrderedMap()
	entry.Set("type", row["provision_type"])

	period := mapping.NewOrderedMap()
	if start, ok := mapping.NormalizeDateTime(row["start_time"]); ok {
		period.Set("start", start)
	}
	if end, ok := mapping.NormalizeDateTime(row["end_time"]); ok {
		period.Set("end", end)
	}
	entry.Set("period", period)

	coding := mapping.NewOrderedMap()
	coding.Set("system", consentCodeSystem)
	coding.Set("code", row["consent_code"])
	coding.Set("display", row["consent"])
	entry.Set("code", mapObjectWithCodingList(coding))

	sourceAttachment := mapping.NewOrderedMap()
	sourceAttachment.Set("url", row["uri_einwilligungsnachweis"])
	entry.Set("sourceAttachment", sourceAttachment)

	return entry
}

func mapObjectWithCodingList(coding *mapping.OrderedMap) *mapping.OrderedMap {
	wrapper := mapping.NewOrderedMap()
	wrapper.Set("coding", []interface{}{coding})
	return wrapper
}

// buildWrapperProvision composes the group's top-level provision field:
// {type, period?, provision: [...]}, per spec.md §4.6 step 3c.
func buildWrapperProvision(group Group) *mapping.OrderedMap {
	wrapper := mapping.NewOrderedMap()

	// The wrapper's own type/period come from the group's first raw row —
	// group.BaseRow has already had these provision-only columns stripped
	// out, so group.Rows[0] (the untouched source row) is used instead.
	first := group.Rows[0]

	provisionType := first["provision_type"]
	if provisionType == "" {
		provisionType = "permit"
	}
	wrapper.Set("type", provisionType)

	if start, ok := mapping.NormalizeDateTime(first["start_time"]); ok {
		period := mapping.NewOrderedMap()
		period.Set("start", start)
		if end, ok := mapping.NormalizeDateTime(first["end_time"]); ok {
			period.Set("end", end)
		}
		wrapper.Set("period", period)
	}

	entries := make([]interface{}, 0, len(group.Rows))
	for _, row := range group.Rows {
		entries = append(entries, buildProvisionEntry(row))
	}
	wrapper.Set("provision", entries)

	return wrapper
}

// BuildResource runs the full Consent path for one group: required-field
// check and template rendering over the base row (mapping.Map), then
// injects the first-class provision wrapper and re-prunes/re-orders.
// Returns (nil, false) if required fields are missing or nothing survives.
func BuildResource(group Group, template yaml.Node, requiredFields []string) (*mapping.OrderedMap, bool) {
	resource, ok := mapping.Map(group.BaseRow, template, requiredFields)
	if !ok {
		return nil, false
	}

	resource.Set("provision", buildWrapperProvision(group))

	pruned := mapping.Prune(resource)
	if pruned.Len() == 0 {
		return nil, false
	}
	pruned.Reorder(mapping.TemplateFieldOrder(template))
	return pruned, true
}
