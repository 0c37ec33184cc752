package mapping

import "strings"

// systemURIMappings canonicalises known terminology display names to their
// FHIR system URI, per spec.md §4.5 step 4 (grounded on
// original_source/application/utils/mapper.py's ensure_valid_uri table).
var systemURIMappings = map[string]string{
	"SNOMED Clinical Terms": "http://snomed.info/sct",
	"LOINC":                 "http://loinc.org",
	"RxNorm":                "http://www.nlm.nih.gov/research/umls/rxnorm",
	"OPS":                   "http://fhir.de/CodeSystem/bfarm/ops",
	"ICD-10":                "http://hl7.org/fhir/sid/icd-10",
	"ICD-10-GM":             "http://fhir.de/CodeSystem/bfarm/icd-10-gm",
	"ATC":                   "http://www.whocc.no/atc",
	"UCUM":                  "http://unitsofmeasure.org",
}

// canonicalizeSystemURI resolves one coding.system value.
func canonicalizeSystemURI(value string) string {
	if value == "" || strings.EqualFold(value, "none") || strings.EqualFold(value, "null") {
		return ""
	}
	if canonical, ok := systemURIMappings[value]; ok {
		return canonical
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value
	}
	return "http://" + value
}

// canonicalizeSystemURIs walks the entire rendered resource looking for
// any `coding` array — wherever it occurs, not just at a fixed set of
// top-level keys (spec.md §4.5 step 4 generalises the original's hardcoded
// key list of code/category/reasonCode/severity/outcome/statusReason) —
// and rewrites each entry's `system` field.
func canonicalizeSystemURIs(value interface{}) {
	switch v := value.(type) {
	case *OrderedMap:
		for _, key := range v.Keys() {
			child, _ := v.Get(key)
			if key == "coding" {
				if list, ok := child.([]interface{}); ok {
					fixCodingList(list)
					continue
				}
			}
			canonicalizeSystemURIs(child)
		}
	case []interface{}:
		for _, item := range v {
			canonicalizeSystemURIs(item)
		}
	}
}

func fixCodingList(list []interface{}) {
	for _, entry := range list {
		om, ok := entry.(*OrderedMap)
		if !ok {
			continue
		}
		if system, ok := om.Get("system"); ok {
			if s, ok := system.(string); ok {
				om.Set("system", canonicalizeSystemURI(s))
			}
		}
	}
}
