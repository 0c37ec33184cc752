package mapping

// isEmptyEquivalent reports whether v is one of the empty-equivalent
// sentinels pruned by spec.md §4.5 step 5: nil, "", "None", "null", an
// empty *OrderedMap, or an empty/nil slice.
func isEmptyEquivalent(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == "" || t == "None" || t == "null"
	case *OrderedMap:
		return t == nil || t.Len() == 0
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// prune recursively drops empty-equivalent values from value, returning
// the cleaned value and whether the caller should keep it at all. A list
// whose every element is an empty map (or itself pruned to nothing)
// collapses to absent, per spec.md §4.5 step 5's "[{}]" case.
func prune(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case *OrderedMap:
		out := NewOrderedMap()
		for _, key := range v.Keys() {
			child, _ := v.Get(key)
			cleaned, keep := prune(child)
			if keep {
				out.Set(key, cleaned)
			}
		}
		if out.Len() == 0 {
			return nil, false
		}
		return out, true
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			cleaned, keep := prune(item)
			if keep {
				out = append(out, cleaned)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	default:
		if isEmptyEquivalent(v) {
			return nil, false
		}
		return v, true
	}
}

// Prune is the exported entry point used by the Mapper's step 5.
func Prune(resource *OrderedMap) *OrderedMap {
	cleaned, keep := prune(resource)
	if !keep {
		return NewOrderedMap()
	}
	return cleaned.(*OrderedMap)
}
