package mapping

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// OrderedMap is a JSON object that remembers insertion order, used to carry
// a mapping template's field declaration order all the way to the queued
// FHIR resource's rendered JSON (spec.md §4.5 step 6).
type OrderedMap struct {
	keys   []string
	values map[string]interface{}
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]interface{})}
}

// Set stores value under key, appending key to the order if it is new.
func (m *OrderedMap) Set(key string, value interface{}) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m *OrderedMap) Get(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Delete removes key from the map.
func (m *OrderedMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string { return m.keys }

// Len reports the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// Reorder rewrites the key order to match `order`, followed by any
// remaining keys in their prior relative order — spec.md §4.5 step 6's
// "trailing keys not in the template preserve insertion order".
func (m *OrderedMap) Reorder(order []string) {
	seen := make(map[string]bool, len(order))
	newKeys := make([]string, 0, len(m.keys))
	for _, k := range order {
		if _, ok := m.values[k]; ok && !seen[k] {
			newKeys = append(newKeys, k)
			seen[k] = true
		}
	}
	for _, k := range m.keys {
		if !seen[k] {
			newKeys = append(newKeys, k)
			seen[k] = true
		}
	}
	m.keys = newKeys
}

// MarshalJSON emits the object with its keys in insertion order.
func (m *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// nodeToValue converts a decoded yaml.Node into plain Go values, using
// *OrderedMap for mappings so template field order survives into the
// rendered resource.
func nodeToValue(node *yaml.Node) interface{} {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil
		}
		return nodeToValue(node.Content[0])
	case yaml.MappingNode:
		om := NewOrderedMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			om.Set(key, nodeToValue(node.Content[i+1]))
		}
		return om
	case yaml.SequenceNode:
		list := make([]interface{}, 0, len(node.Content))
		for _, item := range node.Content {
			list = append(list, nodeToValue(item))
		}
		return list
	case yaml.ScalarNode:
		var v interface{}
		if err := node.Decode(&v); err != nil {
			return node.Value
		}
		return v
	case yaml.AliasNode:
		return nodeToValue(node.Alias)
	default:
		return nil
	}
}

// TemplateFieldOrder returns the top-level key declaration order of a
// mapping_template node, used by Reorder.
func TemplateFieldOrder(node yaml.Node) []string {
	v := nodeToValue(&node)
	om, ok := v.(*OrderedMap)
	if !ok {
		return nil
	}
	return om.Keys()
}
