package mapping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedMapMarshalPreservesInsertionOrder(t *testing.T) {
	m := NewOrderedMap()
	m.Set("b", 1)
	m.Set("a", 2)
	m.Set("c", 3)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"a":2,"c":3}`, string(out))
}

func TestOrderedMapReorderPutsTemplateKeysFirst(t *testing.T) {
	m := NewOrderedMap()
	m.Set("extra", 1)
	m.Set("resourceType", "Condition")
	m.Set("id", "123")

	m.Reorder([]string{"resourceType", "id"})
	assert.Equal(t, []string{"resourceType", "id", "extra"}, m.Keys())
}

func TestOrderedMapDelete(t *testing.T) {
	m := NewOrderedMap()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Delete("a")

	_, ok := m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, m.Keys())
}
