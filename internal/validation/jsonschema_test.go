package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"age": {"type": "integer", "minimum": 0}
	}
}`

func TestValidateValueAccepts(t *testing.T) {
	v := NewSchemaValidator()

	result, err := v.ValidateValue(map[string]any{"name": "ada", "age": 36}, json.RawMessage(personSchema))
	require.NoError(t, err)
	assert.True(t, result.Valid())
}

func TestValidateValueRejects(t *testing.T) {
	v := NewSchemaValidator()

	result, err := v.ValidateValue(map[string]any{"age": -1}, json.RawMessage(personSchema))
	require.NoError(t, err)
	assert.False(t, result.Valid())
	// Missing name plus negative age.
	assert.Len(t, result.Errors, 2)
}

func TestValidateValueEmptySchemaIsNoop(t *testing.T) {
	v := NewSchemaValidator()

	result, err := v.ValidateValue(map[string]any{"anything": true}, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid())
}

func TestValidateValueBadSchema(t *testing.T) {
	v := NewSchemaValidator()

	_, err := v.ValidateValue(map[string]any{}, json.RawMessage(`{"type": 42}`))
	assert.Error(t, err)
}

func TestValidateValueCachesCompiledSchema(t *testing.T) {
	v := NewSchemaValidator()
	raw := json.RawMessage(personSchema)

	_, err := v.ValidateValue(map[string]any{"name": "a"}, raw)
	require.NoError(t, err)
	_, err = v.ValidateValue(map[string]any{"name": "b"}, raw)
	require.NoError(t, err)

	assert.Len(t, v.cache, 1)
}
