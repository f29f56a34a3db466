package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
)

func mustParse(t *testing.T, doc string) *Schema {
	t.Helper()
	s, err := Parse(json.RawMessage(doc))
	require.NoError(t, err)
	return s
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	var s *Schema
	assert.NoError(t, s.Validate(json.RawMessage(`{"anything": [1, 2, 3]}`)))

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRequiredFields(t *testing.T) {
	s := mustParse(t, `{
		"type": "object",
		"required": ["email", "subject"],
		"properties": {
			"email": {"type": "string"},
			"subject": {"type": "string"}
		}
	}`)

	assert.NoError(t, s.Validate(json.RawMessage(`{"email": "a@b.c", "subject": "hi"}`)))

	err := s.Validate(json.RawMessage(`{"email": "a@b.c"}`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "subject")
}

func TestTypeMismatch(t *testing.T) {
	s := mustParse(t, `{
		"type": "object",
		"properties": {
			"count": {"type": "integer"},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	assert.NoError(t, s.Validate(json.RawMessage(`{"count": 3, "tags": ["a", "b"]}`)))

	err := s.Validate(json.RawMessage(`{"count": 3.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.count")

	err = s.Validate(json.RawMessage(`{"tags": ["a", 42]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.tags[1]")
}

func TestEnum(t *testing.T) {
	s := mustParse(t, `{
		"type": "object",
		"properties": {
			"priority": {"type": "string", "enum": ["low", "high"]}
		}
	}`)

	assert.NoError(t, s.Validate(json.RawMessage(`{"priority": "low"}`)))
	assert.Error(t, s.Validate(json.RawMessage(`{"priority": "medium"}`)))
}

func TestNestedObjects(t *testing.T) {
	s := mustParse(t, `{
		"type": "object",
		"properties": {
			"sender": {
				"type": "object",
				"required": ["name"],
				"properties": {"name": {"type": "string"}}
			}
		}
	}`)

	assert.NoError(t, s.Validate(json.RawMessage(`{"sender": {"name": "ops"}}`)))

	err := s.Validate(json.RawMessage(`{"sender": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.sender")
}

func TestMalformedPayload(t *testing.T) {
	s := mustParse(t, `{"type": "object"}`)
	err := s.Validate(json.RawMessage(`{not json`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRequiredOnlySchemaStillValidates(t *testing.T) {
	s := mustParse(t, `{"required": ["order_id"]}`)
	require.NotNil(t, s)

	assert.NoError(t, s.Validate(json.RawMessage(`{"order_id": "ord_42"}`)))

	err := s.Validate(json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "order_id")

	null, err := Parse(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, null)
}

func TestAdditionalPropertiesRejected(t *testing.T) {
	s := mustParse(t, `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"email": {"type": "string"}
		}
	}`)

	assert.NoError(t, s.Validate(json.RawMessage(`{"email": "a@b.c"}`)))

	err := s.Validate(json.RawMessage(`{"email": "a@b.c", "debug": true}`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "debug")
}
