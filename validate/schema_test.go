package validate

import (
	"encoding/json"
	"testing"

	"flowcore/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSchema(t *testing.T, src string) *domain.Schema {
	var s domain.Schema
	require.NoError(t, json.Unmarshal([]byte(src), &s))
	return &s
}

func TestSchemaValidatorNilSchemaAlwaysPasses(t *testing.T) {
	problem := NewSchemaValidator().Validate(nil, map[string]interface{}{"a": 1}, "/input")
	assert.Nil(t, problem)
}

func TestSchemaValidatorRejectsMissingRequiredProperty(t *testing.T) {
	schema := mustSchema(t, `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	problem := NewSchemaValidator().Validate(schema, map[string]interface{}{}, "/input")
	require.NotNil(t, problem)
	assert.Contains(t, problem.Detail, "missing required property")
}

func TestSchemaValidatorRejectsWrongType(t *testing.T) {
	schema := mustSchema(t, `{"type":"object","properties":{"age":{"type":"integer"}}}`)
	problem := NewSchemaValidator().Validate(schema, map[string]interface{}{"age": "old"}, "/input")
	require.NotNil(t, problem)
	assert.Contains(t, problem.Detail, "expected type integer")
}

func TestSchemaValidatorAcceptsConformingValue(t *testing.T) {
	schema := mustSchema(t, `{"type":"object","required":["name"],"properties":{"name":{"type":"string"},"age":{"type":"integer","minimum":0}}}`)
	problem := NewSchemaValidator().Validate(schema, map[string]interface{}{"name": "a", "age": 5.0}, "/input")
	assert.Nil(t, problem)
}

func TestSchemaValidatorRejectsOutOfRangeNumber(t *testing.T) {
	schema := mustSchema(t, `{"type":"number","maximum":10}`)
	problem := NewSchemaValidator().Validate(schema, 20.0, "/input")
	require.NotNil(t, problem)
	assert.Contains(t, problem.Detail, "above maximum")
}

func TestSchemaValidatorValidatesArrayItems(t *testing.T) {
	schema := mustSchema(t, `{"type":"array","items":{"type":"string"}}`)
	problem := NewSchemaValidator().Validate(schema, []interface{}{"a", 1.0}, "/input")
	require.NotNil(t, problem)
	assert.Contains(t, problem.Detail, "/1")
}

func TestSchemaValidatorRejectsValueNotAmongEnum(t *testing.T) {
	schema := mustSchema(t, `{"enum":["red","green","blue"]}`)
	problem := NewSchemaValidator().Validate(schema, "purple", "/input")
	require.NotNil(t, problem)
	assert.Contains(t, problem.Detail, "not among enum")
}

func TestSchemaValidatorAcceptsRawJSONMessageInput(t *testing.T) {
	schema := mustSchema(t, `{"type":"object","required":["name"]}`)
	problem := NewSchemaValidator().Validate(schema, json.RawMessage(`{"name":"a"}`), "/input")
	assert.Nil(t, problem)
}
