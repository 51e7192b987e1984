package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"flowcore/domain"
)

// SchemaValidator checks a JSON value against a domain.Schema's raw JSON
// Schema document. No third-party JSON Schema *validator* appears anywhere
// in the example pack (invopop/jsonschema only generates/represents
// schemas), so this implements the structural subset the DSL's own
// documents actually exercise: type, required, properties, items, enum,
// and the common numeric/string constraints. additionalProperties is not
// checked. See DESIGN.md for why this one component is hand-rolled.
type SchemaValidator struct{}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{}
}

// Validate checks value (already unmarshaled into generic Go types, or raw
// JSON bytes) against schema. Returns a validation-kind domain.ProblemDetails
// describing the first violation found, or nil if the value conforms.
func (v *SchemaValidator) Validate(schema *domain.Schema, value interface{}, instancePointer string) *domain.ProblemDetails {
	if schema == nil || schema.Raw() == nil {
		return nil
	}

	var schemaDoc map[string]interface{}
	if err := json.Unmarshal(schema.Raw(), &schemaDoc); err != nil {
		return domain.ValidationProblem("schema-malformed", err.Error(), instancePointer)
	}

	generic, err := toGeneric(value)
	if err != nil {
		return domain.ValidationProblem("value-not-json", err.Error(), instancePointer)
	}

	if violation := validateNode(schemaDoc, generic, instancePointer); violation != "" {
		return domain.ValidationProblem("schema-check-failed", violation, instancePointer)
	}
	return nil
}

func toGeneric(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.RawMessage:
		var generic interface{}
		if len(v) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(v, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	}
}

func validateNode(schema map[string]interface{}, value interface{}, pointer string) string {
	if typ, ok := schema["type"].(string); ok {
		if msg := checkType(typ, value, pointer); msg != "" {
			return msg
		}
	}

	if enum, ok := schema["enum"].([]interface{}); ok {
		if !enumContains(enum, value) {
			return fmt.Sprintf("%s: value not among enum values", pointer)
		}
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				propSchema, _ := props[key].(map[string]interface{})
				if propSchema == nil {
					continue
				}
				if fieldVal, present := typed[key]; present {
					if msg := validateNode(propSchema, fieldVal, pointer+"/"+key); msg != "" {
						return msg
					}
				}
			}
		}
		if required, ok := schema["required"].([]interface{}); ok {
			for _, r := range required {
				name, _ := r.(string)
				if _, present := typed[name]; !present {
					return fmt.Sprintf("%s: missing required property %q", pointer, name)
				}
			}
		}
	case []interface{}:
		if itemSchema, ok := schema["items"].(map[string]interface{}); ok {
			for i, elem := range typed {
				if msg := validateNode(itemSchema, elem, fmt.Sprintf("%s/%d", pointer, i)); msg != "" {
					return msg
				}
			}
		}
	case string:
		if minLen, ok := numericField(schema, "minLength"); ok && float64(len(typed)) < minLen {
			return fmt.Sprintf("%s: string shorter than minLength", pointer)
		}
		if maxLen, ok := numericField(schema, "maxLength"); ok && float64(len(typed)) > maxLen {
			return fmt.Sprintf("%s: string longer than maxLength", pointer)
		}
		if pattern, ok := schema["pattern"].(string); ok {
			re, err := regexp.Compile(pattern)
			if err == nil && !re.MatchString(typed) {
				return fmt.Sprintf("%s: string does not match pattern", pointer)
			}
		}
	case float64:
		if min, ok := numericField(schema, "minimum"); ok && typed < min {
			return fmt.Sprintf("%s: value below minimum", pointer)
		}
		if max, ok := numericField(schema, "maximum"); ok && typed > max {
			return fmt.Sprintf("%s: value above maximum", pointer)
		}
	}

	return ""
}

func numericField(schema map[string]interface{}, key string) (float64, bool) {
	v, ok := schema[key].(float64)
	return v, ok
}

func enumContains(enum []interface{}, value interface{}) bool {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return false
	}
	for _, candidate := range enum {
		candidateJSON, err := json.Marshal(candidate)
		if err == nil && string(candidateJSON) == string(valueJSON) {
			return true
		}
	}
	return false
}

func checkType(typ string, value interface{}, pointer string) string {
	if value == nil {
		if typ == "null" {
			return ""
		}
		return fmt.Sprintf("%s: expected type %s, got null", pointer, typ)
	}
	ok := false
	switch typ {
	case "object":
		_, ok = value.(map[string]interface{})
	case "array":
		_, ok = value.([]interface{})
	case "string":
		_, ok = value.(string)
	case "number":
		_, ok = value.(float64)
	case "integer":
		f, isNum := value.(float64)
		ok = isNum && f == float64(int64(f))
	case "boolean":
		_, ok = value.(bool)
	case "null":
		ok = value == nil
	default:
		ok = true
	}
	if !ok {
		return fmt.Sprintf("%s: expected type %s", pointer, typ)
	}
	return ""
}
