package domain

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema wraps a JSON Schema document declared on a workflow or task's
// input/output. It round-trips through YAML/JSON as an opaque schema object
// and is compiled lazily by the validate package.
type Schema struct {
	*jsonschema.Schema
	raw json.RawMessage
}

// UnmarshalJSON stores the raw schema bytes alongside the parsed
// jsonschema.Schema so callers needing the original document (for error
// messages) don't need to re-marshal it.
func (s *Schema) UnmarshalJSON(data []byte) error {
	s.raw = append(json.RawMessage(nil), data...)
	s.Schema = &jsonschema.Schema{}
	return json.Unmarshal(data, s.Schema)
}

func (s Schema) MarshalJSON() ([]byte, error) {
	if s.raw != nil {
		return s.raw, nil
	}
	if s.Schema == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.Schema)
}

// Raw returns the original schema document bytes.
func (s Schema) Raw() json.RawMessage {
	return s.raw
}
