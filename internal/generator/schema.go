package generator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func documentSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"document_id", "questions"},
		"properties": map[string]any{
			"document_id": map[string]any{"type": "string", "minLength": 1},
			"questions": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": []string{"string", "number"}},
			},
			"capabilities": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"retrieval":  map[string]any{"type": "boolean"},
					"completion": map[string]any{"type": "boolean"},
				},
			},
		},
	}
}

// answerSchema accepts a bare string or an object; deciding whether the
// object carries usable text is left to the runner.
func answerSchema() map[string]any {
	return map[string]any{"type": []string{"object", "string"}}
}

func retrievalSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"passages"},
		"properties": map[string]any{
			"passages": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	}
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// decodeValidated unmarshals data and checks it against schema. Any failure
// is reported as ErrMalformedResult.
func decodeValidated(schema *jsonschema.Schema, data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrMalformedResult, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: response does not match schema: %v", ErrMalformedResult, err)
	}
	return v, nil
}
