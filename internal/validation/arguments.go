package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rendis/voxflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ArgumentValidator checks model-issued function arguments against the
// parameter schema declared on a transition function.
type ArgumentValidator struct {
	schema *jsonschema.Schema
}

// ParameterSchema renders parameter definitions as a JSON Schema object.
func ParameterSchema(params []schema.ParameterDefinition) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))

	for _, p := range params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// CompileArguments builds an ArgumentValidator for the given parameters.
// id must be unique per function (e.g. "node/function").
func CompileArguments(id string, params []schema.ParameterDefinition) (*ArgumentValidator, error) {
	doc, err := toJSONValue(ParameterSchema(params))
	if err != nil {
		return nil, fmt.Errorf("serialize parameter schema: %w", err)
	}

	url := "voxflow://arguments/" + id
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add parameter schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return &ArgumentValidator{schema: compiled}, nil
}

// Validate parses raw JSON arguments and checks them against the schema.
// Empty input is treated as an empty object. The decoded arguments are
// returned on success.
func (v *ArgumentValidator) Validate(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "arguments are not valid JSON").WithCause(err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "arguments must be a JSON object")
	}

	if err := v.schema.Validate(doc); err != nil {
		return nil, toVoxError(err)
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "arguments are not valid JSON").WithCause(err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
