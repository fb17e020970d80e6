package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/voxflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const flowSchemaURL = "https://voxflow.dev/schemas/flow.json"

// flowSchemaJSON is the JSON Schema for FlowDefinition documents.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://voxflow.dev/schemas/flow.json",
  "type": "object",
  "required": ["name", "initial_node", "nodes"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "vars": { "type": "object" },
    "initial_node": { "type": "string", "minLength": 1 },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": { "pattern": "^[A-Za-z0-9_\\-]+$" },
      "additionalProperties": { "$ref": "#/$defs/node" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "properties": {
        "role_messages": { "type": "array", "items": { "$ref": "#/$defs/message" } },
        "task_messages": { "type": "array", "items": { "$ref": "#/$defs/message" } },
        "pre_actions": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "post_actions": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "functions": { "type": "array", "items": { "$ref": "#/$defs/function" } }
      },
      "additionalProperties": false
    },
    "message": {
      "type": "object",
      "required": ["role", "content"],
      "properties": {
        "role": { "type": "string", "enum": ["system", "user", "assistant"] },
        "content": { "type": "string", "minLength": 1 }
      }
    },
    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    },
    "function": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_\\-]{0,63}$" },
        "description": { "type": "string" },
        "parameters": { "type": "array", "items": { "$ref": "#/$defs/parameter" } },
        "next": { "type": "string" },
        "routes": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["when", "to"],
            "properties": {
              "when": { "type": "string", "minLength": 1 },
              "to": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        },
        "result": { "type": "string" }
      },
      "additionalProperties": false
    },
    "parameter": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
        "type": { "type": "string", "enum": ["string", "integer", "number", "boolean"] },
        "description": { "type": "string" },
        "enum": { "type": "array", "minItems": 1, "items": { "type": "string" } },
        "minimum": { "type": "number" },
        "maximum": { "type": "number" },
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// FlowSchema validates the structure of flow definitions.
// It is safe for concurrent use.
type FlowSchema struct {
	schema *jsonschema.Schema
}

// NewFlowSchema compiles the flow definition schema.
func NewFlowSchema() (*FlowSchema, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}

	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return &FlowSchema{schema: compiled}, nil
}

// Validate checks def against the flow schema. Violations are returned as
// a VALIDATION_ERROR listing every offending location.
func (f *FlowSchema) Validate(def *schema.FlowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow definition").WithCause(err)
	}

	if err := f.schema.Validate(doc); err != nil {
		return toVoxError(err)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toVoxError converts a jsonschema.ValidationError into a VoxError whose
// message is short enough to hand back to a language model.
func toVoxError(err error) *schema.VoxError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors: %s", len(violations), strings.Join(violations, "; "))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
