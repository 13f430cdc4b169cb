package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/procflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const modelSchemaURL = "https://procflow.dev/schemas/model.json"

// modelSchemaJSON is the JSON Schema of a model document as read from YAML.
const modelSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procflow.dev/schemas/model.json",
  "type": "object",
  "required": ["model", "processes"],
  "properties": {
    "model": { "$ref": "#/$defs/name" },
    "description": { "type": "string" },
    "processes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/process" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "name": {
      "type": "string",
      "pattern": "^[A-Za-z][A-Za-z0-9_-]*$"
    },
    "expression": {
      "type": ["string", "number", "boolean"]
    },
    "process": {
      "type": "object",
      "required": ["name", "nodes"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "description": { "type": "string" },
        "variables": { "type": "array", "items": { "$ref": "#/$defs/variable" } },
        "nodes": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/node" } },
        "control_links": { "type": "array", "items": { "$ref": "#/$defs/control_link" } },
        "data_links": { "type": "array", "items": { "$ref": "#/$defs/data_link" } }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "type": { "type": "string" },
        "auto_assign": { "type": "boolean" },
        "persistent": { "type": "boolean" },
        "default": { "$ref": "#/$defs/expression" }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["name", "kind"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "kind": {
          "type": "string",
          "enum": ["initial", "final", "activity", "decision", "subprocess", "workflow", "waitstate", "placeholder"]
        },
        "description": { "type": "string" },
        "default": { "type": "boolean" },
        "handler": { "$ref": "#/$defs/handler" },
        "sockets": { "type": "array", "items": { "$ref": "#/$defs/socket" } },
        "condition": { "type": "string" },
        "subprocess": { "type": "string", "minLength": 1 },
        "role": { "type": "string" },
        "step_name": { "type": "string" },
        "in_memory": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "handler": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "script": { "type": "string" },
        "events": {
          "type": "array",
          "items": { "type": "string", "enum": ["entry", "exit", "activity"] }
        },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "socket": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "entry": { "type": "boolean" },
        "default": { "type": "boolean" },
        "params": { "type": "array", "items": { "$ref": "#/$defs/param" } }
      },
      "additionalProperties": false
    },
    "param": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "type": { "type": "string" },
        "required": { "type": "boolean" },
        "expression": { "$ref": "#/$defs/expression" },
        "script": { "type": "string" },
        "schema": { "type": "object" }
      },
      "additionalProperties": false
    },
    "control_link": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "name": { "type": "string" },
        "from": { "type": "string", "pattern": "^[^.]+\\.[^.]+$" },
        "to": { "type": "string", "pattern": "^[^.]+\\.[^.]+$" },
        "transaction": {
          "type": "string",
          "enum": ["none", "begin", "commit", "commit_begin", "rollback", "rollback_begin"]
        },
        "rollback_data": {
          "type": "string",
          "enum": ["update_variables", "add_variables", "restore_variables"]
        },
        "rollback_position": {
          "type": "string",
          "enum": ["maintain_position", "restore_position"]
        },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "data_link": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "name": { "type": "string" },
        "from": { "type": "string", "minLength": 2 },
        "to": { "type": "string", "minLength": 2 },
        "source_member": { "type": "string" },
        "target_member": { "type": "string" },
        "clone": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates model documents and parameter values.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	modelSchema *jsonschema.Schema

	// mu guards the cache of compiled parameter schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the model schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newValueCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(modelSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal model schema: %w", err)
	}
	if err := c.AddResource(modelSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add model schema resource: %w", err)
	}
	compiled, err := c.Compile(modelSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile model schema: %w", err)
	}

	return &JSONSchemaValidator{
		modelSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded model document (the generic YAML tree)
// against the model schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "model document is empty")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize model document").WithCause(err)
	}
	if err := v.modelSchema.Validate(value); err != nil {
		return toProcflowError(err)
	}
	return nil
}

// ValidateValue validates a parameter value against a JSON Schema. A nil or
// empty schema accepts every value.
func (v *JSONSchemaValidator) ValidateValue(value any, valueSchema map[string]any) error {
	if len(valueSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(valueSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameter value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toProcflowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(valueSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(valueSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL and a fresh compiler to avoid resource collisions.
	url := fmt.Sprintf("procflow://param-schema/%d", len(v.cache))
	c := newValueCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newValueCompiler() *jsonschema.Compiler {
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

// toProcflowError converts a jsonschema.ValidationError into a ProcflowError
// listing every violated location.
func toProcflowError(err error) *schema.ProcflowError {
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

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
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
