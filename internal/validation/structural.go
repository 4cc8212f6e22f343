package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/procflow/procflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "slug", "version", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "slug": { "type": "string", "pattern": "^[a-z0-9]+(-[a-z0-9]+)*$" },
    "version": { "type": "integer", "minimum": 1 },
    "parameters": {
      "type": "array",
      "items": { "$ref": "#/$defs/parameter" }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "on_error": { "$ref": "#/$defs/error_policy" },
    "tags": {
      "type": "array",
      "items": { "type": "string" }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "pattern": "^[a-z][a-z0-9_]*$" },
        "type": {
          "type": "string",
          "enum": ["string", "integer", "number", "boolean", "list", "object"]
        },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "pattern": "^[a-z][a-z0-9_]*$" },
        "action": { "type": "string", "minLength": 1 },
        "arguments": { "type": "object" },
        "condition": { "type": "string", "minLength": 1 },
        "iteration_source": { "type": "string", "minLength": 1 },
        "parallel_branches": {
          "type": "object",
          "minProperties": 1,
          "patternProperties": {
            "^[a-z][a-z0-9_]*$": {
              "type": "array",
              "minItems": 1,
              "items": { "$ref": "#/$defs/step" }
            }
          },
          "additionalProperties": false
        },
        "on_error": { "$ref": "#/$defs/error_policy" },
        "description": { "type": "string" }
      },
      "additionalProperties": false
    },
    "error_policy": {
      "type": "object",
      "required": ["mode"],
      "properties": {
        "mode": {
          "type": "string",
          "enum": ["fail", "continue", "retry"]
        },
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["schedule"],
      "properties": {
        "schedule": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// pipelineSchemaJSON is the JSON Schema for PipelineDefinition validation.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procflow.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["name", "slug", "version", "stages"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "slug": { "type": "string", "pattern": "^[a-z0-9]+(-[a-z0-9]+)*$" },
    "version": { "type": "integer", "minimum": 1 },
    "parameters": {
      "type": "array",
      "items": { "$ref": "https://procflow.dev/schemas/workflow.json#/$defs/parameter" }
    },
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    },
    "on_error": { "$ref": "https://procflow.dev/schemas/workflow.json#/$defs/error_policy" },
    "tags": {
      "type": "array",
      "items": { "type": "string" }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "https://procflow.dev/schemas/workflow.json#/$defs/trigger" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["name", "kind"],
      "properties": {
        "name": { "type": "string", "pattern": "^[a-z][a-z0-9_]*$" },
        "kind": {
          "type": "string",
          "enum": ["gather", "filter", "transform", "output"]
        },
        "action": { "type": "string", "minLength": 1 },
        "arguments": { "type": "object" },
        "expression": { "type": "string", "minLength": 1 },
        "on_error": { "$ref": "https://procflow.dev/schemas/workflow.json#/$defs/error_policy" },
        "description": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// Issue codes attached to ValidationIssue entries.
const (
	codeStructure = "structure"
	codeSemantic  = "semantic"
	codeReference = "reference"
	codeArguments = "arguments"
	codeAction    = "action"
)

// structuralValidator checks definitions against the embedded JSON Schemas
// and validates literal argument maps against action parameter schemas.
// It is safe for concurrent use.
type structuralValidator struct {
	workflowSchema *jsonschema.Schema
	pipelineSchema *jsonschema.Schema

	// mu guards the cache for dynamic parameter-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for id, text := range map[string]string{
		"https://procflow.dev/schemas/workflow.json": workflowSchemaJSON,
		"https://procflow.dev/schemas/pipeline.json": pipelineSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", id, err)
		}
		if err := c.AddResource(id, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", id, err)
		}
	}

	wf, err := c.Compile("https://procflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	pl, err := c.Compile("https://procflow.dev/schemas/pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &structuralValidator{
		workflowSchema: wf,
		pipelineSchema: pl,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// validateWorkflow appends structural violations to result.
func (v *structuralValidator) validateWorkflow(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	v.validateAgainst(v.workflowSchema, def, result)
}

// validatePipeline appends structural violations to result.
func (v *structuralValidator) validatePipeline(def *schema.PipelineDefinition, result *schema.ValidationResult) {
	v.validateAgainst(v.pipelineSchema, def, result)
}

func (v *structuralValidator) validateAgainst(compiled *jsonschema.Schema, def any, result *schema.ValidationResult) {
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("", codeStructure, "definition is not JSON-encodable: "+err.Error())
		return
	}
	if err := compiled.Validate(doc); err != nil {
		appendViolations(err, result)
	}
}

// validateArguments validates a fully literal argument map against an
// action's parameter schema. The compiled schema is cached by its text.
func (v *structuralValidator) validateArguments(args map[string]any, paramSchema []byte, path string, result *schema.ValidationResult) {
	if len(paramSchema) == 0 {
		return
	}

	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		result.AddError(path, codeArguments, "invalid action parameter schema: "+err.Error())
		return
	}

	doc, err := toJSONValue(args)
	if err != nil {
		result.AddError(path, codeArguments, "arguments are not JSON-encodable: "+err.Error())
		return
	}
	if err := compiled.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(path, codeArguments, violation)
		}
	}
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *structuralValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("procflow://parameter-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
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

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// appendViolations flattens a jsonschema error tree into path-addressed issues.
func appendViolations(err error, result *schema.ValidationResult) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("", codeStructure, err.Error())
		return
	}
	for _, violation := range collectViolations(verr) {
		result.AddError("", codeStructure, violation)
	}
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectLeaves(cause)...)
	}
	return violations
}
