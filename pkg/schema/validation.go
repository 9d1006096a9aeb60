package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// pipelineSchemaJSON is the JSON Schema for PipelineDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sonda.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["stages"],
  "properties": {
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/stage" }
    },
    "timeout": { "$ref": "#/$defs/duration" },
    "priority": { "type": "integer" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "tier": {
      "type": "string",
      "enum": ["lite", "base", "core", "pro"]
    },
    "retry": {
      "type": "object",
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" },
        "jitter": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "stage": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["retrieval", "analysis", "verification", "synthesis"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "tier": { "$ref": "#/$defs/tier" },
        "timeout": { "$ref": "#/$defs/duration" },
        "retry": { "$ref": "#/$defs/retry" },
        "critical": { "type": "boolean" },
        "condition": { "type": "string" },
        "extract": { "type": "string" },
        "reads": {
          "type": "array",
          "items": { "type": "string" }
        },
        "output": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// overridesSchemaJSON validates the per-stage override map accepted by SubmitQuery.
const overridesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sonda.dev/schemas/overrides.json",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "tier": {
        "type": "string",
        "enum": ["lite", "base", "core", "pro"]
      },
      "timeout": {
        "type": "string",
        "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
      },
      "retry": {
        "type": "object",
        "properties": {
          "max": { "type": "integer", "minimum": 0 },
          "delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
          "max_delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
          "jitter": { "type": "boolean" }
        },
        "additionalProperties": false
      },
      "critical": { "type": "boolean" }
    },
    "additionalProperties": false
  }
}`

// Validator checks pipeline definitions and submission overrides before a run
// is accepted. Safe for concurrent use; compiled schemas are reused.
type Validator struct {
	pipelineSchema  *jsonschema.Schema
	overridesSchema *jsonschema.Schema
}

// NewValidator compiles the embedded JSON Schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compile := func(id, raw string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", id, err)
		}
		if err := c.AddResource(id, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", id, err)
		}
		return c.Compile(id)
	}

	ps, err := compile("https://sonda.dev/schemas/pipeline.json", pipelineSchemaJSON)
	if err != nil {
		return nil, err
	}
	os, err := compile("https://sonda.dev/schemas/overrides.json", overridesSchemaJSON)
	if err != nil {
		return nil, err
	}

	return &Validator{pipelineSchema: ps, overridesSchema: os}, nil
}

// ValidatePipeline validates a PipelineDefinition against the pipeline schema
// and applies structural checks the schema cannot express: duplicate stage
// IDs, dangling or self dependency references, and duration parseability.
func (v *Validator) ValidatePipeline(def *PipelineDefinition) error {
	if def == nil {
		return NewError(ErrCodeValidation, "pipeline definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return NewError(ErrCodeValidation, "failed to serialize pipeline definition").WithCause(err)
	}
	if err := v.pipelineSchema.Validate(doc); err != nil {
		return NewError(ErrCodeValidation, "pipeline definition rejected by schema").WithCause(err)
	}

	seen := make(map[string]struct{}, len(def.Stages))
	for _, st := range def.Stages {
		if _, exists := seen[st.ID]; exists {
			return NewErrorf(ErrCodeValidation, "duplicate stage id %q", st.ID)
		}
		seen[st.ID] = struct{}{}
	}
	for _, st := range def.Stages {
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return NewErrorf(ErrCodeCycleDetected, "stage %s depends on itself", st.ID).WithStage(st.ID)
			}
			if _, exists := seen[dep]; !exists {
				return NewErrorf(ErrCodeValidation, "stage %s depends on unknown stage %q", st.ID, dep).WithStage(st.ID)
			}
		}
		if st.Timeout != "" {
			if _, err := time.ParseDuration(st.Timeout); err != nil {
				return NewErrorf(ErrCodeValidation, "stage %s has invalid timeout %q", st.ID, st.Timeout).WithStage(st.ID)
			}
		}
	}
	if def.Timeout != "" {
		if _, err := time.ParseDuration(def.Timeout); err != nil {
			return NewErrorf(ErrCodeValidation, "invalid pipeline timeout %q", def.Timeout)
		}
	}
	return nil
}

// ValidateOverrides validates a submission override map against the overrides
// schema and checks every referenced stage exists in the definition.
func (v *Validator) ValidateOverrides(def *PipelineDefinition, overrides map[string]StageOverride) error {
	if len(overrides) == 0 {
		return nil
	}

	doc, err := toJSONValue(overrides)
	if err != nil {
		return NewError(ErrCodeValidation, "failed to serialize overrides").WithCause(err)
	}
	if err := v.overridesSchema.Validate(doc); err != nil {
		return NewError(ErrCodeValidation, "stage overrides rejected by schema").WithCause(err)
	}

	for id := range overrides {
		if def.Stage(id) == nil {
			return NewErrorf(ErrCodeValidation, "override references unknown stage %q", id)
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so jsonschema sees
// json.Number for numerics, matching Draft 2020-12 semantics.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
