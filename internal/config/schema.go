package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// canonicalSchema describes the shape of the upconverted, canonical
// "endpoints:" document. It runs before struct decoding to catch
// malformed documents (wrong types, missing required keys) with a
// clearer error than a strict-decode failure would give, following
// the teacher's tool-parameter schema validation in
// internal/agent/tool_registry.go.
const canonicalSchema = `{
  "type": "object",
  "required": ["horde_url", "endpoints"],
  "properties": {
    "horde_url": {"type": "string", "minLength": 1},
    "api_key": {"type": ["string", "null"]},
    "queue_size": {"type": ["integer", "null"], "minimum": 0},
    "endpoints": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "url", "models"],
        "properties": {
          "type": {"enum": ["openai", "koboldai"]},
          "name": {"type": ["string", "null"]},
          "url": {"type": "string", "minLength": 1},
          "api_key": {"type": ["string", "null"]},
          "models": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "model": {"type": ["string", "null"]},
                "max_threads": {"type": ["integer", "null"], "minimum": 1},
                "max_length": {"type": ["integer", "null"], "minimum": 1},
                "max_context_length": {"type": ["integer", "null"], "minimum": 1}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("canonical.json", bytes.NewReader([]byte(canonicalSchema))); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	s, err := c.Compile("canonical.json")
	if err != nil {
		panic(fmt.Sprintf("config: schema compile failed: %v", err))
	}
	compiledSchema = s
}

// validateSchema checks doc against canonicalSchema. doc is round-tripped
// through encoding/json first so numeric types match what jsonschema
// expects (yaml.v3 decodes integers as int, not float64/json.Number).
func validateSchema(doc map[string]any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: re-encoding document for validation: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(b, &jsonDoc); err != nil {
		return fmt.Errorf("config: decoding document for validation: %w", err)
	}
	if err := compiledSchema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("config document failed schema validation: %w", err)
	}
	return nil
}
