package config

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inquestlabs/inquest/core"
)

// documentSchema is the JSON Schema every merged configuration document must
// satisfy before agents are built from it. Invalid documents fail fast at
// resolve time, not at run time.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agents"],
  "properties": {
    "agents": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "properties": {
          "instructions": {"type": "string"},
          "model": {
            "type": "object",
            "properties": {
              "provider": {"type": "string"},
              "name": {"type": "string"},
              "temperature": {"type": "number", "minimum": 0, "maximum": 2},
              "max_tokens": {"type": "integer", "minimum": 1}
            }
          },
          "tools": {"type": "array", "items": {"type": "string"}},
          "disabled_tools": {"type": "array", "items": {"type": "string"}},
          "sub_agents": {"type": "array", "items": {"type": "string"}},
          "max_turns": {"type": "integer", "minimum": 1},
          "timeout_seconds": {"type": "integer", "minimum": 1},
          "max_retries": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inquest-config.schema.json", strings.NewReader(documentSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("inquest-config.schema.json")
})

func validateDocument(doc map[string]any) error {
	schema, err := compileSchema()
	if err != nil {
		return core.NewConfigError("", "schema compile failed: %v", err)
	}
	// Round-trip through JSON so the validator sees exactly the shapes a JSON
	// decoder produces (YAML layers decode integers as int, not float64).
	raw, err := json.Marshal(doc)
	if err != nil {
		return core.NewConfigError("", "config document not JSON-encodable: %v", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return core.NewConfigError("", "config document re-decode failed: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return core.NewConfigError("", "config document invalid: %v", err)
	}
	return nil
}
