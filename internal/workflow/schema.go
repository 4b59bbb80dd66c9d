package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// definitionSchemaJSON validates a workflow definition's shape before
// it's decoded into a Definition, catching malformed YAML (missing
// step IDs, non-string depends_on entries) with a precise error
// instead of a generic unmarshal failure. Grounded on the teacher's
// jsonschema-validated MCP tool-call payloads.
const definitionSchemaJSON = `{
	"type": "object",
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"schedule": {"type": "string"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "assignee"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"assignee": {"type": "string", "minLength": 1},
					"depends_on": {"type": "array", "items": {"type": "string"}},
					"run_commands": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

var definitionSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(definitionSchemaJSON)))
	if err != nil {
		panic(fmt.Sprintf("workflow: invalid embedded schema: %v", err))
	}
	if err := compiler.AddResource("workflow-definition.json", doc); err != nil {
		panic(fmt.Sprintf("workflow: add schema resource: %v", err))
	}
	definitionSchema, err = compiler.Compile("workflow-definition.json")
	if err != nil {
		panic(fmt.Sprintf("workflow: compile schema: %v", err))
	}
}

// LoadDefinition parses and schema-validates a workflow definition from
// YAML source.
func LoadDefinition(yamlSrc []byte) (Definition, error) {
	var raw any
	if err := yaml.Unmarshal(yamlSrc, &raw); err != nil {
		return Definition{}, fmt.Errorf("parse workflow yaml: %w", err)
	}

	asJSON, err := toJSONCompatible(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("normalize workflow yaml: %w", err)
	}
	if err := definitionSchema.Validate(asJSON); err != nil {
		return Definition{}, fmt.Errorf("workflow definition failed schema validation: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(yamlSrc, &def); err != nil {
		return Definition{}, fmt.Errorf("decode workflow definition: %w", err)
	}
	return def, nil
}

// toJSONCompatible converts yaml.v3's map[string]any (actually
// map[any]any at nested levels is avoided by yaml.v3's default decode
// into any, which already uses map[string]any) into a value jsonschema
// can validate directly; re-marshaling through encoding/json normalizes
// any remaining edge cases (e.g. numeric types).
func toJSONCompatible(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
