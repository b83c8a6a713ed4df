package loopconfig

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchemaSource describes the on-disk shape of a LoopConfig document.
// It is deliberately looser than the Go struct (additionalProperties would
// duplicate decodeYAMLStrict's unknown-field rejection); its job is
// catching type confusion in a config loaded from a directory this process
// does not fully trust, such as a loop's own persisted config restored on
// startup, before it ever reaches yaml.Decoder.
const configSchemaSource = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "directory", "prompt"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"workspace_id": {"type": "string"},
		"directory": {"type": "string", "minLength": 1},
		"prompt": {"type": "string", "minLength": 1},
		"model": {
			"type": "object",
			"properties": {
				"provider_id": {"type": "string"},
				"model_id": {"type": "string"},
				"variant": {"type": "string"}
			}
		},
		"stop_pattern": {"type": "string"},
		"git": {
			"type": "object",
			"properties": {
				"branch_prefix": {"type": "string"},
				"commit_prefix": {"type": "string"},
				"base_branch": {"type": "string"}
			}
		},
		"max_iterations": {"type": "integer", "minimum": 0},
		"max_consecutive_errors": {"type": "integer", "minimum": 0},
		"activity_timeout_seconds": {"type": "integer", "minimum": 0},
		"clear_planning_folder": {"type": "boolean"},
		"plan_mode": {"type": "boolean"},
		"mode": {"type": "string", "enum": ["loop", "chat"]},
		"review_cycles": {"type": "integer", "minimum": 0},
		"completion_action": {"type": "string"}
	}
}`

var configSchema = compileConfigSchema()

func compileConfigSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("loopconfig.json", strings.NewReader(configSchemaSource)); err != nil {
		panic(fmt.Sprintf("loopconfig: invalid embedded schema: %v", err))
	}
	s, err := c.Compile("loopconfig.json")
	if err != nil {
		panic(fmt.Sprintf("loopconfig: invalid embedded schema: %v", err))
	}
	return s
}

// validateAgainstSchema re-decodes the raw YAML into a generic JSON document
// and checks it against configSchema, catching malformed field types
// (a string where a number is expected, an unrecognised mode value) with a
// schema-validator error message before the stricter typed decode runs.
func validateAgainstSchema(b []byte) error {
	var generic any
	if err := yaml.Unmarshal(b, &generic); err != nil {
		return fmt.Errorf("loopconfig: %w", err)
	}
	generic = normalizeYAMLForJSON(generic)

	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("loopconfig: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("loopconfig: %w", err)
	}
	if err := configSchema.Validate(doc); err != nil {
		return fmt.Errorf("loopconfig: schema validation: %w", err)
	}
	return nil
}

// normalizeYAMLForJSON converts the map[interface{}]interface{} values
// gopkg.in/yaml.v3 can produce into map[string]interface{}, which
// encoding/json requires.
func normalizeYAMLForJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalizeYAMLForJSON(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLForJSON(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeYAMLForJSON(elem)
		}
		return out
	default:
		return val
	}
}
