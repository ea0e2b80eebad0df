package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://campusgate.dev/schemas/config.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of campusgate.yaml. Editors use it for
// completion; `campusgate config schema` prints it.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			ExpandedStruct: true,
		}
		schema := r.Reflect(&Config{})
		schema.ID = jsonschema.ID(schemaID)
		schema.Title = "campusgate configuration"
		if schema.Properties != nil {
			schema.Properties.Set("$include", &jsonschema.Schema{
				Description: "Other config files merged before this one",
				OneOf: []*jsonschema.Schema{
					{Type: "string"},
					{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
				},
			})
		}
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
