package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

// Schema returns the JSON schema describing the configuration file. The
// reflection runs once; callers share the result.
func Schema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			ExpandedStruct:             true,
		}
		schema = reflector.Reflect(&Config{})
		schema.Title = "Wayfarer Configuration"
		schema.Description = "Configuration schema for the wayfarer web automation server"
	})
	return schema
}

// SchemaJSON renders the configuration schema as indented JSON, which is
// what the schema subcommand prints.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
