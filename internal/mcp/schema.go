package mcp

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed store.schema.json
var storeSchemaJSON string

var (
	storeSchemaOnce sync.Once
	storeSchema     *jsonschema.Schema
	storeSchemaErr  error
)

func compiledStoreSchema() (*jsonschema.Schema, error) {
	storeSchemaOnce.Do(func() {
		storeSchema, storeSchemaErr = jsonschema.CompileString("mcp-providers.schema.json", storeSchemaJSON)
	})
	return storeSchema, storeSchemaErr
}

// validateDocument checks a decoded store document against the file schema.
func validateDocument(doc any) error {
	schema, err := compiledStoreSchema()
	if err != nil {
		return fmt.Errorf("compile store schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
