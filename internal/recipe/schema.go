package recipe

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/recipe-v1.json
var recipeSchemaJSON string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func recipeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()

		if err := compiler.AddResource("recipe-v1.json",
			strings.NewReader(recipeSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}

		compiledSchema, schemaErr = compiler.Compile("recipe-v1.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

func validateDocument(data []byte) error {
	schema, err := recipeSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return newError(CodeInvalidDocument, "invalid JSON", err)
	}

	if err := schema.Validate(doc); err != nil {
		return newError(CodeInvalidDocument, "schema validation failed", err)
	}

	return nil
}
