package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	schemaOnce sync.Once
	schemas    map[string]*gojsonschema.Schema
	schemaErr  error
)

func compiledSchemas() (map[string]*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemas = make(map[string]*gojsonschema.Schema)
		for _, def := range Catalogue() {
			loader := gojsonschema.NewGoLoader(def.InputSchema)
			schema, err := gojsonschema.NewSchema(loader)
			if err != nil {
				schemaErr = fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
				return
			}
			schemas[def.Name] = schema
		}
	})
	return schemas, schemaErr
}

// ValidateInput checks a model-supplied tool input against the catalogue's
// JSON schema for that tool.
func ValidateInput(name string, input map[string]any) error {
	compiled, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := compiled[name]
	if !ok {
		return &ValidationError{Tool: name, Reason: "unknown tool"}
	}

	if input == nil {
		input = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return &ValidationError{Tool: name, Reason: err.Error()}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ValidationError{Tool: name, Reason: strings.Join(msgs, "; ")}
	}
	return nil
}
