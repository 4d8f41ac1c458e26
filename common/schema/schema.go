// Package schema compiles inline JSON Schema documents declared on
// contexts and activity outputs.
package schema

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Compile compiles a schema document embedded in a workflow definition.
// name identifies the schema in error messages.
func Compile(name string, doc map[string]interface{}) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}
