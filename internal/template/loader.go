// Package template loads pipeline template documents and resolves them into
// concrete per-job graph instances.
package template

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"reconbatch/internal/graph"
)

//go:embed schema.json
var schemaJSON []byte

// Load reads a template document, validates it against the document schema
// and constructs the validated template graph.
func Load(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	if err := validateDocument(data); err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}

	g, err := graph.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return g, nil
}

// validateDocument checks the raw YAML against the embedded JSON schema
// before the graph model sees it, so shape errors are reported in document
// terms rather than as decode failures.
func validateDocument(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse template YAML: %w", err)
	}

	// Round-trip through JSON so the instance uses the value types the
	// schema validator expects.
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize template document: %w", err)
	}
	var instance interface{}
	if err := json.Unmarshal(jsonData, &instance); err != nil {
		return fmt.Errorf("normalize template document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("template://schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load template schema: %w", err)
	}
	schema, err := compiler.Compile("template://schema.json")
	if err != nil {
		return fmt.Errorf("compile template schema: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("template document invalid: %w", err)
	}
	return nil
}
