package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"sigs.k8s.io/yaml"
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
	//go:embed schema.yaml
	schemaBytes []byte
)

func getSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = initSchema()
	})
	return schema, schemaErr
}

func initSchema() (*jsonschema.Schema, error) {
	doc, err := yamlToJSONValue(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("config.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// yamlToJSONValue converts YAML into the value model jsonschema expects.
func yamlToJSONValue(data []byte) (any, error) {
	j, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(j))
}

// validateSchema checks raw YAML against the embedded schema. An empty
// document is valid.
func validateSchema(data []byte) error {
	s, err := getSchema()
	if err != nil {
		return err
	}
	v, err := yamlToJSONValue(data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if v == nil {
		return nil
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
