package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/gcstreams/errors"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Schema returns the JSON schema config files are checked against
func Schema() []byte {
	return schemaJSON
}

// ValidateDocument checks a JSON or YAML config document against the
// embedded schema. Every violation is reported in one error.
func ValidateDocument(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return errors.WrapFatal(err, "config", "ValidateDocument", "compile schema")
	}

	// YAML is a superset of JSON, so one decoder reads both
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "ValidateDocument", "decode document")
	}
	if doc == nil {
		doc = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "ValidateDocument", "validate document")
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"config", "ValidateDocument", "validate document")
}
