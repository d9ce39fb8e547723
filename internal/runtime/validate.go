package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fernwood/operon/pkg/api"
)

// OutputValidator checks a script's returned value against the
// procedure's declared output schema. Validation failures are
// informational: they are reported in-band and never flip the run's
// success flag.
type OutputValidator struct {
	schema   *jsonschema.Schema
	declared map[string]bool
}

const outputSchemaResource = "output.json"

// NewOutputValidator compiles the declared schema. A nil or empty
// declaration produces a nil validator, which accepts everything.
func NewOutputValidator(decl api.OutputSchema) (*OutputValidator, error) {
	if len(decl) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(schemaDocument(decl))
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(outputSchemaResource, doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	schema, err := c.Compile(outputSchemaResource)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	declared := make(map[string]bool, len(decl))
	for name := range decl {
		declared[name] = true
	}
	return &OutputValidator{
		schema:   schema,
		declared: declared,
	}, nil
}

// Validate checks the result. Unknown fields are accepted with a
// warning; missing required or type-mismatched fields produce a
// ValidationError. A non-map result with a declared schema is itself a
// violation.
func (v *OutputValidator) Validate(result any) *ValidationError {
	if v == nil {
		return nil
	}

	fields, ok := result.(map[string]any)
	if !ok {
		return &ValidationError{
			Violations: []string{
				fmt.Sprintf("expected object output, got %T", result),
			},
		}
	}

	for name := range fields {
		if !v.declared[name] {
			slog.Warn("Output carries undeclared field",
				slog.String("field", name))
		}
	}

	// Round-trip so the validator sees json.Number values
	raw, err := json.Marshal(fields)
	if err != nil {
		return &ValidationError{Violations: []string{err.Error()}}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Violations: []string{err.Error()}}
	}

	if err := v.schema.Validate(doc); err != nil {
		return &ValidationError{Violations: []string{err.Error()}}
	}
	return nil
}

// schemaDocument renders the declared fields as a JSON Schema document
func schemaDocument(decl api.OutputSchema) map[string]any {
	props := map[string]any{}
	var required []string
	for name, field := range decl {
		prop := map[string]any{
			"type": string(field.Type),
		}
		if field.Description != "" {
			prop["description"] = field.Description
		}
		props[name] = prop
		if field.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
