package api

import (
	"errors"
	"fmt"
)

type (
	// FieldType enumerates the value types an output field may declare
	FieldType string

	// OutputField declares one field of a procedure's output schema
	OutputField struct {
		Type        FieldType `json:"type" yaml:"type"`
		Required    bool      `json:"required" yaml:"required"`
		Description string    `json:"description,omitempty" yaml:"description"`
	}

	// OutputSchema maps output field names to their declarations.
	// Unknown fields in a result are accepted with a warning; missing
	// required or type-mismatched fields raise a validation error.
	OutputSchema map[string]*OutputField
)

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

var ErrInvalidFieldType = errors.New("invalid output field type")

// Validate checks that every declared field carries a known type
func (s OutputSchema) Validate() error {
	for name, field := range s {
		if field == nil {
			return fmt.Errorf("%w: %s has no declaration", ErrInvalidFieldType,
				name)
		}
		switch field.Type {
		case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray:
		default:
			return fmt.Errorf("%w: %s declares %q", ErrInvalidFieldType,
				name, field.Type)
		}
	}
	return nil
}
