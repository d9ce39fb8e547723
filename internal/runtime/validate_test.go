package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/runtime"
	"github.com/fernwood/operon/pkg/api"
)

func reportSchema() api.OutputSchema {
	return api.OutputSchema{
		"summary": {Type: api.FieldString, Required: true},
		"score":   {Type: api.FieldNumber},
		"sources": {Type: api.FieldArray},
	}
}

func TestOutputValidatorAccepts(t *testing.T) {
	validator, err := runtime.NewOutputValidator(reportSchema())
	require.NoError(t, err)
	require.NotNil(t, validator)

	assert.Nil(t, validator.Validate(map[string]any{
		"summary": "all clear",
		"score":   0.92,
		"sources": []any{"a", "b"},
	}))

	t.Run("optional fields may be absent", func(t *testing.T) {
		assert.Nil(t, validator.Validate(map[string]any{
			"summary": "minimal",
		}))
	})

	t.Run("undeclared fields are accepted", func(t *testing.T) {
		assert.Nil(t, validator.Validate(map[string]any{
			"summary": "extra baggage",
			"debug":   true,
		}))
	})
}

func TestOutputValidatorRejects(t *testing.T) {
	validator, err := runtime.NewOutputValidator(reportSchema())
	require.NoError(t, err)

	t.Run("missing required field", func(t *testing.T) {
		verr := validator.Validate(map[string]any{"score": 1.0})
		require.NotNil(t, verr)
		assert.NotEmpty(t, verr.Violations)
	})

	t.Run("type mismatch", func(t *testing.T) {
		verr := validator.Validate(map[string]any{
			"summary": "ok",
			"score":   "very high",
		})
		require.NotNil(t, verr)
	})

	t.Run("non-map result", func(t *testing.T) {
		verr := validator.Validate("just a string")
		require.NotNil(t, verr)
		assert.Contains(t, verr.Violations[0], "expected object output")
	})
}

func TestOutputValidatorEmptySchema(t *testing.T) {
	validator, err := runtime.NewOutputValidator(nil)
	require.NoError(t, err)
	require.Nil(t, validator)

	// A nil validator accepts anything, including non-map results
	assert.Nil(t, validator.Validate("free-form"))
	assert.Nil(t, validator.Validate(nil))
}

func TestOutputValidatorBadDeclaration(t *testing.T) {
	_, err := runtime.NewOutputValidator(api.OutputSchema{
		"oops": {Type: "tuple"},
	})
	assert.Error(t, err)
}
