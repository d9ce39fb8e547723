package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/assert/helpers"
	"github.com/fernwood/operon/internal/runtime"
)

func TestStateGetSet(t *testing.T) {
	env := helpers.NewTestEnv(t)
	state := runtime.NewState(newContext(t, env))

	assert.Equal(t, "fallback", state.Get("missing", "fallback"))

	require.NoError(t, state.Set(t.Context(), "color", "blue"))
	assert.Equal(t, "blue", state.Get("color", nil))

	t.Run("persists across contexts", func(t *testing.T) {
		fresh := runtime.NewState(newContext(t, env))
		assert.Equal(t, "blue", fresh.Get("color", nil))
	})
}

func TestStateIncrement(t *testing.T) {
	env := helpers.NewTestEnv(t)
	state := runtime.NewState(newContext(t, env))

	n, err := state.Increment(t.Context(), "count", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, n)

	n, err = state.Increment(t.Context(), "count", 5)
	require.NoError(t, err)
	assert.Equal(t, 6.0, n)

	t.Run("non-numeric value coerces to zero", func(t *testing.T) {
		require.NoError(t, state.Set(t.Context(), "count", "oops"))
		n, err := state.Increment(t.Context(), "count", 2)
		require.NoError(t, err)
		assert.Equal(t, 2.0, n)
	})
}

func TestStateAppend(t *testing.T) {
	env := helpers.NewTestEnv(t)
	state := runtime.NewState(newContext(t, env))

	require.NoError(t, state.Append(t.Context(), "log", "a"))
	require.NoError(t, state.Append(t.Context(), "log", "b"))
	assert.Equal(t, []any{"a", "b"}, state.Get("log", nil))

	t.Run("scalar coerces into a list", func(t *testing.T) {
		require.NoError(t, state.Set(t.Context(), "single", 42))
		require.NoError(t, state.Append(t.Context(), "single", 43))
		assert.Equal(t, []any{42, 43}, state.Get("single", nil))
	})
}

func TestStateAllIsDefensive(t *testing.T) {
	env := helpers.NewTestEnv(t)
	state := runtime.NewState(newContext(t, env))

	require.NoError(t, state.Set(t.Context(), "key", "value"))
	snapshot := state.All()
	snapshot["key"] = "mutated"

	assert.Equal(t, "value", state.Get("key", nil))
}

func TestStateClear(t *testing.T) {
	env := helpers.NewTestEnv(t)
	state := runtime.NewState(newContext(t, env))

	require.NoError(t, state.Set(t.Context(), "a", 1))
	require.NoError(t, state.Set(t.Context(), "b", 2))
	require.NoError(t, state.Clear(t.Context()))

	assert.Empty(t, state.All())
}
