package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fernwood/operon/internal/runtime"
)

func TestStopDefaults(t *testing.T) {
	control := runtime.NewControl()

	assert.False(t, control.Stop.Requested())
	assert.True(t, control.Stop.Success())
	assert.Nil(t, control.Stop.Reason())
}

func TestStopIsOneShot(t *testing.T) {
	control := runtime.NewControl()

	control.Stop.Request("budget exhausted", false)
	control.Stop.Request("second thoughts", true)

	assert.True(t, control.Stop.Requested())
	assert.False(t, control.Stop.Success())
	assert.Equal(t, "budget exhausted", *control.Stop.Reason())
}

func TestIterationsExceededIsInclusive(t *testing.T) {
	control := runtime.NewControl()

	assert.Equal(t, 0, control.Iterations.Current())
	assert.True(t, control.Iterations.Exceeded(0))
	assert.False(t, control.Iterations.Exceeded(1))
}
