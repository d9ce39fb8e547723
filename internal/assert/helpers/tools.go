package helpers

import (
	"context"
	"sync"
)

type (
	// RecordedCall is one tool invocation seen by the RecordingRunner
	RecordedCall struct {
		Name string
		Args map[string]any
	}

	// RecordingRunner is a ToolRunner double with per-tool canned
	// responses and errors
	RecordingRunner struct {
		mu        sync.Mutex
		responses map[string]any
		errors    map[string]error
		calls     []RecordedCall
	}
)

// NewRecordingRunner creates an empty recording tool runner
func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{
		responses: map[string]any{},
		errors:    map[string]error{},
	}
}

// SetResponse configures the result returned for a tool
func (r *RecordingRunner) SetResponse(name string, result any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[name] = result
}

// SetError configures an error for a tool
func (r *RecordingRunner) SetError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[name] = err
}

// Run records the invocation and returns the configured response
func (r *RecordingRunner) Run(
	_ context.Context, name string, args map[string]any,
) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, RecordedCall{Name: name, Args: args})
	if err, ok := r.errors[name]; ok {
		return nil, err
	}
	return r.responses[name], nil
}

// Calls returns every recorded invocation in order
func (r *RecordingRunner) Calls() []RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]RecordedCall, len(r.calls))
	copy(res, r.calls)
	return res
}

// WasCalled reports whether the named tool was invoked
func (r *RecordingRunner) WasCalled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if call.Name == name {
			return true
		}
	}
	return false
}
