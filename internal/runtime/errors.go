// Package runtime is the execution core: the checkpointed execution
// context, the capability primitives injected into the workflow script,
// the sub-procedure orchestrator, and the pipeline that runs one
// procedure.
package runtime

import (
	"errors"
	"fmt"

	"github.com/fernwood/operon/pkg/api"
)

type (
	// SuspendError signals that execution must exit the process and
	// resume later. It is a control value, not a failure; callers
	// propagate it to the process boundary and must never discard it.
	SuspendError struct {
		PendingID api.MessageID
		Type      api.RequestType
	}

	// SandboxError wraps a script execution failure. Checkpoints
	// committed before the failure remain valid for retry.
	SandboxError struct {
		Err error
	}

	// ValidationError reports output-schema violations. It is
	// informational: the run's success flag is unaffected.
	ValidationError struct {
		Violations []string
	}

	// ChildFailedError surfaces a failed child procedure along with its
	// structured result
	ChildFailedError struct {
		Ref    string
		Result *api.TaskResult
	}
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrUnknownTask   = errors.New("unknown task handle")
	ErrNoRunner      = errors.New("no sub-procedure runner available")
	ErrWaitTimeout   = errors.New("timed out waiting for task")
)

func (e *SuspendError) Error() string {
	return fmt.Sprintf("waiting for human %s on message %s",
		e.Type, e.PendingID)
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("script execution failed: %v", e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	return fmt.Sprintf("output validation failed: %v", e.Violations)
}

func (e *ChildFailedError) Error() string {
	return fmt.Sprintf("child procedure %s failed: %s", e.Ref,
		e.Result.Error)
}
