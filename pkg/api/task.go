package api

type (
	// TaskStatus represents the state of a spawned sub-procedure task
	TaskStatus string

	// TaskResult is the structured outcome of a spawned task. WaitAll
	// produces a synthetic entry with Status TIMEOUT for tasks that did
	// not finish in time.
	TaskResult struct {
		Success bool       `json:"success"`
		Status  TaskStatus `json:"status"`
		Result  any        `json:"result,omitempty"`
		Error   string     `json:"error,omitempty"`
	}
)

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskTimeout   TaskStatus = "TIMEOUT"
)

// IsTerminal returns whether the status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	default:
		return false
	}
}
