package api

type (
	// ProcedureID uniquely identifies one orchestrated procedure run
	ProcedureID string

	// SessionID identifies a conversation session
	SessionID string

	// MessageID identifies a persisted chat message
	MessageID string

	// NodeID identifies a persisted tree node
	NodeID string

	// TaskID identifies a spawned sub-procedure task within one parent run
	TaskID string
)
