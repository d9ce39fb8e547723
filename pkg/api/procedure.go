package api

import (
	"maps"
	"time"
)

type (
	// ProcedureStatus represents the current state of a procedure run
	ProcedureStatus string

	// Procedure is one orchestrated run of a declarative workflow. Its
	// metadata blob and status are mutated only through the execution
	// context.
	Procedure struct {
		ID                 ProcedureID     `json:"id"`
		Status             ProcedureStatus `json:"status"`
		Metadata           *Metadata       `json:"metadata,omitempty"`
		WaitingOnMessageID MessageID       `json:"waitingOnMessageId,omitempty"`
	}

	// Metadata is the persisted execution blob of a procedure. LuaState
	// is an opaque scratch area carried round-trip and never interpreted
	// by the engine.
	Metadata struct {
		Checkpoints map[string]*Checkpoint `json:"checkpoints"`
		State       map[string]any         `json:"state"`
		LuaState    map[string]any         `json:"lua_state"`
	}

	// Checkpoint is a durable, idempotent record of one named step's
	// result. Once written it is always replayed verbatim.
	Checkpoint struct {
		Result      any       `json:"result"`
		CompletedAt time.Time `json:"completed_at"`
	}
)

const (
	ProcedureRunning         ProcedureStatus = "RUNNING"
	ProcedureWaitingForHuman ProcedureStatus = "WAITING_FOR_HUMAN"
	ProcedureCompleted       ProcedureStatus = "COMPLETED"
	ProcedureFailed          ProcedureStatus = "FAILED"
)

// NewMetadata creates an empty metadata blob with all sections allocated
func NewMetadata() *Metadata {
	return &Metadata{
		Checkpoints: map[string]*Checkpoint{},
		State:       map[string]any{},
		LuaState:    map[string]any{},
	}
}

// Normalize fills in any sections a persisted blob is missing
func (m *Metadata) Normalize() *Metadata {
	if m.Checkpoints == nil {
		m.Checkpoints = map[string]*Checkpoint{}
	}
	if m.State == nil {
		m.State = map[string]any{}
	}
	if m.LuaState == nil {
		m.LuaState = map[string]any{}
	}
	return m
}

// Clone returns a shallow-value copy with freshly cloned maps
func (m *Metadata) Clone() *Metadata {
	res := &Metadata{
		Checkpoints: maps.Clone(m.Checkpoints),
		State:       maps.Clone(m.State),
		LuaState:    maps.Clone(m.LuaState),
	}
	return res.Normalize()
}

// IsTerminal returns whether the status admits no further transitions
func (s ProcedureStatus) IsTerminal() bool {
	return s == ProcedureCompleted || s == ProcedureFailed
}
