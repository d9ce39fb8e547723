package api

import "time"

type (
	// ToolDef declares a tool the model may request during a turn
	ToolDef struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}

	// ToolCallRecord is one append-only ledger entry for an executed
	// tool call
	ToolCallRecord struct {
		Name     string         `json:"name"`
		Args     map[string]any `json:"args,omitempty"`
		Result   any            `json:"result,omitempty"`
		CalledAt time.Time      `json:"called_at"`
	}
)
