package api

import "time"

type (
	// Role tags the author of a conversation message
	Role string

	// MessageTag classifies a persisted chat message for downstream
	// routing
	MessageTag string

	// ChatMessage is one persisted conversation entry, keyed by session
	// and sequence
	ChatMessage struct {
		ID        MessageID      `json:"id"`
		SessionID SessionID      `json:"session_id"`
		Sequence  int64          `json:"sequence"`
		Role      Role           `json:"role"`
		Content   string         `json:"content"`
		Tag       MessageTag     `json:"tag,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
	}

	// ToolCall is one tool invocation requested by the model
	ToolCall struct {
		ID   string         `json:"id,omitempty"`
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	}

	// TokenUsage reports model token consumption for one turn
	TokenUsage struct {
		Prompt     int `json:"prompt"`
		Completion int `json:"completion"`
		Total      int `json:"total"`
	}

	// TurnResult is the outcome of one agent turn. A failed turn carries
	// an Error string and empty content rather than propagating an error.
	TurnResult struct {
		Content   string     `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls"`
		Usage     TokenUsage `json:"token_usage"`
		Error     string     `json:"error,omitempty"`
	}
)

const (
	RoleSystem    Role = "SYSTEM"
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleTool      Role = "TOOL"
)

const (
	TagPendingApproval   MessageTag = "PENDING_APPROVAL"
	TagPendingInput      MessageTag = "PENDING_INPUT"
	TagPendingReview     MessageTag = "PENDING_REVIEW"
	TagPendingEscalation MessageTag = "PENDING_ESCALATION"
	TagResponse          MessageTag = "RESPONSE"
	TagTimedOut          MessageTag = "TIMED_OUT"
	TagNotification      MessageTag = "NOTIFICATION"
	TagAlertInfo         MessageTag = "ALERT_INFO"
	TagAlertWarning      MessageTag = "ALERT_WARNING"
	TagAlertError        MessageTag = "ALERT_ERROR"
	TagAlertCritical     MessageTag = "ALERT_CRITICAL"
)

// MetaRespondsTo is the message metadata key linking a RESPONSE message
// back to the pending request it answers
const MetaRespondsTo = "responds_to"

// AlertTag maps an alert level to its message tag, defaulting to info
func AlertTag(level string) MessageTag {
	switch level {
	case "warning":
		return TagAlertWarning
	case "error":
		return TagAlertError
	case "critical":
		return TagAlertCritical
	default:
		return TagAlertInfo
	}
}

// IsPending returns whether the tag marks an unresolved human request
func (t MessageTag) IsPending() bool {
	switch t {
	case TagPendingApproval, TagPendingInput, TagPendingReview,
		TagPendingEscalation:
		return true
	default:
		return false
	}
}
