package api

import "time"

// Node is a persisted content+metadata unit organized in parent/child
// relationships
type Node struct {
	ID        NodeID         `json:"id"`
	ParentID  NodeID         `json:"parent_id,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
