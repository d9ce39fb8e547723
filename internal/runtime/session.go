package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/fernwood/operon/internal/store"
	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

// Session is the in-memory conversation history for one run. Messages
// accumulate in order; Save flushes only the unsaved suffix to the
// message store, and the full list can round-trip through a tree node's
// metadata.
type Session struct {
	sessionID api.SessionID
	msgs      store.MessageStore
	history   []*api.ChatMessage
	queued    map[*api.ChatMessage]bool
	saved     int
	now       func() time.Time
}

const (
	nodeKeySessionMessages = "session_messages"
	nodeKeyMessageCount    = "message_count"
	nodeKeySavedAt         = "saved_at"
)

// NewSession creates an empty session bound to a message store
func NewSession(
	sessionID api.SessionID, msgs store.MessageStore, now func() time.Time,
) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		sessionID: sessionID,
		msgs:      msgs,
		queued:    map[*api.ChatMessage]bool{},
		now:       now,
	}
}

// ID returns the session identifier
func (s *Session) ID() api.SessionID {
	return s.sessionID
}

// Append adds a message to the history
func (s *Session) Append(role api.Role, content string, meta map[string]any) {
	s.history = append(s.history, &api.ChatMessage{
		SessionID: s.sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: s.now(),
	})
}

// InjectSystem appends a system message
func (s *Session) InjectSystem(content string) {
	s.Append(api.RoleSystem, content, nil)
}

// MarkQueued records that the message is already on its way to the
// store through the asynchronous queue, so Save will not re-send it
func (s *Session) MarkQueued(msg *api.ChatMessage) {
	s.queued[msg] = true
}

// Clear empties the history and resets the saved watermark
func (s *Session) Clear() {
	s.history = nil
	s.queued = map[*api.ChatMessage]bool{}
	s.saved = 0
}

// History returns the ordered message list
func (s *Session) History() []*api.ChatMessage {
	return s.history
}

// Count returns the number of messages in the history
func (s *Session) Count() int {
	return len(s.history)
}

// Save persists every message not yet written to the store. Already
// saved or queue-bound messages are never re-sent.
func (s *Session) Save(ctx context.Context) error {
	for ; s.saved < len(s.history); s.saved++ {
		msg := s.history[s.saved]
		if s.queued[msg] {
			continue
		}
		id, err := s.msgs.Create(ctx, msg)
		if err != nil {
			return err
		}
		msg.ID = id
	}
	return nil
}

// SaveToNode merges the full history into the node's metadata along
// with a count and save timestamp
func (s *Session) SaveToNode(
	ctx context.Context, nodes store.NodeStore, id api.NodeID,
) error {
	entries := make([]any, 0, len(s.history))
	for _, msg := range s.history {
		entry := map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		}
		if msg.Tag != "" {
			entry["type"] = string(msg.Tag)
		}
		if len(msg.Metadata) > 0 {
			entry["metadata"] = msg.Metadata
		}
		entries = append(entries, entry)
	}

	return nodes.MergeMetadata(ctx, id, map[string]any{
		nodeKeySessionMessages: entries,
		nodeKeyMessageCount:    len(entries),
		nodeKeySavedAt:         s.now().Format(time.RFC3339Nano),
	})
}

// LoadFromNode replaces the history with the message list stored in the
// node's metadata. Malformed entries are skipped with a warning.
func (s *Session) LoadFromNode(
	ctx context.Context, nodes store.NodeStore, id api.NodeID,
) error {
	node, err := nodes.Get(ctx, id)
	if err != nil {
		return err
	}

	s.Clear()
	stored, ok := node.Metadata[nodeKeySessionMessages].([]any)
	if !ok {
		return nil
	}

	for _, raw := range stored {
		entry, ok := raw.(map[string]any)
		if !ok {
			slog.Warn("Skipping malformed session entry",
				log.NodeID(id))
			continue
		}
		role, okRole := entry["role"].(string)
		content, okContent := entry["content"].(string)
		if !okRole || !okContent {
			slog.Warn("Skipping malformed session entry",
				log.NodeID(id))
			continue
		}

		msg := &api.ChatMessage{
			SessionID: s.sessionID,
			Role:      api.Role(role),
			Content:   content,
			CreatedAt: s.now(),
		}
		if tag, ok := entry["type"].(string); ok {
			msg.Tag = api.MessageTag(tag)
		}
		if meta, ok := entry["metadata"].(map[string]any); ok {
			msg.Metadata = meta
		}
		s.history = append(s.history, msg)
	}

	// Loaded history counts as already persisted
	s.saved = len(s.history)
	return nil
}
