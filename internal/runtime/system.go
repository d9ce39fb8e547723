package runtime

import (
	"time"

	"github.com/fernwood/operon/pkg/api"
)

// System exposes out-of-band operator alerts to the script. Alerts are
// persisted asynchronously and never block or fail the run.
type System struct {
	sessionID api.SessionID
	queue     *MessageQueue
	now       func() time.Time
}

// NewSystem creates the system primitive bound to a session and queue
func NewSystem(
	sessionID api.SessionID, queue *MessageQueue, now func() time.Time,
) *System {
	if now == nil {
		now = time.Now
	}
	return &System{
		sessionID: sessionID,
		queue:     queue,
		now:       now,
	}
}

// Alert emits an operator alert. Level is one of info, warning, error,
// or critical, with unknown levels treated as info. Source and extra
// context ride along in the message metadata.
func (s *System) Alert(
	message, level, source string, extra map[string]any,
) {
	meta := map[string]any{
		"level": level,
	}
	if source != "" {
		meta["source"] = source
	}
	if len(extra) > 0 {
		meta["context"] = extra
	}

	s.queue.Enqueue(&api.ChatMessage{
		SessionID: s.sessionID,
		Role:      api.RoleSystem,
		Content:   message,
		Tag:       api.AlertTag(level),
		Metadata:  meta,
		CreatedAt: s.now(),
	})
}
