package runtime

import (
	"context"
	"time"

	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/pkg/api"
)

// Human shapes human-in-the-loop requests and delegates the wait to the
// execution context's state machine. Declared-config defaults fill in
// anything the call site omits; call-site options win on conflict.
type Human struct {
	xctx     *ExecutionContext
	queue    *MessageQueue
	defaults *config.HITLDefaults
	now      func() time.Time
}

// HumanOpts carries the call-site overrides for one request
type HumanOpts struct {
	TimeoutSeconds *float64
	Default        any
	Options        []any
	Metadata       map[string]any
}

// NewHuman creates the HITL primitive. A nil defaults block behaves as
// all-empty defaults.
func NewHuman(
	xctx *ExecutionContext, queue *MessageQueue,
	defaults *config.HITLDefaults,
) *Human {
	if defaults == nil {
		defaults = &config.HITLDefaults{}
	}
	return &Human{
		xctx:     xctx,
		queue:    queue,
		defaults: defaults,
		now:      xctx.now,
	}
}

// Approve blocks for a yes/no decision, decoded to bool
func (h *Human) Approve(
	ctx context.Context, message string, opts *HumanOpts,
) (*api.HumanResponse, error) {
	return h.xctx.WaitForHuman(
		ctx, h.request(api.RequestApproval, message, opts),
	)
}

// Input blocks for free-form text, decoded to string
func (h *Human) Input(
	ctx context.Context, message string, opts *HumanOpts,
) (*api.HumanResponse, error) {
	return h.xctx.WaitForHuman(
		ctx, h.request(api.RequestInput, message, opts),
	)
}

// Review blocks for a structured review decision. Options are
// normalized to {label, type} entries.
func (h *Human) Review(
	ctx context.Context, message string, opts *HumanOpts,
) (*api.HumanResponse, error) {
	req := h.request(api.RequestReview, message, opts)
	req.Options = normalizeReviewOptions(req.Options)
	return h.xctx.WaitForHuman(ctx, req)
}

// Escalate blocks indefinitely for an operator decision. Timeouts and
// defaults never apply; an escalation waits until answered.
func (h *Human) Escalate(
	ctx context.Context, message string, opts *HumanOpts,
) (*api.HumanResponse, error) {
	req := h.request(api.RequestEscalation, message, opts)
	req.TimeoutSeconds = 0
	req.Default = nil
	return h.xctx.WaitForHuman(ctx, req)
}

// Notify queues a one-way notification. It never touches the execution
// context and never suspends.
func (h *Human) Notify(message string, meta map[string]any) {
	h.queue.Enqueue(&api.ChatMessage{
		SessionID: h.xctx.sessionID,
		Role:      api.RoleSystem,
		Content:   message,
		Tag:       api.TagNotification,
		Metadata:  meta,
		CreatedAt: h.now(),
	})
}

func (h *Human) request(
	typ api.RequestType, message string, opts *HumanOpts,
) *api.PendingHumanRequest {
	req := &api.PendingHumanRequest{
		Type:           typ,
		Message:        message,
		TimeoutSeconds: h.defaults.TimeoutSeconds,
		Default:        h.defaults.Default,
		Options:        h.defaults.Options,
		CreatedAt:      h.now(),
	}
	if len(h.defaults.Reviewers) > 0 {
		req.Metadata = map[string]any{
			"reviewers": h.defaults.Reviewers,
		}
	}

	if opts == nil {
		return req
	}
	if opts.TimeoutSeconds != nil {
		req.TimeoutSeconds = *opts.TimeoutSeconds
	}
	if opts.Default != nil {
		req.Default = opts.Default
	}
	if opts.Options != nil {
		req.Options = opts.Options
	}
	if len(opts.Metadata) > 0 {
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		for k, v := range opts.Metadata {
			req.Metadata[k] = v
		}
	}
	return req
}

// normalizeReviewOptions coerces each review option into a {label,
// type} map. Strings become text options; maps keep a provided type.
func normalizeReviewOptions(options []any) []any {
	if options == nil {
		return nil
	}
	normalized := make([]any, 0, len(options))
	for _, opt := range options {
		switch v := opt.(type) {
		case string:
			normalized = append(normalized, map[string]any{
				"label": v,
				"type":  "text",
			})
		case map[string]any:
			entry := map[string]any{
				"label": "",
				"type":  "text",
			}
			if label, ok := v["label"].(string); ok {
				entry["label"] = label
			}
			if typ, ok := v["type"].(string); ok {
				entry["type"] = typ
			}
			normalized = append(normalized, entry)
		}
	}
	return normalized
}
