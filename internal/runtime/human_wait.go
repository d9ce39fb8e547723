package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fernwood/operon/internal/store"
	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

// WaitForHuman drives the human-wait state machine for one suspension
// point:
//
//   - no pending request: persist one as a tagged chat message, point
//     the procedure at it, mark it WAITING_FOR_HUMAN, and suspend;
//   - pending request with a matching response: clear the pointer, mark
//     RUNNING, decode per request type, and return;
//   - pending request past its timeout: retag TIMED_OUT once, mark
//     RUNNING, and return the declared default;
//   - pending request still open: suspend again.
//
// A resolved wait is committed as a checkpoint keyed by a per-context
// counter so later resumes replay the decoded response instead of
// re-asking.
func (x *ExecutionContext) WaitForHuman(
	ctx context.Context, req *api.PendingHumanRequest,
) (*api.HumanResponse, error) {
	x.humanSeq++
	key := fmt.Sprintf("human:%d", x.humanSeq)

	if cp, ok := x.meta.Checkpoints[key]; ok {
		return replayResponse(cp), nil
	}

	proc, err := x.procs.Get(ctx, x.procID)
	if err != nil {
		return nil, err
	}

	if proc.WaitingOnMessageID == "" {
		return nil, x.createPending(ctx, req)
	}
	return x.resolvePending(ctx, key, req, proc.WaitingOnMessageID)
}

func (x *ExecutionContext) createPending(
	ctx context.Context, req *api.PendingHumanRequest,
) error {
	created := x.now()
	msgID, err := x.msgs.Create(ctx, &api.ChatMessage{
		SessionID: x.sessionID,
		Role:      api.RoleSystem,
		Content:   req.Message,
		Tag:       req.Type.Tag(),
		Metadata: map[string]any{
			"type":       string(req.Type),
			"timeout":    req.TimeoutSeconds,
			"default":    req.Default,
			"options":    req.Options,
			"metadata":   req.Metadata,
			"created_at": created.Format(time.RFC3339Nano),
		},
		CreatedAt: created,
	})
	if err != nil {
		return err
	}

	if err := x.procs.SetWaitingMessage(ctx, x.procID, msgID); err != nil {
		return err
	}
	if err := x.procs.SetStatus(
		ctx, x.procID, api.ProcedureWaitingForHuman,
	); err != nil {
		return err
	}

	slog.Info("Suspending for human input",
		log.ProcID(x.procID),
		log.MessageID(msgID),
		slog.String("request_type", string(req.Type)))

	x.suspended = &SuspendError{PendingID: msgID, Type: req.Type}
	return x.suspended
}

func (x *ExecutionContext) resolvePending(
	ctx context.Context, key string, req *api.PendingHumanRequest,
	pendingID api.MessageID,
) (*api.HumanResponse, error) {
	pending, err := x.msgs.Get(ctx, pendingID)
	if err != nil {
		return nil, err
	}

	resp, err := x.msgs.ResponseFor(ctx, x.sessionID, pendingID)
	switch {
	case err == nil:
		value := req.Type.Decode(responseValue(resp))
		return x.resolve(ctx, key, &api.HumanResponse{
			Value:       value,
			RespondedAt: resp.CreatedAt,
		})

	case errors.Is(err, store.ErrNoResponse):
	default:
		return nil, err
	}

	if req.TimeoutSeconds > 0 {
		age := x.now().Sub(pending.CreatedAt)
		if age >= time.Duration(req.TimeoutSeconds*float64(time.Second)) {
			return x.timeOut(ctx, key, req, pending)
		}
	}

	x.suspended = &SuspendError{PendingID: pendingID, Type: req.Type}
	return nil, x.suspended
}

func (x *ExecutionContext) timeOut(
	ctx context.Context, key string, req *api.PendingHumanRequest,
	pending *api.ChatMessage,
) (*api.HumanResponse, error) {
	if err := x.msgs.Retag(ctx, pending.ID, api.TagTimedOut); err != nil {
		return nil, err
	}

	slog.Warn("Human request timed out, using default",
		log.ProcID(x.procID),
		log.MessageID(pending.ID),
		slog.String("request_type", string(req.Type)))

	return x.resolve(ctx, key, &api.HumanResponse{
		Value:       req.Type.Decode(req.Default),
		RespondedAt: x.now(),
	})
}

func (x *ExecutionContext) resolve(
	ctx context.Context, key string, resp *api.HumanResponse,
) (*api.HumanResponse, error) {
	if err := x.procs.SetWaitingMessage(ctx, x.procID, ""); err != nil {
		return nil, err
	}
	if err := x.procs.SetStatus(
		ctx, x.procID, api.ProcedureRunning,
	); err != nil {
		return nil, err
	}

	err := x.commit(ctx, key, map[string]any{
		"value":        resp.Value,
		"responded_at": resp.RespondedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func replayResponse(cp *api.Checkpoint) *api.HumanResponse {
	resp := &api.HumanResponse{RespondedAt: cp.CompletedAt}
	stored, ok := cp.Result.(map[string]any)
	if !ok {
		resp.Value = cp.Result
		return resp
	}
	resp.Value = stored["value"]
	if ts, ok := stored["responded_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			resp.RespondedAt = at
		}
	}
	return resp
}

func responseValue(msg *api.ChatMessage) any {
	if msg.Metadata != nil {
		if v, ok := msg.Metadata["value"]; ok {
			return v
		}
	}
	return msg.Content
}
