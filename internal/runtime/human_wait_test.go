package runtime_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/assert/helpers"
	"github.com/fernwood/operon/internal/runtime"
	"github.com/fernwood/operon/pkg/api"
)

func approvalRequest(timeout float64) *api.PendingHumanRequest {
	return &api.PendingHumanRequest{
		Type:           api.RequestApproval,
		Message:        "Deploy to production?",
		TimeoutSeconds: timeout,
		Default:        false,
	}
}

func pendingMessages(
	t *testing.T, env *helpers.TestEnv,
) []*api.ChatMessage {
	t.Helper()
	msgs, err := env.Stores.Messages.List(t.Context(), env.SessionID)
	require.NoError(t, err)

	var pending []*api.ChatMessage
	for _, msg := range msgs {
		if msg.Tag.IsPending() {
			pending = append(pending, msg)
		}
	}
	return pending
}

func TestWaitForHumanSuspends(t *testing.T) {
	env := helpers.NewTestEnv(t)
	xctx := newContext(t, env)

	_, err := xctx.WaitForHuman(t.Context(), approvalRequest(3600))

	var suspend *runtime.SuspendError
	require.ErrorAs(t, err, &suspend)
	assert.Equal(t, api.RequestApproval, suspend.Type)
	assert.NotEmpty(t, suspend.PendingID)
	assert.Same(t, suspend, xctx.Suspension())

	proc := env.Procedure(t)
	assert.Equal(t, api.ProcedureWaitingForHuman, proc.Status)
	assert.Equal(t, suspend.PendingID, proc.WaitingOnMessageID)

	assert.Len(t, pendingMessages(t, env), 1)
}

func TestWaitForHumanResolves(t *testing.T) {
	env := helpers.NewTestEnv(t)

	xctx := newContext(t, env)
	_, err := xctx.WaitForHuman(t.Context(), approvalRequest(3600))
	var suspend *runtime.SuspendError
	require.ErrorAs(t, err, &suspend)

	env.Respond(t, suspend.PendingID, "approve")

	resumed := newContext(t, env)
	resp, err := resumed.WaitForHuman(t.Context(), approvalRequest(3600))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Value)
	assert.Nil(t, resumed.Suspension())

	proc := env.Procedure(t)
	assert.Equal(t, api.ProcedureRunning, proc.Status)
	assert.Empty(t, proc.WaitingOnMessageID)

	t.Run("no second pending request", func(t *testing.T) {
		assert.Len(t, pendingMessages(t, env), 1)
	})

	t.Run("later resume replays the decoded value", func(t *testing.T) {
		replayed := newContext(t, env)
		resp, err := replayed.WaitForHuman(
			t.Context(), approvalRequest(3600),
		)
		require.NoError(t, err)
		assert.Equal(t, true, resp.Value)
		assert.Len(t, pendingMessages(t, env), 1)
	})
}

func TestWaitForHumanStillOpen(t *testing.T) {
	env := helpers.NewTestEnv(t)

	xctx := newContext(t, env)
	_, err := xctx.WaitForHuman(t.Context(), approvalRequest(3600))
	var first *runtime.SuspendError
	require.ErrorAs(t, err, &first)

	// Not answered, not timed out: suspend again on the same pending
	env.Clock.Advance(10 * time.Minute)
	resumed := newContext(t, env)
	_, err = resumed.WaitForHuman(t.Context(), approvalRequest(3600))

	var again *runtime.SuspendError
	require.ErrorAs(t, err, &again)
	assert.Equal(t, first.PendingID, again.PendingID)
	assert.Len(t, pendingMessages(t, env), 1)
}

func TestWaitForHumanTimesOut(t *testing.T) {
	env := helpers.NewTestEnv(t)

	xctx := newContext(t, env)
	req := approvalRequest(1800)
	req.Default = "deny"
	_, err := xctx.WaitForHuman(t.Context(), req)
	var suspend *runtime.SuspendError
	require.ErrorAs(t, err, &suspend)

	env.Clock.Advance(time.Hour)
	resumed := newContext(t, env)
	resp, err := resumed.WaitForHuman(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, false, resp.Value)

	msg, err := env.Stores.Messages.Get(t.Context(), suspend.PendingID)
	require.NoError(t, err)
	assert.Equal(t, api.TagTimedOut, msg.Tag)

	t.Run("timed out exactly once", func(t *testing.T) {
		replayed := newContext(t, env)
		resp, err := replayed.WaitForHuman(t.Context(), req)
		require.NoError(t, err)
		assert.Equal(t, false, resp.Value)
		assert.Len(t, pendingMessages(t, env), 0)
	})
}

func TestWaitForHumanEscalationNeverTimesOut(t *testing.T) {
	env := helpers.NewTestEnv(t)

	xctx := newContext(t, env)
	req := &api.PendingHumanRequest{
		Type:    api.RequestEscalation,
		Message: "Operator needed",
	}
	_, err := xctx.WaitForHuman(t.Context(), req)
	var suspend *runtime.SuspendError
	require.ErrorAs(t, err, &suspend)

	env.Clock.Advance(1000 * time.Hour)
	resumed := newContext(t, env)
	_, err = resumed.WaitForHuman(t.Context(), req)
	require.ErrorAs(t, err, &suspend)
}

func TestWaitForHumanDecodesByType(t *testing.T) {
	for _, tc := range []struct {
		name     string
		typ      api.RequestType
		raw      any
		expected any
	}{
		{"approval yes word", api.RequestApproval, "yes", true},
		{"approval rejection", api.RequestApproval, "deny", false},
		{"input passthrough", api.RequestInput, "blue", "blue"},
		{"review decision", api.RequestReview,
			map[string]any{"decision": "approved", "feedback": "ship it"},
			map[string]any{
				"decision":        "approved",
				"feedback":        "ship it",
				"edited_artifact": nil,
			}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := helpers.NewTestEnv(t)
			req := &api.PendingHumanRequest{
				Type:    tc.typ,
				Message: "question",
			}

			xctx := newContext(t, env)
			_, err := xctx.WaitForHuman(t.Context(), req)
			var suspend *runtime.SuspendError
			require.ErrorAs(t, err, &suspend)

			env.Respond(t, suspend.PendingID, tc.raw)

			resumed := newContext(t, env)
			resp, err := resumed.WaitForHuman(t.Context(), req)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, resp.Value)
		})
	}
}
