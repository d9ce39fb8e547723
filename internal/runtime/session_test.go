package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/assert/helpers"
	"github.com/fernwood/operon/internal/runtime"
	"github.com/fernwood/operon/pkg/api"
)

func TestSessionAppendAndCount(t *testing.T) {
	env := helpers.NewTestEnv(t)
	session := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)

	session.InjectSystem("You are a helpful assistant")
	session.Append(api.RoleUser, "hello", nil)
	session.Append(api.RoleAssistant, "hi there", nil)

	assert.Equal(t, 3, session.Count())
	history := session.History()
	assert.Equal(t, api.RoleSystem, history[0].Role)
	assert.Equal(t, "hello", history[1].Content)
}

func TestSessionSaveSkipsAlreadySaved(t *testing.T) {
	env := helpers.NewTestEnv(t)
	session := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)

	session.Append(api.RoleUser, "first", nil)
	require.NoError(t, session.Save(t.Context()))

	session.Append(api.RoleUser, "second", nil)
	require.NoError(t, session.Save(t.Context()))

	stored, err := env.Stores.Messages.List(t.Context(), env.SessionID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestSessionSaveSkipsQueuedMessages(t *testing.T) {
	env := helpers.NewTestEnv(t)
	session := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)

	session.Append(api.RoleUser, "direct", nil)
	session.Append(api.RoleAssistant, "queued elsewhere", nil)
	session.MarkQueued(session.History()[1])

	require.NoError(t, session.Save(t.Context()))

	stored, err := env.Stores.Messages.List(t.Context(), env.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "direct", stored[0].Content)
}

func TestSessionNodeRoundTrip(t *testing.T) {
	env := helpers.NewTestEnv(t)
	session := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)

	session.InjectSystem("system prompt")
	session.Append(api.RoleUser, "question", map[string]any{"turn": 1})
	session.Append(api.RoleAssistant, "answer", nil)

	nodeID, err := env.Stores.Nodes.Create(t.Context(), &api.Node{
		Content: "conversation snapshot",
	})
	require.NoError(t, err)
	require.NoError(
		t, session.SaveToNode(t.Context(), env.Stores.Nodes, nodeID),
	)

	fresh := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)
	require.NoError(
		t, fresh.LoadFromNode(t.Context(), env.Stores.Nodes, nodeID),
	)

	require.Equal(t, session.Count(), fresh.Count())
	for i, msg := range session.History() {
		loaded := fresh.History()[i]
		assert.Equal(t, msg.Role, loaded.Role)
		assert.Equal(t, msg.Content, loaded.Content)
	}

	t.Run("loaded history is not re-sent on save", func(t *testing.T) {
		require.NoError(t, fresh.Save(t.Context()))
		stored, err := env.Stores.Messages.List(t.Context(), env.SessionID)
		require.NoError(t, err)
		assert.Empty(t, stored)
	})
}

func TestSessionLoadSkipsMalformedEntries(t *testing.T) {
	env := helpers.NewTestEnv(t)

	nodeID, err := env.Stores.Nodes.Create(t.Context(), &api.Node{
		Content: "snapshot",
		Metadata: map[string]any{
			"session_messages": []any{
				map[string]any{"role": "USER", "content": "kept"},
				"not a map",
				map[string]any{"role": 17},
				map[string]any{"role": "ASSISTANT", "content": "also kept"},
			},
		},
	})
	require.NoError(t, err)

	session := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)
	require.NoError(
		t, session.LoadFromNode(t.Context(), env.Stores.Nodes, nodeID),
	)

	require.Equal(t, 2, session.Count())
	assert.Equal(t, "kept", session.History()[0].Content)
	assert.Equal(t, "also kept", session.History()[1].Content)
}

func TestSessionClear(t *testing.T) {
	env := helpers.NewTestEnv(t)
	session := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)

	session.Append(api.RoleUser, "gone soon", nil)
	session.Clear()
	assert.Zero(t, session.Count())
}
