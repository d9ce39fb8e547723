package runtime_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/assert/helpers"
	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/internal/runtime"
	"github.com/fernwood/operon/pkg/api"
)

type agentFixture struct {
	agent   *runtime.Agent
	model   *helpers.ScriptedModel
	runner  *helpers.RecordingRunner
	session *runtime.Session
	queue   *runtime.MessageQueue
	control *runtime.Control
	ledger  *runtime.ToolLedger
}

func newAgentFixture(
	t *testing.T, env *helpers.TestEnv, cfg *config.Agent,
) *agentFixture {
	t.Helper()

	model := helpers.NewScriptedModel()
	runner := helpers.NewRecordingRunner()
	session := runtime.NewSession(
		env.SessionID, env.Stores.Messages, env.Clock.Now,
	)
	queue := runtime.NewMessageQueue(env.Stores.Messages, 16)
	queue.Start()
	t.Cleanup(queue.Flush)

	control := runtime.NewControl()
	ledger := runtime.NewToolLedger(env.Clock.Now)

	tools := []api.ToolDef{
		{Name: "search", Description: "look things up"},
		{Name: "summarize", Description: "condense text"},
	}
	agent := runtime.NewAgent(cfg, tools, &runtime.AgentDeps{
		Model:   model,
		Runner:  runner,
		Session: session,
		Queue:   queue,
		Control: control,
		Ledger:  ledger,
	})
	return &agentFixture{
		agent:   agent,
		model:   model,
		runner:  runner,
		session: session,
		queue:   queue,
		control: control,
		ledger:  ledger,
	}
}

func TestAgentSeedsFirstTurnOnly(t *testing.T) {
	env := helpers.NewTestEnv(t)
	fix := newAgentFixture(t, env, &config.Agent{
		Name:           "researcher",
		SystemPrompt:   "You research topics",
		InitialMessage: "Research the assigned topic",
	})
	fix.model.RespondText("on it").RespondText("still on it")

	fix.agent.Turn(t.Context(), "")
	sent := fix.model.LastMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, api.RoleSystem, sent[0].Role)
	assert.Equal(t, "You research topics", sent[0].Content)
	assert.Equal(t, api.RoleUser, sent[1].Role)
	assert.Equal(t, "Research the assigned topic", sent[1].Content)

	t.Run("second turn does not reseed", func(t *testing.T) {
		fix.agent.Turn(t.Context(), "go deeper")
		sent := fix.model.LastMessages()
		// system + initial + first reply + new user message
		require.Len(t, sent, 4)
		assert.Equal(t, "go deeper", sent[3].Content)
	})
}

func TestAgentAdvancesIterationsPerTurn(t *testing.T) {
	env := helpers.NewTestEnv(t)
	fix := newAgentFixture(t, env, &config.Agent{Name: "worker"})
	fix.model.
		Respond(&api.TurnResult{
			Content: "two calls this turn",
			ToolCalls: []api.ToolCall{
				{ID: "1", Name: "search", Args: map[string]any{"q": "a"}},
				{ID: "2", Name: "search", Args: map[string]any{"q": "b"}},
			},
		}).
		RespondText("nothing this turn")

	fix.agent.Turn(t.Context(), "")
	fix.agent.Turn(t.Context(), "")

	assert.Equal(t, 2, fix.control.Iterations.Current())
}

func TestAgentRunsToolsInModelOrder(t *testing.T) {
	env := helpers.NewTestEnv(t)
	fix := newAgentFixture(t, env, &config.Agent{Name: "worker"})
	fix.runner.SetResponse("search", map[string]any{"hits": 3})
	fix.runner.SetResponse("summarize", "short version")
	fix.model.Respond(&api.TurnResult{
		Content: "let me look",
		ToolCalls: []api.ToolCall{
			{ID: "1", Name: "search", Args: map[string]any{"q": "tides"}},
			{ID: "2", Name: "summarize", Args: map[string]any{"n": 1}},
		},
	})

	fix.agent.Turn(t.Context(), "")

	calls := fix.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, "summarize", calls[1].Name)

	t.Run("results recorded in the ledger", func(t *testing.T) {
		assert.Equal(t,
			map[string]any{"hits": 3}, fix.ledger.LastResult("search"))
		assert.Equal(t, "short version", fix.ledger.LastResult("summarize"))
	})

	t.Run("results fed back as tool messages", func(t *testing.T) {
		history := fix.session.History()
		var toolMsgs []*api.ChatMessage
		for _, msg := range history {
			if msg.Role == api.RoleTool {
				toolMsgs = append(toolMsgs, msg)
			}
		}
		require.Len(t, toolMsgs, 2)
		assert.JSONEq(t, `{"hits":3}`, toolMsgs[0].Content)
		assert.Equal(t, "search", toolMsgs[0].Metadata["tool"])
		assert.Equal(t, "short version", toolMsgs[1].Content)
	})
}

func TestAgentStopTool(t *testing.T) {
	env := helpers.NewTestEnv(t)
	fix := newAgentFixture(t, env, &config.Agent{Name: "worker"})
	fix.model.Respond(&api.TurnResult{
		Content: "finished",
		ToolCalls: []api.ToolCall{
			{ID: "1", Name: "done", Args: map[string]any{
				"reason": "all sources reviewed", "success": true,
			}},
		},
	})

	fix.agent.Turn(t.Context(), "")

	assert.True(t, fix.control.Stop.Requested())
	assert.True(t, fix.control.Stop.Success())
	require.NotNil(t, fix.control.Stop.Reason())
	assert.Equal(t, "all sources reviewed", *fix.control.Stop.Reason())

	t.Run("stop tools never reach the runner", func(t *testing.T) {
		assert.False(t, fix.runner.WasCalled("done"))
	})

	t.Run("stop call still lands in the ledger", func(t *testing.T) {
		assert.True(t, fix.ledger.Called("done"))
		assert.Equal(t, 1, fix.ledger.CallCount("done"))
		record := fix.ledger.LastCall("done")
		require.NotNil(t, record)
		assert.Equal(t, "all sources reviewed", record.Args["reason"])
	})
}

func TestAgentToolErrorFeedsBack(t *testing.T) {
	env := helpers.NewTestEnv(t)
	fix := newAgentFixture(t, env, &config.Agent{Name: "worker"})
	fix.runner.SetError("search", errors.New("backend unreachable"))
	fix.model.Respond(&api.TurnResult{
		ToolCalls: []api.ToolCall{
			{ID: "1", Name: "search", Args: map[string]any{"q": "x"}},
		},
	})

	res := fix.agent.Turn(t.Context(), "")
	assert.Empty(t, res.Error)

	result := fix.ledger.LastResult("search")
	assert.Equal(t, map[string]any{"error": "backend unreachable"}, result)

	history := fix.session.History()
	last := history[len(history)-1]
	assert.Equal(t, api.RoleTool, last.Role)
	assert.JSONEq(t, `{"error":"backend unreachable"}`, last.Content)
}

func TestAgentModelErrorDegrades(t *testing.T) {
	env := helpers.NewTestEnv(t)
	fix := newAgentFixture(t, env, &config.Agent{Name: "worker"})
	fix.model.Fail(errors.New("model endpoint down"))

	res := fix.agent.Turn(t.Context(), "")

	require.NotNil(t, res)
	assert.Equal(t, "model endpoint down", res.Error)
	assert.Empty(t, res.ToolCalls)

	t.Run("iteration still counted", func(t *testing.T) {
		assert.Equal(t, 1, fix.control.Iterations.Current())
	})
}
