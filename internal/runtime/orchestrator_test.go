package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/assert/helpers"
	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/internal/runtime"
	"github.com/fernwood/operon/pkg/api"
)

func newRunner(env *helpers.TestEnv) *runtime.Runner {
	return runtime.NewRunner(env.Stores, env.Config, &runtime.RunnerOpts{
		Models: func(string) runtime.ModelClient { return env.Model },
		Tools:  env.Tools,
		Now:    env.Clock.Now,
	})
}

func scriptProc(script string) *config.Procedure {
	return &config.Procedure{Name: "test-procedure", Script: script}
}

func TestRunnerExecutesScript(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)

	out := runner.Execute(t.Context(), scriptProc(`
		state.set("phase", "working")
		state.increment("count", 1)
		state.increment("count", 5)
		return state.get("count")
	`), env.ProcID, env.SessionID)

	assert.True(t, out.Success)
	assert.Empty(t, out.Error)
	assert.Equal(t, 6, out.Result)
	assert.EqualValues(t, 6, out.State["count"])
	assert.Equal(t, "working", out.State["phase"])

	t.Run("procedure marked completed", func(t *testing.T) {
		assert.Equal(t, api.ProcedureCompleted, env.Procedure(t).Status)
	})
}

func TestRunnerScriptErrorFailsRun(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)

	out := runner.Execute(t.Context(), scriptProc(`
		error("unexpected condition")
	`), env.ProcID, env.SessionID)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unexpected condition")
	assert.Equal(t, api.ProcedureFailed, env.Procedure(t).Status)
}

func TestRunnerRejectsInvalidProcedure(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)

	out := runner.Execute(
		t.Context(), &config.Procedure{Name: "no-script"},
		env.ProcID, env.SessionID,
	)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, config.ErrScriptRequired.Error())
}

func TestRunnerStepReplayAcrossRuns(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)
	proc := scriptProc(`
		return steps.run("expensive", function()
			return state.increment("invocations", 1)
		end)
	`)

	first := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)
	require.True(t, first.Success)
	assert.Equal(t, 1, first.Result)

	second := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)
	require.True(t, second.Success)
	assert.Equal(t, 1, second.Result)
	assert.EqualValues(t, 1, second.State["invocations"])
}

func TestRunnerAgentLoop(t *testing.T) {
	env := helpers.NewTestEnv(t)
	env.Tools.SetResponse("search", map[string]any{"hits": 2})
	env.Model.
		Respond(&api.TurnResult{
			Content: "searching",
			ToolCalls: []api.ToolCall{
				{ID: "1", Name: "search", Args: map[string]any{"q": "x"}},
			},
		}).
		Respond(&api.TurnResult{
			Content: "wrapping up",
			ToolCalls: []api.ToolCall{
				{ID: "2", Name: "done", Args: map[string]any{
					"reason": "enough evidence", "success": true,
				}},
			},
		})

	runner := newRunner(env)
	proc := &config.Procedure{
		Name:   "research",
		Script: `
			while not stop.requested() and not iterations.exceeded(5) do
				agent.turn()
			end
			return { reason = stop.reason(), used = tools.called("search") }
		`,
		Agents: []*config.Agent{{
			Name:         "researcher",
			Model:        "test-model",
			SystemPrompt: "You research topics",
			Tools:        []string{"search"},
		}},
		Tools: []*config.Tool{{Name: "search"}},
	}

	out := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)

	assert.True(t, out.Success)
	assert.True(t, out.StopRequested)
	assert.Equal(t, "enough evidence", out.StopReason)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, []string{"search", "done"}, out.ToolsUsed)
	assert.Equal(t, map[string]any{
		"reason": "enough evidence",
		"used":   true,
	}, out.Result)

	t.Run("conversation persisted", func(t *testing.T) {
		msgs, err := env.Stores.Messages.List(t.Context(), env.SessionID)
		require.NoError(t, err)
		assert.NotEmpty(t, msgs)
	})
}

func TestRunnerStopFailureFlipsSuccess(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)

	out := runner.Execute(t.Context(), scriptProc(`
		stop.request("could not converge", false)
		return { gave_up = true }
	`), env.ProcID, env.SessionID)

	assert.False(t, out.Success)
	assert.True(t, out.StopRequested)
	assert.Equal(t, "could not converge", out.StopReason)
	assert.Equal(t, api.ProcedureFailed, env.Procedure(t).Status)
}

func TestRunnerSuspendsAndResumes(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)
	proc := scriptProc(`
		local approved = human.approve("Deploy to production?", {
			timeout = 3600,
			default = false,
		})
		return { approved = approved }
	`)

	out := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)

	require.True(t, out.Suspended)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.PendingMessageID)
	assert.Equal(t, api.ProcedureWaitingForHuman, env.Procedure(t).Status)

	env.Respond(t, out.PendingMessageID, "approve")

	resumed := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)
	require.False(t, resumed.Suspended)
	assert.True(t, resumed.Success)
	assert.Equal(t, map[string]any{"approved": true}, resumed.Result)
	assert.Equal(t, api.ProcedureCompleted, env.Procedure(t).Status)
}

func TestRunnerOutputValidationIsNonFatal(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)
	proc := scriptProc(`
		return { score = "very high" }
	`)
	proc.Output = api.OutputSchema{
		"summary": {Type: api.FieldString, Required: true},
		"score":   {Type: api.FieldNumber},
	}

	out := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)

	assert.True(t, out.Success)
	assert.NotEmpty(t, out.Error)
	assert.Equal(t, api.ProcedureCompleted, env.Procedure(t).Status)
}

func TestRunnerVarsPersistAcrossRuns(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)

	out := runner.Execute(t.Context(), scriptProc(`
		vars.note = "carried over"
		vars.attempt = 1
		return true
	`), env.ProcID, env.SessionID)
	require.True(t, out.Success)

	next := runner.Execute(t.Context(), scriptProc(`
		return { note = vars.note, attempt = vars.attempt }
	`), env.ProcID, env.SessionID)
	require.True(t, next.Success)
	assert.Equal(t, map[string]any{
		"note":    "carried over",
		"attempt": 1,
	}, next.Result)
}

func TestRunnerSleepReplays(t *testing.T) {
	env := helpers.NewTestEnv(t)
	runner := newRunner(env)
	proc := scriptProc(`
		steps.sleep(0)
		return state.increment("runs", 1)
	`)

	first := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)
	require.True(t, first.Success)

	second := runner.Execute(t.Context(), proc, env.ProcID, env.SessionID)
	require.True(t, second.Success)
	assert.Equal(t, 2, second.Result)
}
