package runtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

// Agent runs model turns for one configured agent. Each turn advances
// the iteration counter, invokes the model with the conversation so
// far, executes any requested tool calls in the model's order, and
// feeds the results back. Turn never propagates an error; failures
// degrade to a TurnResult carrying an error string.
type Agent struct {
	name    string
	cfg     *config.Agent
	tools   []api.ToolDef
	model   ModelClient
	runner  ToolRunner
	session *Session
	queue   *MessageQueue
	control *Control
	ledger  *ToolLedger
	seeded  bool
}

// AgentDeps bundles the shared collaborators every agent binding needs
type AgentDeps struct {
	Model   ModelClient
	Runner  ToolRunner
	Session *Session
	Queue   *MessageQueue
	Control *Control
	Ledger  *ToolLedger
}

// Stop-triggering tool names. A model call to either requests a stop
// with the call's reason/success arguments.
var stopToolNames = map[string]bool{
	"done": true,
	"stop": true,
}

// NewAgent binds one configured agent to its model client and the
// filtered tool subset it may call
func NewAgent(
	cfg *config.Agent, tools []api.ToolDef, deps *AgentDeps,
) *Agent {
	return &Agent{
		name:    cfg.Name,
		cfg:     cfg,
		tools:   tools,
		model:   deps.Model,
		runner:  deps.Runner,
		session: deps.Session,
		queue:   deps.Queue,
		control: deps.Control,
		ledger:  deps.Ledger,
	}
}

// Name returns the agent's configured name
func (a *Agent) Name() string {
	return a.name
}

// Turn executes one model turn. The first turn seeds the conversation
// with the agent's system prompt and initial message; extra, when
// non-empty, is appended as a user message before the model call.
func (a *Agent) Turn(ctx context.Context, extra string) *api.TurnResult {
	a.control.Iterations.advance()

	if !a.seeded {
		a.seeded = true
		if a.cfg.SystemPrompt != "" {
			a.record(api.RoleSystem, a.cfg.SystemPrompt, nil)
		}
		if a.cfg.InitialMessage != "" {
			a.record(api.RoleUser, a.cfg.InitialMessage, nil)
		}
	}
	if extra != "" {
		a.record(api.RoleUser, extra, nil)
	}

	res, err := a.model.Complete(ctx, a.session.History(), a.tools)
	if err != nil {
		slog.Error("Model call failed",
			log.Agent(a.name), log.Error(err))
		return &api.TurnResult{
			ToolCalls: []api.ToolCall{},
			Error:     err.Error(),
		}
	}

	a.record(api.RoleAssistant, res.Content, assistantMeta(res))

	for _, call := range res.ToolCalls {
		a.runTool(ctx, call)
	}
	return res
}

// runTool executes one requested call, records it in the ledger, and
// feeds the outcome back into the conversation. Stop-named tools flip
// the stop flag and are ledgered, but never reach the runner.
func (a *Agent) runTool(ctx context.Context, call api.ToolCall) {
	if stopToolNames[call.Name] {
		a.requestStop(call.Args)
		a.ledger.RecordCall(call.Name, call.Args, map[string]any{
			"stop_requested": true,
		})
		return
	}

	if a.runner == nil {
		slog.Warn("No tool runner configured, skipping call",
			log.Agent(a.name), log.Tool(call.Name))
		return
	}

	result, err := a.runner.Run(ctx, call.Name, call.Args)
	if err != nil {
		slog.Error("Tool call failed",
			log.Agent(a.name), log.Tool(call.Name), log.Error(err))
		result = map[string]any{"error": err.Error()}
	}

	a.ledger.RecordCall(call.Name, call.Args, result)
	a.record(api.RoleTool, toolContent(result), map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})
}

func (a *Agent) requestStop(args map[string]any) {
	reason := ""
	if r, ok := args["reason"].(string); ok {
		reason = r
	}
	success := true
	if s, ok := args["success"].(bool); ok {
		success = s
	}
	a.control.Stop.Request(reason, success)
}

// record appends to the in-memory session and queues the message for
// asynchronous persistence
func (a *Agent) record(role api.Role, content string, meta map[string]any) {
	a.session.Append(role, content, meta)
	history := a.session.History()
	msg := history[len(history)-1]
	a.session.MarkQueued(msg)
	a.queue.Enqueue(msg)
}

func assistantMeta(res *api.TurnResult) map[string]any {
	meta := map[string]any{
		"token_usage": map[string]any{
			"prompt":     res.Usage.Prompt,
			"completion": res.Usage.Completion,
			"total":      res.Usage.Total,
		},
	}
	if len(res.ToolCalls) > 0 {
		calls := make([]any, len(res.ToolCalls))
		for i, call := range res.ToolCalls {
			calls[i] = map[string]any{
				"id":   call.ID,
				"name": call.Name,
				"args": call.Args,
			}
		}
		meta["tool_calls"] = calls
	}
	return meta
}

func toolContent(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(raw)
}
