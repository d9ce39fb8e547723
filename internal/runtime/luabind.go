package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/fernwood/operon/pkg/api"
)

// binder installs the capability primitives into the sandbox under
// their public names. All bindings run on the script's goroutine; the
// script is never preempted.
type binder struct {
	ctx     context.Context
	xctx    *ExecutionContext
	state   *State
	control *Control
	ledger  *ToolLedger
	agents  map[string]*Agent
	order   []string
	graph   *Graph
	human   *Human
	system  *System
	session *Session
	orch    *Orchestrator
	handles map[api.TaskID]*TaskHandle
	vars    map[string]any
}

// Bind installs every primitive as a global table, then seeds the
// persisted script scratch table under "vars"
func (b *binder) Bind(l *lua.State) {
	b.bindState(l)
	b.bindControl(l)
	b.bindTools(l)
	b.bindAgents(l)
	b.bindGraph(l)
	b.bindHuman(l)
	b.bindSystem(l)
	b.bindSession(l)
	b.bindSteps(l)
	b.bindProcedures(l)

	pushMap(l, b.xctx.LuaStateMap())
	l.SetGlobal("vars")
}

// CaptureVars reads the script scratch table back out of the sandbox
// into the binder before the state is torn down
func (b *binder) CaptureVars(l *lua.State) {
	l.Global("vars")
	defer l.Pop(1)
	if !l.IsTable(-1) {
		b.vars = map[string]any{}
		return
	}
	b.vars = tableToMap(l, -1)
}

func setFuncs(l *lua.State, name string, fns map[string]lua.Function) {
	l.CreateTable(0, len(fns))
	for fname, fn := range fns {
		l.PushGoFunction(fn)
		l.SetField(-2, fname)
	}
	l.SetGlobal(name)
}

// raise converts a Go error into a Lua error, unwinding the script.
// Suspension errors unwind the same way; the execution context already
// carries the pending suspension for the pipeline to find.
func raise(l *lua.State, err error) int {
	var s *SuspendError
	if errors.As(err, &s) {
		lua.Errorf(l, "suspended: waiting on %s", string(s.PendingID))
		return 0
	}
	lua.Errorf(l, "%s", err.Error())
	return 0
}

func (b *binder) bindState(l *lua.State) {
	setFuncs(l, "state", map[string]lua.Function{
		"get": func(l *lua.State) int {
			key := lua.CheckString(l, 1)
			def := toValue(l, 2)
			pushValue(l, b.state.Get(key, def))
			return 1
		},
		"set": func(l *lua.State) int {
			key := lua.CheckString(l, 1)
			value := toValue(l, 2)
			if err := b.state.Set(b.ctx, key, value); err != nil {
				return raise(l, err)
			}
			return 0
		},
		"increment": func(l *lua.State) int {
			key := lua.CheckString(l, 1)
			amount := optNumber(l, 2, 1)
			next, err := b.state.Increment(b.ctx, key, amount)
			if err != nil {
				return raise(l, err)
			}
			pushValue(l, next)
			return 1
		},
		"append": func(l *lua.State) int {
			key := lua.CheckString(l, 1)
			value := toValue(l, 2)
			if err := b.state.Append(b.ctx, key, value); err != nil {
				return raise(l, err)
			}
			return 0
		},
		"all": func(l *lua.State) int {
			pushMap(l, b.state.All())
			return 1
		},
		"clear": func(l *lua.State) int {
			if err := b.state.Clear(b.ctx); err != nil {
				return raise(l, err)
			}
			return 0
		},
	})
}

func (b *binder) bindControl(l *lua.State) {
	setFuncs(l, "iterations", map[string]lua.Function{
		"current": func(l *lua.State) int {
			l.PushInteger(b.control.Iterations.Current())
			return 1
		},
		"exceeded": func(l *lua.State) int {
			max := int(optNumber(l, 1, 0))
			l.PushBoolean(b.control.Iterations.Exceeded(max))
			return 1
		},
	})

	setFuncs(l, "stop", map[string]lua.Function{
		"request": func(l *lua.State) int {
			reason := optString(l, 1, "")
			success := true
			if l.IsBoolean(2) {
				success = l.ToBoolean(2)
			}
			b.control.Stop.Request(reason, success)
			return 0
		},
		"requested": func(l *lua.State) int {
			l.PushBoolean(b.control.Stop.Requested())
			return 1
		},
		"reason": func(l *lua.State) int {
			if r := b.control.Stop.Reason(); r != nil {
				l.PushString(*r)
			} else {
				l.PushNil()
			}
			return 1
		},
		"success": func(l *lua.State) int {
			l.PushBoolean(b.control.Stop.Success())
			return 1
		},
	})
}

func (b *binder) bindTools(l *lua.State) {
	setFuncs(l, "tools", map[string]lua.Function{
		"record_call": func(l *lua.State) int {
			name := lua.CheckString(l, 1)
			args := optMap(l, 2)
			result := toValue(l, 3)
			b.ledger.RecordCall(name, args, result)
			return 0
		},
		"called": func(l *lua.State) int {
			l.PushBoolean(b.ledger.Called(lua.CheckString(l, 1)))
			return 1
		},
		"last_result": func(l *lua.State) int {
			pushValue(l, b.ledger.LastResult(lua.CheckString(l, 1)))
			return 1
		},
		"last_call": func(l *lua.State) int {
			record := b.ledger.LastCall(lua.CheckString(l, 1))
			if record == nil {
				l.PushNil()
				return 1
			}
			pushValue(l, map[string]any{
				"name":   record.Name,
				"args":   record.Args,
				"result": record.Result,
			})
			return 1
		},
		"get_call_count": func(l *lua.State) int {
			l.PushInteger(b.ledger.CallCount(optString(l, 1, "")))
			return 1
		},
	})
}

// bindAgents installs one table per configured agent under "agents",
// and aliases the first agent as the global "agent"
func (b *binder) bindAgents(l *lua.State) {
	l.CreateTable(0, len(b.order))
	for _, name := range b.order {
		agent := b.agents[name]
		l.CreateTable(0, 2)
		l.PushString(name)
		l.SetField(-2, "name")
		l.PushGoFunction(b.turnFunc(agent))
		l.SetField(-2, "turn")
		l.SetField(-2, name)
	}
	l.SetGlobal("agents")

	if len(b.order) > 0 {
		first := b.agents[b.order[0]]
		l.CreateTable(0, 2)
		l.PushString(first.Name())
		l.SetField(-2, "name")
		l.PushGoFunction(b.turnFunc(first))
		l.SetField(-2, "turn")
		l.SetGlobal("agent")
	}
}

func (b *binder) turnFunc(agent *Agent) lua.Function {
	return func(l *lua.State) int {
		extra := ""
		if l.IsString(1) {
			extra, _ = l.ToString(1)
		} else if l.IsTable(1) {
			opts := tableToMap(l, 1)
			if msg, ok := opts["message"].(string); ok {
				extra = msg
			}
		}

		res := agent.Turn(b.ctx, extra)
		out := map[string]any{
			"content": res.Content,
			"token_usage": map[string]any{
				"prompt":     res.Usage.Prompt,
				"completion": res.Usage.Completion,
				"total":      res.Usage.Total,
			},
		}
		calls := make([]any, len(res.ToolCalls))
		for i, call := range res.ToolCalls {
			calls[i] = map[string]any{
				"id":   call.ID,
				"name": call.Name,
				"args": call.Args,
			}
		}
		out["tool_calls"] = calls
		if res.Error != "" {
			out["error"] = res.Error
		}
		pushValue(l, out)
		return 1
	}
}

func (b *binder) bindGraph(l *lua.State) {
	setFuncs(l, "graph", map[string]lua.Function{
		"create": func(l *lua.State) int {
			content := lua.CheckString(l, 1)
			meta := optMap(l, 2)
			parent := api.NodeID(optString(l, 3, ""))
			b.pushNode(l, b.graph.Create(b.ctx, content, meta, parent))
			return 1
		},
		"get": func(l *lua.State) int {
			id := api.NodeID(lua.CheckString(l, 1))
			b.pushNode(l, b.graph.Get(b.ctx, id))
			return 1
		},
		"root": func(l *lua.State) int {
			b.pushNode(l, b.graph.Root(b.ctx))
			return 1
		},
		"current": func(l *lua.State) int {
			b.pushNode(l, b.graph.Current(b.ctx))
			return 1
		},
		"set_current": func(l *lua.State) int {
			b.graph.SetCurrent(api.NodeID(nodeArgID(l, 1)))
			return 0
		},
	})
}

// pushNode materializes a node handle as a table of data fields plus
// accessor closures
func (b *binder) pushNode(l *lua.State, h *NodeHandle) {
	if h == nil {
		l.PushNil()
		return
	}

	l.CreateTable(0, 9)
	l.PushString(string(h.ID()))
	l.SetField(-2, "id")
	l.PushString(h.Content())
	l.SetField(-2, "content")

	l.PushGoFunction(func(l *lua.State) int {
		pushValue(l, h.Metadata())
		return 1
	})
	l.SetField(-2, "metadata")

	l.PushGoFunction(func(l *lua.State) int {
		l.PushNumber(h.Score())
		return 1
	})
	l.SetField(-2, "score")

	l.PushGoFunction(func(l *lua.State) int {
		children := h.Children(b.ctx)
		l.CreateTable(len(children), 0)
		for i, child := range children {
			l.PushInteger(i + 1)
			b.pushNode(l, child)
			l.SetTable(-3)
		}
		return 1
	})
	l.SetField(-2, "children")

	l.PushGoFunction(func(l *lua.State) int {
		b.pushNode(l, h.Parent(b.ctx))
		return 1
	})
	l.SetField(-2, "parent")

	l.PushGoFunction(func(l *lua.State) int {
		key := lua.CheckString(l, 1)
		value := toValue(l, 2)
		l.PushBoolean(h.SetMetadata(b.ctx, key, value))
		return 1
	})
	l.SetField(-2, "set_metadata")

	l.PushGoFunction(func(l *lua.State) int {
		h.SetCurrent()
		return 0
	})
	l.SetField(-2, "set_current")
}

// nodeArgID accepts a node table or a bare id string
func nodeArgID(l *lua.State, index int) string {
	if l.IsTable(index) {
		l.Field(index, "id")
		id, _ := l.ToString(-1)
		l.Pop(1)
		return id
	}
	id, _ := l.ToString(index)
	return id
}

func (b *binder) bindHuman(l *lua.State) {
	setFuncs(l, "human", map[string]lua.Function{
		"approve":  b.humanWait(b.human.Approve),
		"input":    b.humanWait(b.human.Input),
		"review":   b.humanWait(b.human.Review),
		"escalate": b.humanWait(b.human.Escalate),
		"notify": func(l *lua.State) int {
			message := lua.CheckString(l, 1)
			b.human.Notify(message, optMap(l, 2))
			return 0
		},
	})
}

type humanWaitFunc func(
	context.Context, string, *HumanOpts,
) (*api.HumanResponse, error)

func (b *binder) humanWait(wait humanWaitFunc) lua.Function {
	return func(l *lua.State) int {
		message := lua.CheckString(l, 1)
		opts := humanOptsArg(l, 2)
		resp, err := wait(b.ctx, message, opts)
		if err != nil {
			return raise(l, err)
		}
		pushValue(l, resp.Value)
		return 1
	}
}

func humanOptsArg(l *lua.State, index int) *HumanOpts {
	raw := optMap(l, index)
	if raw == nil {
		return nil
	}

	opts := &HumanOpts{}
	if t, ok := toNumber(raw["timeout"]); ok {
		opts.TimeoutSeconds = &t
	}
	if d, ok := raw["default"]; ok {
		opts.Default = d
	}
	if o, ok := raw["options"].([]any); ok {
		opts.Options = o
	}
	if m, ok := raw["metadata"].(map[string]any); ok {
		opts.Metadata = m
	}
	return opts
}

func (b *binder) bindSystem(l *lua.State) {
	setFuncs(l, "system", map[string]lua.Function{
		"alert": func(l *lua.State) int {
			message := lua.CheckString(l, 1)
			level := optString(l, 2, "info")
			source := optString(l, 3, "")
			b.system.Alert(message, level, source, optMap(l, 4))
			return 0
		},
	})
}

func (b *binder) bindSession(l *lua.State) {
	setFuncs(l, "session", map[string]lua.Function{
		"append": func(l *lua.State) int {
			role := api.Role(lua.CheckString(l, 1))
			content := lua.CheckString(l, 2)
			b.session.Append(role, content, optMap(l, 3))
			return 0
		},
		"inject_system": func(l *lua.State) int {
			b.session.InjectSystem(lua.CheckString(l, 1))
			return 0
		},
		"clear": func(l *lua.State) int {
			b.session.Clear()
			return 0
		},
		"history": func(l *lua.State) int {
			history := b.session.History()
			entries := make([]any, len(history))
			for i, msg := range history {
				entry := map[string]any{
					"role":    string(msg.Role),
					"content": msg.Content,
				}
				if len(msg.Metadata) > 0 {
					entry["metadata"] = msg.Metadata
				}
				entries[i] = entry
			}
			pushValue(l, entries)
			return 1
		},
		"count": func(l *lua.State) int {
			l.PushInteger(b.session.Count())
			return 1
		},
		"save": func(l *lua.State) int {
			if err := b.session.Save(b.ctx); err != nil {
				return raise(l, err)
			}
			return 0
		},
		"save_to_node": func(l *lua.State) int {
			id := api.NodeID(nodeArgID(l, 1))
			err := b.session.SaveToNode(b.ctx, b.graph.nodes, id)
			if err != nil {
				return raise(l, err)
			}
			return 0
		},
		"load_from_node": func(l *lua.State) int {
			id := api.NodeID(nodeArgID(l, 1))
			err := b.session.LoadFromNode(b.ctx, b.graph.nodes, id)
			if err != nil {
				return raise(l, err)
			}
			return 0
		},
	})
}

func (b *binder) bindSteps(l *lua.State) {
	setFuncs(l, "steps", map[string]lua.Function{
		"run": func(l *lua.State) int {
			name := lua.CheckString(l, 1)
			lua.CheckType(l, 2, lua.TypeFunction)

			result, err := b.xctx.StepRun(b.ctx, name, func() (any, error) {
				l.PushValue(2)
				if err := l.ProtectedCall(0, 1, 0); err != nil {
					return nil, err
				}
				v := toValue(l, -1)
				l.Pop(1)
				return v, nil
			})
			if err != nil {
				return raise(l, err)
			}
			pushValue(l, result)
			return 1
		},
		"sleep": func(l *lua.State) int {
			seconds := optNumber(l, 1, 0)
			if err := b.xctx.Sleep(b.ctx, seconds); err != nil {
				return raise(l, err)
			}
			return 0
		},
		"exists": func(l *lua.State) int {
			l.PushBoolean(b.xctx.CheckpointExists(lua.CheckString(l, 1)))
			return 1
		},
		"get": func(l *lua.State) int {
			cp, ok := b.xctx.Checkpoint(lua.CheckString(l, 1))
			if !ok {
				l.PushNil()
				return 1
			}
			pushValue(l, cp.Result)
			return 1
		},
		"clear_all": func(l *lua.State) int {
			if err := b.xctx.ClearAllCheckpoints(b.ctx); err != nil {
				return raise(l, err)
			}
			return 0
		},
		"clear_after": func(l *lua.State) int {
			name := lua.CheckString(l, 1)
			if err := b.xctx.ClearCheckpointsAfter(b.ctx, name); err != nil {
				return raise(l, err)
			}
			return 0
		},
	})
}

func (b *binder) bindProcedures(l *lua.State) {
	setFuncs(l, "procedures", map[string]lua.Function{
		"run": func(l *lua.State) int {
			ref := lua.CheckString(l, 1)
			res, err := b.orch.Run(b.ctx, ref, optMap(l, 2))
			if err != nil {
				return raise(l, err)
			}
			pushValue(l, taskResultMap(res))
			return 1
		},
		"spawn": func(l *lua.State) int {
			ref := lua.CheckString(l, 1)
			handle := b.orch.Spawn(b.ctx, ref, optMap(l, 2))
			b.handles[handle.ID] = handle
			b.pushHandle(l, handle)
			return 1
		},
		"wait": func(l *lua.State) int {
			handle, err := b.handleArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			res, err := b.orch.Wait(handle, secondsArg(l, 2))
			if err != nil {
				return raise(l, err)
			}
			pushValue(l, taskResultMap(res))
			return 1
		},
		"wait_any": func(l *lua.State) int {
			handles, err := b.handlesArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			winner, res, err := b.orch.WaitAny(handles, secondsArg(l, 2))
			if err != nil {
				return raise(l, err)
			}
			b.pushHandle(l, winner)
			pushValue(l, taskResultMap(res))
			return 2
		},
		"wait_all": func(l *lua.State) int {
			handles, err := b.handlesArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			results, err := b.orch.WaitAll(handles, secondsArg(l, 2))
			if err != nil {
				return raise(l, err)
			}
			out := map[string]any{}
			for handle, res := range results {
				out[string(handle.ID)] = taskResultMap(res)
			}
			pushValue(l, out)
			return 1
		},
		"status": func(l *lua.State) int {
			handle, err := b.handleArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			status, err := b.orch.Status(handle)
			if err != nil {
				return raise(l, err)
			}
			l.PushString(string(status))
			return 1
		},
		"cancel": func(l *lua.State) int {
			handle, err := b.handleArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			ok, err := b.orch.Cancel(handle)
			if err != nil {
				return raise(l, err)
			}
			l.PushBoolean(ok)
			return 1
		},
		"inject": func(l *lua.State) int {
			handle, err := b.handleArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			ok, err := b.orch.Inject(handle, toValue(l, 2))
			if err != nil {
				return raise(l, err)
			}
			l.PushBoolean(ok)
			return 1
		},
		"is_complete": func(l *lua.State) int {
			handle, err := b.handleArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			done, err := b.orch.IsComplete(handle)
			if err != nil {
				return raise(l, err)
			}
			l.PushBoolean(done)
			return 1
		},
		"all_complete": func(l *lua.State) int {
			handles, err := b.handlesArg(l, 1)
			if err != nil {
				return raise(l, err)
			}
			done, err := b.orch.AllComplete(handles)
			if err != nil {
				return raise(l, err)
			}
			l.PushBoolean(done)
			return 1
		},
	})
}

func (b *binder) pushHandle(l *lua.State, handle *TaskHandle) {
	if handle == nil {
		l.PushNil()
		return
	}
	l.CreateTable(0, 2)
	l.PushString(string(handle.ID))
	l.SetField(-2, "id")
	l.PushString(handle.Ref)
	l.SetField(-2, "ref")
}

func (b *binder) handleArg(l *lua.State, index int) (*TaskHandle, error) {
	var id string
	if l.IsTable(index) {
		l.Field(index, "id")
		id, _ = l.ToString(-1)
		l.Pop(1)
	} else {
		id, _ = l.ToString(index)
	}

	handle, ok := b.handles[api.TaskID(id)]
	if !ok {
		return nil, ErrUnknownTask
	}
	return handle, nil
}

func (b *binder) handlesArg(l *lua.State, index int) ([]*TaskHandle, error) {
	if !l.IsTable(index) {
		return nil, ErrUnknownTask
	}

	var handles []*TaskHandle
	length := l.RawLength(index)
	for i := 1; i <= length; i++ {
		l.RawGetInt(index, i)
		handle, err := b.handleArg(l, -1)
		l.Pop(1)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func secondsArg(l *lua.State, index int) time.Duration {
	seconds := optNumber(l, index, 0)
	return time.Duration(seconds * float64(time.Second))
}

func taskResultMap(res *api.TaskResult) map[string]any {
	if res == nil {
		return nil
	}
	out := map[string]any{
		"success": res.Success,
		"status":  string(res.Status),
	}
	if res.Result != nil {
		out["result"] = res.Result
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	return out
}
