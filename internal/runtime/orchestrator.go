package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/internal/store"
	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

type (
	// ModelClientFactory resolves a configured model name to a client
	ModelClientFactory func(model string) ModelClient

	// Runner executes procedures end to end: it builds the sandbox,
	// wires the primitives, runs the script, validates the output, and
	// flushes buffered messages. Execute never raises; every run
	// returns the same structured Outcome shape.
	Runner struct {
		stores   *store.Stores
		models   ModelClientFactory
		tools    ToolRunner
		children ChildRunner
		cfg      *config.Config
		now      func() time.Time
	}

	// Outcome is the structured result of one procedure run
	Outcome struct {
		Success          bool           `json:"success"`
		Suspended        bool           `json:"suspended,omitempty"`
		PendingMessageID api.MessageID  `json:"pending_message_id,omitempty"`
		Result           any            `json:"result,omitempty"`
		State            map[string]any `json:"state,omitempty"`
		Iterations       int            `json:"iterations"`
		ToolsUsed        []string       `json:"tools_used,omitempty"`
		StopRequested    bool           `json:"stop_requested,omitempty"`
		StopReason       string         `json:"stop_reason,omitempty"`
		Error            string         `json:"error,omitempty"`
	}

	// RunnerOpts carries the collaborators a Runner needs beyond its
	// stores
	RunnerOpts struct {
		Models   ModelClientFactory
		Tools    ToolRunner
		Children ChildRunner
		Now      func() time.Time
	}
)

// NewRunner creates a procedure runner over the given stores
func NewRunner(
	stores *store.Stores, cfg *config.Config, opts *RunnerOpts,
) *Runner {
	if opts == nil {
		opts = &RunnerOpts{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		stores:   stores,
		models:   opts.Models,
		tools:    opts.Tools,
		children: opts.Children,
		cfg:      cfg,
		now:      now,
	}
}

// Execute runs one procedure. Errors at any stage funnel into a single
// cleanup path that flushes buffered messages before returning; the
// outcome shape is identical for success, failure, and suspension.
func (r *Runner) Execute(
	ctx context.Context, proc *config.Procedure,
	procID api.ProcedureID, sessionID api.SessionID,
) *Outcome {
	slog.Debug("Pipeline stage", log.ProcID(procID), log.Stage("validate"))
	if err := proc.Validate(); err != nil {
		return &Outcome{Error: configError(err).Error()}
	}

	slog.Debug("Pipeline stage", log.ProcID(procID), log.Stage("context"))
	xctx, err := NewExecutionContext(
		ctx, procID, sessionID,
		r.stores.Procedures, r.stores.Messages, r.now,
	)
	if err != nil {
		return &Outcome{Error: configError(err).Error()}
	}

	validator, err := NewOutputValidator(proc.Output)
	if err != nil {
		return &Outcome{Error: err.Error()}
	}

	control := NewControl()
	ledger := NewToolLedger(r.now)
	queue := NewMessageQueue(r.stores.Messages, r.cfg.FlushBatchSize)
	queue.Start()
	session := NewSession(sessionID, r.stores.Messages, r.now)
	orch := NewOrchestrator(r.children, r.cfg.InjectQueueSize)

	b := &binder{
		ctx:     ctx,
		xctx:    xctx,
		state:   NewState(xctx),
		control: control,
		ledger:  ledger,
		agents:  map[string]*Agent{},
		graph:   NewGraph(r.stores.Nodes),
		human:   NewHuman(xctx, queue, proc.HITL),
		system:  NewSystem(sessionID, queue, r.now),
		session: session,
		orch:    orch,
		handles: map[api.TaskID]*TaskHandle{},
	}

	deps := &AgentDeps{
		Runner:  r.tools,
		Session: session,
		Queue:   queue,
		Control: control,
		Ledger:  ledger,
	}
	for _, agentCfg := range proc.Agents {
		agentDeps := *deps
		if r.models != nil {
			agentDeps.Model = r.models(agentCfg.Model)
		}
		if agentDeps.Model == nil {
			queue.Cancel()
			return &Outcome{Error: configError(
				errors.New("no model client for " + agentCfg.Model),
			).Error()}
		}
		b.agents[agentCfg.Name] = NewAgent(
			agentCfg, proc.ToolDefs(agentCfg), &agentDeps,
		)
		b.order = append(b.order, agentCfg.Name)
	}

	slog.Debug("Pipeline stage", log.ProcID(procID), log.Stage("script"))
	env := NewScriptEnv()
	result, runErr := env.Run(proc.Script, b.Bind, b.CaptureVars)

	// The scratch table must survive suspension, so it is captured on
	// every exit path past load
	if b.vars != nil {
		if err := xctx.SetLuaState(ctx, b.vars); err != nil {
			slog.Error("Failed to persist script scratch state",
				log.ProcID(procID), log.Error(err))
		}
	}

	return r.finish(ctx, proc, b, queue, validator, result, runErr)
}

// finish is the single cleanup funnel: every exit path flushes the
// queue, closes the orchestrator, and shapes the outcome
func (r *Runner) finish(
	ctx context.Context, proc *config.Procedure, b *binder,
	queue *MessageQueue, validator *OutputValidator,
	result any, runErr error,
) *Outcome {
	defer func() {
		slog.Debug("Pipeline stage",
			log.ProcID(b.xctx.procID), log.Stage("cleanup"))
		b.orch.Close()
		if err := b.session.Save(ctx); err != nil {
			slog.Error("Failed to flush session",
				log.ProcID(b.xctx.procID), log.Error(err))
		}
		queue.Flush()
	}()

	out := &Outcome{
		State:      b.state.All(),
		Iterations: b.control.Iterations.Current(),
		ToolsUsed:  b.ledger.Names(),
	}
	if b.control.Stop.Requested() {
		out.StopRequested = true
		if reason := b.control.Stop.Reason(); reason != nil {
			out.StopReason = *reason
		}
	}

	if suspended := b.xctx.Suspension(); suspended != nil {
		out.Suspended = true
		out.PendingMessageID = suspended.PendingID
		slog.Info("Procedure suspended",
			log.ProcID(b.xctx.procID),
			log.MessageID(suspended.PendingID))
		return out
	}

	if runErr != nil {
		sandboxErr := &SandboxError{Err: runErr}
		out.Error = sandboxErr.Error()
		slog.Error("Script execution failed",
			log.ProcID(b.xctx.procID), log.Error(runErr))
		if err := b.xctx.Complete(ctx, false); err != nil {
			slog.Error("Failed to mark procedure failed",
				log.ProcID(b.xctx.procID), log.Error(err))
		}
		return out
	}

	out.Result = result
	out.Success = !b.control.Stop.Requested() || b.control.Stop.Success()

	if verr := validator.Validate(result); verr != nil {
		slog.Warn("Output validation failed",
			log.ProcID(b.xctx.procID),
			slog.String("procedure", proc.Name),
			slog.Any("violations", verr.Violations))
		out.Error = verr.Error()
	}

	if err := b.xctx.Complete(ctx, out.Success); err != nil {
		slog.Error("Failed to mark procedure terminal",
			log.ProcID(b.xctx.procID), log.Error(err))
		out.Success = false
		out.Error = err.Error()
	}
	return out
}

func configError(err error) error {
	if errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}
