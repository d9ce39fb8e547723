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

// ExecutionContext owns a procedure's checkpoint ledger and status. It
// provides at-most-once step execution across any number of process
// restarts, and the human-wait state machine that suspends the run.
type ExecutionContext struct {
	procID    api.ProcedureID
	sessionID api.SessionID
	procs     store.ProcedureStore
	msgs      store.MessageStore
	meta      *api.Metadata
	now       func() time.Time
	humanSeq  int
	sleepSeq  int
	suspended *SuspendError
}

var ErrCheckpointWrite = errors.New("checkpoint write failed")

// NewExecutionContext loads the procedure's persisted metadata and
// prepares a context for one run. Unreadable metadata degrades to an
// empty ledger with a warning; a missing procedure is an error.
func NewExecutionContext(
	ctx context.Context, procID api.ProcedureID, sessionID api.SessionID,
	procs store.ProcedureStore, msgs store.MessageStore,
	now func() time.Time,
) (*ExecutionContext, error) {
	if now == nil {
		now = time.Now
	}

	meta, err := procs.Metadata(ctx, procID)
	if errors.Is(err, store.ErrCorruptMetadata) {
		slog.Warn("Procedure metadata unreadable, starting empty",
			log.ProcID(procID), log.Error(err))
		meta = api.NewMetadata()
	} else if err != nil {
		return nil, err
	}

	return &ExecutionContext{
		procID:    procID,
		sessionID: sessionID,
		procs:     procs,
		msgs:      msgs,
		meta:      meta,
		now:       now,
	}, nil
}

// StepRun executes fn at most once under the given checkpoint name. A
// previously committed checkpoint is replayed verbatim without invoking
// fn. Persistence failures on the checkpoint write are fatal.
func (x *ExecutionContext) StepRun(
	ctx context.Context, name string, fn func() (any, error),
) (any, error) {
	if cp, ok := x.meta.Checkpoints[name]; ok {
		slog.Debug("Replaying checkpoint",
			log.ProcID(x.procID), log.Checkpoint(name))
		return cp.Result, nil
	}

	result, err := fn()
	if err != nil {
		return nil, err
	}

	if err := x.commit(ctx, name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Sleep records a uniquely named no-op checkpoint and returns; the real
// delay is the external dispatcher's responsibility
func (x *ExecutionContext) Sleep(
	ctx context.Context, seconds float64,
) error {
	x.sleepSeq++
	name := fmt.Sprintf("sleep:%d", x.sleepSeq)
	if _, ok := x.meta.Checkpoints[name]; ok {
		return nil
	}
	return x.commit(ctx, name, seconds)
}

// CheckpointExists reports whether the named checkpoint is committed
func (x *ExecutionContext) CheckpointExists(name string) bool {
	_, ok := x.meta.Checkpoints[name]
	return ok
}

// Checkpoint returns the named checkpoint record if committed
func (x *ExecutionContext) Checkpoint(name string) (*api.Checkpoint, bool) {
	cp, ok := x.meta.Checkpoints[name]
	return cp, ok
}

// ClearAllCheckpoints resets the entire checkpoint ledger
func (x *ExecutionContext) ClearAllCheckpoints(ctx context.Context) error {
	x.meta.Checkpoints = map[string]*api.Checkpoint{}
	return x.persist(ctx)
}

// ClearCheckpointsAfter removes the named checkpoint and every
// checkpoint whose completion timestamp is not earlier than its own
func (x *ExecutionContext) ClearCheckpointsAfter(
	ctx context.Context, name string,
) error {
	pivot, ok := x.meta.Checkpoints[name]
	if !ok {
		return fmt.Errorf("checkpoint %q not found", name)
	}

	for cpName, cp := range x.meta.Checkpoints {
		if !cp.CompletedAt.Before(pivot.CompletedAt) {
			delete(x.meta.Checkpoints, cpName)
		}
	}
	return x.persist(ctx)
}

// StateMap exposes the persisted state section of the metadata blob;
// the State primitive mutates it through SyncState
func (x *ExecutionContext) StateMap() map[string]any {
	return x.meta.State
}

// SyncState persists the current state section
func (x *ExecutionContext) SyncState(ctx context.Context) error {
	return x.persist(ctx)
}

// LuaStateMap exposes the opaque script scratch section
func (x *ExecutionContext) LuaStateMap() map[string]any {
	return x.meta.LuaState
}

// SetLuaState replaces the script scratch section and persists it
func (x *ExecutionContext) SetLuaState(
	ctx context.Context, m map[string]any,
) error {
	if m == nil {
		m = map[string]any{}
	}
	x.meta.LuaState = m
	return x.persist(ctx)
}

// Suspension returns the pending suspension recorded by WaitForHuman,
// if any. The runtime inspects it after the script unwinds.
func (x *ExecutionContext) Suspension() *SuspendError {
	return x.suspended
}

// Complete marks the procedure terminal
func (x *ExecutionContext) Complete(ctx context.Context, success bool) error {
	status := api.ProcedureCompleted
	if !success {
		status = api.ProcedureFailed
	}
	if err := x.persist(ctx); err != nil {
		return err
	}
	return x.procs.SetStatus(ctx, x.procID, status)
}

func (x *ExecutionContext) commit(
	ctx context.Context, name string, result any,
) error {
	x.meta.Checkpoints[name] = &api.Checkpoint{
		Result:      result,
		CompletedAt: x.now(),
	}
	if err := x.persist(ctx); err != nil {
		delete(x.meta.Checkpoints, name)
		return fmt.Errorf("%w: %s: %w", ErrCheckpointWrite, name, err)
	}
	return nil
}

func (x *ExecutionContext) persist(ctx context.Context) error {
	return x.procs.UpdateMetadata(ctx, x.procID, x.meta)
}
