package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

type (
	// ChildRunner executes one child procedure to completion. Messages
	// injected into the task arrive on inbox; cancellation arrives
	// through ctx. A nil runner leaves spawned tasks PENDING until
	// waited on.
	ChildRunner func(
		ctx context.Context, ref string, params map[string]any,
		inbox <-chan any,
	) *api.TaskResult

	// Orchestrator schedules, awaits, and cancels child procedure
	// executions. Its task table lives for the parent run only and is
	// never persisted.
	Orchestrator struct {
		sync.Mutex
		runner    ChildRunner
		tasks     map[api.TaskID]*spawnedTask
		inboxSize int
	}

	// TaskHandle identifies one spawned task to the script
	TaskHandle struct {
		ID  api.TaskID
		Ref string
	}

	spawnedTask struct {
		ref    string
		params map[string]any
		status api.TaskStatus
		result *api.TaskResult
		inbox  chan any
		done   chan struct{}
		cancel context.CancelFunc
	}
)

// NewOrchestrator creates the sub-procedure orchestrator. The inbox
// size bounds each task's injected-message queue.
func NewOrchestrator(runner ChildRunner, inboxSize int) *Orchestrator {
	return &Orchestrator{
		runner:    runner,
		tasks:     map[api.TaskID]*spawnedTask{},
		inboxSize: inboxSize,
	}
}

// Run executes a child procedure synchronously. A failed child surfaces
// as a ChildFailedError carrying the child's structured result.
func (o *Orchestrator) Run(
	ctx context.Context, ref string, params map[string]any,
) (*api.TaskResult, error) {
	if o.runner == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, ref)
	}

	res := o.runner(ctx, ref, params, nil)
	if res == nil {
		res = &api.TaskResult{Status: api.TaskFailed}
	}
	if !res.Success {
		return nil, &ChildFailedError{Ref: ref, Result: res}
	}
	return res, nil
}

// Spawn schedules a child procedure and returns its handle. Without a
// runner the task stays PENDING and error surfacing is deferred to
// Wait.
func (o *Orchestrator) Spawn(
	ctx context.Context, ref string, params map[string]any,
) *TaskHandle {
	id := api.TaskID(uuid.NewString())
	task := &spawnedTask{
		ref:    ref,
		params: params,
		status: api.TaskPending,
		inbox:  make(chan any, o.inboxSize),
		done:   make(chan struct{}),
	}

	o.Lock()
	o.tasks[id] = task
	o.Unlock()

	if o.runner == nil {
		slog.Warn("No runner available, task stays pending",
			log.TaskID(id), slog.String("ref", ref))
		return &TaskHandle{ID: id, Ref: ref}
	}

	childCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	task.status = api.TaskRunning

	go func() {
		defer cancel()
		res := o.runner(childCtx, ref, params, task.inbox)
		o.finish(id, task, res)
	}()

	slog.Debug("Spawned child procedure",
		log.TaskID(id), slog.String("ref", ref))
	return &TaskHandle{ID: id, Ref: ref}
}

// Wait blocks until the task finishes or the timeout elapses. It is
// idempotent: an already-terminal task returns its cached result. A
// timeout reports ErrWaitTimeout without cancelling the task; a task
// that never got a runner fails fast.
func (o *Orchestrator) Wait(
	handle *TaskHandle, timeout time.Duration,
) (*api.TaskResult, error) {
	task, err := o.task(handle)
	if err != nil {
		return nil, err
	}

	o.Lock()
	status := task.status
	result := task.result
	o.Unlock()

	if status.IsTerminal() {
		return result, nil
	}
	if status == api.TaskPending && task.cancel == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, handle.Ref)
	}

	if timeout <= 0 {
		<-task.done
	} else {
		select {
		case <-task.done:
		case <-time.After(timeout):
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, handle.Ref)
		}
	}

	o.Lock()
	defer o.Unlock()
	return task.result, nil
}

// Status reconciles and returns the task's current status
func (o *Orchestrator) Status(handle *TaskHandle) (api.TaskStatus, error) {
	task, err := o.task(handle)
	if err != nil {
		return "", err
	}
	o.Lock()
	defer o.Unlock()
	return task.status, nil
}

// Cancel stops a running task. It reports false when the task is
// already terminal or was never scheduled; cancellation does not
// cascade to the task's own children.
func (o *Orchestrator) Cancel(handle *TaskHandle) (bool, error) {
	task, err := o.task(handle)
	if err != nil {
		return false, err
	}

	o.Lock()
	defer o.Unlock()

	if task.status.IsTerminal() || task.cancel == nil {
		return false, nil
	}

	task.cancel()
	task.status = api.TaskCancelled
	task.result = &api.TaskResult{
		Success: false,
		Status:  api.TaskCancelled,
		Error:   "cancelled",
	}
	return true, nil
}

// Inject enqueues a message into the task's bounded inbox. It reports
// false when the inbox is full or the task is terminal.
func (o *Orchestrator) Inject(handle *TaskHandle, msg any) (bool, error) {
	task, err := o.task(handle)
	if err != nil {
		return false, err
	}

	o.Lock()
	terminal := task.status.IsTerminal()
	o.Unlock()
	if terminal {
		return false, nil
	}

	select {
	case task.inbox <- msg:
		return true, nil
	default:
		return false, nil
	}
}

// WaitAny blocks until any task finishes. An already-terminal handle
// wins immediately in list order with no scheduler round-trip; a full
// timeout with none done reports ErrWaitTimeout.
func (o *Orchestrator) WaitAny(
	handles []*TaskHandle, timeout time.Duration,
) (*TaskHandle, *api.TaskResult, error) {
	tasks := make([]*spawnedTask, len(handles))
	for i, handle := range handles {
		task, err := o.task(handle)
		if err != nil {
			return nil, nil, err
		}
		tasks[i] = task
	}

	o.Lock()
	for i, task := range tasks {
		if task.status.IsTerminal() {
			result := task.result
			o.Unlock()
			return handles[i], result, nil
		}
	}
	o.Unlock()

	first := make(chan int, len(handles))
	stop := make(chan struct{})
	defer close(stop)

	for i, task := range tasks {
		go func() {
			select {
			case <-task.done:
				select {
				case first <- i:
				case <-stop:
				}
			case <-stop:
			}
		}()
	}

	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	}

	select {
	case i := <-first:
		o.Lock()
		defer o.Unlock()
		return handles[i], tasks[i].result, nil
	case <-timer:
		return nil, nil, ErrWaitTimeout
	}
}

// WaitAll waits for every task up to the timeout. The result map always
// has one entry per handle; tasks still running when time runs out get
// a synthetic TIMEOUT entry rather than an error.
func (o *Orchestrator) WaitAll(
	handles []*TaskHandle, timeout time.Duration,
) (map[*TaskHandle]*api.TaskResult, error) {
	tasks := make([]*spawnedTask, len(handles))
	for i, handle := range handles {
		task, err := o.task(handle)
		if err != nil {
			return nil, err
		}
		tasks[i] = task
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	}

	results := map[*TaskHandle]*api.TaskResult{}
	for i, task := range tasks {
		o.Lock()
		terminal := task.status.IsTerminal()
		result := task.result
		o.Unlock()

		if terminal {
			results[handles[i]] = result
			continue
		}

		select {
		case <-task.done:
			o.Lock()
			results[handles[i]] = task.result
			o.Unlock()
		case <-deadline:
			results[handles[i]] = &api.TaskResult{
				Success: false,
				Status:  api.TaskTimeout,
			}
			// Deadline passed; remaining unfinished tasks time out too
			deadline = closedTimeChan()
		}
	}
	return results, nil
}

// IsComplete reports whether the task reached a terminal state
func (o *Orchestrator) IsComplete(handle *TaskHandle) (bool, error) {
	status, err := o.Status(handle)
	if err != nil {
		return false, err
	}
	return status.IsTerminal(), nil
}

// AllComplete reports whether every task reached a terminal state
func (o *Orchestrator) AllComplete(handles []*TaskHandle) (bool, error) {
	for _, handle := range handles {
		done, err := o.IsComplete(handle)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// Close cancels every non-terminal task. Called once when the parent
// run ends; the task table does not outlive the run.
func (o *Orchestrator) Close() {
	o.Lock()
	defer o.Unlock()

	for _, task := range o.tasks {
		if task.status.IsTerminal() || task.cancel == nil {
			continue
		}
		task.cancel()
		task.status = api.TaskCancelled
		task.result = &api.TaskResult{
			Success: false,
			Status:  api.TaskCancelled,
			Error:   "parent run ended",
		}
	}
}

func (o *Orchestrator) task(handle *TaskHandle) (*spawnedTask, error) {
	if handle == nil {
		return nil, ErrUnknownTask
	}
	o.Lock()
	defer o.Unlock()
	task, ok := o.tasks[handle.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, handle.ID)
	}
	return task, nil
}

func (o *Orchestrator) finish(
	id api.TaskID, task *spawnedTask, res *api.TaskResult,
) {
	o.Lock()
	defer o.Unlock()

	// A cancelled task keeps its cancellation result
	if task.status.IsTerminal() {
		close(task.done)
		return
	}

	if res == nil {
		res = &api.TaskResult{Status: api.TaskFailed}
	}
	if res.Status == "" {
		if res.Success {
			res.Status = api.TaskCompleted
		} else {
			res.Status = api.TaskFailed
		}
	}
	task.status = res.Status
	task.result = res
	close(task.done)

	slog.Debug("Child procedure finished",
		log.TaskID(id),
		slog.String("ref", task.ref),
		log.Status(res.Status))
}

func closedTimeChan() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}
