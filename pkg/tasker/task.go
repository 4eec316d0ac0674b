package tasker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/tasker/internal/logging"
	"github.com/me/tasker/pkg/model"
)

// ExecFunc is the body of a task. deps holds the dependency tasks by name,
// all of which are done (successfully or not) when ExecFunc is called.
//
// For a background task the returned value is ignored; an error fails the
// task immediately. Otherwise the task completes when its detach future is
// fulfilled, usually from StopFunc via BackgroundResolve or BackgroundReject.
type ExecFunc func(ctx context.Context, t *Task, deps map[string]*Task) (any, error)

// StopFunc releases a started task. Background tasks must supply one and
// fulfil the detach future from it.
type StopFunc func(ctx context.Context, t *Task) error

// TaskConfig configures a Task. Only Name is required.
type TaskConfig struct {
	Name       string
	Depends    []string
	Background bool
	Exec       ExecFunc
	Stop       StopFunc
	// Data is an opaque value carried with the task for use by Exec and Stop.
	Data any
	// StopTimeout, if positive, rejects a background task's detach future
	// with ErrStopTimeout when it is still open this long after Stop returns.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Task is a single schedulable unit of work.
type Task struct {
	name        string
	depends     []string
	background  bool
	exec        ExecFunc
	stop        StopFunc
	data        any
	stopTimeout time.Duration
	logger      *slog.Logger
	events      *emitter

	mu              sync.Mutex
	gen             uint64 // bumped by Reset; completions from older runs are dropped
	created         time.Time
	started         time.Time
	finished        time.Time
	done            bool
	success         any
	failure         error
	cancelRequested bool
	stopCalled      bool
	runCancel       context.CancelFunc
	detached        *Future
	stopTimer       *time.Timer
}

// NewTask creates a task from cfg.
func NewTask(cfg TaskConfig) *Task {
	logger := logging.OrDiscard(cfg.Logger).With("task", cfg.Name)
	deps := make([]string, len(cfg.Depends))
	copy(deps, cfg.Depends)
	return &Task{
		name:        cfg.Name,
		depends:     deps,
		background:  cfg.Background,
		exec:        cfg.Exec,
		stop:        cfg.Stop,
		data:        cfg.Data,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		events:      newEmitter("task-"+cfg.Name, logger),
		created:     time.Now(),
	}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Depends returns a copy of the declared dependency names.
func (t *Task) Depends() []string {
	out := make([]string, len(t.depends))
	copy(out, t.depends)
	return out
}

// Background reports whether the task is a background task.
func (t *Task) Background() bool { return t.background }

// Data returns the opaque value the task was configured with.
func (t *Task) Data() any { return t.data }

// Created returns when the task was constructed or last reset.
func (t *Task) Created() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created
}

// Started returns when the current run began, or the zero time.
func (t *Task) Started() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Finished returns when the current run completed, or the zero time.
func (t *Task) Finished() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Done reports whether the task has completed since construction or the last Reset.
func (t *Task) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Success returns the result of a successful run.
func (t *Task) Success() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.success
}

// Failure returns the error of a failed run.
func (t *Task) Failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Cancelled reports whether Cancel has been called since the last Reset.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// generation identifies the current run; Reset bumps it.
func (t *Task) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// cancelledBeforeStart reports whether the task finished without running.
func (t *Task) cancelledBeforeStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done && t.started.IsZero()
}

// Status returns the task's position in its own lifecycle.
func (t *Task) Status() model.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Task) statusLocked() model.TaskStatus {
	switch {
	case t.done && t.failure != nil:
		return model.TaskStatusFailure
	case t.done:
		return model.TaskStatusSuccess
	case !t.started.IsZero():
		return model.TaskStatusRunning
	default:
		return model.TaskStatusIdle
	}
}

// On subscribes h to a task event and returns the subscription id.
func (t *Task) On(event string, h Handler) string { return t.events.on(event, h) }

// Once subscribes h to the next occurrence of a task event.
func (t *Task) Once(event string, h Handler) string { return t.events.once(event, h) }

// Off removes a subscription. It reports whether the id was registered.
func (t *Task) Off(id string) bool { return t.events.off(id) }

// Run executes the task with the given dependency tasks. It is normally
// invoked by a Runner. Run returns an InvalidStateError wrapping
// ErrAlreadyStarted if the task has started since its last Reset, or
// ErrAlreadyDone if it finished without starting, as a task cancelled
// before it ran does.
func (t *Task) Run(ctx context.Context, deps map[string]*Task) (any, error) {
	run, err := t.begin(ctx, deps)
	if err != nil {
		return nil, err
	}
	return run()
}

// begin marks the task started and returns the function that performs the
// run. Splitting the two lets a runner claim the task under its own lock.
func (t *Task) begin(ctx context.Context, deps map[string]*Task) (func() (any, error), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.started.IsZero():
		return nil, &model.InvalidStateError{Name: t.name, State: t.statusLocked().String(), Err: model.ErrAlreadyStarted}
	case t.done:
		return nil, &model.InvalidStateError{Name: t.name, State: t.statusLocked().String(), Err: model.ErrAlreadyDone}
	}
	gen := t.gen
	t.started = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	t.runCancel = cancel
	var detached *Future
	if t.background {
		// Bind the future to this run so Reset can release it.
		if t.detached == nil {
			t.detached = NewFuture()
		}
		detached = t.detached
	}

	return func() (any, error) {
		defer cancel()
		if t.background {
			t.logger.Debug("running (background)")
		} else {
			t.logger.Debug("running")
		}
		t.events.emit(Event{Name: EventRunning, Task: t})

		result, err := t.execute(runCtx, gen, deps, detached)
		return t.complete(gen, result, err)
	}, nil
}

func (t *Task) execute(ctx context.Context, gen uint64, deps map[string]*Task, detached *Future) (any, error) {
	t.mu.Lock()
	superseded, cancelled := gen != t.gen, t.cancelRequested
	t.mu.Unlock()
	if superseded || cancelled {
		return nil, &model.TaskCancelledError{Name: t.name}
	}
	if t.exec == nil {
		return nil, &model.MustOverrideError{Name: t.name, Method: "exec"}
	}

	v, err := t.callExec(ctx, deps)
	if err != nil {
		return nil, err
	}
	if detached == nil {
		return v, nil
	}
	// Cancelling the run context must not abort the wait: the stop hook
	// fulfils the future after the context is cancelled.
	return detached.Wait(context.WithoutCancel(ctx))
}

func (t *Task) callExec(ctx context.Context, deps map[string]*Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task [%s] exec panicked: %v", t.name, r)
		}
	}()
	return t.exec(ctx, t, deps)
}

// complete records the outcome of run gen and emits the completion events.
// Outcomes of runs superseded by Reset are returned but not recorded.
func (t *Task) complete(gen uint64, result any, err error) (any, error) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.logger.Debug("discarding result of superseded run", "error", err)
		return result, err
	}
	t.finished = time.Now()
	t.done = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	if err != nil {
		t.success = nil
		t.failure = err
	} else {
		t.success = result
		t.failure = nil
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("done", "outcome", model.TaskStatusFailure, "error", err)
		t.events.emit(Event{Name: EventPreFailure, Task: t})
		t.events.emit(Event{Name: EventFailure, Task: t})
		t.events.emit(Event{Name: EventDone, Task: t})
		return nil, err
	}

	t.logger.Debug("done", "outcome", model.TaskStatusSuccess)
	t.events.emit(Event{Name: EventPreSuccess, Task: t})
	t.events.emit(Event{Name: EventSuccess, Task: t})
	t.events.emit(Event{Name: EventDone, Task: t})
	return result, nil
}

// Detach returns the future that completes a background task, creating it
// on first use.
func (t *Task) Detach() (*Future, error) {
	if !t.background {
		return nil, &model.NotBackgroundError{Name: t.name, Op: "detach"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached == nil {
		t.detached = NewFuture()
	}
	return t.detached, nil
}

// BackgroundResolve completes a background task successfully with v.
func (t *Task) BackgroundResolve(v any) error {
	if !t.background {
		return &model.NotBackgroundError{Name: t.name, Op: "background resolve"}
	}
	f, _ := t.Detach()
	if err := f.Resolve(v); err != nil {
		return fmt.Errorf("task [%s]: %w", t.name, err)
	}
	return nil
}

// BackgroundReject completes a background task with a failure.
func (t *Task) BackgroundReject(reason error) error {
	if !t.background {
		return &model.NotBackgroundError{Name: t.name, Op: "background reject"}
	}
	f, _ := t.Detach()
	if err := f.Reject(reason); err != nil {
		return fmt.Errorf("task [%s]: %w", t.name, err)
	}
	return nil
}

// Cancel requests cancellation. An unstarted task fails immediately with a
// TaskCancelledError. A started task has its run context cancelled and its
// stop hook invoked once; completing the run is left to the task.
// Cancelling a finished task only records the request.
func (t *Task) Cancel(ctx context.Context) error {
	t.mu.Lock()
	t.cancelRequested = true

	if t.started.IsZero() {
		if t.done {
			t.mu.Unlock()
			return nil
		}
		t.failure = &model.TaskCancelledError{Name: t.name}
		t.finished = time.Now()
		t.done = true
		t.mu.Unlock()

		t.logger.Debug("cancelled before start")
		t.events.emit(Event{Name: EventFailure, Task: t})
		t.events.emit(Event{Name: EventDone, Task: t})
		return nil
	}

	if t.done || t.stopCalled {
		t.mu.Unlock()
		return nil
	}
	t.stopCalled = true
	gen := t.gen
	if t.runCancel != nil {
		t.runCancel()
	}
	t.mu.Unlock()

	t.logger.Debug("cancelling")
	err := t.callStop(ctx)
	if t.background {
		if err != nil {
			// A failed stop cannot fulfil the future; fail the run with the stop error.
			t.rejectDetached(gen, err)
		} else {
			t.armStopTimeout(gen)
		}
	}
	return err
}

func (t *Task) callStop(ctx context.Context) (err error) {
	if t.stop == nil {
		if t.background {
			return &model.MustOverrideError{Name: t.name, Method: "stop"}
		}
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task [%s] stop panicked: %v", t.name, r)
		}
	}()
	return t.stop(ctx, t)
}

// rejectDetached rejects the detach future of run gen if that run is still
// in flight, and reports whether it did.
func (t *Task) rejectDetached(gen uint64, reason error) bool {
	t.mu.Lock()
	f := t.detached
	if gen != t.gen || t.done || f == nil {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	return f.Reject(reason) == nil
}

func (t *Task) armStopTimeout(gen uint64) {
	if t.stopTimeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.done {
		return
	}
	timeout := t.stopTimeout
	t.stopTimer = time.AfterFunc(timeout, func() {
		err := fmt.Errorf("task [%s] after %s: %w", t.name, timeout, model.ErrStopTimeout)
		if t.rejectDetached(gen, err) {
			t.logger.Warn("background task did not complete after stop", "timeout", timeout)
		}
	})
}

// Reset returns the task to its pre-run state, cancelling it first if it has
// not finished. Identity and configuration are preserved. A cancellation
// error is returned, but the reset still happens.
func (t *Task) Reset(ctx context.Context) error {
	var cancelErr error
	if !t.Done() {
		cancelErr = t.Cancel(ctx)
	}

	t.mu.Lock()
	t.gen++
	old := t.detached
	if t.runCancel != nil {
		t.runCancel()
	}
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.created = time.Now()
	t.started = time.Time{}
	t.finished = time.Time{}
	t.done = false
	t.success = nil
	t.failure = nil
	t.cancelRequested = false
	t.stopCalled = false
	t.runCancel = nil
	t.detached = nil
	t.stopTimer = nil
	t.mu.Unlock()

	// Release a run still waiting on the discarded future.
	if old != nil {
		_ = old.Reject(&model.TaskCancelledError{Name: t.name})
	}

	t.logger.Debug("reset")
	if cancelErr != nil {
		return fmt.Errorf("reset task [%s]: %w", t.name, cancelErr)
	}
	return nil
}

// AssertNotCancelled returns a TaskCancelledError if Cancel has been called.
// Long-running exec bodies can call it at safe points.
func (t *Task) AssertNotCancelled() error {
	if t.Cancelled() {
		return &model.TaskCancelledError{Name: t.name}
	}
	return nil
}

// AssertCancelled returns an error unless Cancel has been called.
func (t *Task) AssertCancelled() error {
	if !t.Cancelled() {
		return fmt.Errorf("task [%s]: %w", t.name, model.ErrNotCancelled)
	}
	return nil
}

// Info returns a point-in-time view of the task as a member of queue q.
func (t *Task) Info(q model.QueueState) model.TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := model.TaskInfo{
		Name:       t.name,
		Queue:      q,
		Status:     t.statusLocked(),
		Depends:    append([]string(nil), t.depends...),
		Background: t.background,
		Created:    t.created,
		Result:     t.success,
	}
	if !t.started.IsZero() {
		s := t.started
		info.Started = &s
	}
	if !t.finished.IsZero() {
		f := t.finished
		info.Finished = &f
	}
	if t.failure != nil {
		info.Error = t.failure.Error()
	}
	return info
}

// IsCancellation reports whether err records a cancellation rather than a
// genuine task failure.
func IsCancellation(err error) bool {
	return errors.Is(err, model.ErrTaskCancelled) || errors.Is(err, context.Canceled)
}
