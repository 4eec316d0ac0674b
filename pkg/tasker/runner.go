package tasker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/me/tasker/internal/logging"
	"github.com/me/tasker/pkg/model"
)

// Config holds runner configuration.
type Config struct {
	// Parallel caps the number of foreground tasks in the running queue.
	Parallel int
	// RestartDelay is the default delay for RestartTask and ResetTask, and
	// the delay before a failed background task is restarted.
	RestartDelay time.Duration
	// PlanningInterval is the time between planning ticks.
	PlanningInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Parallel:         10,
		RestartDelay:     5 * time.Second,
		PlanningInterval: 100 * time.Millisecond,
	}
}

// withDefaults replaces zero or negative fields with their defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Parallel <= 0 {
		c.Parallel = d.Parallel
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.PlanningInterval <= 0 {
		c.PlanningInterval = d.PlanningInterval
	}
	return c
}

// Runner schedules a graph of tasks. Every registered task is a member of
// exactly one of six queues: holding, pending, running, background,
// success and failure.
//
// A single mutex guards the queues. Planning ticks and completion handlers
// both mutate them under that mutex; events are emitted after it is
// released, so handlers may call back into the runner.
type Runner struct {
	config Config
	logger *slog.Logger
	events *emitter

	mu          sync.Mutex
	queues      map[model.QueueState]map[string]*Task
	index       map[string]model.QueueState
	added       []string // registration order
	taskOrder   []string
	subs        map[string][]string // runner listener ids on each dispatched task
	timers      map[*time.Timer]struct{}
	started     bool
	looping     bool
	noWorkCount int
	wake        chan struct{}
	quit        chan struct{}
	loopDone    chan struct{}
	runCtx      context.Context
	cancelRun   context.CancelFunc
	epoch       uint64         // bumped by Stop; older dispatches do not run
	inflight    sync.WaitGroup // dispatched runs that have not returned
}

// New creates a runner. A nil logger discards log output.
func New(cfg Config, logger *slog.Logger) *Runner {
	logger = logging.OrDiscard(logger).With("component", "runner")
	r := &Runner{
		config: cfg.withDefaults(),
		logger: logger,
		events: newEmitter("runner", logger),
		wake:   make(chan struct{}, 1),
	}
	r.resetQueuesLocked()
	r.runCtx, r.cancelRun = context.WithCancel(context.Background())
	return r
}

func (r *Runner) resetQueuesLocked() {
	r.queues = make(map[model.QueueState]map[string]*Task, len(model.AllQueueStates))
	for _, q := range model.AllQueueStates {
		r.queues[q] = make(map[string]*Task)
	}
	r.index = make(map[string]model.QueueState)
	r.added = nil
	r.taskOrder = nil
	r.subs = make(map[string][]string)
	r.timers = make(map[*time.Timer]struct{})
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.config }

// On subscribes h to a runner event (EventRunning, EventIdle, EventTaskDone,
// EventTaskSuccess, EventTaskFailure, or EventAll) and returns its id.
func (r *Runner) On(event string, h Handler) string { return r.events.on(event, h) }

// Once subscribes h to the next occurrence of a runner event.
func (r *Runner) Once(event string, h Handler) string { return r.events.once(event, h) }

// Off removes a subscription.
func (r *Runner) Off(id string) bool { return r.events.off(id) }

// AddTask registers t. Tasks whose dependencies are all registered go to
// pending, others to holding. Adding a name that is already registered
// returns a DuplicateTaskError and changes nothing.
func (r *Runner) AddTask(t *Task) error {
	if t == nil {
		return errors.New("add task: nil task")
	}
	if t.Name() == "" {
		return &model.InvalidStateError{Name: t.Name(), State: "unnamed", Err: errors.New("task name is required")}
	}

	r.mu.Lock()
	if _, ok := r.index[t.Name()]; ok {
		r.mu.Unlock()
		return &model.DuplicateTaskError{Name: t.Name()}
	}
	q := r.addLocked(t)
	resumed := r.resumeLocked()
	r.mu.Unlock()

	r.logger.Debug("task added", "task", t.Name(), "queue", q)
	if resumed {
		r.events.emit(Event{Name: EventRunning})
	}
	return nil
}

func (r *Runner) addLocked(t *Task) model.QueueState {
	q := model.QueueHolding
	if r.canRunLocked(t) {
		q = model.QueuePending
	}
	r.queues[q][t.Name()] = t
	r.index[t.Name()] = q
	r.added = append(r.added, t.Name())
	r.noWorkCount = 0
	return q
}

// removeLocked drops name from every queue and detaches runner listeners.
func (r *Runner) removeLocked(name string) {
	q, ok := r.index[name]
	if !ok {
		return
	}
	r.detachLocked(name)
	delete(r.queues[q], name)
	delete(r.index, name)
	for i, n := range r.added {
		if n == name {
			r.added = append(r.added[:i:i], r.added[i+1:]...)
			break
		}
	}
}

// resumeLocked restarts the loop goroutine if the runner is started but its
// loop has gone idle, or wakes a running loop. It reports whether the loop
// was restarted.
func (r *Runner) resumeLocked() bool {
	if !r.started {
		return false
	}
	if r.looping {
		r.signal()
		return false
	}
	r.noWorkCount = 0
	r.startLoopLocked()
	r.signal()
	return true
}

// Start marks the runner started, emits running and begins planning. It
// runs the first tick before returning. Calling Start while the loop is
// active is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	r.started = true
	if r.looping {
		r.mu.Unlock()
		return
	}
	r.noWorkCount = 0
	r.mu.Unlock()

	r.logger.Info("runner started",
		"parallel", r.config.Parallel,
		"planning_interval", r.config.PlanningInterval,
		"restart_delay", r.config.RestartDelay,
	)
	r.events.emit(Event{Name: EventRunning})
	r.tick(false)

	r.mu.Lock()
	if r.started && !r.looping {
		r.startLoopLocked()
	}
	r.mu.Unlock()
}

// Stop halts planning, cancels every task that is not done, resets every
// task and empties all queues. Tasks dispatched by a tick but not yet started
// never run. After the reset Stop waits, until ctx is done, for runs already
// in flight to return. Cancellation and reset errors are collected and
// returned together; Stop always completes the shutdown.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.logger.Info("runner stopping", "tasks", len(r.index))
	r.logQueuesLocked()
	r.started = false
	r.epoch++
	quit, loopDone := r.quit, r.loopDone
	r.quit, r.loopDone = nil, nil
	r.looping = false
	if quit != nil {
		close(quit)
	}
	for tm := range r.timers {
		tm.Stop()
	}
	r.timers = make(map[*time.Timer]struct{})

	all := make([]*Task, 0, len(r.added))
	var unfinished []*Task
	for _, name := range r.added {
		t := r.queues[r.index[name]][name]
		all = append(all, t)
		if !r.index[name].IsTerminal() {
			// Detach before cancelling so cancellation does not requeue.
			r.detachLocked(name)
			unfinished = append(unfinished, t)
		}
	}
	r.mu.Unlock()

	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
		}
	}

	var result *multierror.Error
	if len(unfinished) > 0 {
		r.logger.Debug("cancelling incomplete tasks", "count", len(unfinished))
	}
	for _, t := range unfinished {
		if err := t.Cancel(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("cancel task [%s]: %w", t.Name(), err))
		}
	}
	for _, t := range all {
		if err := t.Reset(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	r.mu.Lock()
	r.cancelRun()
	r.mu.Unlock()
	if err := r.waitInflight(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	r.mu.Lock()
	r.resetQueuesLocked()
	r.noWorkCount = 0
	r.started = false
	r.runCtx, r.cancelRun = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.logger.Info("runner stopped")
	return result.ErrorOrNil()
}

// waitInflight waits for dispatched runs to return.
func (r *Runner) waitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}

// IsStarted reports whether Start has been called without a later Stop.
func (r *Runner) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// GetTask returns the named task, or nil if it is not registered.
func (r *Runner) GetTask(name string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Runner) getLocked(name string) *Task {
	q, ok := r.index[name]
	if !ok {
		return nil
	}
	return r.queues[q][name]
}

// Exists reports whether a task with this name is registered.
func (r *Runner) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[name]
	return ok
}

// Tasks returns all registered tasks keyed by name.
func (r *Runner) Tasks() map[string]*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Task, len(r.index))
	for name, q := range r.index {
		out[name] = r.queues[q][name]
	}
	return out
}

// Depends returns all registered tasks in registration order.
func (r *Runner) Depends() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.added))
	for _, name := range r.added {
		out = append(out, r.getLocked(name))
	}
	return out
}

// TaskState returns the queue that owns the named task.
func (r *Runner) TaskState(name string) (model.QueueState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.index[name]
	if !ok {
		return "", &model.UnknownTaskError{Name: name}
	}
	return q, nil
}

// CollectResults returns the named tasks keyed by name. Unregistered names
// are omitted.
func (r *Runner) CollectResults(names []string) map[string]*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(names)
}

func (r *Runner) collectLocked(names []string) map[string]*Task {
	out := make(map[string]*Task, len(names))
	for _, name := range names {
		if t := r.getLocked(name); t != nil {
			out[name] = t
		}
	}
	return out
}

// CancelTask cancels a single registered task. A task that had not started
// moves to failure at once.
func (r *Runner) CancelTask(ctx context.Context, name string) error {
	t := r.GetTask(name)
	if t == nil {
		return &model.UnknownTaskError{Name: name}
	}
	r.logger.Info("cancelling task", "task", name)
	err := t.Cancel(ctx)

	r.mu.Lock()
	settled := r.getLocked(name) == t && r.settleLocked(t)
	r.mu.Unlock()
	if settled {
		r.emitSettled(t)
	}
	return err
}

// HasWork reports whether any task is in holding, pending, running or background.
func (r *Runner) HasWork() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasWorkLocked()
}

func (r *Runner) hasWorkLocked() bool {
	for _, q := range model.AllQueueStates {
		if q.IsActive() && len(r.queues[q]) > 0 {
			return true
		}
	}
	return false
}

// IsRunning reports whether the named task is in running or background.
func (r *Runner) IsRunning(name string) bool {
	q := r.stateOf(name)
	return q == model.QueueRunning || q == model.QueueBackground
}

// IsPending reports whether the named task is in holding or pending.
func (r *Runner) IsPending(name string) bool {
	q := r.stateOf(name)
	return q == model.QueuePending || q == model.QueueHolding
}

// IsDone reports whether the named task is in success or failure.
func (r *Runner) IsDone(name string) bool {
	return r.stateOf(name).IsTerminal()
}

// AllDone reports whether every named task is registered and done.
func (r *Runner) AllDone(names []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allDoneLocked(names)
}

func (r *Runner) allDoneLocked(names []string) bool {
	for _, name := range names {
		if !r.index[name].IsTerminal() {
			return false
		}
	}
	return true
}

// stateOf returns the owning queue, or "" for unknown names.
func (r *Runner) stateOf(name string) model.QueueState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index[name]
}

// canRunLocked is the existence gate: every dependency is registered.
func (r *Runner) canRunLocked(t *Task) bool {
	for _, dep := range t.depends {
		if _, ok := r.index[dep]; !ok {
			return false
		}
	}
	return true
}

// setStateLocked moves name to queue next, validating the transition.
func (r *Runner) setStateLocked(name string, next model.QueueState) error {
	cur, ok := r.index[name]
	if !ok {
		return &model.UnknownTaskError{Name: name}
	}
	if cur == next {
		return nil
	}
	if !next.Valid() || !cur.CanTransitionTo(next) {
		return &model.InvalidStateError{
			Name:  name,
			State: next.String(),
			Err:   fmt.Errorf("cannot move from %s to %s", cur, next),
		}
	}
	t := r.queues[cur][name]
	delete(r.queues[cur], name)
	r.queues[next][name] = t
	r.index[name] = next
	r.logger.Debug("task state changed", "task", name, "from", cur, "to", next)
	return nil
}
