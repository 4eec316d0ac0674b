package tasker

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/me/tasker/internal/solver"
	"github.com/me/tasker/pkg/model"
)

// idleTicks is the number of consecutive empty ticks before the runner
// reports idle and parks its loop.
const idleTicks = 2

func (r *Runner) startLoopLocked() {
	if r.quit == nil {
		r.quit = make(chan struct{})
	}
	done := make(chan struct{})
	r.loopDone = done
	r.looping = true
	go r.loop(r.quit, done)
}

// signal wakes the loop without waiting for the planning interval.
func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// loop drives planning ticks until the runner goes idle or is stopped.
func (r *Runner) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(r.config.PlanningInterval)
	defer timer.Stop()

	for {
		select {
		case <-quit:
			return
		case <-timer.C:
		case <-r.wake:
		}
		if !r.tick(true) {
			return
		}
		timer.Reset(r.config.PlanningInterval)
	}
}

// Tick runs one planning iteration. The loop calls it on every planning
// interval; it is exported so callers can drive a runner step by step.
func (r *Runner) Tick() {
	r.tick(false)
}

// tick runs one planning iteration and reports whether the loop should keep
// going. When fromLoop is set, the loop is parked on idle or stop.
func (r *Runner) tick(fromLoop bool) bool {
	r.mu.Lock()

	if fromLoop && !r.started {
		r.looping = false
		r.mu.Unlock()
		return false
	}

	if !r.hasWorkLocked() {
		r.noWorkCount++
		r.logger.Debug("no work", "idle_ticks", r.noWorkCount)
		if r.noWorkCount >= idleTicks {
			emitIdle := r.noWorkCount == idleTicks
			if fromLoop {
				r.looping = false
			}
			r.mu.Unlock()
			if emitIdle {
				r.logger.Info("runner idle")
				r.events.emit(Event{Name: EventIdle})
			}
			return false
		}
	} else {
		r.noWorkCount = 0
	}

	order, err := r.runOrderLocked()
	if err != nil {
		r.logger.Warn("dependency cycle, affected tasks cannot run", "error", err)
	}

	var launch []func()
	var settled []*Task
	for _, name := range order {
		fn, t, err := r.reviewLocked(name)
		if err != nil {
			r.logger.Error("failed to review task", "task", name, "error", err)
			continue
		}
		if fn != nil {
			launch = append(launch, fn)
		}
		if t != nil {
			settled = append(settled, t)
		}
	}
	r.logger.Debug("planning tick",
		"running", len(r.queues[model.QueueRunning]),
		"parallel", r.config.Parallel,
		"dispatched", len(launch),
	)
	r.mu.Unlock()

	for _, t := range settled {
		r.emitSettled(t)
	}
	for _, fn := range launch {
		go fn()
	}
	return true
}

// reviewLocked applies the two dependency gates to one task. It returns a
// function that runs the task when the task was promoted to running or
// background, or the task itself when it was cancelled before it ran and
// has been moved to failure.
func (r *Runner) reviewLocked(name string) (launch func(), settled *Task, err error) {
	defer func() {
		if p := recover(); p != nil {
			launch, settled, err = nil, nil, fmt.Errorf("panic while reviewing task: %v", p)
		}
	}()

	t := r.getLocked(name)
	if t == nil {
		return nil, nil, &model.UnknownTaskError{Name: name}
	}
	if r.settleLocked(t) {
		return nil, t, nil
	}

	switch r.index[name] {
	case model.QueueHolding:
		if !r.canRunLocked(t) {
			r.logger.Debug("task waiting for dependencies to register",
				"task", name, "missing", r.missingLocked(t))
			return nil, nil, nil
		}
		return nil, nil, r.setStateLocked(name, model.QueuePending)

	case model.QueuePending:
		if !r.allDoneLocked(t.depends) {
			return nil, nil, nil
		}
		next := model.QueueBackground
		if !t.background {
			if len(r.queues[model.QueueRunning]) >= r.config.Parallel {
				return nil, nil, nil
			}
			next = model.QueueRunning
		}
		if err := r.setStateLocked(name, next); err != nil {
			return nil, nil, err
		}
		return r.dispatchLocked(t), nil, nil
	}
	return nil, nil, nil
}

// settleLocked moves a task that was cancelled before it ran into failure.
// Such a task never reports through the runner's completion listeners.
func (r *Runner) settleLocked(t *Task) bool {
	name := t.Name()
	if r.index[name].IsTerminal() || !t.cancelledBeforeStart() {
		return false
	}
	r.detachLocked(name)
	if err := r.setStateLocked(name, model.QueueFailure); err != nil {
		r.logger.Error("failed to record cancelled task", "task", name, "error", err)
		return false
	}
	r.signal()
	return true
}

func (r *Runner) emitSettled(t *Task) {
	r.logger.Debug("task cancelled before it ran", "task", t.Name())
	r.events.emit(Event{Name: EventTaskDone, Task: t})
	r.events.emit(Event{Name: EventTaskFailure, Task: t})
}

// dispatchLocked attaches one-shot completion listeners and returns the
// function that runs t. The function does nothing if the runner was stopped,
// or t was reset or replaced, after the dispatch.
func (r *Runner) dispatchLocked(t *Task) func() {
	name := t.Name()
	deps := r.collectLocked(t.depends)
	ctx := r.runCtx
	epoch, gen := r.epoch, t.generation()

	r.detachLocked(name)
	r.subs[name] = []string{
		t.Once(EventPreSuccess, r.onPreSuccess),
		t.Once(EventPreFailure, r.onPreFailure),
	}

	r.logger.Debug("dispatching task", "task", name, "background", t.background)
	r.inflight.Add(1)
	return func() {
		defer r.inflight.Done()

		r.mu.Lock()
		var run func() (any, error)
		var err error
		settled := false
		switch {
		case r.epoch != epoch || r.getLocked(name) != t || t.generation() != gen:
			r.logger.Debug("dispatch superseded", "task", name)
		case r.settleLocked(t):
			settled = true
		default:
			run, err = t.begin(ctx, deps)
		}
		r.mu.Unlock()

		if settled {
			r.emitSettled(t)
		}
		if err != nil {
			r.logger.Debug("task could not start", "task", name, "error", err)
		}
		if run == nil {
			return
		}
		if _, err := run(); err != nil {
			r.logger.Debug("task run returned error", "task", name, "error", err)
		}
	}
}

// detachLocked removes the runner's completion listeners from name.
func (r *Runner) detachLocked(name string) {
	ids, ok := r.subs[name]
	if !ok {
		return
	}
	if t := r.getLocked(name); t != nil {
		for _, id := range ids {
			t.Off(id)
		}
	}
	delete(r.subs, name)
}

func (r *Runner) onPreSuccess(ev Event) {
	r.complete(ev.Task, model.QueueSuccess)
}

func (r *Runner) onPreFailure(ev Event) {
	r.complete(ev.Task, model.QueueFailure)
}

// complete records a task outcome reported by one of the runner's listeners.
func (r *Runner) complete(t *Task, q model.QueueState) {
	name := t.Name()

	r.mu.Lock()
	if r.getLocked(name) != t {
		r.mu.Unlock()
		return
	}
	r.detachLocked(name)
	if err := r.setStateLocked(name, q); err != nil {
		r.mu.Unlock()
		r.logger.Error("failed to record task outcome", "task", name, "error", err)
		return
	}
	restart := q == model.QueueFailure && t.background && !t.Cancelled()
	if restart {
		r.scheduleLocked(name, 0, true)
	}
	r.signal()
	r.mu.Unlock()

	if q == model.QueueSuccess {
		r.logger.Debug("task succeeded", "task", name)
	} else {
		r.logger.Debug("task failed", "task", name, "error", t.Failure())
	}

	r.events.emit(Event{Name: EventTaskDone, Task: t})
	if q == model.QueueSuccess {
		r.events.emit(Event{Name: EventTaskSuccess, Task: t})
	} else {
		r.events.emit(Event{Name: EventTaskFailure, Task: t})
	}
}

// RunOrder recomputes the advisory run order: tasks without declared
// dependencies first, in registration order, then the rest in dependency
// order. On a dependency cycle the order still lists every task, with the
// tasks that could not be ordered last, and a CyclicDependencyError is
// returned alongside it.
func (r *Runner) RunOrder() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, err := r.runOrderLocked()
	return append([]string(nil), order...), err
}

func (r *Runner) runOrderLocked() ([]string, error) {
	var head []string
	graph := make(map[string][]string)
	for _, name := range r.added {
		t := r.getLocked(name)
		if len(t.depends) == 0 {
			head = append(head, name)
			continue
		}
		graph[name] = t.depends
	}

	solved, err := solver.Solve(graph)

	seen := make(map[string]bool, len(r.added))
	order := make([]string, 0, len(r.added))
	appendUnique := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				order = append(order, n)
			}
		}
	}
	appendUnique(head)
	appendUnique(solved)

	var cyc *model.CyclicDependencyError
	if errors.As(err, &cyc) {
		blocked := append([]string(nil), cyc.Names...)
		sort.Strings(blocked)
		appendUnique(blocked)
	} else if err != nil {
		return nil, err
	}

	r.taskOrder = order
	return order, err
}

// TaskOrder returns the run order computed by the most recent tick or
// RunOrder call.
func (r *Runner) TaskOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.taskOrder...)
}

// missingLocked lists t's dependencies that are not registered.
func (r *Runner) missingLocked(t *Task) []string {
	var missing []string
	for _, dep := range t.depends {
		if _, ok := r.index[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}
