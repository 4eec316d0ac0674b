package tasker

import (
	"context"
	"time"

	"github.com/me/tasker/pkg/model"
)

// RestartTask resets the named task after delay and registers it again, so
// it re-enters dependency gating from scratch. A delay of zero or less uses
// the configured RestartDelay.
func (r *Runner) RestartTask(name string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[name]; !ok {
		return &model.UnknownTaskError{Name: name}
	}
	r.scheduleLocked(name, delay, true)
	return nil
}

// ResetTask resets the named task after delay and removes it from the
// runner. A delay of zero or less uses the configured RestartDelay.
func (r *Runner) ResetTask(name string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[name]; !ok {
		return &model.UnknownTaskError{Name: name}
	}
	r.scheduleLocked(name, delay, false)
	return nil
}

// scheduleLocked arms a timer that resets name and, when readd is set,
// registers it again. Stop cancels outstanding timers.
func (r *Runner) scheduleLocked(name string, delay time.Duration, readd bool) {
	if delay <= 0 {
		delay = r.config.RestartDelay
	}
	action := "resetting"
	if readd {
		action = "restarting"
	}
	r.logger.Info(action+" task", "task", name, "delay", delay)

	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if _, ok := r.timers[tm]; !ok {
			r.mu.Unlock()
			return
		}
		delete(r.timers, tm)
		t := r.getLocked(name)
		r.mu.Unlock()
		if t == nil {
			return
		}

		if err := t.Reset(context.Background()); err != nil {
			r.logger.Warn("reset task", "task", name, "error", err)
		}

		r.mu.Lock()
		if r.getLocked(name) != t {
			// Removed or replaced while resetting.
			r.mu.Unlock()
			return
		}
		r.removeLocked(name)
		var resumed bool
		if readd {
			q := r.addLocked(t)
			r.logger.Debug("task re-added", "task", name, "queue", q)
			resumed = r.resumeLocked()
		}
		r.mu.Unlock()

		if resumed {
			r.events.emit(Event{Name: EventRunning})
		}
	})
	r.timers[tm] = struct{}{}
}
