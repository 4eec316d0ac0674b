package tasker

import (
	"sort"

	"github.com/me/tasker/pkg/model"
)

// Snapshot returns a consistent view of every queue, the last run order,
// and the unregistered dependencies of tasks stuck in holding.
func (r *Runner) Snapshot() model.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := model.Snapshot{
		Started: r.started,
		Queues:  make(map[model.QueueState][]string, len(model.AllQueueStates)),
		Counts:  make(map[model.QueueState]int, len(model.AllQueueStates)),
		Order:   append([]string(nil), r.taskOrder...),
		Tasks:   make(map[string]model.TaskInfo, len(r.index)),
	}
	for _, q := range model.AllQueueStates {
		names := make([]string, 0, len(r.queues[q]))
		for name, t := range r.queues[q] {
			names = append(names, name)
			s.Tasks[name] = t.Info(q)
		}
		sort.Strings(names)
		s.Queues[q] = names
		s.Counts[q] = len(names)
	}
	for name, t := range r.queues[model.QueueHolding] {
		if missing := r.missingLocked(t); len(missing) > 0 {
			if s.Missing == nil {
				s.Missing = make(map[string][]string)
			}
			s.Missing[name] = missing
		}
	}
	return s
}

// LogQueues writes the membership of every queue at debug level.
func (r *Runner) LogQueues() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logQueuesLocked()
}

func (r *Runner) logQueuesLocked() {
	for _, q := range model.AllQueueStates {
		names := make([]string, 0, len(r.queues[q]))
		for name := range r.queues[q] {
			names = append(names, name)
		}
		sort.Strings(names)
		r.logger.Debug("queue", "queue", q, "length", len(names), "tasks", names)

		if q == model.QueueFailure {
			for _, name := range names {
				r.logger.Debug("failed task", "task", name, "error", r.queues[q][name].Failure())
			}
		}
	}
	r.logger.Debug("task order", "order", r.taskOrder)
}
