package model

// QueueState names the runner queue that currently owns a task.
// Every registered task is in exactly one queue.
type QueueState string

const (
	QueueHolding    QueueState = "holding"
	QueuePending    QueueState = "pending"
	QueueRunning    QueueState = "running"
	QueueBackground QueueState = "background"
	QueueSuccess    QueueState = "success"
	QueueFailure    QueueState = "failure"
)

// AllQueueStates lists the queues in lookup order.
var AllQueueStates = []QueueState{
	QueueHolding,
	QueuePending,
	QueueRunning,
	QueueBackground,
	QueueSuccess,
	QueueFailure,
}

// String returns the string representation of the queue state.
func (s QueueState) String() string {
	return string(s)
}

// Valid reports whether s names one of the six runner queues.
func (s QueueState) Valid() bool {
	for _, q := range AllQueueStates {
		if q == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the queue holds finished tasks.
func (s QueueState) IsTerminal() bool {
	return s == QueueSuccess || s == QueueFailure
}

// IsActive returns true if tasks in this queue still count as outstanding work.
func (s QueueState) IsActive() bool {
	switch s {
	case QueueHolding, QueuePending, QueueRunning, QueueBackground:
		return true
	}
	return false
}

// ValidQueueTransitions defines the queue moves performed by the runner.
// Removal from all queues (restart, reset, stop) is always allowed and not listed.
// Holding and pending tasks move straight to failure when cancelled before they run.
var ValidQueueTransitions = map[QueueState][]QueueState{
	QueueHolding:    {QueuePending, QueueFailure},
	QueuePending:    {QueueRunning, QueueBackground, QueueFailure},
	QueueRunning:    {QueueSuccess, QueueFailure},
	QueueBackground: {QueueSuccess, QueueFailure},
}

// CanTransitionTo returns true if moving from the current queue to next is valid.
func (s QueueState) CanTransitionTo(next QueueState) bool {
	for _, allowed := range ValidQueueTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskStatus is the execution state of a single task, independent of runner queues.
type TaskStatus string

const (
	TaskStatusIdle    TaskStatus = "idle"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailure TaskStatus = "failure"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the task has finished.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure
}
