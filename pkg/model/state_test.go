package model

import "testing"

func TestQueueState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    QueueState
		terminal bool
	}{
		{QueueHolding, false},
		{QueuePending, false},
		{QueueRunning, false},
		{QueueBackground, false},
		{QueueSuccess, true},
		{QueueFailure, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("QueueState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
		if got := tt.state.IsActive(); got == tt.terminal {
			t.Errorf("QueueState(%q).IsActive() = %v, want %v", tt.state, got, !tt.terminal)
		}
	}
}

func TestQueueState_Valid(t *testing.T) {
	for _, s := range AllQueueStates {
		if !s.Valid() {
			t.Errorf("QueueState(%q).Valid() = false, want true", s)
		}
	}
	for _, s := range []QueueState{"", "done", "RUNNING"} {
		if s.Valid() {
			t.Errorf("QueueState(%q).Valid() = true, want false", s)
		}
	}
}

func TestQueueState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  QueueState
		to    QueueState
		valid bool
	}{
		// Valid transitions
		{QueueHolding, QueuePending, true},
		{QueueHolding, QueueFailure, true},
		{QueuePending, QueueRunning, true},
		{QueuePending, QueueBackground, true},
		{QueuePending, QueueFailure, true},
		{QueueRunning, QueueSuccess, true},
		{QueueRunning, QueueFailure, true},
		{QueueBackground, QueueSuccess, true},
		{QueueBackground, QueueFailure, true},

		// Invalid transitions
		{QueueHolding, QueueRunning, false},
		{QueueHolding, QueueSuccess, false},
		{QueuePending, QueueHolding, false},
		{QueuePending, QueueSuccess, false},
		{QueueRunning, QueueBackground, false},
		{QueueSuccess, QueuePending, false},
		{QueueFailure, QueueRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("QueueState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskStatusIdle, false},
		{TaskStatusRunning, false},
		{TaskStatusSuccess, true},
		{TaskStatusFailure, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("TaskStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}
