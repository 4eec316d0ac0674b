package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures journal queries.
type ListOptions struct {
	Limit  int
	Offset int
	Event  string // optional event name filter
	Task   string // optional task name filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 100}
}

// Clamp enforces limits (max 1000, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// TaskInfo is a point-in-time view of one registered task.
type TaskInfo struct {
	Name       string     `json:"name"`
	Queue      QueueState `json:"queue"`
	Status     TaskStatus `json:"status"`
	Depends    []string   `json:"depends"`
	Background bool       `json:"background"`
	Created    time.Time  `json:"created"`
	Started    *time.Time `json:"started,omitempty"`
	Finished   *time.Time `json:"finished,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Snapshot is a consistent view of all runner queues.
type Snapshot struct {
	Started bool                    `json:"started"`
	Queues  map[QueueState][]string `json:"queues"`
	Counts  map[QueueState]int      `json:"counts"`
	Order   []string                `json:"order"`
	Missing map[string][]string     `json:"missing,omitempty"` // holding task -> unregistered deps
	Tasks   map[string]TaskInfo     `json:"tasks"`
}

// HasWork reports whether any task is still outstanding in the snapshot.
func (s *Snapshot) HasWork() bool {
	for q, n := range s.Counts {
		if q.IsActive() && n > 0 {
			return true
		}
	}
	return false
}
