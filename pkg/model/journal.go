package model

import "time"

// JournalEntry is one recorded runner notification.
type JournalEntry struct {
	ID     int64      `json:"id"`
	RunID  string     `json:"run_id"`
	Event  string     `json:"event"`
	Task   string     `json:"task,omitempty"`
	Queue  QueueState `json:"queue,omitempty"`
	Error  string     `json:"error,omitempty"`
	Result string     `json:"result,omitempty"` // JSON-encoded task result
	Time   time.Time  `json:"time"`
}

// Run is one journalled runner session.
type Run struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Events   int        `json:"events"`
}
