package domain

import "time"

// TransitionEvent describes one applied state change, emitted to the
// notification dispatcher after the store commit.
type TransitionEvent struct {
	TaskID     string    `json:"task_id"`
	QueueID    string    `json:"queue_id,omitempty"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor,omitempty"` // empty for system-driven transitions
	OwnerID    string    `json:"owner_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
