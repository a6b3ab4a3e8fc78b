package domain

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusReserved   Status = "RESERVED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDeferred   Status = "DEFERRED"
	StatusEscalated  Status = "ESCALATED"
	StatusClosed     Status = "CLOSED"
	StatusCompleted  Status = "COMPLETED"
)

var terminalStatuses = map[Status]bool{
	StatusClosed:    true,
	StatusCompleted: true,
}

// IsTerminal reports whether the status accepts no further events.
func (s Status) IsTerminal() bool { return terminalStatuses[s] }

// Active reports whether the task still counts against deadlines.
func (s Status) Active() bool { return !s.IsTerminal() }

// Priority orders tasks within queue listings.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Rank maps priorities to integers so stores can sort with priority DESC.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// PriorityFromRank is the inverse of Rank. Unknown ranks fall back to MEDIUM.
func PriorityFromRank(r int) Priority {
	switch r {
	case 3:
		return PriorityHigh
	case 1:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool { return p.Rank() != 0 }

// Task is a single unit of actionable work routed through the engine.
//
// Invariants maintained by the lifecycle package and checked by the store:
//   - OwnerID != "" exactly when Status is RESERVED or IN_PROGRESS
//   - DeferredUntil != nil exactly when Status is DEFERRED
//   - ClosedAt != nil exactly when Status is CLOSED or COMPLETED, and closed
//     tasks are immutable thereafter
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	Priority      Priority   `json:"priority"`
	QueueID       string     `json:"queue_id,omitempty"`
	OwnerID       string     `json:"owner_id,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	DeferredUntil *time.Time `json:"deferred_until,omitempty"`
	Version       int64      `json:"version"`
	ActionLink    string     `json:"action_link,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// Overdue reports whether the task's due date has elapsed at now.
// Tasks without a due date are never overdue.
func (t Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && !t.DueDate.After(now)
}

// CheckInvariants validates the ownership/deferral/closure invariants.
// It returns a ValidationError describing the first violation found.
func (t Task) CheckInvariants() error {
	owned := t.Status == StatusReserved || t.Status == StatusInProgress
	if (t.OwnerID != "") != owned {
		return Validationf("task %s: owner %q inconsistent with status %s", t.ID, t.OwnerID, t.Status)
	}
	if (t.DeferredUntil != nil) != (t.Status == StatusDeferred) {
		return Validationf("task %s: deferred_until inconsistent with status %s", t.ID, t.Status)
	}
	if (t.ClosedAt != nil) != t.Status.IsTerminal() {
		return Validationf("task %s: closed_at inconsistent with status %s", t.ID, t.Status)
	}
	return nil
}
