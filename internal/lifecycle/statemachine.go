package lifecycle

import (
	"fmt"
	"time"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
)

// Event is a requested state change on a single task. Apply validates the
// event against the task's current status and the event's guard.
type Event interface {
	Name() string
}

// Reserve claims an OPEN task for a worker without starting it.
type Reserve struct{ Actor string }

// Assign is a push-assignment straight to IN_PROGRESS (supervisor or
// queue routing acting on behalf of the worker).
type Assign struct{ Actor string }

// Start moves a worker's own reservation to IN_PROGRESS.
type Start struct{ Actor string }

// Release returns a claimed task to OPEN.
type Release struct {
	Actor      string
	Supervisor bool
}

// Defer parks an in-progress task until a future instant.
type Defer struct {
	Actor string
	Until time.Time
}

// Complete finishes a task successfully.
type Complete struct{ Actor string }

// Close terminates a task without completion.
type Close struct {
	Actor      string
	Supervisor bool
	Reason     string
}

// WakeUp returns an elapsed DEFERRED task to OPEN. System-driven.
type WakeUp struct{}

// Escalate promotes an overdue task. System-driven.
type Escalate struct{}

// Reassign hands an ESCALATED task to a worker. Supervisor-initiated.
type Reassign struct {
	Actor      string
	Worker     string
	Supervisor bool
}

func (Reserve) Name() string  { return "reserve" }
func (Assign) Name() string   { return "assign" }
func (Start) Name() string    { return "start" }
func (Release) Name() string  { return "release" }
func (Defer) Name() string    { return "defer" }
func (Complete) Name() string { return "complete" }
func (Close) Name() string    { return "close" }
func (WakeUp) Name() string   { return "wake_up" }
func (Escalate) Name() string { return "escalate" }
func (Reassign) Name() string { return "reassign" }

// Apply validates ev against t and returns the task after the transition.
// It is pure: t is passed by value, the store owns version and updatedAt
// bumps. Terminal tasks reject every event with ErrTaskClosed; anything
// off the transition table rejects with ErrInvalidTransition.
func Apply(t domain.Task, ev Event, now time.Time) (domain.Task, error) {
	if t.Status.IsTerminal() {
		return t, fmt.Errorf("%w: task %s is %s", domain.ErrTaskClosed, t.ID, t.Status)
	}

	switch e := ev.(type) {
	case Reserve:
		if t.Status != domain.StatusOpen {
			return t, invalid(t, ev)
		}
		if t.OwnerID != "" {
			return t, fmt.Errorf("%w: task %s already claimed by %s", domain.ErrInvalidTransition, t.ID, t.OwnerID)
		}
		t.Status = domain.StatusReserved
		t.OwnerID = e.Actor
		return t, nil

	case Assign:
		if t.Status != domain.StatusOpen {
			return t, invalid(t, ev)
		}
		if t.OwnerID != "" {
			return t, fmt.Errorf("%w: task %s already claimed by %s", domain.ErrInvalidTransition, t.ID, t.OwnerID)
		}
		t.Status = domain.StatusInProgress
		t.OwnerID = e.Actor
		return t, nil

	case Start:
		if t.Status != domain.StatusReserved {
			return t, invalid(t, ev)
		}
		if e.Actor != t.OwnerID {
			return t, notOwner(t, e.Actor)
		}
		t.Status = domain.StatusInProgress
		return t, nil

	case Release:
		if t.Status != domain.StatusReserved && t.Status != domain.StatusInProgress {
			return t, invalid(t, ev)
		}
		if e.Actor != t.OwnerID && !e.Supervisor {
			return t, notOwner(t, e.Actor)
		}
		t.Status = domain.StatusOpen
		t.OwnerID = ""
		return t, nil

	case Defer:
		if t.Status != domain.StatusInProgress {
			return t, invalid(t, ev)
		}
		if e.Actor != t.OwnerID {
			return t, notOwner(t, e.Actor)
		}
		if !e.Until.After(now) {
			return t, domain.Validationf("defer until %s is not in the future", e.Until.Format(time.RFC3339))
		}
		until := e.Until
		t.Status = domain.StatusDeferred
		t.OwnerID = ""
		t.DeferredUntil = &until
		return t, nil

	case Complete:
		if t.Status != domain.StatusInProgress {
			return t, invalid(t, ev)
		}
		if e.Actor != t.OwnerID {
			return t, notOwner(t, e.Actor)
		}
		t.Status = domain.StatusCompleted
		t.OwnerID = ""
		closed := now
		t.ClosedAt = &closed
		return t, nil

	case Close:
		switch t.Status {
		case domain.StatusInProgress:
			if e.Actor != t.OwnerID && !e.Supervisor {
				return t, notOwner(t, e.Actor)
			}
		case domain.StatusEscalated:
			if !e.Supervisor {
				return t, fmt.Errorf("%w: closing an escalated task requires a supervisor", domain.ErrInvalidTransition)
			}
		default:
			return t, invalid(t, ev)
		}
		t.Status = domain.StatusClosed
		t.OwnerID = ""
		t.DeferredUntil = nil
		closed := now
		t.ClosedAt = &closed
		return t, nil

	case WakeUp:
		if t.Status != domain.StatusDeferred {
			return t, invalid(t, ev)
		}
		if t.DeferredUntil != nil && t.DeferredUntil.After(now) {
			return t, domain.Validationf("task %s is deferred until %s", t.ID, t.DeferredUntil.Format(time.RFC3339))
		}
		t.Status = domain.StatusOpen
		t.DeferredUntil = nil
		return t, nil

	case Escalate:
		switch t.Status {
		case domain.StatusOpen, domain.StatusReserved, domain.StatusInProgress, domain.StatusDeferred:
		default:
			return t, invalid(t, ev)
		}
		if !t.Overdue(now) {
			return t, domain.Validationf("task %s is not overdue", t.ID)
		}
		t.Status = domain.StatusEscalated
		t.OwnerID = ""
		t.DeferredUntil = nil
		return t, nil

	case Reassign:
		if t.Status != domain.StatusEscalated {
			return t, invalid(t, ev)
		}
		if !e.Supervisor {
			return t, fmt.Errorf("%w: reassigning an escalated task requires a supervisor", domain.ErrInvalidTransition)
		}
		if e.Worker == "" {
			return t, domain.Validationf("reassign requires a worker")
		}
		t.Status = domain.StatusInProgress
		t.OwnerID = e.Worker
		return t, nil

	default:
		return t, fmt.Errorf("%w: unknown event %T", domain.ErrInvalidTransition, ev)
	}
}

func invalid(t domain.Task, ev Event) error {
	return fmt.Errorf("%w: %s not valid for task %s in status %s", domain.ErrInvalidTransition, ev.Name(), t.ID, t.Status)
}

func notOwner(t domain.Task, actor string) error {
	return fmt.Errorf("%w: %s does not hold task %s", domain.ErrInvalidTransition, actor, t.ID)
}
