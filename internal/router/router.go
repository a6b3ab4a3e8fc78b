package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/lifecycle"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/registry"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/store"
)

// maxConflictRetries bounds the internal re-read loop for mutations that
// do not carry a caller-supplied version. Reserve never retries: its
// precondition is the caller's, and losing the race is the contract.
const maxConflictRetries = 3

// Emitter receives one event per applied transition. Fire-and-forget.
type Emitter interface {
	Emit(domain.TransitionEvent)
}

// Router mediates claims, deferrals and closures on tasks. All mutations
// go through the state machine and a compare-and-set on the task version;
// the router holds no locks and no task state between calls.
type Router struct {
	store   store.TaskStore
	queues  *registry.Queues
	emitter Emitter
}

func New(st store.TaskStore, queues *registry.Queues, emitter Emitter) *Router {
	return &Router{store: st, queues: queues, emitter: emitter}
}

// NewTask is the collaborator-facing creation request.
type NewTask struct {
	Title       string
	Description string
	Priority    domain.Priority
	QueueID     string
	Category    string
	DueDate     *time.Time
	ActionLink  string
}

// CreateTask validates the request, routes it to a queue and persists it
// as OPEN. Queue routing: explicit queue id, else category match, else the
// General fallback.
func (r *Router) CreateTask(ctx context.Context, req NewTask) (domain.Task, error) {
	if req.Title == "" {
		return domain.Task{}, domain.Validationf("title is required")
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}
	if !req.Priority.Valid() {
		return domain.Task{}, domain.Validationf("unknown priority %q", req.Priority)
	}

	queueID, err := r.queues.RouteFor(ctx, req.Category, req.QueueID)
	if err != nil {
		return domain.Task{}, err
	}

	t, err := r.store.Create(ctx, domain.Task{
		Title:       req.Title,
		Description: req.Description,
		Status:      domain.StatusOpen,
		Priority:    req.Priority,
		QueueID:     queueID,
		DueDate:     req.DueDate,
		ActionLink:  req.ActionLink,
	})
	if err != nil {
		return domain.Task{}, err
	}
	r.record(ctx, t, "", "")
	return t, nil
}

func (r *Router) Get(ctx context.Context, id string) (domain.Task, error) {
	return r.store.Get(ctx, id)
}

func (r *Router) History(ctx context.Context, id string) ([]store.TransitionRecord, error) {
	if _, err := r.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return r.store.History(ctx, id)
}

// Reserve claims an OPEN task for workerID against the caller's version
// precondition. Two racing reservations see exactly one winner; the loser
// gets ErrConflict and must re-read.
func (r *Router) Reserve(ctx context.Context, taskID, workerID string, expectedVersion int64) (domain.Task, error) {
	if workerID == "" {
		return domain.Task{}, domain.Validationf("worker id is required")
	}
	return r.apply(ctx, taskID, lifecycle.Reserve{Actor: workerID}, workerID, &expectedVersion)
}

// AssignDirect push-assigns an OPEN task straight to IN_PROGRESS.
func (r *Router) AssignDirect(ctx context.Context, taskID, workerID string) (domain.Task, error) {
	if workerID == "" {
		return domain.Task{}, domain.Validationf("worker id is required")
	}
	return r.apply(ctx, taskID, lifecycle.Assign{Actor: workerID}, workerID, nil)
}

// Start moves the worker's own reservation to IN_PROGRESS.
func (r *Router) Start(ctx context.Context, taskID, workerID string) (domain.Task, error) {
	return r.apply(ctx, taskID, lifecycle.Start{Actor: workerID}, workerID, nil)
}

// Defer parks an in-progress task until a future instant and releases
// ownership. Only the current owner may defer.
func (r *Router) Defer(ctx context.Context, taskID, workerID string, until time.Time) (domain.Task, error) {
	return r.apply(ctx, taskID, lifecycle.Defer{Actor: workerID, Until: until}, workerID, nil)
}

// Release returns a RESERVED or IN_PROGRESS task to OPEN.
func (r *Router) Release(ctx context.Context, taskID, actorID string, supervisor bool) (domain.Task, error) {
	return r.apply(ctx, taskID, lifecycle.Release{Actor: actorID, Supervisor: supervisor}, actorID, nil)
}

// Close terminates a task. Outcome COMPLETED requires the owner; CLOSED
// accepts the owner or a supervisor (and only a supervisor when the task
// is ESCALATED).
func (r *Router) Close(ctx context.Context, taskID, actorID string, outcome domain.Status, reason string, supervisor bool) (domain.Task, error) {
	var ev lifecycle.Event
	switch outcome {
	case domain.StatusCompleted:
		ev = lifecycle.Complete{Actor: actorID}
	case domain.StatusClosed:
		ev = lifecycle.Close{Actor: actorID, Supervisor: supervisor, Reason: reason}
	default:
		return domain.Task{}, domain.Validationf("outcome must be COMPLETED or CLOSED, got %q", outcome)
	}
	return r.apply(ctx, taskID, ev, actorID, nil)
}

// Reassign hands an ESCALATED task to a worker. Supervisor-initiated.
func (r *Router) Reassign(ctx context.Context, taskID, actorID, workerID string, supervisor bool) (domain.Task, error) {
	return r.apply(ctx, taskID, lifecycle.Reassign{Actor: actorID, Worker: workerID, Supervisor: supervisor}, actorID, nil)
}

// ListForOwner returns the tasks currently held by owner (reserved and
// in progress), in canonical listing order.
func (r *Router) ListForOwner(ctx context.Context, owner string) ([]domain.Task, error) {
	return r.store.ListForOwner(ctx, owner)
}

// ListForQueue returns the queue's non-terminal tasks.
func (r *Router) ListForQueue(ctx context.Context, queueID string) ([]domain.Task, error) {
	if _, err := r.queues.Get(ctx, queueID); err != nil {
		return nil, err
	}
	return r.store.ListForQueue(ctx, queueID)
}

// ListBeforeDeadline returns non-terminal tasks due within the next
// days*24h. A pure read: it never escalates.
func (r *Router) ListBeforeDeadline(ctx context.Context, days int) ([]domain.Task, error) {
	if days < 0 {
		return nil, domain.Validationf("days must be >= 0")
	}
	cutoff := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	return r.store.ListBeforeDeadline(ctx, cutoff)
}

// ListDeferred returns all DEFERRED tasks.
func (r *Router) ListDeferred(ctx context.Context) ([]domain.Task, error) {
	return r.store.ListByStatus(ctx, domain.StatusDeferred)
}

// apply runs the read-transition-CAS cycle. With a caller precondition
// (expected != nil) it performs exactly one attempt; otherwise it re-reads
// and retries a bounded number of times on version conflicts.
func (r *Router) apply(ctx context.Context, taskID string, ev lifecycle.Event, actor string, expected *int64) (domain.Task, error) {
	attempts := maxConflictRetries
	if expected != nil {
		attempts = 1
	}
	for i := 0; ; i++ {
		t, err := r.store.Get(ctx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		from := t.Status

		next, err := lifecycle.Apply(t, ev, time.Now().UTC())
		if err != nil {
			// A caller holding a stale version gets the retryable
			// Conflict, not the state error its stale read produced.
			// Terminal closure still dominates.
			if expected != nil && t.Version != *expected && !errors.Is(err, domain.ErrTaskClosed) {
				return domain.Task{}, fmt.Errorf("%w: task %s expected version %d, have %d", domain.ErrConflict, taskID, *expected, t.Version)
			}
			return domain.Task{}, err
		}

		ver := t.Version
		if expected != nil {
			ver = *expected
		}
		updated, err := r.store.UpdateWithVersion(ctx, next, ver)
		if errors.Is(err, domain.ErrConflict) && i < attempts-1 {
			continue
		}
		if err != nil {
			return domain.Task{}, err
		}
		r.record(ctx, updated, from, actor)
		return updated, nil
	}
}

// record writes the audit row and emits the notification event. Neither
// failure rolls back the committed transition.
func (r *Router) record(ctx context.Context, t domain.Task, from domain.Status, actor string) {
	rec := store.TransitionRecord{
		TaskID:     t.ID,
		FromStatus: from,
		ToStatus:   t.Status,
		Actor:      actor,
		At:         time.Now().UTC(),
	}
	if err := r.store.RecordTransition(ctx, rec); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("audit record failed")
	}
	if r.emitter != nil {
		r.emitter.Emit(domain.TransitionEvent{
			TaskID:     t.ID,
			QueueID:    t.QueueID,
			FromStatus: from,
			ToStatus:   t.Status,
			Actor:      actor,
			OwnerID:    t.OwnerID,
			Timestamp:  rec.At,
		})
	}
}
