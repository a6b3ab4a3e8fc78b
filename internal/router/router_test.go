package router

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/registry"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/store"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

func (c *captureEmitter) Emit(ev domain.TransitionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) all() []domain.TransitionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.TransitionEvent(nil), c.events...)
}

func setup(t *testing.T) (*Router, store.TaskStore, *registry.Queues, *captureEmitter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })

	st := store.New(db, 5*time.Second)
	queues := registry.NewQueues(db, 5*time.Second, time.Minute)
	require.NoError(t, queues.EnsureDefault(context.Background(), "admin"))

	emitter := &captureEmitter{}
	return New(st, queues, emitter), st, queues, emitter
}

func TestCreateTaskRoutesToFallback(t *testing.T) {
	r, _, _, _ := setup(t)

	tk, err := r.CreateTask(context.Background(), NewTask{Title: "orphan work"})
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultQueueID, tk.QueueID)
	assert.Equal(t, domain.PriorityMedium, tk.Priority)
	assert.Equal(t, domain.StatusOpen, tk.Status)
}

func TestCreateTaskRoutesByCategory(t *testing.T) {
	r, _, queues, _ := setup(t)
	ctx := context.Background()

	q, err := queues.Create(ctx, domain.WorkQueue{Name: "Timesheets", Category: "timesheet", Administrator: "sup1"})
	require.NoError(t, err)

	tk, err := r.CreateTask(ctx, NewTask{Title: "review timesheet", Category: "timesheet"})
	require.NoError(t, err)
	assert.Equal(t, q.ID, tk.QueueID)
}

func TestCreateTaskRejectsInactiveQueue(t *testing.T) {
	r, _, queues, _ := setup(t)
	ctx := context.Background()

	q, err := queues.Create(ctx, domain.WorkQueue{Name: "Old", Category: "old"})
	require.NoError(t, err)
	require.NoError(t, queues.Deactivate(ctx, q.ID))

	_, err = r.CreateTask(ctx, NewTask{Title: "late arrival", QueueID: q.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateTaskValidation(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := r.CreateTask(ctx, NewTask{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.CreateTask(ctx, NewTask{Title: "x", Priority: "URGENT"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// The full claim lifecycle from the deadline view to terminal closure.
func TestClaimLifecycleScenario(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(24 * time.Hour)
	tk, err := r.CreateTask(ctx, NewTask{Title: "resolve violation", Priority: domain.PriorityHigh, DueDate: &due})
	require.NoError(t, err)

	ahead, err := r.ListBeforeDeadline(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ahead, 1)
	assert.Equal(t, tk.ID, ahead[0].ID)

	reserved, err := r.Reserve(ctx, tk.ID, "alice", tk.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, reserved.Status)
	assert.Equal(t, "alice", reserved.OwnerID)

	// Bob races with the same stale precondition and must lose.
	_, err = r.Reserve(ctx, tk.ID, "bob", tk.Version)
	assert.ErrorIs(t, err, domain.ErrConflict)

	started, err := r.Start(ctx, tk.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, started.Status)

	closed, err := r.Close(ctx, tk.ID, "alice", domain.StatusCompleted, "", false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	// Any further mutation on the terminal task is rejected, never silent.
	_, err = r.Close(ctx, tk.ID, "alice", domain.StatusClosed, "", true)
	assert.ErrorIs(t, err, domain.ErrTaskClosed)
	_, err = r.Reserve(ctx, tk.ID, "carol", closed.Version)
	assert.ErrorIs(t, err, domain.ErrTaskClosed)
	_, err = r.Release(ctx, tk.ID, "alice", true)
	assert.ErrorIs(t, err, domain.ErrTaskClosed)
}

func TestConcurrentReserveExactlyOneWinner(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	tk, err := r.CreateTask(ctx, NewTask{Title: "contested"})
	require.NoError(t, err)

	workers := []string{"alice", "bob", "carol", "dave"}
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			_, errs[i] = r.Reserve(ctx, tk.ID, w, tk.Version)
		}(i, w)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrConflict)
		}
	}
	assert.Equal(t, 1, wins, "exactly one reservation must win")
}

func TestDeferValidatesFuture(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	tk, err := r.CreateTask(ctx, NewTask{Title: "park me"})
	require.NoError(t, err)
	_, err = r.AssignDirect(ctx, tk.ID, "alice")
	require.NoError(t, err)

	_, err = r.Defer(ctx, tk.ID, "alice", time.Now().UTC().Add(-time.Minute))
	assert.ErrorIs(t, err, domain.ErrValidation)

	until := time.Now().UTC().Add(time.Hour)
	deferred, err := r.Defer(ctx, tk.ID, "alice", until)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeferred, deferred.Status)
	assert.Empty(t, deferred.OwnerID)
	require.NotNil(t, deferred.DeferredUntil)
}

func TestReleaseBySupervisor(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	tk, err := r.CreateTask(ctx, NewTask{Title: "stuck"})
	require.NoError(t, err)
	_, err = r.Reserve(ctx, tk.ID, "alice", tk.Version)
	require.NoError(t, err)

	_, err = r.Release(ctx, tk.ID, "bob", false)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	released, err := r.Release(ctx, tk.ID, "boss", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, released.Status)
	assert.Empty(t, released.OwnerID)
}

func TestCloseOutcomeValidation(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	tk, err := r.CreateTask(ctx, NewTask{Title: "x"})
	require.NoError(t, err)
	_, err = r.AssignDirect(ctx, tk.ID, "alice")
	require.NoError(t, err)

	_, err = r.Close(ctx, tk.ID, "alice", domain.StatusOpen, "", false)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMutationsEmitEvents(t *testing.T) {
	r, _, _, emitter := setup(t)
	ctx := context.Background()

	tk, err := r.CreateTask(ctx, NewTask{Title: "noisy"})
	require.NoError(t, err)
	_, err = r.Reserve(ctx, tk.ID, "alice", tk.Version)
	require.NoError(t, err)

	events := emitter.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.Status(""), events[0].FromStatus)
	assert.Equal(t, domain.StatusOpen, events[0].ToStatus)
	assert.Equal(t, domain.StatusOpen, events[1].FromStatus)
	assert.Equal(t, domain.StatusReserved, events[1].ToStatus)
	assert.Equal(t, "alice", events[1].Actor)
	assert.Equal(t, "alice", events[1].OwnerID)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	tk, err := r.CreateTask(ctx, NewTask{Title: "audited"})
	require.NoError(t, err)
	_, err = r.Reserve(ctx, tk.ID, "alice", tk.Version)
	require.NoError(t, err)
	_, err = r.Start(ctx, tk.ID, "alice")
	require.NoError(t, err)

	recs, err := r.History(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, domain.StatusReserved, recs[1].ToStatus)
	assert.Equal(t, domain.StatusInProgress, recs[2].ToStatus)

	_, err = r.History(ctx, "tsk_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Random operation sequences must never leave a task violating the
// ownership/deferral/closure invariants.
func TestInvariantsHoldUnderRandomOperations(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	tk, err := r.CreateTask(ctx, NewTask{Title: "fuzzed"})
	require.NoError(t, err)

	actors := []string{"alice", "bob", "sup"}
	for i := 0; i < 300; i++ {
		actor := actors[rng.Intn(len(actors))]
		supervisor := actor == "sup"

		var opErr error
		switch rng.Intn(8) {
		case 0:
			cur, err := st.Get(ctx, tk.ID)
			require.NoError(t, err)
			_, opErr = r.Reserve(ctx, tk.ID, actor, cur.Version)
		case 1:
			_, opErr = r.AssignDirect(ctx, tk.ID, actor)
		case 2:
			_, opErr = r.Start(ctx, tk.ID, actor)
		case 3:
			_, opErr = r.Release(ctx, tk.ID, actor, supervisor)
		case 4:
			_, opErr = r.Defer(ctx, tk.ID, actor, time.Now().UTC().Add(time.Minute))
		case 5:
			_, opErr = r.Close(ctx, tk.ID, actor, domain.StatusClosed, "done", supervisor)
		case 6:
			_, opErr = r.Close(ctx, tk.ID, actor, domain.StatusCompleted, "", supervisor)
		case 7:
			_, opErr = r.Reassign(ctx, tk.ID, actor, "carol", supervisor)
		}
		if opErr != nil {
			require.True(t,
				errors.Is(opErr, domain.ErrInvalidTransition) ||
					errors.Is(opErr, domain.ErrTaskClosed) ||
					errors.Is(opErr, domain.ErrConflict) ||
					errors.Is(opErr, domain.ErrValidation),
				"unexpected error class: %v", opErr)
		}

		cur, err := st.Get(ctx, tk.ID)
		require.NoError(t, err)
		require.NoError(t, cur.CheckInvariants(), "after op %d", i)

		if cur.Status.IsTerminal() {
			break
		}
	}
}
