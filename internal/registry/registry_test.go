package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateGetListQueues(t *testing.T) {
	r := NewQueues(newTestDB(t), 5*time.Second, time.Minute)
	ctx := context.Background()

	q, err := r.Create(ctx, domain.WorkQueue{
		Name:                "EVV Violations",
		Category:            "evv",
		Administrator:       "sup1",
		SensitivityLevel:    3,
		SubscriptionAllowed: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, q.ID)
	assert.True(t, q.Active)

	got, err := r.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "EVV Violations", got.Name)
	assert.Equal(t, 3, got.SensitivityLevel)

	_, err = r.Get(ctx, "wq_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	queues, err := r.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, queues, 1)
}

func TestCreateQueueValidation(t *testing.T) {
	r := NewQueues(newTestDB(t), 5*time.Second, time.Minute)
	_, err := r.Create(context.Background(), domain.WorkQueue{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeactivateIsSoft(t *testing.T) {
	r := NewQueues(newTestDB(t), 5*time.Second, time.Minute)
	ctx := context.Background()

	q, err := r.Create(ctx, domain.WorkQueue{Name: "Waivers", Category: "waiver"})
	require.NoError(t, err)
	require.NoError(t, r.Deactivate(ctx, q.ID))

	// Still readable, just excluded from the active listing and routing.
	got, err := r.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, q.ID+" (inactive)", got.DisplayName())
	assert.Equal(t, q.ID+" (inactive)", r.DisplayName(ctx, q.ID))

	active, err := r.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := r.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	id, err := r.RouteFor(ctx, "waiver", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueID, id, "routing must never select an inactive queue")

	assert.ErrorIs(t, r.Deactivate(ctx, "wq_missing"), domain.ErrNotFound)
}

func TestRouteFor(t *testing.T) {
	r := NewQueues(newTestDB(t), 5*time.Second, time.Minute)
	ctx := context.Background()
	require.NoError(t, r.EnsureDefault(ctx, "admin"))

	q, err := r.Create(ctx, domain.WorkQueue{Name: "Timesheets", Category: "timesheet"})
	require.NoError(t, err)

	id, err := r.RouteFor(ctx, "", q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, id)

	id, err = r.RouteFor(ctx, "timesheet", "")
	require.NoError(t, err)
	assert.Equal(t, q.ID, id)

	id, err = r.RouteFor(ctx, "unmapped", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueID, id)

	id, err = r.RouteFor(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueID, id)

	_, err = r.RouteFor(ctx, "", "wq_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheInvalidatedOnUpdate(t *testing.T) {
	r := NewQueues(newTestDB(t), 5*time.Second, time.Hour)
	ctx := context.Background()

	q, err := r.Create(ctx, domain.WorkQueue{Name: "Before", Category: "c"})
	require.NoError(t, err)

	// Prime the cache.
	_, err = r.Get(ctx, q.ID)
	require.NoError(t, err)

	q.Name = "After"
	_, err = r.Update(ctx, q)
	require.NoError(t, err)

	got, err := r.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "After", got.Name)
}

func TestSubscriptions(t *testing.T) {
	db := newTestDB(t)
	queues := NewQueues(db, 5*time.Second, time.Minute)
	subs := NewSubscriptions(db, queues, 5*time.Second, time.Minute)
	ctx := context.Background()

	open, err := queues.Create(ctx, domain.WorkQueue{Name: "Open Queue", SubscriptionAllowed: true})
	require.NoError(t, err)
	restricted, err := queues.Create(ctx, domain.WorkQueue{Name: "Restricted", SubscriptionAllowed: false, SensitivityLevel: 5})
	require.NoError(t, err)

	require.NoError(t, subs.Subscribe(ctx, open.ID, "alice"))
	require.NoError(t, subs.Subscribe(ctx, open.ID, "bob"))
	// Idempotent resubscribe.
	require.NoError(t, subs.Subscribe(ctx, open.ID, "alice"))

	err = subs.Subscribe(ctx, restricted.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotAllowed)

	err = subs.Subscribe(ctx, "wq_missing", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	members, err := subs.MembersOf(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, subs.Unsubscribe(ctx, open.ID, "bob"))
	// Idempotent: removing a non-member is not an error.
	require.NoError(t, subs.Unsubscribe(ctx, open.ID, "bob"))

	members, err = subs.MembersOf(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func TestSubscriptionAllowedCheckedFreshAfterUpdate(t *testing.T) {
	db := newTestDB(t)
	queues := NewQueues(db, 5*time.Second, time.Hour)
	subs := NewSubscriptions(db, queues, 5*time.Second, time.Hour)
	ctx := context.Background()

	q, err := queues.Create(ctx, domain.WorkQueue{Name: "Flip", SubscriptionAllowed: true})
	require.NoError(t, err)

	// Prime the queue cache with the permissive state.
	_, err = queues.Get(ctx, q.ID)
	require.NoError(t, err)

	q.SubscriptionAllowed = false
	_, err = queues.Update(ctx, q)
	require.NoError(t, err)

	// The write path must see the fresh restriction, TTL notwithstanding.
	err = subs.Subscribe(ctx, q.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotAllowed)
}
