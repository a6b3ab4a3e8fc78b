package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('OPEN','RESERVED','IN_PROGRESS','DEFERRED','ESCALATED','CLOSED','COMPLETED')) DEFAULT 'OPEN',
  priority INTEGER NOT NULL DEFAULT 2,
  queue_id TEXT NOT NULL DEFAULT '',
  owner_id TEXT NOT NULL DEFAULT '',
  due_date DATETIME,
  deferred_until DATETIME,
  version INTEGER NOT NULL DEFAULT 1,
  action_link TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  closed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_due ON tasks(status, due_date);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_id, status);
CREATE TABLE IF NOT EXISTS task_transitions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  actor TEXT NOT NULL DEFAULT '',
  at DATETIME NOT NULL,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_transitions_task ON task_transitions(task_id, id);
CREATE TABLE IF NOT EXISTS work_queues (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  administrator TEXT NOT NULL DEFAULT '',
  sensitivity_level INTEGER NOT NULL DEFAULT 1,
  subscription_allowed INTEGER NOT NULL DEFAULT 1,
  description TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queues_category ON work_queues(active, category);
CREATE TABLE IF NOT EXISTS subscriptions (
  queue_id TEXT NOT NULL,
  username TEXT NOT NULL,
  subscribed_at DATETIME NOT NULL,
  PRIMARY KEY(queue_id, username)
);
`
	_, err := db.Exec(schema)
	return err
}

// TransitionRecord is one audit row in a task's history.
type TransitionRecord struct {
	TaskID     string        `json:"task_id"`
	FromStatus domain.Status `json:"from_status"`
	ToStatus   domain.Status `json:"to_status"`
	Actor      string        `json:"actor,omitempty"`
	At         time.Time     `json:"at"`
}

// TaskStore is the durable record of tasks. Writes go through
// UpdateWithVersion: a compare-and-set on the version column is the only
// serialization the engine relies on.
type TaskStore interface {
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	// UpdateWithVersion persists t if the stored version still equals
	// expectedVersion, bumping version and updated_at. A stale version
	// yields ErrConflict; an unknown id yields ErrNotFound.
	UpdateWithVersion(ctx context.Context, t domain.Task, expectedVersion int64) (domain.Task, error)
	RecordTransition(ctx context.Context, rec TransitionRecord) error
	History(ctx context.Context, taskID string) ([]TransitionRecord, error)

	ListForOwner(ctx context.Context, owner string) ([]domain.Task, error)
	ListForQueue(ctx context.Context, queueID string) ([]domain.Task, error)
	// ListBeforeDeadline returns non-terminal tasks due at or before cutoff.
	ListBeforeDeadline(ctx context.Context, cutoff time.Time) ([]domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error)
	// ListOverdue returns OPEN/RESERVED/IN_PROGRESS tasks whose due date
	// has elapsed at now. Escalation candidates.
	ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error)
	// ListDeferredDue returns DEFERRED tasks whose deferred_until has
	// elapsed at now. Wake-up candidates.
	ListDeferredDue(ctx context.Context, now time.Time) ([]domain.Task, error)
}

type sqliteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// New wraps db as a TaskStore. Every call gets a bounded deadline of
// callTimeout; an exceeded deadline surfaces as ErrStoreUnavailable.
func New(db *sql.DB, callTimeout time.Duration) TaskStore {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &sqliteStore{db: db, timeout: callTimeout}
}

const taskColumns = `id,title,description,status,priority,queue_id,owner_id,due_date,deferred_until,version,action_link,created_at,updated_at,closed_at`

// listOrder is the canonical queue-listing order: priority desc, due date
// asc with nulls last, oldest first, id as the deterministic tiebreak.
const listOrder = ` ORDER BY priority DESC, due_date IS NULL, due_date ASC, created_at ASC, id ASC`

func (s *sqliteStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// classify maps driver and context failures into the engine taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
}

func (s *sqliteStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusOpen
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1

	if err := t.CheckInvariants(); err != nil {
		return domain.Task{}, err
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Priority.Rank(), t.QueueID, t.OwnerID,
		nullTime(t.DueDate), nullTime(t.DeferredUntil), t.Version, t.ActionLink,
		t.CreatedAt, t.UpdatedAt, nullTime(t.ClosedAt))
	if err != nil {
		return domain.Task{}, classify(err)
	}
	return t, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (s *sqliteStore) UpdateWithVersion(ctx context.Context, t domain.Task, expectedVersion int64) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := t.CheckInvariants(); err != nil {
		return domain.Task{}, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET title=?, description=?, status=?, priority=?, queue_id=?, owner_id=?,
    due_date=?, deferred_until=?, action_link=?, closed_at=?,
    version=version+1, updated_at=?
WHERE id=? AND version=?`,
		t.Title, t.Description, string(t.Status), t.Priority.Rank(), t.QueueID, t.OwnerID,
		nullTime(t.DueDate), nullTime(t.DeferredUntil), t.ActionLink, nullTime(t.ClosedAt),
		now, t.ID, expectedVersion)
	if err != nil {
		return domain.Task{}, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, classify(err)
	}
	if n == 0 {
		// Distinguish a stale version from a missing task.
		var cur int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id=?`, t.ID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, t.ID)
		}
		if err != nil {
			return domain.Task{}, classify(err)
		}
		return domain.Task{}, fmt.Errorf("%w: task %s expected version %d, have %d", domain.ErrConflict, t.ID, expectedVersion, cur)
	}
	t.Version = expectedVersion + 1
	t.UpdatedAt = now
	return t, nil
}

func (s *sqliteStore) RecordTransition(ctx context.Context, rec TransitionRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_transitions (task_id, from_status, to_status, actor, at)
VALUES (?,?,?,?,?)`, rec.TaskID, string(rec.FromStatus), string(rec.ToStatus), rec.Actor, rec.At.UTC())
	return classify(err)
}

func (s *sqliteStore) History(ctx context.Context, taskID string) ([]TransitionRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, from_status, to_status, actor, at
FROM task_transitions WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var recs []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		var from, to string
		if err := rows.Scan(&r.TaskID, &from, &to, &r.Actor, &r.At); err != nil {
			return nil, classify(err)
		}
		r.FromStatus = domain.Status(from)
		r.ToStatus = domain.Status(to)
		recs = append(recs, r)
	}
	return recs, classify(rows.Err())
}

func (s *sqliteStore) ListForOwner(ctx context.Context, owner string) ([]domain.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id=? AND status IN ('RESERVED','IN_PROGRESS')`+listOrder, owner)
}

func (s *sqliteStore) ListForQueue(ctx context.Context, queueID string) ([]domain.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE queue_id=? AND status NOT IN ('CLOSED','COMPLETED')`+listOrder, queueID)
}

func (s *sqliteStore) ListBeforeDeadline(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE due_date IS NOT NULL AND due_date <= ? AND status NOT IN ('CLOSED','COMPLETED')`+listOrder, cutoff.UTC())
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=?`+listOrder, string(status))
}

func (s *sqliteStore) ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN ('OPEN','RESERVED','IN_PROGRESS') AND due_date IS NOT NULL AND due_date <= ?`+listOrder, now.UTC())
}

func (s *sqliteStore) ListDeferredDue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='DEFERRED' AND deferred_until IS NOT NULL AND deferred_until <= ?`+listOrder, now.UTC())
}

func (s *sqliteStore) list(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, classify(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var rank int
	var due, deferred, closed sql.NullTime
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &rank, &t.QueueID, &t.OwnerID,
		&due, &deferred, &t.Version, &t.ActionLink, &t.CreatedAt, &t.UpdatedAt, &closed)
	if err != nil {
		return domain.Task{}, classify(err)
	}
	t.Status = domain.Status(status)
	t.Priority = domain.PriorityFromRank(rank)
	if due.Valid {
		v := due.Time
		t.DueDate = &v
	}
	if deferred.Valid {
		v := deferred.Time
		t.DeferredUntil = &v
	}
	if closed.Valid {
		v := closed.Time
		t.ClosedAt = &v
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
