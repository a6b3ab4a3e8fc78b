package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
)

// DefaultQueueID is the fallback queue for tasks created without an
// explicit queue and with no category match.
const DefaultQueueID = "wq_general"

// Queues defines work queues and resolves which queue a task belongs to.
// Reads may be served from a short-TTL cache; the registry is read-mostly.
type Queues struct {
	db      *sql.DB
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]cachedQueue
	ttl   time.Duration
}

type cachedQueue struct {
	q       domain.WorkQueue
	expires time.Time
}

// NewQueues wraps db as a queue registry. cacheTTL bounds staleness of
// cached reads; writes and subscription checks always hit the database.
func NewQueues(db *sql.DB, callTimeout, cacheTTL time.Duration) *Queues {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Queues{db: db, timeout: callTimeout, cache: make(map[string]cachedQueue), ttl: cacheTTL}
}

// EnsureDefault creates the General fallback queue if it does not exist.
func (r *Queues) EnsureDefault(ctx context.Context, administrator string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO work_queues (id,name,category,administrator,sensitivity_level,subscription_allowed,description,active,created_at,updated_at)
VALUES (?,?,?,?,1,1,?,1,?,?)`,
		DefaultQueueID, "General", "general", administrator, "Fallback queue for unrouted tasks", now, now)
	return classify(err)
}

func (r *Queues) Create(ctx context.Context, q domain.WorkQueue) (domain.WorkQueue, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if q.Name == "" {
		return domain.WorkQueue{}, domain.Validationf("queue name is required")
	}
	if q.SensitivityLevel < 1 {
		q.SensitivityLevel = 1
	}
	if q.ID == "" {
		q.ID = "wq_" + uuid.NewString()
	}
	now := time.Now().UTC()
	q.Active = true
	q.CreatedAt = now
	q.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO work_queues (id,name,category,administrator,sensitivity_level,subscription_allowed,description,active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,1,?,?)`,
		q.ID, q.Name, q.Category, q.Administrator, q.SensitivityLevel, q.SubscriptionAllowed, q.Description, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return domain.WorkQueue{}, classify(err)
	}
	return q, nil
}

// Get returns the queue, serving from cache when fresh.
func (r *Queues) Get(ctx context.Context, id string) (domain.WorkQueue, error) {
	r.mu.Lock()
	if c, ok := r.cache[id]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.q, nil
	}
	r.mu.Unlock()

	q, err := r.fetch(ctx, id)
	if err != nil {
		return domain.WorkQueue{}, err
	}
	r.mu.Lock()
	r.cache[id] = cachedQueue{q: q, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return q, nil
}

func (r *Queues) fetch(ctx context.Context, id string) (domain.WorkQueue, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
SELECT id,name,category,administrator,sensitivity_level,subscription_allowed,description,active,created_at,updated_at
FROM work_queues WHERE id=?`, id)
	return scanQueue(row)
}

func (r *Queues) List(ctx context.Context, includeInactive bool) ([]domain.WorkQueue, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
SELECT id,name,category,administrator,sensitivity_level,subscription_allowed,description,active,created_at,updated_at
FROM work_queues`
	if !includeInactive {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var queues []domain.WorkQueue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, classify(rows.Err())
}

func (r *Queues) Update(ctx context.Context, q domain.WorkQueue) (domain.WorkQueue, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if q.SensitivityLevel < 1 {
		return domain.WorkQueue{}, domain.Validationf("sensitivity level must be >= 1")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE work_queues SET name=?,category=?,administrator=?,sensitivity_level=?,subscription_allowed=?,description=?,updated_at=?
WHERE id=?`,
		q.Name, q.Category, q.Administrator, q.SensitivityLevel, q.SubscriptionAllowed, q.Description, time.Now().UTC(), q.ID)
	if err != nil {
		return domain.WorkQueue{}, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.WorkQueue{}, fmt.Errorf("%w: queue %s", domain.ErrNotFound, q.ID)
	}
	r.invalidate(q.ID)
	return r.fetch(ctx, q.ID)
}

// Deactivate is soft: routing stops selecting the queue, tasks already
// tagged keep their reference.
func (r *Queues) Deactivate(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE work_queues SET active=0, updated_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: queue %s", domain.ErrNotFound, id)
	}
	r.invalidate(id)
	return nil
}

// RouteFor resolves the queue for a new task. An explicit queue id wins
// (it must exist and be active); otherwise the first active queue whose
// category matches; otherwise the General fallback.
func (r *Queues) RouteFor(ctx context.Context, category, explicitQueueID string) (string, error) {
	if explicitQueueID != "" {
		q, err := r.fetch(ctx, explicitQueueID)
		if err != nil {
			return "", err
		}
		if !q.Active {
			return "", domain.Validationf("queue %s is inactive", explicitQueueID)
		}
		return q.ID, nil
	}
	if category != "" {
		ctx2, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		var id string
		err := r.db.QueryRowContext(ctx2, `
SELECT id FROM work_queues WHERE active=1 AND category=? ORDER BY id LIMIT 1`, category).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", classify(err)
		}
	}
	return DefaultQueueID, nil
}

// DisplayName resolves a task's queue reference for views, including
// dangling references to deactivated queues.
func (r *Queues) DisplayName(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	q, err := r.Get(ctx, id)
	if err != nil {
		return id
	}
	return q.DisplayName()
}

func (r *Queues) invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func scanQueue(row interface{ Scan(...any) error }) (domain.WorkQueue, error) {
	var q domain.WorkQueue
	err := row.Scan(&q.ID, &q.Name, &q.Category, &q.Administrator, &q.SensitivityLevel,
		&q.SubscriptionAllowed, &q.Description, &q.Active, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return domain.WorkQueue{}, classify(err)
	}
	return q, nil
}

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
