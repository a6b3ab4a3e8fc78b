package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
)

// Subscriptions maps users to the queues they watch. It is a pure fan-out
// list: membership grants notifications, never task ownership.
type Subscriptions struct {
	db      *sql.DB
	queues  *Queues
	timeout time.Duration

	mu      sync.Mutex
	members map[string]cachedMembers
	ttl     time.Duration
}

type cachedMembers struct {
	users   []string
	expires time.Time
}

// NewSubscriptions wraps db as a subscription registry. The queue registry
// is consulted on the write path so subscriptionAllowed is always enforced
// against fresh state, cache staleness notwithstanding.
func NewSubscriptions(db *sql.DB, queues *Queues, callTimeout, cacheTTL time.Duration) *Subscriptions {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Subscriptions{db: db, queues: queues, timeout: callTimeout, members: make(map[string]cachedMembers), ttl: cacheTTL}
}

// Subscribe opts username into queueID's activity. Idempotent: an existing
// subscription is left untouched.
func (r *Subscriptions) Subscribe(ctx context.Context, queueID, username string) error {
	if username == "" {
		return domain.Validationf("username is required")
	}
	// Fresh read, never the cache: subscriptionAllowed is enforced on
	// every write.
	q, err := r.queues.fetch(ctx, queueID)
	if err != nil {
		return err
	}
	if !q.SubscriptionAllowed {
		return fmt.Errorf("%w: queue %s", domain.ErrSubscriptionNotAllowed, queueID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err = r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO subscriptions (queue_id, username, subscribed_at) VALUES (?,?,?)`,
		queueID, username, time.Now().UTC())
	if err != nil {
		return classify(err)
	}
	r.invalidate(queueID)
	return nil
}

// Unsubscribe removes username from queueID. Idempotent: no error if the
// user was not subscribed.
func (r *Subscriptions) Unsubscribe(ctx context.Context, queueID, username string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE queue_id=? AND username=?`, queueID, username)
	if err != nil {
		return classify(err)
	}
	r.invalidate(queueID)
	return nil
}

// MembersOf returns the usernames subscribed to queueID, served from a
// short-TTL cache on the notification fan-out path.
func (r *Subscriptions) MembersOf(ctx context.Context, queueID string) ([]string, error) {
	r.mu.Lock()
	if c, ok := r.members[queueID]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.users, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT username FROM subscriptions WHERE queue_id=? ORDER BY username`, queueID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, classify(err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	r.mu.Lock()
	r.members[queueID] = cachedMembers{users: users, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return users, nil
}

func (r *Subscriptions) invalidate(queueID string) {
	r.mu.Lock()
	delete(r.members, queueID)
	r.mu.Unlock()
}
