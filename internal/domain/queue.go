package domain

import (
	"fmt"
	"time"
)

// WorkQueue is a named grouping of tasks sharing a category, an
// administrator and a sensitivity level.
type WorkQueue struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Category            string    `json:"category"`
	Administrator       string    `json:"administrator"`
	SensitivityLevel    int       `json:"sensitivity_level"`
	SubscriptionAllowed bool      `json:"subscription_allowed"`
	Description         string    `json:"description,omitempty"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DisplayName renders the queue name for task views. Deactivated queues
// stay referenced by historical tasks and resolve as "<id> (inactive)".
func (q WorkQueue) DisplayName() string {
	if !q.Active {
		return fmt.Sprintf("%s (inactive)", q.ID)
	}
	return q.Name
}

// Subscription is a user's opt-in to a queue's activity notifications.
// It carries no ownership semantics over tasks.
type Subscription struct {
	QueueID      string    `json:"queue_id"`
	Username     string    `json:"username"`
	SubscribedAt time.Time `json:"subscribed_at"`
}
