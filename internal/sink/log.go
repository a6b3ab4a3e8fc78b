package sink

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
)

// Log writes notifications to the structured log. Used when no webhook is
// configured, and alongside one in development.
type Log struct{}

func (Log) Deliver(_ context.Context, recipient string, ev domain.TransitionEvent) error {
	log.Info().
		Str("recipient", recipient).
		Str("task_id", ev.TaskID).
		Str("queue_id", ev.QueueID).
		Str("from", string(ev.FromStatus)).
		Str("to", string(ev.ToStatus)).
		Str("actor", ev.Actor).
		Msg("notification")
	return nil
}
