package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/registry"
)

// Sink delivers one notification to one recipient. Implementations belong
// to the notification collaborator boundary; delivery failures are logged
// and never propagated back into the engine.
type Sink interface {
	Deliver(ctx context.Context, recipient string, ev domain.TransitionEvent) error
}

// Dispatcher fans transition events out to the task owner, the queue
// administrator and every queue subscriber. Emit is non-blocking and
// fire-and-forget: a state transition never waits on, or rolls back for,
// notification delivery.
type Dispatcher struct {
	queues *registry.Queues
	subs   *registry.Subscriptions
	sinks  []Sink

	events chan domain.TransitionEvent
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher with the given event buffer and a
// bounded number of concurrent deliveries.
func NewDispatcher(queues *registry.Queues, subs *registry.Subscriptions, sinks []Sink, buffer, workers int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{
		queues: queues,
		subs:   subs,
		sinks:  sinks,
		events: make(chan domain.TransitionEvent, buffer),
		sem:    make(chan struct{}, workers),
	}
}

// Emit queues ev for delivery. If the buffer is full the event is dropped
// with a warning; delivery is at-least-once from the collaborator's side,
// best-effort from the engine's.
func (d *Dispatcher) Emit(ev domain.TransitionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case d.events <- ev:
	default:
		log.Warn().Str("task_id", ev.TaskID).Msg("notification buffer full, event dropped")
	}
}

// Run consumes emitted events until ctx is cancelled, then waits for
// in-flight deliveries to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case ev := <-d.events:
			d.fanOut(ctx, ev)
		}
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, ev domain.TransitionEvent) {
	for _, recipient := range d.recipients(ctx, ev) {
		for _, sink := range d.sinks {
			d.sem <- struct{}{}
			d.wg.Add(1)
			go func(s Sink, to string) {
				defer func() { <-d.sem; d.wg.Done() }()
				if err := s.Deliver(ctx, to, ev); err != nil {
					log.Warn().Err(err).Str("task_id", ev.TaskID).Str("recipient", to).Msg("notification delivery failed")
				}
			}(sink, recipient)
		}
	}
}

// recipients resolves the fan-out list: owner, queue administrator, queue
// subscribers. Deduplicated, order stable.
func (d *Dispatcher) recipients(ctx context.Context, ev domain.TransitionEvent) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	add(ev.OwnerID)
	if ev.QueueID != "" {
		if q, err := d.queues.Get(ctx, ev.QueueID); err == nil {
			add(q.Administrator)
		} else {
			log.Warn().Err(err).Str("queue_id", ev.QueueID).Msg("queue lookup failed during fan-out")
		}
		members, err := d.subs.MembersOf(ctx, ev.QueueID)
		if err != nil {
			log.Warn().Err(err).Str("queue_id", ev.QueueID).Msg("subscriber lookup failed during fan-out")
		}
		for _, m := range members {
			add(m)
		}
	}
	return out
}
