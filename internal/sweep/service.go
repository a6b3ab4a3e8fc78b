package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/lifecycle"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/store"
)

// Emitter receives one event per successful sweep transition.
type Emitter interface {
	Emit(domain.TransitionEvent)
}

// Config controls the sweep cadence. Interval drives a fixed ticker;
// setting Cron instead runs the sweep on a standard cron schedule.
type Config struct {
	Interval time.Duration
	Cron     string
}

// Service is the deadline sweep: it escalates overdue tasks and wakes
// elapsed deferrals. Every transition is a compare-and-set; losing a race
// to a human action is expected and skipped, never an error.
type Service struct {
	store    store.TaskStore
	emitter  Emitter
	interval time.Duration
	schedule cron.Schedule
	cronExpr string
	stop     chan struct{}
}

// Stats summarizes one sweep tick.
type Stats struct {
	Escalated int `json:"escalated"`
	WokenUp   int `json:"woken_up"`
	Conflicts int `json:"conflicts"`
}

func NewService(st store.TaskStore, emitter Emitter, cfg Config) (*Service, error) {
	s := &Service{
		store:    st,
		emitter:  emitter,
		interval: cfg.Interval,
		stop:     make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if cfg.Cron != "" {
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid sweep cron expression %q: %w", cfg.Cron, err)
		}
		s.schedule = sched
		s.cronExpr = cfg.Cron
	}
	return s, nil
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// In-flight ticks finish; no new tick starts after shutdown is signaled.
func (s *Service) Start(ctx context.Context) {
	if s.schedule != nil {
		log.Info().Str("cron", s.cronExpr).Msg("deadline sweep started on cron schedule")
		s.runCron(ctx)
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.interval).Msg("deadline sweep started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tickLogged(ctx, now)
		}
	}
}

// runCron sleeps until each next cron activation.
func (s *Service) runCron(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case now := <-timer.C:
			s.tickLogged(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) tickLogged(ctx context.Context, now time.Time) {
	stats, err := s.Tick(ctx, now)
	if err != nil {
		// Transient store failure aborts the tick; the next interval
		// retries from scratch.
		log.Error().Err(err).Msg("sweep tick aborted")
		return
	}
	if stats.Escalated > 0 || stats.WokenUp > 0 || stats.Conflicts > 0 {
		log.Info().
			Int("escalated", stats.Escalated).
			Int("woken_up", stats.WokenUp).
			Int("conflicts", stats.Conflicts).
			Msg("sweep tick")
	}
}

// Tick runs one sweep pass at now: escalate overdue OPEN/RESERVED/
// IN_PROGRESS tasks, then wake elapsed DEFERRED tasks. Idempotent - a
// second tick at the same instant finds nothing left to transition.
func (s *Service) Tick(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats

	overdue, err := s.store.ListOverdue(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("list overdue: %w", err)
	}
	for _, t := range overdue {
		switch s.transition(ctx, t, lifecycle.Escalate{}, now) {
		case applied:
			stats.Escalated++
		case conflicted:
			stats.Conflicts++
		}
	}

	due, err := s.store.ListDeferredDue(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("list deferred: %w", err)
	}
	for _, t := range due {
		switch s.transition(ctx, t, lifecycle.WakeUp{}, now) {
		case applied:
			stats.WokenUp++
		case conflicted:
			stats.Conflicts++
		}
	}

	return stats, nil
}

type outcome int

const (
	applied outcome = iota
	conflicted
	skipped
)

func (s *Service) transition(ctx context.Context, t domain.Task, ev lifecycle.Event, now time.Time) outcome {
	next, err := lifecycle.Apply(t, ev, now)
	if err != nil {
		// The task changed shape between query and apply. Advisory only.
		log.Debug().Err(err).Str("task_id", t.ID).Msg("sweep transition not applicable")
		return skipped
	}
	from := t.Status

	updated, err := s.store.UpdateWithVersion(ctx, next, t.Version)
	if errors.Is(err, domain.ErrConflict) {
		// A human action won the race. Escalation never overrides it.
		log.Debug().Str("task_id", t.ID).Msg("sweep lost version race, skipping")
		return conflicted
	}
	if err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("sweep transition failed")
		return skipped
	}

	rec := store.TransitionRecord{
		TaskID:     updated.ID,
		FromStatus: from,
		ToStatus:   updated.Status,
		At:         now.UTC(),
	}
	if err := s.store.RecordTransition(ctx, rec); err != nil {
		log.Warn().Err(err).Str("task_id", updated.ID).Msg("audit record failed")
	}
	if s.emitter != nil {
		s.emitter.Emit(domain.TransitionEvent{
			TaskID:     updated.ID,
			QueueID:    updated.QueueID,
			FromStatus: from,
			ToStatus:   updated.Status,
			OwnerID:    updated.OwnerID,
			Timestamp:  rec.At,
		})
	}
	return applied
}
