package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/data"
	"github.com/netauto/conductor/internal/domain/model"
	"github.com/netauto/conductor/internal/observability/statsd"
)

// SchedulerService fires due schedules. Safe under concurrent replicas: the
// per-schedule advisory lock serializes the fire, and the run dedup index is
// the final backstop against double dispatch.
type SchedulerService struct {
	schedules  core.ScheduleRepository
	templates  core.TemplateRepository
	dispatcher *DispatcherService

	cfg          core.SchedulerConfig
	timeProvider data.TimeProvider
	metrics      statsd.Sink
	logger       *slog.Logger
}

// SchedulerServiceOptions holds the dependencies for creating a
// SchedulerService.
type SchedulerServiceOptions struct {
	Schedules    core.ScheduleRepository
	Templates    core.TemplateRepository
	Dispatcher   *DispatcherService
	Config       *core.SchedulerConfig
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink
	Logger       *slog.Logger
}

// NewSchedulerService creates a new SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Config == nil {
		cfg := core.DefaultSchedulerConfig()
		opts.Config = &cfg
	}
	if opts.Metrics == nil {
		opts.Metrics = statsd.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SchedulerService{
		schedules:    opts.Schedules,
		templates:    opts.Templates,
		dispatcher:   opts.Dispatcher,
		cfg:          *opts.Config,
		timeProvider: opts.TimeProvider,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Tick fires every due schedule once and returns how many were dispatched.
//
// Catch-up policy is fire-once: a schedule that missed several occurrences
// (scheduler downtime, long tick) produces a single run for the oldest due
// occurrence, and next_run_at advances past now so the backlog collapses.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.schedules.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due schedules: %w", err)
	}
	if len(due) > 0 {
		s.metrics.Gauge("scheduler.due", float64(len(due)), nil)
	}

	fired := 0
	for _, sched := range due {
		worked := false
		acquired, lockErr := s.schedules.TryWithScheduleLock(ctx, sched.ID,
			func(ctx context.Context, tx *sql.Tx) error {
				w, fireErr := s.fire(ctx, tx, sched, now)
				worked = w
				return fireErr
			})
		if lockErr != nil {
			// Transactional failure; the fire rolled back and the schedule
			// stays due for the next tick.
			s.logger.ErrorContext(ctx, "schedule fire failed",
				"schedule_id", sched.ID,
				"schedule", sched.Name,
				"error", lockErr)
		}
		// acquired == false means another replica owns this schedule.
		if acquired && worked {
			fired++
		}
	}

	s.metrics.Count("scheduler.tick", 1, nil)
	if fired > 0 {
		s.logger.InfoContext(ctx, "scheduler tick complete",
			"due", len(due), "fired", fired)
	}
	return fired, nil
}

// fire dispatches one schedule occurrence and records the bookkeeping in the
// locked transaction. Returns true when a run was dispatched (or resolved to
// an existing one by dedup).
func (s *SchedulerService) fire(
	ctx context.Context,
	tx *sql.Tx,
	sched *model.JobSchedule,
	now time.Time,
) (bool, error) {
	if sched.NextRunAt == nil {
		return false, nil
	}
	occurrence := sched.NextRunAt.UTC()

	next, err := sched.NextAfter(now)
	if err != nil {
		return false, fmt.Errorf("compute next run: %w", err)
	}

	// Dispatch failures are logged, not returned: an error out of this
	// function rolls back the transaction and with it the next_run_at
	// advance, which would hot-loop a broken schedule every tick.
	tpl, err := s.templates.GetByID(ctx, sched.TemplateID)
	if err != nil {
		s.logger.ErrorContext(ctx, "schedule references unloadable template",
			"schedule_id", sched.ID,
			"template_id", sched.TemplateID,
			"error", err)
		return false, s.schedules.RecordFireTx(ctx, tx, core.RecordFireParams{
			ScheduleID: sched.ID,
			NextRunAt:  next,
		})
	}

	run, dispatchErr := s.dispatcher.Dispatch(ctx, &DispatchRequest{
		Template:     tpl,
		Schedule:     sched,
		ScheduledFor: &occurrence,
		TriggeredBy:  model.TriggeredByScheduler,
	})
	if dispatchErr != nil {
		// The run (if created) already carries the dispatch_error.
		s.logger.ErrorContext(ctx, "schedule dispatch failed",
			"schedule_id", sched.ID,
			"schedule", sched.Name,
			"error", dispatchErr)
	}

	params := core.RecordFireParams{ScheduleID: sched.ID, NextRunAt: next}
	if run != nil {
		params.LastRunID = &run.ID
	}
	if recordErr := s.schedules.RecordFireTx(ctx, tx, params); recordErr != nil {
		return false, recordErr
	}
	return run != nil, nil
}

// InitializeNextRuns seeds next_run_at for schedules that never got one, then
// logs the count. Called once at service startup before the tick loop.
func (s *SchedulerService) InitializeNextRuns(ctx context.Context) error {
	n, err := s.schedules.InitializeNextRuns(ctx, s.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("initialize next runs: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "initialized schedule next runs", "count", n)
	}
	return nil
}
