// Package scheduler provides the tick-loop adapter that drives the schedule
// firing service.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/data"
	"github.com/netauto/conductor/internal/observability/statsd"
	"github.com/netauto/conductor/internal/service"
)

// Runner wires the scheduler service and runs a tick loop with a configurable
// interval.
type Runner struct {
	scheduler *service.SchedulerService
	interval  time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Backend  core.ExecutionBackend
	Registry core.TypeRegistry
	Config   *core.SchedulerConfig
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Optional dependency injections for testing/decoupling
	Schedules    core.ScheduleRepository
	Templates    core.TemplateRepository
	Runs         core.RunRepository
	TimeProvider data.TimeProvider
}

// NewRunner creates a scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc := service.NewSchedulerService(wireRunnerDependencies(opts))

	return &Runner{
		scheduler: svc,
		interval:  opts.Interval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Schedules == nil || opts.Templates == nil || opts.Runs == nil) {
		return errors.New("either DB or all repositories must be provided")
	}
	if opts.Backend == nil {
		return errors.New("execution backend is required")
	}
	if opts.Registry == nil {
		return errors.New("job type registry is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = statsd.Nop{}
	}
	return nil
}

// wireRunnerDependencies builds the scheduler service options, constructing
// repositories from the DB where none were injected.
func wireRunnerDependencies(opts RunnerOptions) service.SchedulerServiceOptions {
	schedules := opts.Schedules
	if schedules == nil {
		schedules = data.NewScheduleRepo(opts.DB)
	}
	templates := opts.Templates
	if templates == nil {
		templates = data.NewTemplateRepo(opts.DB)
	}
	runs := opts.Runs
	if runs == nil {
		runs = data.NewRunRepo(opts.DB)
	}

	maxRetries := 0
	if opts.Config != nil {
		maxRetries = opts.Config.DefaultMaxRetries
	}
	dispatcher := service.NewDispatcherService(service.DispatcherServiceOptions{
		Runs:              runs,
		Registry:          opts.Registry,
		Backend:           opts.Backend,
		Metrics:           opts.Metrics,
		Logger:            opts.Logger,
		DefaultMaxRetries: maxRetries,
	})

	return service.SchedulerServiceOptions{
		Schedules:    schedules,
		Templates:    templates,
		Dispatcher:   dispatcher,
		Config:       opts.Config,
		TimeProvider: opts.TimeProvider,
		Metrics:      opts.Metrics,
		Logger:       opts.Logger,
	}
}

// Run seeds next_run_at for uninitialized schedules, then ticks until the
// context is cancelled. Tick errors are logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	if err := r.scheduler.InitializeNextRuns(ctx); err != nil {
		r.logger.ErrorContext(ctx, "initialize next runs failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			start := time.Now()
			fired, err := r.scheduler.Tick(ctx, now.UTC())
			elapsed := time.Since(start)

			r.emitTickMetrics(fired, elapsed, err)

			if err != nil {
				r.logger.ErrorContext(ctx, "scheduler tick error", "error", err)
				// Continue running despite errors
			} else if fired > 0 {
				r.logger.InfoContext(ctx, "scheduler tick fired schedules", "fired", fired)
			}
		}
	}
}

func (r *Runner) emitTickMetrics(fired int, elapsed time.Duration, err error) {
	result := "success"
	switch {
	case err != nil:
		result = "error"
	case fired == 0:
		result = "noop"
	}
	tags := map[string]string{"result": result}

	if fired > 0 {
		r.metrics.Count("scheduler.fired", int64(fired), tags)
	}
	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, tags)
	}
	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
