package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/data"
	"github.com/netauto/conductor/internal/domain/model"
	"github.com/netauto/conductor/internal/observability/statsd"
)

// ReconcilerConfig bounds the orphan sweep.
type ReconcilerConfig struct {
	// RunningStaleAfter is how long a running run may go without an update
	// before it is suspect.
	RunningStaleAfter time.Duration
	// QueuedStaleAfter is the equivalent cutoff for queued runs whose task
	// never surfaced in the backend.
	QueuedStaleAfter time.Duration
	// BatchSize caps runs examined per status per sweep.
	BatchSize int
}

// DefaultReconcilerConfig returns the default sweep bounds.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		RunningStaleAfter: 10 * time.Minute,
		QueuedStaleAfter:  30 * time.Minute,
		BatchSize:         100,
	}
}

// ReconcilerService detects runs stranded in a non-terminal state, a worker
// crash or lost task being the usual cause, and force-fails them with the
// orphaned_run error code. The sweep consults the backend first so a slow but
// alive task is never killed.
type ReconcilerService struct {
	runs     core.RunRepository
	backend  core.ExecutionBackend
	progress core.ProgressTracker

	cfg          ReconcilerConfig
	timeProvider data.TimeProvider
	metrics      statsd.Sink
	logger       *slog.Logger
}

// ReconcilerServiceOptions holds the dependencies for creating a
// ReconcilerService.
type ReconcilerServiceOptions struct {
	Runs         core.RunRepository
	Backend      core.ExecutionBackend
	Progress     core.ProgressTracker
	Config       *ReconcilerConfig
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink
	Logger       *slog.Logger
}

// NewReconcilerService creates a new ReconcilerService.
func NewReconcilerService(opts ReconcilerServiceOptions) *ReconcilerService {
	if opts.Config == nil {
		cfg := DefaultReconcilerConfig()
		opts.Config = &cfg
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Metrics == nil {
		opts.Metrics = statsd.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ReconcilerService{
		runs:         opts.Runs,
		backend:      opts.Backend,
		progress:     opts.Progress,
		cfg:          *opts.Config,
		timeProvider: opts.TimeProvider,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// Sweep examines stale queued and running runs and orphans the ones whose
// backend task is finished or gone. Returns the number orphaned. Idempotent:
// a run orphaned by a concurrent sweep simply no-ops here.
func (r *ReconcilerService) Sweep(ctx context.Context) (int, error) {
	now := r.timeProvider.Now().UTC()
	orphaned := 0

	sweeps := []struct {
		status model.RunStatus
		cutoff time.Time
	}{
		{model.RunStatusRunning, now.Add(-r.cfg.RunningStaleAfter)},
		{model.RunStatusQueued, now.Add(-r.cfg.QueuedStaleAfter)},
	}

	for _, sweep := range sweeps {
		stale, err := r.runs.FindStale(ctx, core.StaleRunQuery{
			Status: sweep.status,
			Before: sweep.cutoff,
			Limit:  r.cfg.BatchSize,
		})
		if err != nil {
			return orphaned, fmt.Errorf("find stale %s runs: %w", sweep.status, err)
		}

		for _, run := range stale {
			ok, err := r.reconcile(ctx, run)
			if err != nil {
				r.logger.ErrorContext(ctx, "reconcile failed",
					"run_id", run.ID, "error", err)
				continue
			}
			if ok {
				orphaned++
			}
		}
	}

	if orphaned > 0 {
		r.metrics.Count("reconciler.orphaned", int64(orphaned), nil)
		r.logger.WarnContext(ctx, "orphaned stale runs", "count", orphaned)
	}
	return orphaned, nil
}

// reconcile decides the fate of one stale run. Live backend tasks get a
// pass; everything else is orphaned.
func (r *ReconcilerService) reconcile(ctx context.Context, run *model.JobRun) (bool, error) {
	detail := "no backend task recorded for stale run"
	if run.ExternalTaskID != nil {
		state, err := r.backend.FetchStatus(ctx, *run.ExternalTaskID)
		if err != nil {
			return false, fmt.Errorf("fetch backend status: %w", err)
		}
		if state.Live() {
			// Slow, not dead. Leave it for the next sweep.
			return false, nil
		}
		detail = fmt.Sprintf("backend task %s is %s but run never reached a terminal state",
			*run.ExternalTaskID, state)
	}

	ok, err := r.runs.MarkOrphaned(ctx, run.ID, detail)
	if err != nil {
		return false, fmt.Errorf("mark orphaned: %w", err)
	}
	if ok {
		r.progress.Forget(run.ID)
		r.logger.WarnContext(ctx, "run orphaned",
			"run_id", run.ID,
			"status", run.Status,
			"detail", detail)
	}
	return ok, nil
}
