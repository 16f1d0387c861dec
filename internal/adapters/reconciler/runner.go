// Package reconciler provides the sweep-loop adapter that detects and
// resolves orphaned runs.
package reconciler

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/data"
	"github.com/netauto/conductor/internal/observability/statsd"
	"github.com/netauto/conductor/internal/service"
)

const defaultSweepInterval = 2 * time.Minute

// Runner runs the reconciliation sweep on a slow cadence.
type Runner struct {
	reconciler *service.ReconcilerService
	interval   time.Duration
	logger     *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Backend  core.ExecutionBackend
	Progress core.ProgressTracker
	Config   *service.ReconcilerConfig
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Optional dependency injections for testing/decoupling
	Runs core.RunRepository
}

// NewRunner creates a reconciler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Runs == nil {
		return nil, errors.New("either DB or Runs must be provided")
	}
	if opts.Backend == nil {
		return nil, errors.New("execution backend is required")
	}
	if opts.Progress == nil {
		return nil, errors.New("progress tracker is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	runs := opts.Runs
	if runs == nil {
		runs = data.NewRunRepo(opts.DB)
	}

	svc := service.NewReconcilerService(service.ReconcilerServiceOptions{
		Runs:     runs,
		Backend:  opts.Backend,
		Progress: opts.Progress,
		Config:   opts.Config,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
	})

	return &Runner{
		reconciler: svc,
		interval:   opts.Interval,
		logger:     opts.Logger,
	}, nil
}

// Run sweeps at the configured interval until the context is cancelled.
// Sweep errors are logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reconciler runner", "interval", r.interval)

	// Jitter so replicas started together do not sweep in lockstep.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reconciler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	orphaned, err := r.reconciler.Sweep(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "reconciliation sweep error", "error", err)
		return
	}
	if orphaned > 0 {
		r.logger.WarnContext(ctx, "reconciliation sweep orphaned runs", "count", orphaned)
	}
}

// waitWithJitter delays startup by a random fraction (up to 10%) of the
// interval.
func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}
