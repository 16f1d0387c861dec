// Package worker provides the worker pool that pulls tasks off the execution
// backend and runs them through registered job type handlers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/data"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
	"github.com/netauto/conductor/internal/jobtypes"
	"github.com/netauto/conductor/internal/observability/statsd"
)

// RunnerOptions configures the worker pool runner.
type RunnerOptions struct {
	Source   core.TaskSource
	Runs     core.RunRepository
	Registry *jobtypes.Registry
	Progress core.ProgressTracker

	// WorkerID identifies this process in run records; defaults to
	// "worker-<hostname>-<short uuid>".
	WorkerID string
	// Concurrency is the number of worker goroutines; defaults to 1.
	Concurrency int
	// JobTypes restricts which queues this pool drains; defaults to every
	// registered type.
	JobTypes []model.JobType

	Logger       *slog.Logger
	Metrics      statsd.Sink
	TimeProvider data.TimeProvider
}

// Runner pulls tasks and executes them through the job type registry.
type Runner struct {
	source   core.TaskSource
	runs     core.RunRepository
	registry *jobtypes.Registry
	progress core.ProgressTracker
	workerID string
	workers  int
	jobTypes []model.JobType
	logger   *slog.Logger
	metrics  statsd.Sink
	now      data.TimeProvider
}

// NewRunner validates options and constructs a worker pool runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Source == nil {
		return nil, errors.New("task source is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("run repository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("job type registry is required")
	}
	if opts.Progress == nil {
		return nil, errors.New("progress tracker is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics statsd.Sink = opts.Metrics
	if metrics == nil {
		metrics = statsd.Nop{}
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	workerID := opts.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "unknown"
		}
		workerID = fmt.Sprintf("worker-%s-%s", host, uuid.NewString()[:8])
	}
	jobTypes := opts.JobTypes
	if len(jobTypes) == 0 {
		for _, info := range opts.Registry.List() {
			jobTypes = append(jobTypes, info.Value)
		}
	}
	if len(jobTypes) == 0 {
		return nil, errors.New("no job types to process")
	}

	return &Runner{
		source:   opts.Source,
		runs:     opts.Runs,
		registry: opts.Registry,
		progress: opts.Progress,
		workerID: workerID,
		workers:  workers,
		jobTypes: jobTypes,
		logger:   logger,
		metrics:  metrics,
		now:      tp,
	}, nil
}

// WorkerID returns the identifier recorded on runs this pool executes.
func (r *Runner) WorkerID() string { return r.workerID }

// Run starts worker goroutines and processes tasks until the context is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker pool",
		"worker_id", r.workerID, "workers", r.workers, "job_types", len(r.jobTypes))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

// workerLoop round-robins the configured job type queues. Dequeue blocks up
// to the source's poll timeout per queue, so an idle loop still observes ctx
// cancellation promptly.
func (r *Runner) workerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		for _, jt := range r.jobTypes {
			if ctx.Err() != nil {
				return nil
			}
			task, err := r.source.Dequeue(ctx, jt)
			switch {
			case err == nil:
				r.processTask(ctx, task)
			case errors.Is(err, model.ErrNoTasksAvailable):
				continue
			case errors.Is(err, context.Canceled):
				return nil
			default:
				return fmt.Errorf("dequeue %s: %w", jt, err)
			}
		}
	}
	return nil
}

func (r *Runner) processTask(ctx context.Context, task *core.Task) {
	log := r.logger.With("run_id", task.RunID, "task_id", task.ID, "job_type", task.JobType)

	// A cancel requested while the task sat queued means the run never starts.
	if cancelled, err := r.source.CancelRequested(ctx, task.ID); err == nil && cancelled {
		if _, err := r.runs.Cancel(ctx, task.RunID, nil); err != nil {
			log.ErrorContext(ctx, "cancel queued run", "error", err)
		}
		r.finishTask(ctx, task.ID)
		return
	}

	started, err := r.runs.Start(ctx, task.RunID, r.workerID)
	if err != nil {
		log.ErrorContext(ctx, "start run", "error", err)
		return
	}
	if !started {
		// Run left the queued state behind our back (cancelled, orphaned, or a
		// duplicate delivery). Nothing to execute.
		log.InfoContext(ctx, "skipping task for run no longer queued")
		r.finishTask(ctx, task.ID)
		return
	}
	if err := r.source.SetState(ctx, task.ID, core.BackendStateRunning); err != nil {
		log.WarnContext(ctx, "set backend task running", "error", err)
	}

	run, err := r.runs.GetByID(ctx, task.RunID)
	if err != nil {
		log.ErrorContext(ctx, "load run", "error", err)
		r.failRun(ctx, task, "load run: "+err.Error())
		return
	}

	start := r.now.Now()
	result, execErr := r.execute(ctx, task, run)
	elapsed := r.now.Now().Sub(start)

	r.recordOutcome(ctx, task, result, execErr, log)
	r.metrics.Timing("worker.job_duration", elapsed, map[string]string{
		"job_type": string(task.JobType),
	})
	r.finishTask(ctx, task.ID)
}

// execute resolves the handler and runs it with panic recovery. A panic is an
// execution error, never a crashed worker.
func (r *Runner) execute(
	ctx context.Context,
	task *core.Task,
	run *model.JobRun,
) (result json.RawMessage, err error) {
	handler, ok := r.registry.Handler(task.JobType)
	if !ok {
		return nil, fmt.Errorf("no handler for job type %s", task.JobType)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	ec := &jobtypes.ExecContext{
		RunID:         task.RunID,
		Payload:       task.Payload,
		TargetDevices: run.TargetDevices,
		Progress: func(percent float64, step string) {
			r.progress.Update(task.RunID, percent, step, r.now.Now())
		},
		Cancelled: func() bool {
			cancelled, cerr := r.source.CancelRequested(ctx, task.ID)
			return cerr == nil && cancelled
		},
	}
	return handler.Execute(ctx, ec)
}

// recordOutcome transitions the run to its terminal state (or requeues it).
// Every guarded transition returning false means another actor got there
// first; that is logged, never retried.
func (r *Runner) recordOutcome(
	ctx context.Context,
	task *core.Task,
	result json.RawMessage,
	execErr error,
	log *slog.Logger,
) {
	switch {
	case execErr == nil:
		ok, err := r.runs.Succeed(ctx, task.RunID, result)
		if err != nil {
			log.ErrorContext(ctx, "record success", "error", err)
			return
		}
		if !ok {
			log.WarnContext(ctx, "run not running at success; terminal state kept")
		}
		r.progress.Forget(task.RunID)

	case errors.Is(execErr, jobtypes.ErrCancelled):
		if _, err := r.runs.Cancel(ctx, task.RunID, result); err != nil {
			log.ErrorContext(ctx, "record cancellation", "error", err)
			return
		}
		log.InfoContext(ctx, "run cancelled at checkpoint")
		r.progress.Forget(task.RunID)

	case apperrors.IsTransientWorker(execErr):
		requeued, err := r.runs.Requeue(ctx, task.RunID, execErr.Error())
		if err != nil {
			log.ErrorContext(ctx, "requeue run", "error", err)
			return
		}
		if requeued {
			log.WarnContext(ctx, "run requeued after transient failure", "error", execErr)
			r.resubmit(ctx, task, log)
			return
		}
		// Retry budget spent; the transient failure is now final.
		r.failRun(ctx, task, "retries exhausted: "+execErr.Error())
		log.ErrorContext(ctx, "run failed after exhausting retries", "error", execErr)

	default:
		r.failRun(ctx, task, execErr.Error())
		log.ErrorContext(ctx, "run failed", "error", execErr)
		r.progress.Forget(task.RunID)
	}
}

// resubmit pushes a requeued run's task back onto its queue so another worker
// slot picks it up. The backend submit path is dispatcher-owned, so requeues
// reuse the same source when it can enqueue.
func (r *Runner) resubmit(ctx context.Context, task *core.Task, log *slog.Logger) {
	backend, ok := r.source.(core.ExecutionBackend)
	if !ok {
		log.WarnContext(ctx, "task source cannot resubmit; run waits for reconciler")
		return
	}
	next := &core.Task{
		RunID:   task.RunID,
		JobType: task.JobType,
		Payload: task.Payload,
		Attempt: task.Attempt + 1,
	}
	taskID, err := backend.Submit(ctx, next)
	if err != nil {
		log.ErrorContext(ctx, "resubmit requeued task", "error", err)
		return
	}
	if err := r.runs.SetExternalTaskID(ctx, task.RunID, taskID); err != nil {
		log.ErrorContext(ctx, "record resubmitted task id", "error", err)
	}
}

func (r *Runner) failRun(ctx context.Context, task *core.Task, msg string) {
	if _, err := r.runs.Fail(ctx, core.FailRunParams{
		RunID:        task.RunID,
		ErrorCode:    string(apperrors.ErrCodeExecution),
		ErrorMessage: msg,
	}); err != nil {
		r.logger.ErrorContext(ctx, "record run failure", "run_id", task.RunID, "error", err)
	}
	r.progress.Forget(task.RunID)
}

func (r *Runner) finishTask(ctx context.Context, taskID string) {
	if err := r.source.SetState(ctx, taskID, core.BackendStateDone); err != nil {
		r.logger.WarnContext(ctx, "set backend task done", "task_id", taskID, "error", err)
	}
}
