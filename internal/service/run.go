package service

import (
	"context"
	"encoding/json"
	"log/slog"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

// RunService serves run queries, progress, cancellation, and result
// projection.
type RunService struct {
	runs     core.RunRepository
	backend  core.ExecutionBackend
	progress core.ProgressTracker
	logger   *slog.Logger
}

// RunServiceOptions holds the dependencies for creating a RunService.
type RunServiceOptions struct {
	Runs     core.RunRepository
	Backend  core.ExecutionBackend
	Progress core.ProgressTracker
	Logger   *slog.Logger
}

// NewRunService creates a new RunService.
func NewRunService(opts RunServiceOptions) *RunService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RunService{
		runs:     opts.Runs,
		backend:  opts.Backend,
		progress: opts.Progress,
		logger:   opts.Logger,
	}
}

// Get retrieves a run by ID.
func (s *RunService) Get(ctx context.Context, id string) (*model.JobRun, error) {
	return s.runs.GetByID(ctx, id)
}

// List returns a filtered, paginated page of runs.
func (s *RunService) List(ctx context.Context, q *model.RunQuery) (*model.RunPage, error) {
	return s.runs.List(ctx, q)
}

// Stats returns run counts by state.
func (s *RunService) Stats(ctx context.Context) (*model.RunStats, error) {
	return s.runs.Stats(ctx)
}

// Cancel requests cancellation of a run. Queued runs are cancelled
// immediately; running ones get a cooperative cancellation request the
// worker observes at its next checkpoint. Cancelling a terminal run is a
// Conflict.
func (s *RunService) Cancel(ctx context.Context, id string) (*model.JobRun, error) {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, apperrors.Conflictf("run %s already %s", id, run.Status)
	}

	// Best-effort backend cancel either way: drops a queued task, flags a
	// running one.
	if run.ExternalTaskID != nil {
		if cancelErr := s.backend.Cancel(ctx, *run.ExternalTaskID); cancelErr != nil {
			s.logger.WarnContext(ctx, "backend cancel failed",
				"run_id", id, "task_id", *run.ExternalTaskID, "error", cancelErr)
		}
	}

	if run.Status == model.RunStatusQueued {
		ok, err := s.runs.Cancel(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			s.progress.Forget(id)
		}
		// Not ok means a worker grabbed it between the read and the update;
		// the cooperative path takes over.
	}

	s.logger.InfoContext(ctx, "run cancellation requested", "run_id", id)
	return s.runs.GetByID(ctx, id)
}

// Progress returns the live progress snapshot for a run. Snapshots exist only
// while a run executes: before the worker starts it and after it goes
// terminal the lookup is a NotFound.
func (s *RunService) Progress(ctx context.Context, id string) (*model.ProgressSnapshot, error) {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if snap, ok := s.progress.Snapshot(id); ok {
		return &snap, nil
	}
	return nil, apperrors.NotFoundf("no live progress for run %s (status %s)", id, run.Status)
}

// ProgressBatch returns snapshots for the tracked subset of runIDs. Runs with
// no live progress are omitted rather than erroring, so dashboards can poll
// a mixed set cheaply.
func (s *RunService) ProgressBatch(runIDs []string) map[string]model.ProgressSnapshot {
	return s.progress.SnapshotAll(runIDs)
}

// Result returns a run's result document, optionally projected through a
// JMESPath expression so clients can pull one field out of a large document.
func (s *RunService) Result(ctx context.Context, id, query string) (json.RawMessage, error) {
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(run.Result) == 0 {
		return nil, apperrors.NotFoundf("run %s has no result", id)
	}
	if query == "" {
		return run.Result, nil
	}

	if _, err := jmespath.Compile(query); err != nil {
		return nil, apperrors.ValidationField("query", "invalid JMESPath expression: "+err.Error())
	}

	var doc any
	if err := json.Unmarshal(run.Result, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode result document")
	}
	projected, err := jmespath.Search(query, doc)
	if err != nil {
		return nil, apperrors.ValidationField("query", "evaluate JMESPath expression: "+err.Error())
	}

	raw, err := json.Marshal(projected)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode projected result")
	}
	return raw, nil
}
