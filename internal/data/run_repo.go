package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

// RunRepo provides database operations for job runs. Every state transition
// is expressed as a guarded UPDATE whose WHERE clause encodes the legal
// predecessor states, so terminal states can never be overwritten even under
// concurrent writers.
type RunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewRunRepo creates a RunRepo with the given database connection.
func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewRunRepoWithTimeProvider creates a RunRepo with a custom TimeProvider
// (useful for testing).
func NewRunRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *RunRepo {
	return &RunRepo{DB: db, timeProvider: tp}
}

const runColumns = `
  id,
  job_schedule_id,
  job_template_id,
  external_task_id,
  job_name,
  job_type,
  status,
  triggered_by,
  parameters,
  target_devices,
  scheduled_for,
  queued_at,
  started_at,
  completed_at,
  duration_ms,
  error_code,
  error_message,
  result,
  executed_by,
  retry_count,
  max_retries,
  created_at,
  updated_at
`

// Create inserts a run in the queued state. A duplicate
// (job_schedule_id, scheduled_for) pair violates the dedup index and comes
// back as a Conflict error.
func (r *RunRepo) Create(ctx context.Context, req *model.CreateRunRequest) (*model.JobRun, error) {
	if req == nil {
		return nil, errors.New("create run request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid run")
	}

	params := req.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	devices, err := marshalDevices(req.TargetDevices)
	if err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO job_runs (job_schedule_id, job_template_id, job_name, job_type, status, triggered_by, parameters, target_devices, scheduled_for, queued_at, max_retries)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, $8, $9, $10)
		RETURNING `+runColumns,
		req.JobScheduleID, req.JobTemplateID, req.JobName, req.JobType,
		req.TriggeredBy, []byte(params), devices, req.ScheduledFor, now, req.MaxRetries,
	)

	run, err := scanRun(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return run, nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("job run %s not found", id)
		}
		return nil, apperrors.MapDBError(err)
	}
	return run, nil
}

// GetByDedupKey fetches the run created for a specific schedule firing. Used
// by the dispatcher after a dedup conflict to return the surviving run.
func (r *RunRepo) GetByDedupKey(
	ctx context.Context,
	scheduleID string,
	scheduledFor time.Time,
) (*model.JobRun, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE job_schedule_id = $1 AND scheduled_for = $2
	`, scheduleID, scheduledFor.UTC())

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf(
				"no run for schedule %s at %s", scheduleID, scheduledFor.UTC().Format(time.RFC3339))
		}
		return nil, apperrors.MapDBError(err)
	}
	return run, nil
}

// List returns a filtered, paginated page of runs, newest first.
func (r *RunRepo) List(ctx context.Context, q *model.RunQuery) (*model.RunPage, error) {
	if q == nil {
		q = &model.RunQuery{}
	}
	q.Normalize()

	where := "TRUE"
	var args []any
	add := func(clause string, val any) {
		args = append(args, val)
		where += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if q.Status != "" {
		if !q.Status.Valid() {
			return nil, apperrors.ValidationField("status", fmt.Sprintf("unknown status %q", q.Status))
		}
		add("status =", q.Status)
	}
	if q.TemplateID != nil {
		add("job_template_id =", *q.TemplateID)
	}
	if q.ScheduleID != nil {
		add("job_schedule_id =", *q.ScheduleID)
	}
	if q.From != nil {
		add("queued_at >=", q.From.UTC())
	}
	if q.To != nil {
		add("queued_at <", q.To.UTC())
	}

	var total int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM job_runs WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, apperrors.MapDBError(err)
	}

	args = append(args, q.PerPage, q.Offset())
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+runColumns+`
		FROM job_runs
		WHERE %s
		ORDER BY queued_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	runs := []*model.JobRun{}
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}

	totalPages := (total + q.PerPage - 1) / q.PerPage
	return &model.RunPage{
		Runs:       runs,
		Total:      total,
		Page:       q.Page,
		PerPage:    q.PerPage,
		TotalPages: totalPages,
	}, nil
}

// Stats returns run counts by state.
func (r *RunRepo) Stats(ctx context.Context) (*model.RunStats, error) {
	var stats model.RunStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'running'),
			count(*) FILTER (WHERE status = 'succeeded'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'cancelled')
		FROM job_runs
	`).Scan(&stats.Queued, &stats.Running, &stats.Succeeded, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return &stats, nil
}

// SetExternalTaskID records the backend task handle after submission.
func (r *RunRepo) SetExternalTaskID(ctx context.Context, runID, taskID string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_runs
		SET external_task_id = $2, updated_at = $3
		WHERE id = $1
	`, runID, taskID, r.timeProvider.Now().UTC())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("job run %s not found", runID)
	}
	return nil
}

// Start transitions queued → running, recording started_at and the executing
// worker.
func (r *RunRepo) Start(ctx context.Context, runID, workerID string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, `
		UPDATE job_runs
		SET status = 'running',
		    started_at = $2,
		    executed_by = $3,
		    updated_at = $2
		WHERE id = $1 AND status = 'queued'
	`, runID, now, workerID)
}

// Succeed transitions running → succeeded, recording the result and deriving
// duration_ms from started_at in the same statement.
func (r *RunRepo) Succeed(ctx context.Context, runID string, result json.RawMessage) (bool, error) {
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, `
		UPDATE job_runs
		SET status = 'succeeded',
		    result = $2,
		    completed_at = $3,
		    duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, runID, nullableJSON(result), now)
}

// Fail transitions a non-terminal run to failed. Runs failed from queued
// never started, so duration stays NULL for them.
func (r *RunRepo) Fail(ctx context.Context, p core.FailRunParams) (bool, error) {
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, `
		UPDATE job_runs
		SET status = 'failed',
		    error_code = $2,
		    error_message = $3,
		    completed_at = $4,
		    duration_ms = CASE WHEN started_at IS NOT NULL
		        THEN (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint
		        ELSE NULL END,
		    updated_at = $4
		WHERE id = $1 AND status IN ('queued', 'running')
	`, p.RunID, p.ErrorCode, p.ErrorMessage, now)
}

// Cancel transitions queued or running → cancelled, keeping any partial
// result the worker reported before stopping.
func (r *RunRepo) Cancel(ctx context.Context, runID string, partialResult json.RawMessage) (bool, error) {
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, `
		UPDATE job_runs
		SET status = 'cancelled',
		    result = COALESCE($2, result),
		    completed_at = $3,
		    duration_ms = CASE WHEN started_at IS NOT NULL
		        THEN (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
		        ELSE NULL END,
		    updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'running')
	`, runID, nullableJSON(partialResult), now)
}

// Requeue moves a running run back to queued after a transient worker
// failure. The retry budget is enforced in the WHERE clause so exhausted runs
// are left for the caller to fail permanently.
func (r *RunRepo) Requeue(ctx context.Context, runID, reason string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, `
		UPDATE job_runs
		SET status = 'queued',
		    started_at = NULL,
		    executed_by = NULL,
		    retry_count = retry_count + 1,
		    error_code = 'transient_worker_error',
		    error_message = $2,
		    queued_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status = 'running' AND retry_count < max_retries
	`, runID, reason, now)
}

// FindStale returns non-terminal runs whose last update predates the cutoff.
func (r *RunRepo) FindStale(ctx context.Context, p core.StaleRunQuery) ([]*model.JobRun, error) {
	if !p.Status.Valid() || p.Status.Terminal() {
		return nil, apperrors.ValidationField("status", "stale scan requires a non-terminal status")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, p.Status, p.Before.UTC(), limit)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var runs []*model.JobRun
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return runs, nil
}

// MarkOrphaned force-fails a stuck run. The non-terminal guard makes
// concurrent reconciler sweeps idempotent.
func (r *RunRepo) MarkOrphaned(ctx context.Context, runID, detail string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	return r.guardedUpdate(ctx, `
		UPDATE job_runs
		SET status = 'failed',
		    error_code = 'orphaned_run',
		    error_message = $2,
		    completed_at = $3,
		    duration_ms = CASE WHEN started_at IS NOT NULL
		        THEN (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
		        ELSE NULL END,
		    updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'running')
	`, runID, detail, now)
}

// guardedUpdate executes a transition UPDATE and reports whether a row
// matched the guard.
func (r *RunRepo) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanRun(scanner rowScanner) (*model.JobRun, error) {
	var (
		run            model.JobRun
		scheduleID     sql.NullString
		templateID     sql.NullString
		externalTaskID sql.NullString
		params         []byte
		devices        []byte
		scheduledFor   sql.NullTime
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		durationMillis sql.NullInt64
		errorMessage   sql.NullString
		result         []byte
		executedBy     sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&scheduleID,
		&templateID,
		&externalTaskID,
		&run.JobName,
		&run.JobType,
		&run.Status,
		&run.TriggeredBy,
		&params,
		&devices,
		&scheduledFor,
		&run.QueuedAt,
		&startedAt,
		&completedAt,
		&durationMillis,
		&run.ErrorCode,
		&errorMessage,
		&result,
		&executedBy,
		&run.RetryCount,
		&run.MaxRetries,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}

	run.JobScheduleID = nullableString(scheduleID)
	run.JobTemplateID = nullableString(templateID)
	run.ExternalTaskID = nullableString(externalTaskID)
	run.Parameters = json.RawMessage(params)
	if len(devices) > 0 {
		if err := json.Unmarshal(devices, &run.TargetDevices); err != nil {
			return nil, fmt.Errorf("unmarshal target devices: %w", err)
		}
	}
	run.ScheduledFor = nullableTime(scheduledFor)
	run.StartedAt = nullableTime(startedAt)
	run.CompletedAt = nullableTime(completedAt)
	if durationMillis.Valid {
		d := durationMillis.Int64
		run.DurationMillis = &d
	}
	run.ErrorMessage = nullableString(errorMessage)
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	run.ExecutedBy = nullableString(executedBy)
	return &run, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
