// Package core provides the service-facing interfaces and shared
// configuration for the conductor job orchestration system.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/netauto/conductor/internal/domain/model"
)

// TemplateRepository defines data operations for job templates.
type TemplateRepository interface {
	Create(ctx context.Context, req *model.CreateTemplateRequest) (*model.JobTemplate, error)
	GetByID(ctx context.Context, id string) (*model.JobTemplate, error)
	GetByName(ctx context.Context, name string, ownerID *string) (*model.JobTemplate, error)
	// ListVisible returns global templates plus those owned by ownerID,
	// optionally filtered by job type.
	ListVisible(ctx context.Context, ownerID *string, jobType model.JobType) ([]*model.JobTemplate, error)
	Update(ctx context.Context, id string, req *model.UpdateTemplateRequest) (*model.JobTemplate, error)
	// Delete removes a template. When cascade is false and schedules
	// reference the template, it fails with a Conflict error. When cascade is
	// true, dependent schedules are disabled in the same transaction and
	// survive as audit records; runs keep their weak schedule reference.
	Delete(ctx context.Context, id string, cascade bool) error
	// CountSchedules returns how many schedules reference the template,
	// split into enabled and total.
	CountSchedules(ctx context.Context, templateID string) (enabled int, total int, err error)
}

// ScheduleRepository defines data operations for job schedules.
type ScheduleRepository interface {
	Create(ctx context.Context, req *model.CreateScheduleRequest) (*model.JobSchedule, error)
	GetByID(ctx context.Context, id string) (*model.JobSchedule, error)
	List(ctx context.Context, enabledOnly bool) ([]*model.JobSchedule, error)
	Update(ctx context.Context, id string, req *model.UpdateScheduleRequest) (*model.JobSchedule, error)
	Delete(ctx context.Context, id string) (bool, error)

	// FindDue returns enabled schedules with next_run_at <= now. Concurrent
	// replicas may see the same rows; TryWithScheduleLock and the run dedup
	// index keep a schedule from firing twice.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.JobSchedule, error)

	// TryWithScheduleLock attempts a transaction-scoped advisory lock keyed by
	// the schedule ID. Return semantics:
	//   - (false, nil): lock not acquired; fn was not executed
	//   - (true, nil): lock acquired; fn executed and succeeded
	//   - (true, err): lock acquired; fn executed and failed with err
	TryWithScheduleLock(
		ctx context.Context,
		scheduleID string,
		fn func(context.Context, *sql.Tx) error,
	) (bool, error)

	// RecordFireTx persists next_run_at and last_run_id after a dispatch,
	// within the scheduler's transaction.
	RecordFireTx(ctx context.Context, tx *sql.Tx, p RecordFireParams) error

	// InitializeNextRuns computes next_run_at for enabled schedules that do
	// not have one yet (fresh rows, or rows created before the scheduler ran).
	// Returns the number of schedules initialized.
	InitializeNextRuns(ctx context.Context, now time.Time) (int, error)
}

// RecordFireParams groups the write-back after a schedule fires.
type RecordFireParams struct {
	ScheduleID string
	NextRunAt  time.Time
	LastRunID  *string
}

// RunRepository defines data operations for job runs. All state transitions
// are guarded at the SQL layer so a terminal state can never be overwritten.
type RunRepository interface {
	// Create inserts a run in the queued state. Scheduled runs carry a
	// (schedule_id, scheduled_for) pair covered by a unique index; duplicate
	// fires surface as a Conflict the dispatcher treats as a no-op.
	Create(ctx context.Context, req *model.CreateRunRequest) (*model.JobRun, error)
	GetByID(ctx context.Context, id string) (*model.JobRun, error)
	// GetByDedupKey fetches the run created for a specific schedule firing.
	GetByDedupKey(ctx context.Context, scheduleID string, scheduledFor time.Time) (*model.JobRun, error)
	List(ctx context.Context, q *model.RunQuery) (*model.RunPage, error)
	Stats(ctx context.Context) (*model.RunStats, error)

	// SetExternalTaskID records the backend task handle after submission.
	SetExternalTaskID(ctx context.Context, runID, taskID string) error

	// Start transitions queued → running and records started_at and the
	// executing worker. Returns false when the run was not in queued state.
	Start(ctx context.Context, runID, workerID string) (bool, error)
	// Succeed transitions running → succeeded, recording result and
	// completed_at. Returns false when the run was not running.
	Succeed(ctx context.Context, runID string, result json.RawMessage) (bool, error)
	// Fail transitions a non-terminal run to failed with an error code and
	// message. Returns false when the run was already terminal.
	Fail(ctx context.Context, p FailRunParams) (bool, error)
	// Cancel transitions queued or running → cancelled, keeping any partial
	// result. Returns false when the run was already terminal.
	Cancel(ctx context.Context, runID string, partialResult json.RawMessage) (bool, error)
	// Requeue moves a running run back to queued for a transient worker
	// failure, incrementing retry_count. Returns false when the run was not
	// running or retries are exhausted.
	Requeue(ctx context.Context, runID, reason string) (bool, error)

	// FindStale returns non-terminal runs whose last update predates the
	// cutoff, for the reconciliation sweep.
	FindStale(ctx context.Context, p StaleRunQuery) ([]*model.JobRun, error)
	// MarkOrphaned force-fails a stuck run with the orphaned_run error code.
	// Guarded on non-terminal status, so concurrent sweeps are idempotent.
	MarkOrphaned(ctx context.Context, runID, detail string) (bool, error)
}

// FailRunParams groups the inputs for RunRepository.Fail.
type FailRunParams struct {
	RunID        string
	ErrorCode    string
	ErrorMessage string
}

// StaleRunQuery bounds a reconciliation scan.
type StaleRunQuery struct {
	Status model.RunStatus
	Before time.Time
	Limit  int
}

// BackendState is the execution backend's view of a submitted task.
type BackendState string

const (
	// BackendStateQueued means the task is waiting in the backend queue.
	BackendStateQueued BackendState = "queued"
	// BackendStateRunning means a worker holds the task.
	BackendStateRunning BackendState = "running"
	// BackendStateDone means the worker finished the task (either outcome).
	BackendStateDone BackendState = "done"
	// BackendStateGone means the backend has no record of the task. Stale
	// runs whose task is gone are orphans.
	BackendStateGone BackendState = "gone"
)

// Live reports whether the backend still owns the task.
func (s BackendState) Live() bool {
	return s == BackendStateQueued || s == BackendStateRunning
}

// ExecutionBackend is the dispatcher-facing contract of the distributed
// task-execution backend. Delivery is at-least-once; the dispatcher's dedup
// key compensates for duplicate submissions.
type ExecutionBackend interface {
	// Submit enqueues a task and returns the backend's task handle.
	Submit(ctx context.Context, task *Task) (string, error)
	// FetchStatus reports the backend's view of a previously submitted task.
	FetchStatus(ctx context.Context, taskID string) (BackendState, error)
	// Cancel requests cooperative cancellation of a task. Queued tasks are
	// dropped best-effort; running tasks observe the request at their next
	// checkpoint.
	Cancel(ctx context.Context, taskID string) error
}

// TaskSource is the worker-facing contract of the execution backend.
type TaskSource interface {
	// Dequeue blocks up to the configured poll timeout for the next task of
	// the given type. Returns model.ErrNoTasksAvailable when none arrived.
	Dequeue(ctx context.Context, jobType model.JobType) (*Task, error)
	// SetState updates the backend's task state record.
	SetState(ctx context.Context, taskID string, state BackendState) error
	// CancelRequested reports whether cancellation was requested for a task.
	CancelRequested(ctx context.Context, taskID string) (bool, error)
}

// Task is the queued unit of work handed to the execution backend.
type Task struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	JobType model.JobType   `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// ProgressTracker maintains live progress for in-flight runs and serves
// point-in-time snapshots to polling clients without blocking the writer.
type ProgressTracker interface {
	// Update records progress for a run. Updates carrying a timestamp older
	// than the current snapshot are dropped.
	Update(runID string, percent float64, step string, at time.Time)
	// Snapshot returns the current snapshot, or false when the run is not
	// tracked (never started, or already terminal).
	Snapshot(runID string) (model.ProgressSnapshot, bool)
	// SnapshotAll returns snapshots for the tracked subset of runIDs under a
	// single read lock. Untracked IDs are omitted, never an error.
	SnapshotAll(runIDs []string) map[string]model.ProgressSnapshot
	// Forget discards a run's snapshot once it reaches a terminal state.
	Forget(runID string)
}

// TypeRegistry exposes the registered job types to validation and listing.
type TypeRegistry interface {
	Registered(t model.JobType) bool
	List() []model.JobTypeInfo
}

// Authorizer is the external permission gate. The core never implements
// authorization; it only consumes the opaque decision.
type Authorizer interface {
	// Authorize reports whether the subject may perform action on capability.
	Authorize(ctx context.Context, subject, capability, action string) bool
}

// PayloadRenderer is the external template-rendering collaborator that turns
// a template plus effective parameters into the opaque instruction payload a
// worker executes.
type PayloadRenderer interface {
	Render(ctx context.Context, tpl *model.JobTemplate, params json.RawMessage) (json.RawMessage, error)
}

// SchedulerConfig holds configuration for the scheduler tick loop.
type SchedulerConfig struct {
	BatchSize         int `json:"batch_size"`
	DefaultMaxRetries int `json:"max_retries"`
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:         25,
		DefaultMaxRetries: 3,
	}
}
