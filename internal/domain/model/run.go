// Package model defines the core data types for the conductor job
// orchestration system.
package model

import (
	"encoding/json"
	"errors"
	"time"
)

// RunStatus represents the lifecycle state of a job run.
type RunStatus string

const (
	// RunStatusQueued indicates the run has been dispatched but no worker has
	// accepted it yet.
	RunStatusQueued RunStatus = "queued"
	// RunStatusRunning indicates a worker is executing the run.
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded indicates the run completed without error.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed indicates the run failed; ErrorCode distinguishes why.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// TriggeredByScheduler is the TriggeredBy value recorded for runs created by
// the scheduler loop rather than a user.
const TriggeredByScheduler = "scheduler"

// Valid returns true if the RunStatus is one of the known states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if the status is a terminal state. No transition out
// of a terminal state is ever permitted.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Transitions are monotonic: queued → running → {succeeded, failed,
// cancelled}, plus queued → {failed, cancelled} for dispatch failures and
// pre-pickup cancellation.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed || next == RunStatusCancelled
	case RunStatusRunning:
		return next.Terminal()
	}
	return false
}

// ErrNoTasksAvailable is returned by the execution backend when no queued
// tasks are available for a worker.
var ErrNoTasksAvailable = errors.New("no tasks available")

// JobRun is the authoritative execution record, one per dispatch. Runs are
// never deleted; they are the audit trail for every execution.
type JobRun struct {
	ID             string          `json:"id"                         db:"id"`
	JobScheduleID  *string         `json:"job_schedule_id,omitempty"  db:"job_schedule_id"`
	JobTemplateID  *string         `json:"job_template_id,omitempty"  db:"job_template_id"`
	ExternalTaskID *string         `json:"external_task_id,omitempty" db:"external_task_id"`
	JobName        string          `json:"job_name"                   db:"job_name"`
	JobType        JobType         `json:"job_type"                   db:"job_type"`
	Status         RunStatus       `json:"status"                     db:"status"`
	TriggeredBy    string          `json:"triggered_by"               db:"triggered_by"`
	Parameters     json.RawMessage `json:"parameters"                 db:"parameters"`
	TargetDevices  []string        `json:"target_devices"             db:"target_devices"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"    db:"scheduled_for"`
	QueuedAt       time.Time       `json:"queued_at"                  db:"queued_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	DurationMillis *int64          `json:"duration_ms,omitempty"      db:"duration_ms"`
	ErrorCode      string          `json:"error_code,omitempty"       db:"error_code"`
	ErrorMessage   *string         `json:"error_message,omitempty"    db:"error_message"`
	Result         json.RawMessage `json:"result,omitempty"           db:"result"`
	ExecutedBy     *string         `json:"executed_by,omitempty"      db:"executed_by"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// Duration returns the wall-clock execution duration when both started_at and
// completed_at are recorded.
func (r *JobRun) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// CreateRunRequest carries everything the dispatcher needs to create a JobRun
// in the queued state.
type CreateRunRequest struct {
	JobScheduleID *string         `json:"job_schedule_id,omitempty"`
	JobTemplateID *string         `json:"job_template_id,omitempty"`
	JobName       string          `json:"job_name"`
	JobType       JobType         `json:"job_type"`
	TriggeredBy   string          `json:"triggered_by"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	TargetDevices []string        `json:"target_devices,omitempty"`
	ScheduledFor  *time.Time      `json:"scheduled_for,omitempty"`
	MaxRetries    int             `json:"max_retries,omitempty"`
}

// Validate validates the CreateRunRequest fields.
func (r *CreateRunRequest) Validate() error {
	if r.JobName == "" {
		return errors.New("job name is required")
	}
	if r.JobType == "" {
		return errors.New("job type is required")
	}
	if r.TriggeredBy == "" {
		return errors.New("triggered_by is required")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if r.ScheduledFor != nil && r.JobScheduleID == nil {
		return errors.New("scheduled_for requires a job_schedule_id")
	}
	return nil
}

// RunQuery describes filters and pagination for listing job runs.
type RunQuery struct {
	Status     RunStatus  `json:"status,omitempty"`
	TemplateID *string    `json:"template_id,omitempty"`
	ScheduleID *string    `json:"schedule_id,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Page       int        `json:"page"`
	PerPage    int        `json:"per_page"`
}

const (
	defaultPerPage = 25
	maxPerPage     = 200
)

// Normalize clamps pagination values to sane bounds.
func (q *RunQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = defaultPerPage
	}
	if q.PerPage > maxPerPage {
		q.PerPage = maxPerPage
	}
}

// Offset returns the row offset implied by the page settings.
func (q *RunQuery) Offset() int {
	return (q.Page - 1) * q.PerPage
}

// RunPage is a page of job runs plus total-count metadata.
type RunPage struct {
	Runs       []*JobRun `json:"runs"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PerPage    int       `json:"per_page"`
	TotalPages int       `json:"total_pages"`
}

// RunStats summarizes runs by state.
type RunStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
