package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
)

// Shared mock implementations for service tests.

type mockTemplateRepo struct {
	mock.Mock
}

func (m *mockTemplateRepo) Create(ctx context.Context, req *model.CreateTemplateRequest) (*model.JobTemplate, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobTemplate), args.Error(1)
}

func (m *mockTemplateRepo) GetByID(ctx context.Context, id string) (*model.JobTemplate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobTemplate), args.Error(1)
}

func (m *mockTemplateRepo) GetByName(ctx context.Context, name string, ownerID *string) (*model.JobTemplate, error) {
	args := m.Called(ctx, name, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobTemplate), args.Error(1)
}

func (m *mockTemplateRepo) ListVisible(
	ctx context.Context,
	ownerID *string,
	jobType model.JobType,
) ([]*model.JobTemplate, error) {
	args := m.Called(ctx, ownerID, jobType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.JobTemplate), args.Error(1)
}

func (m *mockTemplateRepo) Update(
	ctx context.Context,
	id string,
	req *model.UpdateTemplateRequest,
) (*model.JobTemplate, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobTemplate), args.Error(1)
}

func (m *mockTemplateRepo) Delete(ctx context.Context, id string, cascade bool) error {
	args := m.Called(ctx, id, cascade)
	return args.Error(0)
}

func (m *mockTemplateRepo) CountSchedules(ctx context.Context, templateID string) (int, int, error) {
	args := m.Called(ctx, templateID)
	return args.Int(0), args.Int(1), args.Error(2)
}

type mockScheduleRepo struct {
	mock.Mock
}

func (m *mockScheduleRepo) Create(ctx context.Context, req *model.CreateScheduleRequest) (*model.JobSchedule, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobSchedule), args.Error(1)
}

func (m *mockScheduleRepo) GetByID(ctx context.Context, id string) (*model.JobSchedule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobSchedule), args.Error(1)
}

func (m *mockScheduleRepo) List(ctx context.Context, enabledOnly bool) ([]*model.JobSchedule, error) {
	args := m.Called(ctx, enabledOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.JobSchedule), args.Error(1)
}

func (m *mockScheduleRepo) Update(
	ctx context.Context,
	id string,
	req *model.UpdateScheduleRequest,
) (*model.JobSchedule, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobSchedule), args.Error(1)
}

func (m *mockScheduleRepo) Delete(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockScheduleRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.JobSchedule, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.JobSchedule), args.Error(1)
}

func (m *mockScheduleRepo) TryWithScheduleLock(
	ctx context.Context,
	scheduleID string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	args := m.Called(ctx, scheduleID, fn)
	if args.Bool(0) {
		// Lock acquired: run the callback with a nil tx for unit tests.
		return true, fn(ctx, nil)
	}
	return false, args.Error(1)
}

func (m *mockScheduleRepo) RecordFireTx(ctx context.Context, tx *sql.Tx, p core.RecordFireParams) error {
	args := m.Called(ctx, tx, p)
	return args.Error(0)
}

func (m *mockScheduleRepo) InitializeNextRuns(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

type mockRunRepo struct {
	mock.Mock
}

func (m *mockRunRepo) Create(ctx context.Context, req *model.CreateRunRequest) (*model.JobRun, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobRun), args.Error(1)
}

func (m *mockRunRepo) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobRun), args.Error(1)
}

func (m *mockRunRepo) GetByDedupKey(
	ctx context.Context,
	scheduleID string,
	scheduledFor time.Time,
) (*model.JobRun, error) {
	args := m.Called(ctx, scheduleID, scheduledFor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobRun), args.Error(1)
}

func (m *mockRunRepo) List(ctx context.Context, q *model.RunQuery) (*model.RunPage, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunPage), args.Error(1)
}

func (m *mockRunRepo) Stats(ctx context.Context) (*model.RunStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunStats), args.Error(1)
}

func (m *mockRunRepo) SetExternalTaskID(ctx context.Context, runID, taskID string) error {
	args := m.Called(ctx, runID, taskID)
	return args.Error(0)
}

func (m *mockRunRepo) Start(ctx context.Context, runID, workerID string) (bool, error) {
	args := m.Called(ctx, runID, workerID)
	return args.Bool(0), args.Error(1)
}

func (m *mockRunRepo) Succeed(ctx context.Context, runID string, result json.RawMessage) (bool, error) {
	args := m.Called(ctx, runID, result)
	return args.Bool(0), args.Error(1)
}

func (m *mockRunRepo) Fail(ctx context.Context, p core.FailRunParams) (bool, error) {
	args := m.Called(ctx, p)
	return args.Bool(0), args.Error(1)
}

func (m *mockRunRepo) Cancel(ctx context.Context, runID string, partialResult json.RawMessage) (bool, error) {
	args := m.Called(ctx, runID, partialResult)
	return args.Bool(0), args.Error(1)
}

func (m *mockRunRepo) Requeue(ctx context.Context, runID, reason string) (bool, error) {
	args := m.Called(ctx, runID, reason)
	return args.Bool(0), args.Error(1)
}

func (m *mockRunRepo) FindStale(ctx context.Context, p core.StaleRunQuery) ([]*model.JobRun, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.JobRun), args.Error(1)
}

func (m *mockRunRepo) MarkOrphaned(ctx context.Context, runID, detail string) (bool, error) {
	args := m.Called(ctx, runID, detail)
	return args.Bool(0), args.Error(1)
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Submit(ctx context.Context, task *core.Task) (string, error) {
	args := m.Called(ctx, task)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) FetchStatus(ctx context.Context, taskID string) (core.BackendState, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(core.BackendState), args.Error(1)
}

func (m *mockBackend) Cancel(ctx context.Context, taskID string) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

// staticRegistry is a TypeRegistry stub accepting a fixed set of types.
type staticRegistry map[model.JobType]string

func (r staticRegistry) Registered(t model.JobType) bool {
	_, ok := r[t]
	return ok
}

func (r staticRegistry) List() []model.JobTypeInfo {
	infos := make([]model.JobTypeInfo, 0, len(r))
	for v, label := range r {
		infos = append(infos, model.JobTypeInfo{Value: v, Label: label})
	}
	return infos
}

func testRegistry() staticRegistry {
	return staticRegistry{"config_backup": "Configuration Backup"}
}

// uniqueViolation fabricates the Postgres error raised by the run dedup
// index.
func uniqueViolation() *pgconn.PgError {
	return &pgconn.PgError{
		Code:           pgerrcode.UniqueViolation,
		ConstraintName: "job_runs_schedule_fire_key",
		Detail:         "Key (job_schedule_id, scheduled_for)=(sched-1, 2025-06-01 12:05:00+00) already exists.",
	}
}
