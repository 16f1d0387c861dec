package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
	"github.com/netauto/conductor/internal/progress"
	"github.com/netauto/conductor/internal/service"
)

// Function-field stubs keep router tests free of a mocking framework: each
// test overrides just the calls it expects.

type stubTemplateRepo struct {
	CreateFn      func(ctx context.Context, req *model.CreateTemplateRequest) (*model.JobTemplate, error)
	GetByIDFn     func(ctx context.Context, id string) (*model.JobTemplate, error)
	ListVisibleFn func(ctx context.Context, ownerID *string, jobType model.JobType) ([]*model.JobTemplate, error)
	UpdateFn      func(ctx context.Context, id string, req *model.UpdateTemplateRequest) (*model.JobTemplate, error)
	DeleteFn      func(ctx context.Context, id string, cascade bool) error
}

func (s *stubTemplateRepo) Create(ctx context.Context, req *model.CreateTemplateRequest) (*model.JobTemplate, error) {
	return s.CreateFn(ctx, req)
}

func (s *stubTemplateRepo) GetByID(ctx context.Context, id string) (*model.JobTemplate, error) {
	return s.GetByIDFn(ctx, id)
}

func (s *stubTemplateRepo) GetByName(context.Context, string, *string) (*model.JobTemplate, error) {
	return nil, errors.New("not implemented")
}

func (s *stubTemplateRepo) ListVisible(
	ctx context.Context,
	ownerID *string,
	jobType model.JobType,
) ([]*model.JobTemplate, error) {
	return s.ListVisibleFn(ctx, ownerID, jobType)
}

func (s *stubTemplateRepo) Update(
	ctx context.Context,
	id string,
	req *model.UpdateTemplateRequest,
) (*model.JobTemplate, error) {
	return s.UpdateFn(ctx, id, req)
}

func (s *stubTemplateRepo) Delete(ctx context.Context, id string, cascade bool) error {
	return s.DeleteFn(ctx, id, cascade)
}

func (s *stubTemplateRepo) CountSchedules(context.Context, string) (int, int, error) {
	return 0, 0, nil
}

type stubRunRepo struct {
	CreateFn  func(ctx context.Context, req *model.CreateRunRequest) (*model.JobRun, error)
	GetByIDFn func(ctx context.Context, id string) (*model.JobRun, error)
	ListFn    func(ctx context.Context, q *model.RunQuery) (*model.RunPage, error)
	StatsFn   func(ctx context.Context) (*model.RunStats, error)
	CancelFn  func(ctx context.Context, runID string, partial json.RawMessage) (bool, error)
}

func (s *stubRunRepo) Create(ctx context.Context, req *model.CreateRunRequest) (*model.JobRun, error) {
	return s.CreateFn(ctx, req)
}

func (s *stubRunRepo) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	return s.GetByIDFn(ctx, id)
}

func (s *stubRunRepo) GetByDedupKey(context.Context, string, time.Time) (*model.JobRun, error) {
	return nil, apperrors.NotFound("no run")
}

func (s *stubRunRepo) List(ctx context.Context, q *model.RunQuery) (*model.RunPage, error) {
	return s.ListFn(ctx, q)
}

func (s *stubRunRepo) Stats(ctx context.Context) (*model.RunStats, error) {
	return s.StatsFn(ctx)
}

func (s *stubRunRepo) SetExternalTaskID(context.Context, string, string) error { return nil }

func (s *stubRunRepo) Start(context.Context, string, string) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *stubRunRepo) Succeed(context.Context, string, json.RawMessage) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *stubRunRepo) Fail(context.Context, core.FailRunParams) (bool, error) {
	return true, nil
}

func (s *stubRunRepo) Cancel(ctx context.Context, runID string, partial json.RawMessage) (bool, error) {
	return s.CancelFn(ctx, runID, partial)
}

func (s *stubRunRepo) Requeue(context.Context, string, string) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *stubRunRepo) FindStale(context.Context, core.StaleRunQuery) ([]*model.JobRun, error) {
	return nil, nil
}

func (s *stubRunRepo) MarkOrphaned(context.Context, string, string) (bool, error) {
	return false, nil
}

type stubBackend struct {
	SubmitFn func(ctx context.Context, task *core.Task) (string, error)
	CancelFn func(ctx context.Context, taskID string) error
}

func (s *stubBackend) Submit(ctx context.Context, task *core.Task) (string, error) {
	if s.SubmitFn != nil {
		return s.SubmitFn(ctx, task)
	}
	return "task-1", nil
}

func (s *stubBackend) FetchStatus(context.Context, string) (core.BackendState, error) {
	return core.BackendStateQueued, nil
}

func (s *stubBackend) Cancel(ctx context.Context, taskID string) error {
	if s.CancelFn != nil {
		return s.CancelFn(ctx, taskID)
	}
	return nil
}

// staticRegistry registers a fixed type set without handler plumbing.
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

// allowFn adapts a function to core.Authorizer.
type allowFn func(subject, capability, action string) bool

func (f allowFn) Authorize(_ context.Context, subject, capability, action string) bool {
	return f(subject, capability, action)
}

type routerFixture struct {
	templates *stubTemplateRepo
	runs      *stubRunRepo
	backend   *stubBackend
	tracker   *progress.Tracker
	auth      core.Authorizer
}

func (f *routerFixture) build() http.Handler {
	registry := staticRegistry{"config_backup": "Configuration Backup"}

	templateSvc := service.NewTemplateService(service.TemplateServiceOptions{
		Repo:     f.templates,
		Registry: registry,
	})
	runSvc := service.NewRunService(service.RunServiceOptions{
		Runs:     f.runs,
		Backend:  f.backend,
		Progress: f.tracker,
	})
	dispatcher := service.NewDispatcherService(service.DispatcherServiceOptions{
		Runs:     f.runs,
		Registry: registry,
		Backend:  f.backend,
	})

	return NewRouter(RouterServices{
		Templates:  templateSvc,
		Runs:       runSvc,
		Dispatcher: dispatcher,
		Authorizer: f.auth,
	})
}
