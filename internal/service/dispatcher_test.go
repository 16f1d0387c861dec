package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

func testTemplate() *model.JobTemplate {
	return &model.JobTemplate{
		ID:      "tpl-1",
		Name:    "backup-core",
		JobType: "config_backup",
		Parameters: model.ParameterSchema{
			{Name: "retries", Type: model.ParameterTypeInt, Default: json.RawMessage(`2`)},
			{Name: "ruleset", Type: model.ParameterTypeString, Required: true},
		},
		InventorySource: model.InventorySourceAll,
		IsGlobal:        true,
		CreatedBy:       "admin",
	}
}

func queuedRun(id string) *model.JobRun {
	return &model.JobRun{
		ID:      id,
		JobName: "backup-core",
		JobType: "config_backup",
		Status:  model.RunStatusQueued,
	}
}

func newDispatcher(runs *mockRunRepo, backend *mockBackend) *DispatcherService {
	return NewDispatcherService(DispatcherServiceOptions{
		Runs:     runs,
		Registry: testRegistry(),
		Backend:  backend,
	})
}

func TestDispatcher_Dispatch_Success(t *testing.T) {
	runs := &mockRunRepo{}
	backend := &mockBackend{}
	d := newDispatcher(runs, backend)

	run := queuedRun("run-1")
	runs.On("Create", mock.Anything, mock.MatchedBy(func(req *model.CreateRunRequest) bool {
		var params map[string]json.RawMessage
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return false
		}
		// Default merged in, override wins.
		return string(params["retries"]) == `2` && string(params["ruleset"]) == `"pci"`
	})).Return(run, nil)
	backend.On("Submit", mock.Anything, mock.MatchedBy(func(task *core.Task) bool {
		return task.RunID == "run-1" && task.JobType == model.JobType("config_backup")
	})).Return("task-9", nil)
	runs.On("SetExternalTaskID", mock.Anything, "run-1", "task-9").Return(nil)

	got, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:    testTemplate(),
		Overrides:   json.RawMessage(`{"ruleset": "pci"}`),
		TriggeredBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	runs.AssertExpectations(t)
	backend.AssertExpectations(t)
}

func TestDispatcher_Dispatch_MissingRequiredParameter(t *testing.T) {
	d := newDispatcher(&mockRunRepo{}, &mockBackend{})

	_, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:    testTemplate(),
		TriggeredBy: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "ruleset", apperrors.GetField(err))
}

func TestDispatcher_Dispatch_UndeclaredOverrideRejected(t *testing.T) {
	d := newDispatcher(&mockRunRepo{}, &mockBackend{})

	_, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:    testTemplate(),
		Overrides:   json.RawMessage(`{"ruleset": "pci", "bogus": 1}`),
		TriggeredBy: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDispatcher_Dispatch_UnregisteredJobType(t *testing.T) {
	d := newDispatcher(&mockRunRepo{}, &mockBackend{})

	tpl := testTemplate()
	tpl.JobType = "not_a_thing"
	_, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:    tpl,
		TriggeredBy: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDispatcher_Dispatch_DedupConflictReturnsExisting(t *testing.T) {
	runs := &mockRunRepo{}
	backend := &mockBackend{}
	d := newDispatcher(runs, backend)

	fireAt := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	sched := &model.JobSchedule{
		ID:                 "sched-1",
		Name:               "every-five",
		TemplateID:         "tpl-1",
		CronExpr:           "*/5 * * * *",
		Enabled:            true,
		ParameterOverrides: json.RawMessage(`{"ruleset": "pci"}`),
	}
	existing := queuedRun("run-existing")
	existing.JobScheduleID = &sched.ID

	uniqueErr := apperrors.MapDBError(uniqueViolation())
	runs.On("Create", mock.Anything, mock.Anything).Return(nil, uniqueErr)
	runs.On("GetByDedupKey", mock.Anything, "sched-1", fireAt).Return(existing, nil)

	got, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:     testTemplate(),
		Schedule:     sched,
		ScheduledFor: &fireAt,
		TriggeredBy:  model.TriggeredByScheduler,
	})
	require.NoError(t, err)
	assert.Equal(t, "run-existing", got.ID)
	// The duplicate must never reach the backend.
	backend.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestDispatcher_Dispatch_SubmitRetriesOnceThenFails(t *testing.T) {
	runs := &mockRunRepo{}
	backend := &mockBackend{}
	d := newDispatcher(runs, backend)

	run := queuedRun("run-1")
	runs.On("Create", mock.Anything, mock.Anything).Return(run, nil)
	backend.On("Submit", mock.Anything, mock.Anything).
		Return("", errors.New("broker unavailable")).Twice()
	runs.On("Fail", mock.Anything, core.FailRunParams{
		RunID:        "run-1",
		ErrorCode:    "dispatch_error",
		ErrorMessage: "submit to backend: broker unavailable",
	}).Return(true, nil)

	completedAt := time.Now().UTC()
	failed := queuedRun("run-1")
	failed.Status = model.RunStatusFailed
	failed.ErrorCode = "dispatch_error"
	failed.CompletedAt = &completedAt
	runs.On("GetByID", mock.Anything, "run-1").Return(failed, nil)

	got, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:    testTemplate(),
		Overrides:   json.RawMessage(`{"ruleset": "pci"}`),
		TriggeredBy: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsDispatch(err))
	require.NotNil(t, got, "run record survives the failed submit")
	// The returned run reflects the terminal failure, not the stale insert.
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "dispatch_error", got.ErrorCode)
	assert.NotNil(t, got.CompletedAt)
	backend.AssertExpectations(t)
	runs.AssertExpectations(t)
}

func TestDispatcher_Dispatch_SubmitRecoversOnRetry(t *testing.T) {
	runs := &mockRunRepo{}
	backend := &mockBackend{}
	d := newDispatcher(runs, backend)

	run := queuedRun("run-1")
	runs.On("Create", mock.Anything, mock.Anything).Return(run, nil)
	backend.On("Submit", mock.Anything, mock.Anything).
		Return("", errors.New("transient")).Once()
	backend.On("Submit", mock.Anything, mock.Anything).
		Return("task-2", nil).Once()
	runs.On("SetExternalTaskID", mock.Anything, "run-1", "task-2").Return(nil)

	_, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:    testTemplate(),
		Overrides:   json.RawMessage(`{"ruleset": "pci"}`),
		TriggeredBy: "alice",
	})
	require.NoError(t, err)
	backend.AssertExpectations(t)
}

func TestDispatcher_Dispatch_ScheduleOverridesLayering(t *testing.T) {
	runs := &mockRunRepo{}
	backend := &mockBackend{}
	d := newDispatcher(runs, backend)

	sched := &model.JobSchedule{
		ID:                 "sched-1",
		Name:               "nightly",
		ParameterOverrides: json.RawMessage(`{"ruleset": "hipaa", "retries": 5}`),
		TargetDevices:      []string{"sw-1"},
	}
	fireAt := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)

	run := queuedRun("run-1")
	runs.On("Create", mock.Anything, mock.MatchedBy(func(req *model.CreateRunRequest) bool {
		var params map[string]json.RawMessage
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return false
		}
		// Request override beats schedule override beats template default.
		return string(params["ruleset"]) == `"pci"` &&
			string(params["retries"]) == `5` &&
			req.JobName == "nightly" &&
			len(req.TargetDevices) == 1
	})).Return(run, nil)
	backend.On("Submit", mock.Anything, mock.Anything).Return("task-1", nil)
	runs.On("SetExternalTaskID", mock.Anything, "run-1", "task-1").Return(nil)

	_, err := d.Dispatch(context.Background(), &DispatchRequest{
		Template:     testTemplate(),
		Schedule:     sched,
		Overrides:    json.RawMessage(`{"ruleset": "pci"}`),
		ScheduledFor: &fireAt,
		TriggeredBy:  model.TriggeredByScheduler,
	})
	require.NoError(t, err)
	runs.AssertExpectations(t)
}
