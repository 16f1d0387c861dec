package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

func scheduleServiceFixture(
	repo *mockScheduleRepo,
	templates *mockTemplateRepo,
) *ScheduleService {
	return NewScheduleService(ScheduleServiceOptions{
		Repo:      repo,
		Templates: templates,
	})
}

func TestScheduleService_Create_ValidatesTemplateExists(t *testing.T) {
	repo := &mockScheduleRepo{}
	templates := &mockTemplateRepo{}
	s := scheduleServiceFixture(repo, templates)

	templates.On("GetByID", mock.Anything, "tpl-missing").
		Return(nil, apperrors.NotFound("nope"))

	_, err := s.Create(context.Background(), &model.CreateScheduleRequest{
		Name:       "nightly",
		TemplateID: "tpl-missing",
		CronExpr:   "0 2 * * *",
		CreatedBy:  "admin",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "template_id", apperrors.GetField(err))
}

func TestScheduleService_Create_RejectsUndeclaredOverride(t *testing.T) {
	repo := &mockScheduleRepo{}
	templates := &mockTemplateRepo{}
	s := scheduleServiceFixture(repo, templates)

	templates.On("GetByID", mock.Anything, "tpl-1").Return(testTemplate(), nil)

	_, err := s.Create(context.Background(), &model.CreateScheduleRequest{
		Name:               "nightly",
		TemplateID:         "tpl-1",
		CronExpr:           "0 2 * * *",
		ParameterOverrides: json.RawMessage(`{"nonexistent": 1}`),
		CreatedBy:          "admin",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "parameter_overrides", apperrors.GetField(err))
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestScheduleService_Create_RejectsBadCron(t *testing.T) {
	s := scheduleServiceFixture(&mockScheduleRepo{}, &mockTemplateRepo{})

	_, err := s.Create(context.Background(), &model.CreateScheduleRequest{
		Name:       "nightly",
		TemplateID: "tpl-1",
		CronExpr:   "*/5 * * * * *", // six fields, seconds unsupported
		CreatedBy:  "admin",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestScheduleService_Create_Passthrough(t *testing.T) {
	repo := &mockScheduleRepo{}
	templates := &mockTemplateRepo{}
	s := scheduleServiceFixture(repo, templates)

	templates.On("GetByID", mock.Anything, "tpl-1").Return(testTemplate(), nil)

	req := &model.CreateScheduleRequest{
		Name:               "nightly",
		TemplateID:         "tpl-1",
		CronExpr:           "0 2 * * *",
		ParameterOverrides: json.RawMessage(`{"ruleset": "pci"}`),
		CreatedBy:          "admin",
	}
	expected := &model.JobSchedule{ID: "sched-1", Name: "nightly", TemplateID: "tpl-1"}
	repo.On("Create", mock.Anything, req).Return(expected, nil)

	sched, err := s.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "sched-1", sched.ID)
	repo.AssertExpectations(t)
}

func TestScheduleService_Update_RevalidatesOverrides(t *testing.T) {
	repo := &mockScheduleRepo{}
	templates := &mockTemplateRepo{}
	s := scheduleServiceFixture(repo, templates)

	current := &model.JobSchedule{ID: "sched-1", TemplateID: "tpl-1"}
	repo.On("GetByID", mock.Anything, "sched-1").Return(current, nil)
	templates.On("GetByID", mock.Anything, "tpl-1").Return(testTemplate(), nil)

	bad := json.RawMessage(`{"undeclared": true}`)
	_, err := s.Update(context.Background(), "sched-1", &model.UpdateScheduleRequest{
		ParameterOverrides: &bad,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestScheduleService_Delete_NotFound(t *testing.T) {
	repo := &mockScheduleRepo{}
	s := scheduleServiceFixture(repo, &mockTemplateRepo{})

	repo.On("Delete", mock.Anything, "sched-404").Return(false, nil)

	err := s.Delete(context.Background(), "sched-404")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
