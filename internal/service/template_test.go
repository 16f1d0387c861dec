package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
	"github.com/netauto/conductor/internal/testutil"
)

func templateServiceFixture(repo *mockTemplateRepo) *TemplateService {
	return NewTemplateService(TemplateServiceOptions{
		Repo:     repo,
		Registry: testRegistry(),
	})
}

func TestTemplateService_Create_RejectsUnknownJobType(t *testing.T) {
	s := templateServiceFixture(&mockTemplateRepo{})

	_, err := s.Create(context.Background(), &model.CreateTemplateRequest{
		Name:      "bogus",
		JobType:   "teleportation",
		IsGlobal:  true,
		CreatedBy: "admin",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "job_type", apperrors.GetField(err))
}

func TestTemplateService_Create_Passthrough(t *testing.T) {
	repo := &mockTemplateRepo{}
	s := templateServiceFixture(repo)

	req := &model.CreateTemplateRequest{
		Name:      "backup-core",
		JobType:   "config_backup",
		IsGlobal:  true,
		CreatedBy: "admin",
	}
	repo.On("Create", mock.Anything, req).Return(testTemplate(), nil)

	tpl, err := s.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tpl-1", tpl.ID)
	repo.AssertExpectations(t)
}

func TestTemplateService_List_FilterValidation(t *testing.T) {
	repo := &mockTemplateRepo{}
	s := templateServiceFixture(repo)

	_, err := s.List(context.Background(), nil, "unknown")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	repo.On("ListVisible", mock.Anything, testutil.StringPtr("alice"), model.JobType("config_backup")).
		Return([]*model.JobTemplate{testTemplate()}, nil)
	got, err := s.List(context.Background(), testutil.StringPtr("alice"), "config_backup")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTemplateService_JobTypes(t *testing.T) {
	s := templateServiceFixture(&mockTemplateRepo{})
	infos := s.JobTypes()
	require.Len(t, infos, 1)
	assert.Equal(t, model.JobType("config_backup"), infos[0].Value)
}
