// Package service provides business logic for the conductor job
// orchestration system.
package service

import (
	"context"
	"log/slog"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

// TemplateService manages job templates. It validates the declared job type
// against the registry so no template can name a type nothing can execute.
type TemplateService struct {
	repo     core.TemplateRepository
	registry core.TypeRegistry
	logger   *slog.Logger
}

// TemplateServiceOptions holds the dependencies for creating a TemplateService.
type TemplateServiceOptions struct {
	Repo     core.TemplateRepository
	Registry core.TypeRegistry
	Logger   *slog.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(opts TemplateServiceOptions) *TemplateService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TemplateService{
		repo:     opts.Repo,
		registry: opts.Registry,
		logger:   opts.Logger,
	}
}

// Create validates and stores a new template.
func (s *TemplateService) Create(
	ctx context.Context,
	req *model.CreateTemplateRequest,
) (*model.JobTemplate, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if !s.registry.Registered(req.JobType) {
		return nil, apperrors.ValidationField("job_type",
			"unknown job type "+string(req.JobType))
	}

	tpl, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "template created",
		"template_id", tpl.ID,
		"name", tpl.Name,
		"job_type", tpl.JobType,
		"is_global", tpl.IsGlobal)
	return tpl, nil
}

// Get retrieves a template by ID.
func (s *TemplateService) Get(ctx context.Context, id string) (*model.JobTemplate, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns templates visible to the subject, optionally filtered by job
// type: all global templates plus the subject's private ones.
func (s *TemplateService) List(
	ctx context.Context,
	ownerID *string,
	jobType model.JobType,
) ([]*model.JobTemplate, error) {
	if jobType != "" && !s.registry.Registered(jobType) {
		return nil, apperrors.ValidationField("job_type",
			"unknown job type "+string(jobType))
	}
	return s.repo.ListVisible(ctx, ownerID, jobType)
}

// Update applies a partial update to a template. Schedules referencing the
// template pick up changes on their next fire.
func (s *TemplateService) Update(
	ctx context.Context,
	id string,
	req *model.UpdateTemplateRequest,
) (*model.JobTemplate, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	tpl, err := s.repo.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "template updated", "template_id", id)
	return tpl, nil
}

// Delete removes a template, optionally cascading over its schedules.
func (s *TemplateService) Delete(ctx context.Context, id string, cascade bool) error {
	if err := s.repo.Delete(ctx, id, cascade); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "template deleted", "template_id", id, "cascade", cascade)
	return nil
}

// JobTypes lists the registered job types.
func (s *TemplateService) JobTypes() []model.JobTypeInfo {
	return s.registry.List()
}
