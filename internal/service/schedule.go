package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

// ScheduleService manages job schedules. A schedule must reference an
// existing template, and its parameter overrides may only name parameters the
// template declares.
type ScheduleService struct {
	repo      core.ScheduleRepository
	templates core.TemplateRepository
	logger    *slog.Logger
}

// ScheduleServiceOptions holds the dependencies for creating a ScheduleService.
type ScheduleServiceOptions struct {
	Repo      core.ScheduleRepository
	Templates core.TemplateRepository
	Logger    *slog.Logger
}

// NewScheduleService creates a new ScheduleService.
func NewScheduleService(opts ScheduleServiceOptions) *ScheduleService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ScheduleService{
		repo:      opts.Repo,
		templates: opts.Templates,
		logger:    opts.Logger,
	}
}

// Create validates and stores a new schedule.
func (s *ScheduleService) Create(
	ctx context.Context,
	req *model.CreateScheduleRequest,
) (*model.JobSchedule, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule")
	}

	tpl, err := s.templates.GetByID(ctx, req.TemplateID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ValidationField("template_id",
				"template "+req.TemplateID+" does not exist")
		}
		return nil, err
	}
	if err := validateOverrides(tpl.Parameters, req.ParameterOverrides); err != nil {
		return nil, err
	}

	sched, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule created",
		"schedule_id", sched.ID,
		"name", sched.Name,
		"template_id", sched.TemplateID,
		"cron", sched.CronExpr,
		"enabled", sched.Enabled)
	return sched, nil
}

// Get retrieves a schedule by ID.
func (s *ScheduleService) Get(ctx context.Context, id string) (*model.JobSchedule, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns schedules, optionally only enabled ones.
func (s *ScheduleService) List(ctx context.Context, enabledOnly bool) ([]*model.JobSchedule, error) {
	return s.repo.List(ctx, enabledOnly)
}

// Update applies a partial update. Overrides are re-validated against the
// template's current schema. Disabling a schedule never touches runs it
// already triggered.
func (s *ScheduleService) Update(
	ctx context.Context,
	id string,
	req *model.UpdateScheduleRequest,
) (*model.JobSchedule, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule update")
	}

	if req.ParameterOverrides != nil {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		tpl, err := s.templates.GetByID(ctx, current.TemplateID)
		if err != nil {
			return nil, err
		}
		if err := validateOverrides(tpl.Parameters, *req.ParameterOverrides); err != nil {
			return nil, err
		}
	}

	sched, err := s.repo.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule updated", "schedule_id", id)
	return sched, nil
}

// Delete removes a schedule. Historical runs keep their weak reference.
func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apperrors.NotFoundf("job schedule %s not found", id)
	}
	s.logger.InfoContext(ctx, "schedule deleted", "schedule_id", id)
	return nil
}

// validateOverrides checks that every override names a declared parameter.
func validateOverrides(schema model.ParameterSchema, overrides json.RawMessage) error {
	if len(overrides) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(overrides, &m); err != nil {
		return apperrors.ValidationField("parameter_overrides",
			"parameter overrides must be a JSON object")
	}

	declared := make(map[string]struct{}, len(schema))
	for _, p := range schema {
		declared[p.Name] = struct{}{}
	}
	for name := range m {
		if _, ok := declared[name]; !ok {
			return apperrors.ValidationField("parameter_overrides",
				"override for undeclared parameter "+name)
		}
	}
	return nil
}
