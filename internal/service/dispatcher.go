package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
	"github.com/netauto/conductor/internal/observability/statsd"
)

// DispatcherService turns a template (plus optional schedule context) into a
// queued run and hands it to the execution backend. It owns the dedup
// guarantee: one schedule firing produces exactly one run no matter how many
// dispatchers race.
type DispatcherService struct {
	runs     core.RunRepository
	registry core.TypeRegistry
	backend  core.ExecutionBackend
	renderer core.PayloadRenderer
	metrics  statsd.Sink
	logger   *slog.Logger

	maxRetries int
}

// DispatcherServiceOptions holds the dependencies for creating a
// DispatcherService.
type DispatcherServiceOptions struct {
	Runs     core.RunRepository
	Registry core.TypeRegistry
	Backend  core.ExecutionBackend
	Renderer core.PayloadRenderer
	Metrics  statsd.Sink
	Logger   *slog.Logger
	// DefaultMaxRetries seeds max_retries on new runs when the request does
	// not specify one.
	DefaultMaxRetries int
}

// NewDispatcherService creates a new DispatcherService.
func NewDispatcherService(opts DispatcherServiceOptions) *DispatcherService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = statsd.Nop{}
	}
	if opts.Renderer == nil {
		opts.Renderer = passthroughRenderer{}
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = core.DefaultSchedulerConfig().DefaultMaxRetries
	}
	return &DispatcherService{
		runs:       opts.Runs,
		registry:   opts.Registry,
		backend:    opts.Backend,
		renderer:   opts.Renderer,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		maxRetries: opts.DefaultMaxRetries,
	}
}

// DispatchRequest carries everything needed to dispatch one execution of a
// template.
type DispatchRequest struct {
	Template *model.JobTemplate
	// Schedule is set for scheduler-triggered dispatches and nil for manual
	// ones. Its overrides and device list take precedence over the template.
	Schedule *model.JobSchedule
	// Overrides are caller-supplied parameter values layered over template
	// defaults (and over schedule overrides for manual re-runs).
	Overrides json.RawMessage
	// ScheduledFor is the cron occurrence being fired. Together with the
	// schedule ID it forms the dedup key.
	ScheduledFor *time.Time
	TriggeredBy  string
	// TargetDevices overrides the schedule/template device selection when
	// non-nil.
	TargetDevices []string
}

// Dispatch creates the run record and submits it to the execution backend.
//
// Failure semantics: when the run row exists but submission ultimately
// fails, the run is marked failed with dispatch_error rather than left
// queued forever. A duplicate schedule firing is a no-op returning the
// already-created run.
func (d *DispatcherService) Dispatch(ctx context.Context, req *DispatchRequest) (*model.JobRun, error) {
	if req == nil || req.Template == nil {
		return nil, apperrors.Validation("dispatch requires a template")
	}
	tpl := req.Template
	if !d.registry.Registered(tpl.JobType) {
		return nil, apperrors.ValidationField("job_type",
			"no handler registered for job type "+string(tpl.JobType))
	}

	params, err := d.effectiveParameters(tpl, req)
	if err != nil {
		return nil, err
	}

	run, created, err := d.createRun(ctx, tpl, req, params)
	if err != nil {
		return nil, err
	}
	if !created {
		d.logger.InfoContext(ctx, "duplicate dispatch ignored",
			"run_id", run.ID,
			"schedule_id", deref(run.JobScheduleID))
		return run, nil
	}

	if err := d.submit(ctx, run, tpl, params); err != nil {
		return run, err
	}
	return run, nil
}

// effectiveParameters merges template defaults, schedule overrides, and
// request overrides (in that order of increasing precedence) and verifies
// every required parameter ends up with a value.
func (d *DispatcherService) effectiveParameters(
	tpl *model.JobTemplate,
	req *DispatchRequest,
) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(tpl.Parameters))
	for _, p := range tpl.Parameters {
		if len(p.Default) > 0 {
			merged[p.Name] = p.Default
		}
	}

	layers := []json.RawMessage{}
	if req.Schedule != nil {
		layers = append(layers, req.Schedule.ParameterOverrides)
	}
	layers = append(layers, req.Overrides)

	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(layer, &m); err != nil {
			return nil, apperrors.ValidationField("parameters",
				"parameter overrides must be a JSON object")
		}
		for k, v := range m {
			merged[k] = v
		}
	}

	declared := make(map[string]struct{}, len(tpl.Parameters))
	for _, p := range tpl.Parameters {
		declared[p.Name] = struct{}{}
		if p.Required {
			if _, ok := merged[p.Name]; !ok {
				return nil, apperrors.ValidationField(p.Name,
					"required parameter "+p.Name+" has no value")
			}
		}
	}
	for k := range merged {
		if _, ok := declared[k]; !ok {
			return nil, apperrors.ValidationField(k,
				"override for undeclared parameter "+k)
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return raw, nil
}

// createRun inserts the queued run. A dedup conflict resolves to the
// surviving run with created=false.
func (d *DispatcherService) createRun(
	ctx context.Context,
	tpl *model.JobTemplate,
	req *DispatchRequest,
	params json.RawMessage,
) (*model.JobRun, bool, error) {
	devices := req.TargetDevices
	jobName := tpl.Name
	var scheduleID *string
	if req.Schedule != nil {
		scheduleID = &req.Schedule.ID
		jobName = req.Schedule.Name
		if devices == nil {
			devices = req.Schedule.TargetDevices
		}
	}

	createReq := &model.CreateRunRequest{
		JobScheduleID: scheduleID,
		JobTemplateID: &tpl.ID,
		JobName:       jobName,
		JobType:       tpl.JobType,
		TriggeredBy:   req.TriggeredBy,
		Parameters:    params,
		TargetDevices: devices,
		ScheduledFor:  req.ScheduledFor,
		MaxRetries:    d.maxRetries,
	}

	run, err := d.runs.Create(ctx, createReq)
	if err == nil {
		return run, true, nil
	}

	// Dedup: another dispatcher already created the run for this firing.
	if scheduleID != nil && req.ScheduledFor != nil && apperrors.IsUniqueViolation(err) {
		existing, getErr := d.runs.GetByDedupKey(ctx, *scheduleID, *req.ScheduledFor)
		if getErr != nil {
			return nil, false, fmt.Errorf("resolve dedup conflict: %w", getErr)
		}
		return existing, false, nil
	}
	return nil, false, err
}

// submit hands the run to the backend with one immediate retry. A final
// failure marks the run failed with dispatch_error so it never sits queued
// with no task behind it.
func (d *DispatcherService) submit(
	ctx context.Context,
	run *model.JobRun,
	tpl *model.JobTemplate,
	params json.RawMessage,
) error {
	payload, err := d.renderer.Render(ctx, tpl, params)
	if err != nil {
		d.failDispatch(ctx, run, "render payload: "+err.Error())
		return apperrors.Wrap(err, apperrors.ErrCodeDispatch, "render payload")
	}

	task := &core.Task{
		ID:      run.ID,
		RunID:   run.ID,
		JobType: run.JobType,
		Payload: payload,
		Attempt: run.RetryCount,
	}

	taskID, err := d.backend.Submit(ctx, task)
	if err != nil {
		d.logger.WarnContext(ctx, "backend submit failed, retrying once",
			"run_id", run.ID, "error", err)
		taskID, err = d.backend.Submit(ctx, task)
	}
	if err != nil {
		d.failDispatch(ctx, run, "submit to backend: "+err.Error())
		return apperrors.Wrap(err, apperrors.ErrCodeDispatch, "submit to backend")
	}

	if err := d.runs.SetExternalTaskID(ctx, run.ID, taskID); err != nil {
		// The task is already queued; losing the handle only degrades
		// reconciliation for this run.
		d.logger.WarnContext(ctx, "failed to record external task id",
			"run_id", run.ID, "task_id", taskID, "error", err)
	}

	d.metrics.Count("dispatch.submitted", 1, map[string]string{"job_type": string(run.JobType)})
	d.logger.InfoContext(ctx, "run dispatched",
		"run_id", run.ID,
		"job_type", run.JobType,
		"task_id", taskID,
		"triggered_by", run.TriggeredBy)
	return nil
}

func (d *DispatcherService) failDispatch(ctx context.Context, run *model.JobRun, detail string) {
	ok, err := d.runs.Fail(ctx, core.FailRunParams{
		RunID:        run.ID,
		ErrorCode:    string(apperrors.ErrCodeDispatch),
		ErrorMessage: detail,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to mark run as dispatch failure",
			"run_id", run.ID, "error", err)
		return
	}
	if ok {
		d.metrics.Count("dispatch.failed", 1, map[string]string{"job_type": string(run.JobType)})
	}

	// The caller hands this struct back to the client; refresh it so the
	// terminal state is visible immediately instead of a stale "queued".
	if fresh, getErr := d.runs.GetByID(ctx, run.ID); getErr == nil {
		*run = *fresh
	} else {
		d.logger.WarnContext(ctx, "failed to reload run after dispatch failure",
			"run_id", run.ID, "error", getErr)
	}
}

// passthroughRenderer forwards the effective parameters as the payload.
type passthroughRenderer struct{}

func (passthroughRenderer) Render(
	_ context.Context,
	_ *model.JobTemplate,
	params json.RawMessage,
) (json.RawMessage, error) {
	return params, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
