package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions plus descriptors such
// as @hourly. Seconds-resolution schedules are deliberately not supported.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// JobSchedule binds a JobTemplate to a cron recurrence rule. The scheduler
// loop reads schedules read-mostly and writes back only next_run_at and
// last_run_id.
type JobSchedule struct {
	ID                 string          `json:"id"                  db:"id"`
	Name               string          `json:"name"                db:"name"`
	TemplateID         string          `json:"template_id"         db:"template_id"`
	CronExpr           string          `json:"cron_expr"           db:"cron_expr"`
	Enabled            bool            `json:"enabled"             db:"enabled"`
	ParameterOverrides json.RawMessage `json:"parameter_overrides,omitempty" db:"parameter_overrides"`
	TargetDevices      []string        `json:"target_devices,omitempty"      db:"target_devices"`
	CredentialID       *string         `json:"credential_id,omitempty"       db:"credential_id"`
	NextRunAt          *time.Time      `json:"next_run_at,omitempty"         db:"next_run_at"`
	LastRunID          *string         `json:"last_run_id,omitempty"         db:"last_run_id"`
	CreatedBy          string          `json:"created_by"          db:"created_by"`
	CreatedAt          time.Time       `json:"created_at"          db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"          db:"updated_at"`
}

// NextAfter computes the schedule's next fire time strictly after t.
func (s *JobSchedule) NextAfter(t time.Time) (time.Time, error) {
	sched, err := ParseCron(s.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}

// CreateScheduleRequest carries the fields needed to create a JobSchedule.
type CreateScheduleRequest struct {
	Name               string          `json:"name"`
	TemplateID         string          `json:"template_id"`
	CronExpr           string          `json:"cron_expr"`
	Enabled            *bool           `json:"enabled,omitempty"`
	ParameterOverrides json.RawMessage `json:"parameter_overrides,omitempty"`
	TargetDevices      []string        `json:"target_devices,omitempty"`
	CredentialID       *string         `json:"credential_id,omitempty"`
	CreatedBy          string          `json:"created_by"`
}

// Validate validates the CreateScheduleRequest fields, including that the
// cron expression parses.
func (r *CreateScheduleRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if r.TemplateID == "" {
		return errors.New("template_id is required")
	}
	if strings.TrimSpace(r.CronExpr) == "" {
		return errors.New("cron expression is required")
	}
	if _, err := ParseCron(r.CronExpr); err != nil {
		return err
	}
	if len(r.ParameterOverrides) > 0 && !json.Valid(r.ParameterOverrides) {
		return errors.New("parameter overrides must be valid JSON")
	}
	return nil
}

// IsEnabled returns the requested enabled flag, defaulting to true.
func (r *CreateScheduleRequest) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// UpdateScheduleRequest carries partial updates for a JobSchedule. Nil fields
// are left unchanged. Disabling a schedule never cancels in-flight runs it
// already triggered.
type UpdateScheduleRequest struct {
	Name               *string          `json:"name,omitempty"`
	CronExpr           *string          `json:"cron_expr,omitempty"`
	Enabled            *bool            `json:"enabled,omitempty"`
	ParameterOverrides *json.RawMessage `json:"parameter_overrides,omitempty"`
	TargetDevices      *[]string        `json:"target_devices,omitempty"`
	CredentialID       *string          `json:"credential_id,omitempty"`
}

// Validate validates the UpdateScheduleRequest fields.
func (r *UpdateScheduleRequest) Validate() error {
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return errors.New("name must not be empty")
	}
	if r.CronExpr != nil {
		if _, err := ParseCron(*r.CronExpr); err != nil {
			return err
		}
	}
	if r.ParameterOverrides != nil && len(*r.ParameterOverrides) > 0 && !json.Valid(*r.ParameterOverrides) {
		return errors.New("parameter overrides must be valid JSON")
	}
	return nil
}

// IsEmpty reports whether the update carries no changes.
func (r *UpdateScheduleRequest) IsEmpty() bool {
	return r.Name == nil && r.CronExpr == nil && r.Enabled == nil &&
		r.ParameterOverrides == nil && r.TargetDevices == nil && r.CredentialID == nil
}
