package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/data/pgxutil"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

// ScheduleRepo provides database operations for job schedules.
type ScheduleRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduleRepo creates a ScheduleRepo with the given database connection.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewScheduleRepoWithTimeProvider creates a ScheduleRepo with a custom
// TimeProvider (useful for testing).
func NewScheduleRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *ScheduleRepo {
	return &ScheduleRepo{DB: db, timeProvider: tp}
}

const scheduleColumns = `
  id,
  name,
  template_id,
  cron_expr,
  enabled,
  parameter_overrides,
  target_devices,
  credential_id,
  next_run_at,
  last_run_id,
  created_by,
  created_at,
  updated_at
`

// Create inserts a new schedule. next_run_at is seeded immediately so the
// scheduler picks the row up on its next tick.
func (r *ScheduleRepo) Create(
	ctx context.Context,
	req *model.CreateScheduleRequest,
) (*model.JobSchedule, error) {
	if req == nil {
		return nil, errors.New("create schedule request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule")
	}

	sched, err := model.ParseCron(req.CronExpr)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid cron expression")
	}

	var nextRunAt *time.Time
	if req.IsEnabled() {
		next := sched.Next(r.timeProvider.Now().UTC())
		nextRunAt = &next
	}

	overrides := req.ParameterOverrides
	if len(overrides) == 0 {
		overrides = json.RawMessage(`{}`)
	}
	devices, err := marshalDevices(req.TargetDevices)
	if err != nil {
		return nil, err
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO job_schedules (name, template_id, cron_expr, enabled, parameter_overrides, target_devices, credential_id, next_run_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+scheduleColumns,
		req.Name, req.TemplateID, req.CronExpr, req.IsEnabled(),
		[]byte(overrides), devices, req.CredentialID, nextRunAt, req.CreatedBy,
	)

	s, err := scanSchedule(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return s, nil
}

// GetByID retrieves a schedule by its ID.
func (r *ScheduleRepo) GetByID(ctx context.Context, id string) (*model.JobSchedule, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM job_schedules
		WHERE id = $1
	`, id)

	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("job schedule %s not found", id)
		}
		return nil, apperrors.MapDBError(err)
	}
	return s, nil
}

// List returns schedules ordered by name, optionally restricted to enabled
// ones.
func (r *ScheduleRepo) List(ctx context.Context, enabledOnly bool) ([]*model.JobSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM job_schedules
	`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var schedules []*model.JobSchedule
	for rows.Next() {
		s, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan schedule: %w", scanErr)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return schedules, nil
}

// Update applies a partial update. Changing the cron expression, or
// re-enabling a disabled schedule, recomputes next_run_at from the current
// time so past occurrences are never back-filled.
func (r *ScheduleRepo) Update(
	ctx context.Context,
	id string,
	req *model.UpdateScheduleRequest,
) (*model.JobSchedule, error) {
	if req == nil {
		return nil, errors.New("update schedule request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule update")
	}
	if req.IsEmpty() {
		return r.GetByID(ctx, id)
	}

	var updated *model.JobSchedule
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			current, err := scanSchedule(tx.QueryRowContext(ctx, `
				SELECT `+scheduleColumns+`
				FROM job_schedules
				WHERE id = $1
				FOR UPDATE
			`, id))
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return apperrors.NotFoundf("job schedule %s not found", id)
				}
				return apperrors.MapDBError(err)
			}

			now := r.timeProvider.Now().UTC()
			set, args, err := buildScheduleUpdate(req, current, now)
			if err != nil {
				return err
			}
			args = append(args, id)

			row := tx.QueryRowContext(ctx, fmt.Sprintf(`
				UPDATE job_schedules
				SET %s
				WHERE id = $%d
				RETURNING `+scheduleColumns, set, len(args)),
				args...,
			)
			updated, err = scanSchedule(row)
			if err != nil {
				return apperrors.MapDBError(err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func buildScheduleUpdate(
	req *model.UpdateScheduleRequest,
	current *model.JobSchedule,
	now time.Time,
) (string, []any, error) {
	set := "updated_at = $1"
	args := []any{now}

	add := func(col string, val any) {
		args = append(args, val)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	cronExpr := current.CronExpr
	if req.CronExpr != nil {
		cronExpr = *req.CronExpr
		add("cron_expr", *req.CronExpr)
	}
	enabled := current.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
		add("enabled", *req.Enabled)
	}

	if req.Name != nil {
		add("name", *req.Name)
	}
	if req.ParameterOverrides != nil {
		raw := *req.ParameterOverrides
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		add("parameter_overrides", []byte(raw))
	}
	if req.TargetDevices != nil {
		devices, err := marshalDevices(*req.TargetDevices)
		if err != nil {
			return "", nil, err
		}
		add("target_devices", devices)
	}
	if req.CredentialID != nil {
		add("credential_id", *req.CredentialID)
	}

	// Recompute next_run_at when the recurrence rule changed or the schedule
	// came back from disabled.
	cronChanged := req.CronExpr != nil && *req.CronExpr != current.CronExpr
	reEnabled := req.Enabled != nil && *req.Enabled && !current.Enabled
	switch {
	case !enabled:
		set += ", next_run_at = NULL"
	case cronChanged || reEnabled || current.NextRunAt == nil:
		sched, err := model.ParseCron(cronExpr)
		if err != nil {
			return "", nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid cron expression")
		}
		add("next_run_at", sched.Next(now))
	}

	return set, args, nil
}

// Delete removes a schedule. Runs it already triggered keep their weak
// job_schedule_id reference.
func (r *ScheduleRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM job_schedules WHERE id = $1`, id)
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// FindDue returns enabled schedules due at or before now. This is a plain
// read; concurrent scheduler replicas are serialized per schedule by the
// advisory lock in TryWithScheduleLock, with the run dedup index as the
// final backstop.
func (r *ScheduleRepo) FindDue(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*model.JobSchedule, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM job_schedules
		WHERE enabled
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var schedules []*model.JobSchedule
	for rows.Next() {
		s, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan schedule: %w", scanErr)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return schedules, nil
}

// TryWithScheduleLock attempts a transaction-scoped advisory lock derived
// from the schedule ID and runs fn inside that transaction when acquired.
// The lock releases automatically at commit or rollback.
func (r *ScheduleRepo) TryWithScheduleLock(
	ctx context.Context,
	scheduleID string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	acquired := false
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx,
				`SELECT pg_try_advisory_xact_lock($1)`, fnvHash(scheduleID),
			).Scan(&acquired); err != nil {
				return apperrors.MapDBError(err)
			}
			if !acquired {
				return nil
			}
			return fn(ctx, tx)
		},
	})
	return acquired, err
}

// RecordFireTx writes next_run_at and last_run_id back after a dispatch,
// inside the scheduler's transaction so the fire and its bookkeeping commit
// atomically.
func (r *ScheduleRepo) RecordFireTx(ctx context.Context, tx *sql.Tx, p core.RecordFireParams) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE job_schedules
		SET next_run_at = $2,
		    last_run_id = COALESCE($3, last_run_id),
		    updated_at = $4
		WHERE id = $1
	`, p.ScheduleID, p.NextRunAt.UTC(), p.LastRunID, r.timeProvider.Now().UTC())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("job schedule %s not found", p.ScheduleID)
	}
	return nil
}

// InitializeNextRuns seeds next_run_at for enabled schedules missing one.
// Each row is computed in Go because cron parsing lives outside the database.
func (r *ScheduleRepo) InitializeNextRuns(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, cron_expr
		FROM job_schedules
		WHERE enabled AND next_run_at IS NULL
	`)
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	defer rows.Close()

	type pending struct {
		id   string
		expr string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.expr); err != nil {
			return 0, fmt.Errorf("scan schedule: %w", err)
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		return 0, apperrors.MapDBError(err)
	}

	initialized := 0
	for _, p := range todo {
		sched, parseErr := model.ParseCron(p.expr)
		if parseErr != nil {
			// A bad expression slipped past validation; skip rather than
			// stall every other schedule.
			continue
		}
		next := sched.Next(now.UTC())
		if _, err := r.DB.ExecContext(ctx, `
			UPDATE job_schedules
			SET next_run_at = $2, updated_at = $3
			WHERE id = $1 AND next_run_at IS NULL
		`, p.id, next, r.timeProvider.Now().UTC()); err != nil {
			return initialized, apperrors.MapDBError(err)
		}
		initialized++
	}
	return initialized, nil
}

// fnvHash maps a schedule ID onto the advisory lock keyspace.
func fnvHash(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

func scanSchedule(scanner rowScanner) (*model.JobSchedule, error) {
	var (
		s            model.JobSchedule
		overrides    []byte
		devices      []byte
		credentialID sql.NullString
		nextRunAt    sql.NullTime
		lastRunID    sql.NullString
	)
	if err := scanner.Scan(
		&s.ID,
		&s.Name,
		&s.TemplateID,
		&s.CronExpr,
		&s.Enabled,
		&overrides,
		&devices,
		&credentialID,
		&nextRunAt,
		&lastRunID,
		&s.CreatedBy,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.ParameterOverrides = json.RawMessage(overrides)
	if len(devices) > 0 {
		if err := json.Unmarshal(devices, &s.TargetDevices); err != nil {
			return nil, fmt.Errorf("unmarshal target devices: %w", err)
		}
	}
	s.CredentialID = nullableString(credentialID)
	s.NextRunAt = nullableTime(nextRunAt)
	s.LastRunID = nullableString(lastRunID)
	return &s, nil
}

func marshalDevices(devices []string) ([]byte, error) {
	if devices == nil {
		return []byte(`[]`), nil
	}
	raw, err := json.Marshal(devices)
	if err != nil {
		return nil, fmt.Errorf("marshal target devices: %w", err)
	}
	return raw, nil
}
