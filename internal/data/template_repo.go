// Package data provides PostgreSQL-backed repositories for the conductor job
// orchestration system.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/netauto/conductor/internal/data/pgxutil"
	"github.com/netauto/conductor/internal/domain/model"
	apperrors "github.com/netauto/conductor/internal/errors"
)

// TemplateRepo provides database operations for job templates.
type TemplateRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTemplateRepo creates a TemplateRepo with the given database connection.
func NewTemplateRepo(db *sql.DB) *TemplateRepo {
	return &TemplateRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewTemplateRepoWithTimeProvider creates a TemplateRepo with a custom
// TimeProvider (useful for testing).
func NewTemplateRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *TemplateRepo {
	return &TemplateRepo{DB: db, timeProvider: tp}
}

const templateColumns = `
  id,
  name,
  job_type,
  description,
  parameters,
  inventory_source,
  is_global,
  owner_id,
  created_by,
  created_at,
  updated_at
`

// Create inserts a new job template. Duplicate names within the visibility
// scope surface as a Conflict error.
func (r *TemplateRepo) Create(
	ctx context.Context,
	req *model.CreateTemplateRequest,
) (*model.JobTemplate, error) {
	if req == nil {
		return nil, errors.New("create template request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid template")
	}

	params, err := marshalParameters(req.Parameters)
	if err != nil {
		return nil, err
	}

	inventorySource := req.InventorySource
	if inventorySource == "" {
		inventorySource = model.InventorySourceAll
	}

	ownerID := req.OwnerID
	if req.IsGlobal {
		ownerID = nil
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO job_templates (name, job_type, description, parameters, inventory_source, is_global, owner_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+templateColumns,
		req.Name, req.JobType, req.Description, params, inventorySource, req.IsGlobal, ownerID, req.CreatedBy,
	)

	tpl, err := scanTemplate(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return tpl, nil
}

// GetByID retrieves a template by its ID.
func (r *TemplateRepo) GetByID(ctx context.Context, id string) (*model.JobTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM job_templates
		WHERE id = $1
	`, id)

	tpl, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("job template %s not found", id)
		}
		return nil, apperrors.MapDBError(err)
	}
	return tpl, nil
}

// GetByName retrieves a template by name within a visibility scope: a global
// template when ownerID is nil, otherwise the owner's private template.
func (r *TemplateRepo) GetByName(
	ctx context.Context,
	name string,
	ownerID *string,
) (*model.JobTemplate, error) {
	var row *sql.Row
	if ownerID == nil {
		row = r.DB.QueryRowContext(ctx, `
			SELECT `+templateColumns+`
			FROM job_templates
			WHERE name = $1 AND is_global
		`, name)
	} else {
		row = r.DB.QueryRowContext(ctx, `
			SELECT `+templateColumns+`
			FROM job_templates
			WHERE name = $1 AND NOT is_global AND owner_id = $2
		`, name, *ownerID)
	}

	tpl, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("job template %q not found", name)
		}
		return nil, apperrors.MapDBError(err)
	}
	return tpl, nil
}

// ListVisible returns global templates plus those owned by ownerID, optionally
// filtered by job type, ordered by name.
func (r *TemplateRepo) ListVisible(
	ctx context.Context,
	ownerID *string,
	jobType model.JobType,
) ([]*model.JobTemplate, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM job_templates
		WHERE (is_global OR owner_id = $1)
	`
	args := []any{ownerID}
	if jobType != "" {
		query += ` AND job_type = $2`
		args = append(args, jobType)
	}
	query += ` ORDER BY name ASC`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var templates []*model.JobTemplate
	for rows.Next() {
		tpl, scanErr := scanTemplate(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan template: %w", scanErr)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return templates, nil
}

// Update applies a partial update to a template.
func (r *TemplateRepo) Update(
	ctx context.Context,
	id string,
	req *model.UpdateTemplateRequest,
) (*model.JobTemplate, error) {
	if req == nil {
		return nil, errors.New("update template request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid template update")
	}
	if req.IsEmpty() {
		return r.GetByID(ctx, id)
	}

	set, args := buildTemplateUpdate(req, r.timeProvider.Now().UTC())
	args = append(args, id)

	row := r.DB.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE job_templates
		SET %s
		WHERE id = $%d
		RETURNING `+templateColumns, set, len(args)),
		args...,
	)

	tpl, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("job template %s not found", id)
		}
		return nil, apperrors.MapDBError(err)
	}
	return tpl, nil
}

// buildTemplateUpdate assembles the SET clause and positional args for Update.
func buildTemplateUpdate(req *model.UpdateTemplateRequest, now time.Time) (string, []any) {
	set := "updated_at = $1"
	args := []any{now}

	add := func(col string, val any) {
		args = append(args, val)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	if req.Name != nil {
		add("name", *req.Name)
	}
	if req.Description != nil {
		add("description", *req.Description)
	}
	if req.Parameters != nil {
		if raw, err := json.Marshal(*req.Parameters); err == nil {
			add("parameters", raw)
		}
	}
	if req.InventorySource != nil {
		add("inventory_source", *req.InventorySource)
	}
	if req.IsGlobal != nil {
		add("is_global", *req.IsGlobal)
		if *req.IsGlobal {
			set += ", owner_id = NULL"
		}
	}

	return set, args
}

// Delete removes a template. Without cascade, the delete fails with a
// Conflict error when schedules still reference the template. With cascade,
// dependent schedules are disabled first, all in one transaction; the
// schedule rows survive for audit with their template reference dangling.
func (r *TemplateRepo) Delete(ctx context.Context, id string, cascade bool) error {
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var refs int
			if err := tx.QueryRowContext(ctx, `
				SELECT count(*) FROM job_schedules
				WHERE template_id = $1
			`, id).Scan(&refs); err != nil {
				return apperrors.MapDBError(err)
			}

			if refs > 0 {
				if !cascade {
					return apperrors.Conflictf(
						"template is referenced by %d schedule(s); pass cascade to disable them",
						refs,
					)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE job_schedules
					SET enabled = FALSE,
					    next_run_at = NULL,
					    updated_at = now()
					WHERE template_id = $1
				`, id); err != nil {
					return apperrors.MapDBError(err)
				}
			}

			res, err := tx.ExecContext(ctx, `DELETE FROM job_templates WHERE id = $1`, id)
			if err != nil {
				return apperrors.MapDBError(err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				return apperrors.NotFoundf("job template %s not found", id)
			}
			return nil
		},
	})
}

// CountSchedules returns how many schedules reference the template.
func (r *TemplateRepo) CountSchedules(
	ctx context.Context,
	templateID string,
) (enabled int, total int, err error) {
	err = r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE enabled) AS enabled,
			count(*) AS total
		FROM job_schedules
		WHERE template_id = $1
	`, templateID).Scan(&enabled, &total)
	if err != nil {
		return 0, 0, apperrors.MapDBError(err)
	}
	return enabled, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(scanner rowScanner) (*model.JobTemplate, error) {
	var (
		tpl         model.JobTemplate
		description sql.NullString
		ownerID     sql.NullString
		params      []byte
	)
	if err := scanner.Scan(
		&tpl.ID,
		&tpl.Name,
		&tpl.JobType,
		&description,
		&params,
		&tpl.InventorySource,
		&tpl.IsGlobal,
		&ownerID,
		&tpl.CreatedBy,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	); err != nil {
		return nil, err
	}

	tpl.Description = nullableString(description)
	tpl.OwnerID = nullableString(ownerID)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &tpl.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
		}
	}
	return &tpl, nil
}

func marshalParameters(schema model.ParameterSchema) ([]byte, error) {
	if schema == nil {
		return []byte(`[]`), nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	return raw, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
