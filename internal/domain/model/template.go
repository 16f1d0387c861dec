package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType identifies which executable logic a job runs. Types are registered
// in the jobtypes registry; an unregistered type is rejected at dispatch.
type JobType string

// UnmarshalText implements encoding.TextUnmarshaler so job types can be parsed
// from env and request payloads with normalization.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	if v == "" {
		return errors.New("job type must not be empty")
	}
	*t = JobType(v)
	return nil
}

// InventorySource selects which devices a templated job targets.
type InventorySource string

const (
	// InventorySourceAll targets every known device.
	InventorySourceAll InventorySource = "all"
	// InventorySourceInventory targets a stored inventory selection.
	InventorySourceInventory InventorySource = "inventory"
)

// Valid returns true if the InventorySource is recognized.
func (s InventorySource) Valid() bool {
	return s == InventorySourceAll || s == InventorySourceInventory
}

// ParameterType is the declared type of a template parameter.
type ParameterType string

const (
	ParameterTypeString ParameterType = "string"
	ParameterTypeInt    ParameterType = "int"
	ParameterTypeBool   ParameterType = "bool"
	ParameterTypeJSON   ParameterType = "json"
)

// Valid returns true if the ParameterType is recognized.
func (t ParameterType) Valid() bool {
	switch t {
	case ParameterTypeString, ParameterTypeInt, ParameterTypeBool, ParameterTypeJSON:
		return true
	}
	return false
}

// Parameter is one typed, defaultable entry in a template's parameter schema.
// Order matters: parameters render in declaration order in the UI.
type Parameter struct {
	Name     string          `json:"name"`
	Type     ParameterType   `json:"type"`
	Default  json.RawMessage `json:"default,omitempty"`
	Required bool            `json:"required,omitempty"`
}

// ParameterSchema is the ordered parameter list of a template.
type ParameterSchema []Parameter

// Validate checks parameter names are unique and types recognized.
func (s ParameterSchema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for i, p := range s {
		if p.Name == "" {
			return fmt.Errorf("parameter %d: name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("parameter %q declared more than once", p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Type.Valid() {
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
		if p.Required && len(p.Default) > 0 {
			return fmt.Errorf("parameter %q: required parameters cannot carry a default", p.Name)
		}
	}
	return nil
}

// Defaults returns the schema's default values as a name→value map.
func (s ParameterSchema) Defaults() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s))
	for _, p := range s {
		if len(p.Default) > 0 {
			out[p.Name] = p.Default
		}
	}
	return out
}

// JobTemplate is a reusable, parameterized job definition. Global templates
// are visible to all users; private templates belong to their owner.
type JobTemplate struct {
	ID              string          `json:"id"               db:"id"`
	Name            string          `json:"name"             db:"name"`
	JobType         JobType         `json:"job_type"         db:"job_type"`
	Description     *string         `json:"description,omitempty" db:"description"`
	Parameters      ParameterSchema `json:"parameters"       db:"parameters"`
	InventorySource InventorySource `json:"inventory_source" db:"inventory_source"`
	IsGlobal        bool            `json:"is_global"        db:"is_global"`
	OwnerID         *string         `json:"owner_id,omitempty" db:"owner_id"`
	CreatedBy       string          `json:"created_by"       db:"created_by"`
	CreatedAt       time.Time       `json:"created_at"       db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"       db:"updated_at"`
}

const (
	maxTemplateNameLen        = 255
	maxTemplateDescriptionLen = 1000
)

// CreateTemplateRequest carries the fields needed to create a JobTemplate.
type CreateTemplateRequest struct {
	Name            string          `json:"name"`
	JobType         JobType         `json:"job_type"`
	Description     *string         `json:"description,omitempty"`
	Parameters      ParameterSchema `json:"parameters,omitempty"`
	InventorySource InventorySource `json:"inventory_source,omitempty"`
	IsGlobal        bool            `json:"is_global,omitempty"`
	OwnerID         *string         `json:"owner_id,omitempty"`
	CreatedBy       string          `json:"created_by"`
}

// Validate validates the CreateTemplateRequest fields.
func (r *CreateTemplateRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if len(r.Name) > maxTemplateNameLen {
		return fmt.Errorf("name exceeds %d characters", maxTemplateNameLen)
	}
	if r.JobType == "" {
		return errors.New("job type is required")
	}
	if r.Description != nil && len(*r.Description) > maxTemplateDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxTemplateDescriptionLen)
	}
	if r.InventorySource != "" && !r.InventorySource.Valid() {
		return fmt.Errorf("invalid inventory source %q", r.InventorySource)
	}
	if !r.IsGlobal && r.OwnerID == nil {
		return errors.New("private templates require an owner")
	}
	return r.Parameters.Validate()
}

// UpdateTemplateRequest carries partial updates for a JobTemplate. Nil fields
// are left unchanged.
type UpdateTemplateRequest struct {
	Name            *string          `json:"name,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Parameters      *ParameterSchema `json:"parameters,omitempty"`
	InventorySource *InventorySource `json:"inventory_source,omitempty"`
	IsGlobal        *bool            `json:"is_global,omitempty"`
}

// Validate validates the UpdateTemplateRequest fields.
func (r *UpdateTemplateRequest) Validate() error {
	if r.Name != nil {
		if strings.TrimSpace(*r.Name) == "" {
			return errors.New("name must not be empty")
		}
		if len(*r.Name) > maxTemplateNameLen {
			return fmt.Errorf("name exceeds %d characters", maxTemplateNameLen)
		}
	}
	if r.Description != nil && len(*r.Description) > maxTemplateDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxTemplateDescriptionLen)
	}
	if r.InventorySource != nil && !r.InventorySource.Valid() {
		return fmt.Errorf("invalid inventory source %q", *r.InventorySource)
	}
	if r.Parameters != nil {
		return r.Parameters.Validate()
	}
	return nil
}

// IsEmpty reports whether the update carries no changes.
func (r *UpdateTemplateRequest) IsEmpty() bool {
	return r.Name == nil && r.Description == nil && r.Parameters == nil &&
		r.InventorySource == nil && r.IsGlobal == nil
}

// JobTypeInfo describes one registered job type for listing endpoints.
type JobTypeInfo struct {
	Value       JobType `json:"value"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
}
