// Package httpx provides the HTTP handlers and router for the conductor job
// orchestration API.
package httpx

import (
	"errors"
	"net/http"

	"github.com/netauto/conductor/internal/domain/model"
	"github.com/netauto/conductor/internal/service"
)

// TemplateHandlers provides HTTP handlers for job template operations.
type TemplateHandlers struct {
	Svc *service.TemplateService
}

// Create handles POST /api/templates.
func (h *TemplateHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTemplateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = SubjectFromContext(r.Context())
	}

	tpl, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tpl)
}

// List handles GET /api/templates. Visibility scoping: global templates plus
// those owned by the caller.
func (h *TemplateHandlers) List(w http.ResponseWriter, r *http.Request) {
	var ownerID *string
	if subject := SubjectFromContext(r.Context()); subject != "" {
		ownerID = &subject
	}
	jobType := model.JobType(r.URL.Query().Get("job_type"))

	templates, err := h.Svc.List(r.Context(), ownerID, jobType)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// Get handles GET /api/templates/{id}.
func (h *TemplateHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("template id is required")})
		return
	}

	tpl, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

// Update handles PUT /api/templates/{id}.
func (h *TemplateHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req model.UpdateTemplateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	tpl, err := h.Svc.Update(r.Context(), id, &req)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

// Delete handles DELETE /api/templates/{id}. With ?cascade=true dependent
// schedules are disabled first; without it a referenced template is a 409.
func (h *TemplateHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cascade := r.URL.Query().Get("cascade") == "true"

	if err := h.Svc.Delete(r.Context(), id, cascade); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobTypes handles GET /api/job-types.
func (h *TemplateHandlers) JobTypes(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"job_types": h.Svc.JobTypes()})
}
