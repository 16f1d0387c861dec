package httpx

import (
	"errors"
	"net/http"

	"github.com/netauto/conductor/internal/domain/model"
	"github.com/netauto/conductor/internal/service"
)

// ScheduleHandlers provides HTTP handlers for job schedule operations.
type ScheduleHandlers struct {
	Svc *service.ScheduleService
}

// Create handles POST /api/schedules.
func (h *ScheduleHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateScheduleRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = SubjectFromContext(r.Context())
	}

	sched, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sched)
}

// List handles GET /api/schedules. ?enabled=true filters to enabled ones.
func (h *ScheduleHandlers) List(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	schedules, err := h.Svc.List(r.Context(), enabledOnly)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// Get handles GET /api/schedules/{id}.
func (h *ScheduleHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("schedule id is required")})
		return
	}

	sched, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sched)
}

// Update handles PUT /api/schedules/{id}.
func (h *ScheduleHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req model.UpdateScheduleRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	sched, err := h.Svc.Update(r.Context(), id, &req)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sched)
}

// Delete handles DELETE /api/schedules/{id}.
func (h *ScheduleHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
