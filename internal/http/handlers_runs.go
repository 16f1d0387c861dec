package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/netauto/conductor/internal/domain/model"
	"github.com/netauto/conductor/internal/service"
)

// RunHandlers provides HTTP handlers for job run operations, including ad hoc
// dispatch.
type RunHandlers struct {
	Svc        *service.RunService
	Templates  *service.TemplateService
	Dispatcher *service.DispatcherService
	Queues     QueueInspector
}

// QueueInspector exposes backend queue depths for the operational listing
// endpoint.
type QueueInspector interface {
	QueueDepths(ctx context.Context, jobTypes []model.JobTypeInfo) (map[string]int64, error)
}

// dispatchBody is the request payload for POST /api/runs.
type dispatchBody struct {
	TemplateID    string          `json:"template_id"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	TargetDevices []string        `json:"target_devices,omitempty"`
}

// Dispatch handles POST /api/runs: run a template now, outside any schedule.
func (h *RunHandlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if !DecodeJSON(w, r, &body) {
		return
	}
	if body.TemplateID == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: errors.New("template_id is required"), Field: "template_id"})
		return
	}

	tpl, err := h.Templates.Get(r.Context(), body.TemplateID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	triggeredBy := SubjectFromContext(r.Context())
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	run, err := h.Dispatcher.Dispatch(r.Context(), &service.DispatchRequest{
		Template:      tpl,
		Overrides:     body.Parameters,
		TriggeredBy:   triggeredBy,
		TargetDevices: body.TargetDevices,
	})
	if err != nil {
		// A dispatch failure after run creation still reports the run so the
		// caller can see the recorded error.
		if run != nil {
			WriteJSON(w, http.StatusBadGateway, run)
			return
		}
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, run)
}

// List handles GET /api/runs with status/template/schedule/time filters and
// pagination.
func (h *RunHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := &model.RunQuery{
		Status:  model.RunStatus(r.URL.Query().Get("status")),
		Page:    parseIntQuery(r, "page", 1),
		PerPage: parseIntQuery(r, "per_page", 0),
	}
	if v := r.URL.Query().Get("template_id"); v != "" {
		q.TemplateID = &v
	}
	if v := r.URL.Query().Get("schedule_id"); v != "" {
		q.ScheduleID = &v
	}
	var ok bool
	if q.From, ok = parseTimeQuery(w, r, "from"); !ok {
		return
	}
	if q.To, ok = parseTimeQuery(w, r, "to"); !ok {
		return
	}

	page, err := h.Svc.List(r.Context(), q)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

// Get handles GET /api/runs/{id}.
func (h *RunHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")})
		return
	}

	run, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// Cancel handles DELETE /api/runs/{id}. Cancellation is cooperative: a
// running run stays running until its worker reaches a checkpoint.
func (h *RunHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.Svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, run)
}

// Result handles GET /api/runs/{id}/result with an optional ?query= JMESPath
// projection.
func (h *RunHandlers) Result(w http.ResponseWriter, r *http.Request) {
	raw, err := h.Svc.Result(r.Context(), r.PathValue("id"), r.URL.Query().Get("query"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// Progress handles GET /api/runs/{id}/progress.
func (h *RunHandlers) Progress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Svc.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// ProgressBatch handles POST /api/progress/batch: snapshots for many runs in
// one request. Untracked runs are omitted from the response.
func (h *RunHandlers) ProgressBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunIDs []string `json:"run_ids"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"progress": h.Svc.ProgressBatch(body.RunIDs),
	})
}

// Stats handles GET /api/runs/stats.
func (h *RunHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// BackendQueues handles GET /api/backend/queues: queued task counts per job
// type.
func (h *RunHandlers) BackendQueues(w http.ResponseWriter, r *http.Request) {
	if h.Queues == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	depths, err := h.Queues.QueueDepths(r.Context(), h.Templates.JobTypes())
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queues": depths})
}

func parseTimeQuery(w http.ResponseWriter, r *http.Request, key string) (*time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "validation",
			Err:     errors.New(key + " must be RFC 3339"),
			Field:   key,
		})
		return nil, false
	}
	return &t, true
}
