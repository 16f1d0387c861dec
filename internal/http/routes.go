package httpx

import (
	"log/slog"
	"net/http"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/service"
)

// Permission capabilities and actions checked against the Authorizer.
const (
	CapabilityTemplates = "job_templates"
	CapabilitySchedules = "job_schedules"
	CapabilityRuns      = "job_runs"

	ActionRead  = "read"
	ActionWrite = "write"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Templates  *service.TemplateService
	Schedules  *service.ScheduleService
	Runs       *service.RunService
	Dispatcher *service.DispatcherService

	// Authorizer gates every /api route. When nil, requests pass with only
	// the subject-header check (single-tenant deployments behind a trusted
	// gateway).
	Authorizer core.Authorizer

	// Queues is optional backend queue introspection.
	Queues QueueInspector

	Logger *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	templateHandlers := &TemplateHandlers{Svc: services.Templates}
	scheduleHandlers := &ScheduleHandlers{Svc: services.Schedules}
	runHandlers := &RunHandlers{
		Svc:        services.Runs,
		Templates:  services.Templates,
		Dispatcher: services.Dispatcher,
		Queues:     services.Queues,
	}

	gate := newPermissionGate(services.Authorizer)

	registerTemplateRoutes(mux, templateHandlers, gate)
	registerScheduleRoutes(mux, scheduleHandlers, gate)
	registerRunRoutes(mux, runHandlers, gate)

	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)

	return Recover(services.Logger)(mux)
}

// permissionGate wraps handlers in the authorization middleware, or in a
// plain subject extractor when no authorizer is configured.
type permissionGate struct {
	auth core.Authorizer
}

func newPermissionGate(auth core.Authorizer) *permissionGate {
	return &permissionGate{auth: auth}
}

func (g *permissionGate) require(capability, action string, h http.HandlerFunc) http.Handler {
	if g.auth == nil {
		return allowAll()(h)
	}
	return RequirePermission(g.auth, capability, action)(h)
}

// allowAll still propagates the subject header into context so handlers can
// attribute writes.
func allowAll() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if subject := r.Header.Get(SubjectHeader); subject != "" {
				ctx = withSubject(ctx, subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func registerTemplateRoutes(mux *http.ServeMux, h *TemplateHandlers, gate *permissionGate) {
	mux.Handle("POST /api/templates", gate.require(CapabilityTemplates, ActionWrite, h.Create))
	mux.Handle("GET /api/templates", gate.require(CapabilityTemplates, ActionRead, h.List))
	mux.Handle("GET /api/templates/{id}", gate.require(CapabilityTemplates, ActionRead, h.Get))
	mux.Handle("PUT /api/templates/{id}", gate.require(CapabilityTemplates, ActionWrite, h.Update))
	mux.Handle("DELETE /api/templates/{id}", gate.require(CapabilityTemplates, ActionWrite, h.Delete))
	mux.Handle("GET /api/job-types", gate.require(CapabilityTemplates, ActionRead, h.JobTypes))
}

func registerScheduleRoutes(mux *http.ServeMux, h *ScheduleHandlers, gate *permissionGate) {
	mux.Handle("POST /api/schedules", gate.require(CapabilitySchedules, ActionWrite, h.Create))
	mux.Handle("GET /api/schedules", gate.require(CapabilitySchedules, ActionRead, h.List))
	mux.Handle("GET /api/schedules/{id}", gate.require(CapabilitySchedules, ActionRead, h.Get))
	mux.Handle("PUT /api/schedules/{id}", gate.require(CapabilitySchedules, ActionWrite, h.Update))
	mux.Handle("DELETE /api/schedules/{id}", gate.require(CapabilitySchedules, ActionWrite, h.Delete))
}

func registerRunRoutes(mux *http.ServeMux, h *RunHandlers, gate *permissionGate) {
	mux.Handle("POST /api/runs", gate.require(CapabilityRuns, ActionWrite, h.Dispatch))
	mux.Handle("GET /api/runs", gate.require(CapabilityRuns, ActionRead, h.List))
	mux.Handle("GET /api/runs/stats", gate.require(CapabilityRuns, ActionRead, h.Stats))
	mux.Handle("GET /api/runs/{id}", gate.require(CapabilityRuns, ActionRead, h.Get))
	mux.Handle("DELETE /api/runs/{id}", gate.require(CapabilityRuns, ActionWrite, h.Cancel))
	mux.Handle("GET /api/runs/{id}/result", gate.require(CapabilityRuns, ActionRead, h.Result))
	mux.Handle("GET /api/runs/{id}/progress", gate.require(CapabilityRuns, ActionRead, h.Progress))
	mux.Handle("POST /api/progress/batch", gate.require(CapabilityRuns, ActionRead, h.ProgressBatch))
	mux.Handle("GET /api/backend/queues", gate.require(CapabilityRuns, ActionRead, h.BackendQueues))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
