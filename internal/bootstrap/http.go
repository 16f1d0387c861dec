package bootstrap

import (
	"log/slog"
	"net/http"
	"time"

	httpx "github.com/netauto/conductor/internal/http"
)

// buildHTTPServer assembles the router and HTTP server from the service
// container. The returned server is not yet listening.
func buildHTTPServer(cfg *ServiceOrchestrationConfig, logger *slog.Logger) *http.Server {
	router := httpx.NewRouter(httpx.RouterServices{
		Templates:  cfg.Services.Templates,
		Schedules:  cfg.Services.Schedules,
		Runs:       cfg.Services.Runs,
		Dispatcher: cfg.Services.Dispatcher,
		Authorizer: cfg.Services.Authorizer,
		Queues:     cfg.Services.Backend,
		Logger:     logger,
	})

	handler := httpx.Logging(logger)(router)

	addr := cfg.Config.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
