package bootstrap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/netauto/conductor/config"
	"github.com/netauto/conductor/internal/adapters/reconciler"
	"github.com/netauto/conductor/internal/adapters/scheduler"
	"github.com/netauto/conductor/internal/adapters/taskqueue"
	"github.com/netauto/conductor/internal/adapters/worker"
	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/data"
	"github.com/netauto/conductor/internal/jobtypes"
	"github.com/netauto/conductor/internal/observability/statsd"
	"github.com/netauto/conductor/internal/progress"
	"github.com/netauto/conductor/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Templates  *service.TemplateService
	Schedules  *service.ScheduleService
	Runs       *service.RunService
	Dispatcher *service.DispatcherService

	Backend  *taskqueue.RedisBackend
	Registry *jobtypes.Registry
	Progress *progress.Tracker

	Authorizer    core.Authorizer
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   statsd.Sink
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Authorizer is optional; when nil the API trusts the gateway-supplied
	// subject without per-capability checks.
	Authorizer core.Authorizer
}

// buildObservability configures the metrics sink from config.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var sink statsd.Sink = statsd.Nop{}
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			sink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   sink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRegistry registers the builtin job types. Device transports plug their
// actions in here; the default action only acknowledges each device so the
// dispatch pipeline works end to end without one.
func buildRegistry(logger *slog.Logger) *jobtypes.Registry {
	reg := jobtypes.NewRegistry()
	for _, info := range jobtypes.BuiltinInfos() {
		jobType := info.Value
		action := func(ctx context.Context, device string, _ json.RawMessage) (json.RawMessage, error) {
			logger.DebugContext(ctx, "executing device action", "job_type", jobType, "device", device)
			return json.Marshal(map[string]string{"device": device, "status": "ok"})
		}
		reg.Register(jobtypes.NewDeviceJobHandler(info, action))
	}
	return reg
}

// NewServices initializes all application services.
func NewServices(deps *ServiceDeps) ServiceContainer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	obs := buildObservability(logger, deps.Config.Observability)

	templateRepo := data.NewTemplateRepo(deps.DB)
	scheduleRepo := data.NewScheduleRepo(deps.DB)
	runRepo := data.NewRunRepo(deps.DB)

	backend := taskqueue.NewRedisBackend(taskqueue.RedisBackendOptions{
		Client:      deps.RedisClient,
		PollTimeout: deps.Config.Worker.PollTimeout,
	})
	registry := buildRegistry(logger)
	tracker := progress.NewTracker()

	dispatcher := service.NewDispatcherService(service.DispatcherServiceOptions{
		Runs:              runRepo,
		Registry:          registry,
		Backend:           backend,
		Metrics:           obs.MetricsSink,
		Logger:            logger,
		DefaultMaxRetries: deps.Config.Scheduler.MaxRetries,
	})

	return ServiceContainer{
		Templates: service.NewTemplateService(service.TemplateServiceOptions{
			Repo:     templateRepo,
			Registry: registry,
			Logger:   logger,
		}),
		Schedules: service.NewScheduleService(service.ScheduleServiceOptions{
			Repo:      scheduleRepo,
			Templates: templateRepo,
			Logger:    logger,
		}),
		Runs: service.NewRunService(service.RunServiceOptions{
			Runs:     runRepo,
			Backend:  backend,
			Progress: tracker,
			Logger:   logger,
		}),
		Dispatcher:    dispatcher,
		Backend:       backend,
		Registry:      registry,
		Progress:      tracker,
		Authorizer:    deps.Authorizer,
		Observability: obs,
	}
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle in one errgroup. It blocks until a shutdown signal is received or
// a service fails; runners treat context cancellation as a clean stop, so a
// signal drains the group without an error.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if enabled[config.ServiceModeHTTP] {
		if err := startHTTPService(gctx, g, cfg, logger); err != nil {
			return err
		}
	}
	if enabled[config.ServiceModeScheduler] {
		if err := startSchedulerService(gctx, g, cfg, logger); err != nil {
			return err
		}
	}
	if enabled[config.ServiceModeWorker] {
		if err := startWorkerService(gctx, g, cfg, logger); err != nil {
			return err
		}
	}
	if enabled[config.ServiceModeReconciler] {
		if err := startReconcilerService(gctx, g, cfg, logger); err != nil {
			return err
		}
	}

	return g.Wait()
}

func startHTTPService(ctx context.Context, g *errgroup.Group, cfg *ServiceOrchestrationConfig, logger *slog.Logger) error {
	server := buildHTTPServer(cfg, logger)

	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", serveErr)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("shutdown http server: %w", shutdownErr)
		}
		return nil
	})

	return nil
}

func startSchedulerService(ctx context.Context, g *errgroup.Group, cfg *ServiceOrchestrationConfig, logger *slog.Logger) error {
	runner, err := scheduler.NewRunner(scheduler.RunnerOptions{
		DB:       cfg.DB,
		Backend:  cfg.Services.Backend,
		Registry: cfg.Services.Registry,
		Config: &core.SchedulerConfig{
			BatchSize:         cfg.Config.Scheduler.BatchSize,
			DefaultMaxRetries: cfg.Config.Scheduler.MaxRetries,
		},
		Interval: cfg.Config.Scheduler.Interval,
		Logger:   logger,
		Metrics:  cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	logger.Info("starting scheduler", "interval", cfg.Config.Scheduler.Interval)
	g.Go(func() error { return runner.Run(ctx) })
	return nil
}

func startWorkerService(ctx context.Context, g *errgroup.Group, cfg *ServiceOrchestrationConfig, logger *slog.Logger) error {
	runner, err := worker.NewRunner(worker.RunnerOptions{
		Source:      cfg.Services.Backend,
		Runs:        data.NewRunRepo(cfg.DB),
		Registry:    cfg.Services.Registry,
		Progress:    cfg.Services.Progress,
		Concurrency: cfg.Config.Worker.Concurrency,
		JobTypes:    cfg.Config.Worker.JobTypes,
		Logger:      logger,
		Metrics:     cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	logger.Info("starting worker pool", "concurrency", cfg.Config.Worker.Concurrency)
	g.Go(func() error { return runner.Run(ctx) })
	return nil
}

func startReconcilerService(ctx context.Context, g *errgroup.Group, cfg *ServiceOrchestrationConfig, logger *slog.Logger) error {
	runner, err := reconciler.NewRunner(reconciler.RunnerOptions{
		DB:       cfg.DB,
		Backend:  cfg.Services.Backend,
		Progress: cfg.Services.Progress,
		Config: &service.ReconcilerConfig{
			RunningStaleAfter: cfg.Config.Reconciler.RunningStaleAfter,
			QueuedStaleAfter:  cfg.Config.Reconciler.QueuedStaleAfter,
			BatchSize:         cfg.Config.Reconciler.BatchSize,
		},
		Interval: cfg.Config.Reconciler.Interval,
		Logger:   logger,
		Metrics:  cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}

	logger.Info("starting reconciler", "interval", cfg.Config.Reconciler.Interval)
	g.Go(func() error { return runner.Run(ctx) })
	return nil
}
