package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netauto/conductor/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the schedule evaluation loop.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeWorker runs the task execution worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReconciler runs the stale-run reconciliation sweeper.
	ServiceModeReconciler ServiceMode = "reconciler"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeScheduler,
		ServiceModeWorker,
		ServiceModeReconciler,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeScheduler,
			ServiceModeWorker,
			ServiceModeReconciler:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler, worker, reconciler)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// BatchSize is the number of due schedules to claim per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"25"`

	// MaxRetries is the default retry budget seeded on dispatched runs.
	MaxRetries int `env:"SCHEDULER_MAX_RETRIES" envDefault:"3"`

	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"15s"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
}

// WorkerConfig contains worker service configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// PollTimeout bounds how long a worker blocks waiting for a task.
	PollTimeout time.Duration `env:"WORKER_POLL_TIMEOUT" envDefault:"5s"`

	// JobTypes restricts which queues this worker drains. Empty means every
	// registered job type.
	JobTypes []model.JobType `env:"WORKER_JOB_TYPES"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.PollTimeout < time.Second {
		w.PollTimeout = time.Second
	}
}

// ReconcilerConfig contains reconciler service configuration.
type ReconcilerConfig struct {
	// Interval is the sweep interval.
	Interval time.Duration `env:"RECONCILER_INTERVAL" envDefault:"2m"`

	// RunningStaleAfter is how long a running run may go without a progress
	// update before the backend is consulted.
	RunningStaleAfter time.Duration `env:"RECONCILER_RUNNING_STALE_AFTER" envDefault:"10m"`

	// QueuedStaleAfter is the equivalent cutoff for queued runs whose task
	// never surfaced in the backend.
	QueuedStaleAfter time.Duration `env:"RECONCILER_QUEUED_STALE_AFTER" envDefault:"30m"`

	// BatchSize caps runs examined per status per sweep.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"RECONCILER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reconciler configuration values.
func (r *ReconcilerConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 30*time.Second {
		r.Interval = 30 * time.Second
	}
	if r.RunningStaleAfter < time.Minute {
		r.RunningStaleAfter = time.Minute
	}
	if r.QueuedStaleAfter < time.Minute {
		r.QueuedStaleAfter = time.Minute
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
