package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - http",
			input: "http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP: true,
			},
			expectError: false,
		},
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:  "multiple services - http and scheduler",
			input: "http,scheduler",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:      true,
				ServiceModeScheduler: true,
			},
			expectError: false,
		},
		{
			name:  "all services",
			input: "http,scheduler,worker,reconciler",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:       true,
				ServiceModeScheduler:  true,
				ServiceModeWorker:     true,
				ServiceModeReconciler: true,
			},
			expectError: false,
		},
		{
			name:  "services with spaces",
			input: " http , worker , reconciler ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:       true,
				ServiceModeWorker:     true,
				ServiceModeReconciler: true,
			},
			expectError: false,
		},
		{
			name:  "duplicate services",
			input: "http,http,scheduler",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:      true,
				ServiceModeScheduler: true,
			},
			expectError: false,
		},
		{
			name:        "empty string",
			input:       "",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "http,invalid-service",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_GetEnabledServices(t *testing.T) {
	tests := []struct {
		name        string
		services    string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "default configuration",
			services: "http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP: true,
			},
			expectError: false,
		},
		{
			name:     "worker plus reconciler",
			services: "worker,reconciler",
			expected: map[ServiceMode]bool{
				ServiceModeWorker:     true,
				ServiceModeReconciler: true,
			},
			expectError: false,
		},
		{
			name:        "invalid configuration",
			services:    "invalid-service",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}
			result, err := cfg.GetEnabledServices()

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestAppConfig_ParseEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("REDIS_URI", "redis.internal:6379")
	t.Setenv("SERVICES", "http,worker")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_JOB_TYPES", "config_backup,compliance_audit")
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("RECONCILER_RUNNING_STALE_AFTER", "20m")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("expected db host db.internal, got %s", cfg.Postgres.Host)
	}
	if cfg.Postgres.Port != 5433 {
		t.Errorf("expected db port 5433, got %d", cfg.Postgres.Port)
	}
	if cfg.Redis.URI != "redis.internal:6379" {
		t.Errorf("expected redis uri redis.internal:6379, got %s", cfg.Redis.URI)
	}
	if !cfg.IsHTTPServerEnabled() || !cfg.IsWorkerEnabled() {
		t.Errorf("expected http and worker services enabled, got %q", cfg.Services)
	}
	if cfg.IsSchedulerEnabled() {
		t.Errorf("scheduler should not be enabled")
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("expected worker concurrency 8, got %d", cfg.Worker.Concurrency)
	}
	if len(cfg.Worker.JobTypes) != 2 || cfg.Worker.JobTypes[0] != "config_backup" {
		t.Errorf("unexpected worker job types: %v", cfg.Worker.JobTypes)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Errorf("expected scheduler interval 30s, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Reconciler.RunningStaleAfter != 20*time.Minute {
		t.Errorf("expected running stale cutoff 20m, got %s", cfg.Reconciler.RunningStaleAfter)
	}
}

func TestSanitize_Guardrails(t *testing.T) {
	cfg := AppConfig{
		Scheduler:  SchedulerConfig{BatchSize: 0, MaxRetries: -1, Interval: 10 * time.Millisecond},
		Worker:     WorkerConfig{Concurrency: 0, PollTimeout: 0},
		Reconciler: ReconcilerConfig{Interval: time.Second, BatchSize: 50000},
	}
	cfg.Sanitize()

	if cfg.Scheduler.BatchSize != 1 {
		t.Errorf("expected scheduler batch size clamped to 1, got %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.MaxRetries != 0 {
		t.Errorf("expected max retries clamped to 0, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.Interval != time.Second {
		t.Errorf("expected scheduler interval clamped to 1s, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Errorf("expected worker concurrency clamped to 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollTimeout != time.Second {
		t.Errorf("expected poll timeout clamped to 1s, got %s", cfg.Worker.PollTimeout)
	}
	if cfg.Reconciler.Interval != 30*time.Second {
		t.Errorf("expected reconciler interval clamped to 30s, got %s", cfg.Reconciler.Interval)
	}
	if cfg.Reconciler.BatchSize != 10000 {
		t.Errorf("expected reconciler batch size clamped to 10000, got %d", cfg.Reconciler.BatchSize)
	}
}

func TestObservabilityMetricsConfig_IsEnabled(t *testing.T) {
	cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "  "}
	cfg.Sanitize()
	if cfg.IsEnabled() {
		t.Errorf("metrics should be disabled without a statsd address")
	}

	cfg = ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "127.0.0.1:8125", Prefix: ".conductor."}
	cfg.Sanitize()
	if !cfg.IsEnabled() {
		t.Errorf("metrics should be enabled")
	}
	if cfg.Prefix != "conductor" {
		t.Errorf("expected prefix trimmed to conductor, got %q", cfg.Prefix)
	}
}
