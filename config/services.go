package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the render worker loops.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeHealth runs the health/stats HTTP endpoint.
	ServiceModeHealth ServiceMode = "health"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
		ServiceModeHealth,
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
		case ServiceModeWorker, ServiceModeReaper, ServiceModeHealth:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper, health)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains render worker service configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker loops per process.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// JobLease is the lease duration renewed by every forward write on a held job.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"2m"`

	// PollInterval is the steady-state cadence between claim attempts.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"10s"`

	// BusyPollInterval is the fast cadence used right after a successful claim.
	BusyPollInterval time.Duration `env:"WORKER_BUSY_POLL_INTERVAL" envDefault:"5s"`

	// IdlePollInterval is the slow cadence after a run of consecutive empty claims.
	IdlePollInterval time.Duration `env:"WORKER_IDLE_POLL_INTERVAL" envDefault:"30s"`

	// ErrorPollInterval is the backoff cadence after a claim or processing error.
	ErrorPollInterval time.Duration `env:"WORKER_ERROR_POLL_INTERVAL" envDefault:"60s"`

	// IdleThreshold is the number of consecutive empty claims tolerated
	// before the loop drops to the idle cadence.
	IdleThreshold int `env:"WORKER_IDLE_THRESHOLD" envDefault:"10"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 10*time.Second {
		w.JobLease = 10 * time.Second
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 10 * time.Second
	}
	if w.BusyPollInterval <= 0 {
		w.BusyPollInterval = 5 * time.Second
	}
	if w.IdlePollInterval <= 0 {
		w.IdlePollInterval = 30 * time.Second
	}
	if w.ErrorPollInterval <= 0 {
		w.ErrorPollInterval = 60 * time.Second
	}
	if w.IdleThreshold < 1 {
		w.IdleThreshold = 10
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// AbandonedGrace is how long past lease expiry an in-flight job may sit
	// before the reaper fails it. Covers the states the claim predicate does
	// not recover (encoding, uploading).
	AbandonedGrace time.Duration `env:"REAPER_ABANDONED_GRACE" envDefault:"10m"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// CancelledMaxAge is the maximum age for cancelled jobs before deletion.
	CancelledMaxAge time.Duration `env:"REAPER_CANCELLED_MAX_AGE" envDefault:"72h"` // 3 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.AbandonedGrace < 1*time.Minute {
		r.AbandonedGrace = 1 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.CancelledMaxAge < 1*time.Hour {
		r.CancelledMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
