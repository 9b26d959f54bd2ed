// Package worker runs the claim-process loops that drain the render queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/overlayfx/renderfarm/config"
	domainjob "github.com/overlayfx/renderfarm/internal/domain/job"
	"github.com/overlayfx/renderfarm/internal/domain/model"
	"github.com/overlayfx/renderfarm/internal/observability/metrics"
	"github.com/overlayfx/renderfarm/internal/observability/statsd"
	"github.com/overlayfx/renderfarm/internal/service"
)

// releaseTimeout bounds the best-effort release of an in-flight job during
// shutdown, after the run context is already gone.
const releaseTimeout = 5 * time.Second

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Jobs      *service.JobService // Required: queue operations
	Processor *service.Processor  // Required: per-job state machine
	Config    config.WorkerConfig
	Logger    *slog.Logger
	Metrics   statsd.Sink

	// WorkerHost identifies this machine in claim records. Defaults to the
	// OS hostname.
	WorkerHost string
}

// State is a point-in-time view of one worker loop, used by the health
// endpoint.
type State struct {
	WorkerID     string `json:"worker_id"`
	Busy         bool   `json:"busy"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

// loopState is the mutable half of State, owned by one loop and read by
// States.
type loopState struct {
	mu           sync.Mutex
	workerID     string
	busy         bool
	currentJobID string
}

func (s *loopState) setJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
	s.currentJobID = id
}

func (s *loopState) clearJob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.currentJobID = ""
}

func (s *loopState) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{WorkerID: s.workerID, Busy: s.busy, CurrentJobID: s.currentJobID}
}

// Runner claims render jobs and drives each through the processor. Each of
// the configured loops claims under its own worker id, so a crashed loop's
// jobs are recoverable by lease expiry without ambiguity about the holder.
type Runner struct {
	jobs       *service.JobService
	processor  *service.Processor
	logger     *slog.Logger
	metrics    statsd.Sink
	cfg        config.WorkerConfig
	workerHost string

	loops []*loopState
}

// NewRunner constructs a worker runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("Processor is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	host := strings.TrimSpace(opts.WorkerHost)
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			host = "worker"
		} else {
			host = h
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "worker_runner")
	}

	loops := make([]*loopState, cfg.Concurrency)
	for i := range loops {
		loops[i] = &loopState{workerID: newWorkerID(host)}
	}

	return &Runner{
		jobs:       opts.Jobs,
		processor:  opts.Processor,
		logger:     logger,
		metrics:    opts.Metrics,
		cfg:        cfg,
		workerHost: host,
		loops:      loops,
	}, nil
}

// newWorkerID builds a claim owner id that is unique per loop and traceable
// to the host.
func newWorkerID(host string) string {
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// States reports the current state of every worker loop.
func (r *Runner) States() []State {
	out := make([]State, len(r.loops))
	for i, loop := range r.loops {
		out[i] = loop.snapshot()
	}
	return out
}

// Run starts the configured worker loops and blocks until the context ends
// or a loop fails fatally.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting worker loops",
			"host", r.workerHost,
			"concurrency", r.cfg.Concurrency,
			"lease", r.cfg.JobLease)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range r.loops {
		g.Go(func() error {
			return r.runLoop(ctx, loop)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLoop is one claim-process cycle. Every iteration ends with one sleep at
// the schedule's current level: busy after a processed job, idle after a long
// empty run, backoff after a claim or processor failure. Errors back the loop
// off rather than killing it; only context termination ends the loop.
func (r *Runner) runLoop(ctx context.Context, loop *loopState) error {
	schedule := domainjob.NewPollSchedule(domainjob.PollScheduleOptions{
		Default:       r.cfg.PollInterval,
		Busy:          r.cfg.BusyPollInterval,
		Idle:          r.cfg.IdlePollInterval,
		Error:         r.cfg.ErrorPollInterval,
		IdleThreshold: r.cfg.IdleThreshold,
	})

	unsub, notify := r.jobs.Subscribe()
	defer unsub()

	for ctx.Err() == nil {
		job, err := r.jobs.Claim(ctx, loop.workerID, r.workerHost, r.cfg.JobLease)
		switch {
		case err == nil:
			procErr := r.processJob(ctx, loop, job)
			if ctx.Err() != nil {
				return nil
			}
			if procErr != nil {
				schedule.ObserveError()
			} else {
				schedule.ObserveClaim()
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			schedule.ObserveEmpty()
		case ctx.Err() != nil:
			return nil
		default:
			schedule.ObserveError()
			if r.logger != nil {
				r.logger.ErrorContext(ctx, "claim failed, backing off",
					"worker_id", loop.workerID, "error", err)
			}
			r.emitPollError(err)
		}
		if !r.wait(ctx, schedule.Interval(), notify) {
			return nil
		}
	}
	return nil
}

// wait sleeps for d, waking early on a job availability notification.
// Returns false when the context ended.
func (r *Runner) wait(ctx context.Context, d time.Duration, notify <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

// processJob runs one claimed job through the processor and reports the
// processing error so the loop can back off. A job interrupted by shutdown
// is released so another worker can take it immediately instead of waiting
// out the lease.
func (r *Runner) processJob(ctx context.Context, loop *loopState, job *model.RenderJob) error {
	loop.setJob(job.ID)
	defer loop.clearJob()

	if r.logger != nil {
		r.logger.InfoContext(ctx, "processing job",
			"worker_id", loop.workerID,
			"id", job.ID,
			"render_type", job.RenderType,
			"template", job.Template)
	}

	start := time.Now()
	err := r.processor.Process(ctx, job)

	switch {
	case err == nil:
		r.emitLifecycle(job, "processed", metrics.ResultSuccess, time.Since(start), nil)
		return nil
	case ctx.Err() != nil:
		r.releaseOnShutdown(loop, job)
		return nil
	default:
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "job processing failed",
				"worker_id", loop.workerID, "id", job.ID, "error", err)
		}
		r.emitLifecycle(job, "processed", metrics.ResultError, time.Since(start), err)
		return err
	}
}

// releaseOnShutdown returns an interrupted job to the queue. The run context
// is gone, so the release gets its own short-lived one.
func (r *Runner) releaseOnShutdown(loop *loopState, job *model.RenderJob) {
	relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := r.jobs.Release(relCtx, job.ID, loop.workerID); err != nil {
		if r.logger != nil {
			r.logger.Error("release on shutdown failed",
				"worker_id", loop.workerID, "id", job.ID, "error", err)
		}
		r.emitLifecycle(job, "released", metrics.ResultError, 0, err)
		return
	}

	if r.logger != nil {
		r.logger.Info("released job on shutdown", "worker_id", loop.workerID, "id", job.ID)
	}
	r.emitLifecycle(job, "released", metrics.ResultSuccess, 0, nil)
}

func (r *Runner) emitLifecycle(job *model.RenderJob, transition, result string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobType:    string(job.RenderType),
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

func (r *Runner) emitPollError(err error) {
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobType:    "render",
		Transition: "claim",
		Result:     metrics.ResultError,
		Err:        err,
	})
}
