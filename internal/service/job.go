package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/overlayfx/renderfarm/internal/core"
	domainjob "github.com/overlayfx/renderfarm/internal/domain/job"
	"github.com/overlayfx/renderfarm/internal/domain/model"
	"github.com/overlayfx/renderfarm/internal/observability/notify"
	"github.com/overlayfx/renderfarm/internal/service/failurenotifier"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required: default lease duration for claims
	Logger          *slog.Logger              // Optional: structured logger
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	Callbacks       *CallbackService          // Optional: terminal-transition webhook delivery
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for render job operations.
//
// This service manages:
// - Job submission and queue queries
// - Claiming and lease management for workers
// - Pub/sub notification system for job availability
// - Failure recording with notification fan-out
// - Graceful shutdown of all listeners.
type JobService struct {
	repo            core.JobRepository
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
	callbacks       *CallbackService
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:            opts.Repo,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
		callbacks:       opts.Callbacks,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create enqueues a new render job.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.RenderJob, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created",
			"id", job.ID,
			"render_type", job.RenderType,
			"priority", job.Priority,
		)
	}

	return job, nil
}

// Claim reserves the next eligible job for the given worker.
// Returns model.ErrNoJobsAvailable when the queue has nothing eligible.
func (s *JobService) Claim(
	ctx context.Context,
	owner, workerHost string,
	lease time.Duration,
) (*model.RenderJob, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"owner", owner)
	}

	job, err := s.repo.Claim(ctx, core.ClaimParams{
		Owner:        owner,
		WorkerHost:   workerHost,
		LeaseSeconds: decision.Seconds,
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job claimed",
			"id", job.ID,
			"owner", owner,
			"recovery_count", job.RecoveryCount,
			"lease_seconds", decision.Seconds,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for job availability notifications.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context) error {
	return s.repo.WaitForNotification(ctx)
}

// MarkPreparing moves a held job into the preparing state and renews its lease.
func (s *JobService) MarkPreparing(ctx context.Context, jobID, owner string, lease time.Duration) error {
	decision := s.leasePolicy.Resolve(lease)
	if err := s.repo.MarkPreparing(ctx, jobID, owner, decision.Seconds); err != nil {
		return fmt.Errorf("mark job %s preparing: %w", jobID, err)
	}
	return nil
}

// MarkSubmitted records the renderer-side id for a held job and renews its lease.
func (s *JobService) MarkSubmitted(
	ctx context.Context,
	jobID, owner, nexrenderID string,
	lease time.Duration,
) error {
	decision := s.leasePolicy.Resolve(lease)
	err := s.repo.MarkSubmitted(ctx, core.MarkSubmittedParams{
		JobID:        jobID,
		Owner:        owner,
		NexrenderID:  nexrenderID,
		LeaseSeconds: decision.Seconds,
	})
	if err != nil {
		return fmt.Errorf("mark job %s submitted: %w", jobID, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job submitted to renderer",
			"id", jobID, "nexrender_id", nexrenderID)
	}

	return nil
}

// ProgressReport carries one renderer progress observation for a held job.
type ProgressReport struct {
	JobID          string
	Owner          string
	Status         model.JobStatus
	Progress       int
	NexrenderState *string
	Lease          time.Duration
}

// ReportProgress forwards one renderer progress observation. The write renews
// the lease, so a polling worker never needs a separate heartbeat.
func (s *JobService) ReportProgress(ctx context.Context, report ProgressReport) error {
	decision := s.leasePolicy.Resolve(report.Lease)
	err := s.repo.SetRenderState(ctx, core.SetRenderStateParams{
		JobID:          report.JobID,
		Owner:          report.Owner,
		Status:         report.Status,
		Progress:       report.Progress,
		NexrenderState: report.NexrenderState,
		LeaseSeconds:   decision.Seconds,
	})
	if err != nil {
		return fmt.Errorf("report progress for job %s: %w", report.JobID, err)
	}
	return nil
}

// Complete marks a held job as completed with its artifact details.
func (s *JobService) Complete(ctx context.Context, params core.CompleteParams) error {
	if err := s.repo.Complete(ctx, params); err != nil {
		return fmt.Errorf("complete job %s: %w", params.JobID, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed",
			"id", params.JobID,
			"output_path", params.OutputPath,
			"cache_hit", params.CacheHit,
		)
	}

	s.deliverCallback(ctx, params.JobID)

	return nil
}

// deliverCallback posts the terminal state of the job to its callback URL.
// Best effort: failures are logged and never surface to the caller.
func (s *JobService) deliverCallback(ctx context.Context, jobID string) {
	if s.callbacks == nil || !s.callbacks.Enabled() {
		return
	}

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for callback delivery",
				"job_id", jobID, "error", err)
		}
		return
	}

	if err := s.callbacks.Deliver(ctx, job); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "callback delivery failed",
			"job_id", jobID, "status", job.Status, "error", err)
	}
}

// Release returns a held job to pending without consuming a retry.
// Used on graceful shutdown so in-flight work is picked up promptly.
func (s *JobService) Release(ctx context.Context, jobID, owner string) error {
	if err := s.repo.Release(ctx, jobID, owner); err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job released back to queue", "id", jobID, "owner", owner)
	}

	return nil
}

// Fail records a job failure with no extra notification context.
func (s *JobService) Fail(ctx context.Context, params core.FailParams) error {
	return s.FailWithDetails(ctx, params, JobFailureDetails{})
}

// JobFailureDetails captures optional context for failure notifications.
type JobFailureDetails struct {
	ErrorClass string
	Metadata   map[string]string
	Severity   string
	OccurredAt time.Time
}

// FailWithDetails records a job failure and propagates optional metadata to the notifier.
// Retryable failures inside the retry budget requeue the job; those do not notify.
func (s *JobService) FailWithDetails(
	ctx context.Context,
	params core.FailParams,
	details JobFailureDetails,
) error {
	if params.Message == "" {
		return errors.New("error message required")
	}

	// The pre-write snapshot decides whether this failure is terminal.
	var job *model.RenderJob
	if s.failureNotifier != nil || (s.callbacks != nil && s.callbacks.Enabled()) {
		var err error
		job, err = s.repo.GetByID(ctx, params.JobID)
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for failure notification",
				"job_id", params.JobID, "error", err)
		}
	}

	if err := s.repo.Fail(ctx, params); err != nil {
		return fmt.Errorf("fail job %s: %w", params.JobID, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job failure recorded",
			"id", params.JobID,
			"category", params.Category,
			"retryable", params.Retryable,
			"error", params.Message,
		)
	}

	if s.failureNotifier != nil && failureIsTerminal(job, params.Retryable) {
		payload := buildJobFailurePayload(jobFailurePayloadInput{
			Params:  params,
			Job:     job,
			Details: details,
		})
		s.failureNotifier.NotifyJobFailure(ctx, payload)
	}

	if failureIsTerminal(job, params.Retryable) {
		s.deliverCallback(ctx, params.JobID)
	}

	return nil
}

// failureIsTerminal reports whether this failure lands the job in failed
// rather than back in pending. Terminal failures are the only ones notified.
func failureIsTerminal(job *model.RenderJob, retryable bool) bool {
	if !retryable {
		return true
	}
	if job == nil {
		return false
	}
	return job.RetryCount+1 > job.MaxRetries
}

type jobFailurePayloadInput struct {
	Params  core.FailParams
	Job     *model.RenderJob
	Details JobFailureDetails
}

func buildJobFailurePayload(input jobFailurePayloadInput) notify.JobFailurePayload {
	payload := baseFailurePayload(input.Params, input.Details)
	if input.Job != nil {
		applyJobContext(&payload, input.Job)
	}
	if payload.ErrorClass != "" {
		payload.Metadata = mergeMetadata(payload.Metadata, map[string]string{
			"error_class": payload.ErrorClass,
		})
	}

	if len(payload.Metadata) == 0 {
		payload.Metadata = nil
	}

	return payload
}

func baseFailurePayload(params core.FailParams, details JobFailureDetails) notify.JobFailurePayload {
	errorClass := details.ErrorClass
	if errorClass == "" {
		errorClass = string(params.Category)
	}

	payload := notify.JobFailurePayload{
		JobID:      params.JobID,
		Owner:      params.Owner,
		Error:      params.Message,
		ErrorClass: errorClass,
		Severity:   details.Severity,
		OccurredAt: details.OccurredAt,
		Metadata:   copyMetadata(details.Metadata),
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now()
	}

	return payload
}

func applyJobContext(payload *notify.JobFailurePayload, job *model.RenderJob) {
	payload.RenderType = string(job.RenderType)
	payload.Template = job.Template
	payload.Composition = job.Composition

	newRetryCount := job.RetryCount + 1
	if newRetryCount < 0 {
		newRetryCount = 0
	}

	metadata := map[string]string{
		"retry_count":    strconv.Itoa(newRetryCount),
		"max_retries":    strconv.Itoa(job.MaxRetries),
		"priority":       strconv.Itoa(job.Priority),
		"recovery_count": strconv.Itoa(job.RecoveryCount),
	}
	payload.Metadata = mergeMetadata(payload.Metadata, metadata)
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := copyMetadata(base)
	if out == nil && len(extra) == 0 {
		return nil
	}
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// Cancel moves any non-terminal job to cancelled. Returns false when the job
// was already terminal. Workers observe the cancellation between renderer polls.
func (s *JobService) Cancel(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("job id is required")
	}

	cancelled, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}

	if cancelled {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "job cancelled", "id", id)
		}
		s.deliverCallback(ctx, id)
	}

	return cancelled, nil
}

// Stats returns per-status job counts plus queue age information.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// GetStatus returns the externally visible status information for a job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	resp := job.StatusResponse()
	return &resp, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.RenderJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// List returns jobs with optional filtering for the admin view.
// Pagination defaults are normalized here to avoid drift across layers.
func (s *JobService) List(
	ctx context.Context,
	opts *model.JobListOptions,
) ([]*model.RenderJob, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Delete safely deletes a job by ID with state machine safety checks.
// Only jobs without an active lease can be deleted.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("job id is required")
	}

	err := s.repo.Delete(ctx, id)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "failed to delete job", "id", id, "error", err)
		}
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted", "id", id)
	}

	return nil
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
