package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// Every in-flight transition below is owner-conditional: the UPDATE matches
// only while the caller still owns the row. Zero rows affected means another
// worker took the job over after this worker's lease expired, surfaced as
// model.ErrLeaseLost. Forward transitions renew the lease, so a worker that
// keeps making progress never needs a separate heartbeat.

const progressPreparing = 5
const progressSubmitted = 20

// execOwned runs an owner-conditional update and maps zero affected rows to
// ErrLeaseLost.
func (r *JobRepo) execOwned(ctx context.Context, op, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rowsAffected == 0 {
		return model.ErrLeaseLost
	}
	return nil
}

func (r *JobRepo) leaseExpiry(leaseSeconds int) (time.Time, time.Time) {
	currentTime := r.timeProvider.Now().UTC()
	return currentTime, currentTime.Add(time.Duration(leaseSeconds) * time.Second)
}

// MarkPreparing records that the owner started building the render description.
func (r *JobRepo) MarkPreparing(ctx context.Context, jobID, owner string, leaseSeconds int) error {
	if leaseSeconds <= 0 {
		return errors.New("leaseSeconds must be positive")
	}
	currentTime, leaseExpiresAt := r.leaseExpiry(leaseSeconds)

	return r.execOwned(ctx, "mark preparing", `
		UPDATE render_jobs
		SET status = 'preparing',
		    progress = GREATEST(progress, $3),
		    lease_expires_at = $4,
		    updated_at = $5
		WHERE id = $1 AND owner = $2
	`, jobID, owner, progressPreparing, leaseExpiresAt, currentTime)
}

// MarkSubmitted records the renderer-side job id after a successful submit.
func (r *JobRepo) MarkSubmitted(ctx context.Context, params core.MarkSubmittedParams) error {
	if params.LeaseSeconds <= 0 {
		return errors.New("leaseSeconds must be positive")
	}
	currentTime, leaseExpiresAt := r.leaseExpiry(params.LeaseSeconds)

	return r.execOwned(ctx, "mark submitted", `
		UPDATE render_jobs
		SET status = 'rendering',
		    progress = GREATEST(progress, $3),
		    nexrender_id = $4,
		    lease_expires_at = $5,
		    updated_at = $6
		WHERE id = $1 AND owner = $2
	`, params.JobID, params.Owner, progressSubmitted, params.NexrenderID, leaseExpiresAt, currentTime)
}

// SetRenderState persists one renderer progress report. GREATEST keeps
// progress monotone within the attempt even if renderer reports arrive out
// of order.
func (r *JobRepo) SetRenderState(ctx context.Context, params core.SetRenderStateParams) error {
	if !params.Status.Valid() {
		return fmt.Errorf("invalid job status: %s", params.Status)
	}
	if params.LeaseSeconds <= 0 {
		return errors.New("leaseSeconds must be positive")
	}
	currentTime, leaseExpiresAt := r.leaseExpiry(params.LeaseSeconds)

	return r.execOwned(ctx, "set render state", `
		UPDATE render_jobs
		SET status = $3,
		    progress = GREATEST(progress, $4),
		    nexrender_state = COALESCE($5, nexrender_state),
		    lease_expires_at = $6,
		    updated_at = $7
		WHERE id = $1 AND owner = $2
	`, params.JobID, params.Owner, params.Status, params.Progress,
		params.NexrenderState, leaseExpiresAt, currentTime)
}

// Complete marks a job as finished with its artifact details and releases
// the lease.
func (r *JobRepo) Complete(ctx context.Context, params core.CompleteParams) error {
	currentTime := r.timeProvider.Now().UTC()

	return r.execOwned(ctx, "complete job", `
		UPDATE render_jobs
		SET status = 'completed',
		    progress = 100,
		    output_path = $3,
		    output_file_size = $4,
		    render_duration_ms = $5,
		    cache_hit = $6,
		    cached_output_path = $7,
		    data_hash = COALESCE($8, data_hash),
		    error_message = NULL,
		    error_category = NULL,
		    owner = NULL,
		    worker_host = NULL,
		    lease_expires_at = NULL,
		    completed_at = $9,
		    updated_at = $9
		WHERE id = $1 AND owner = $2
	`, params.JobID, params.Owner, params.OutputPath, params.OutputFileSize,
		params.RenderDurationMS, params.CacheHit, params.CachedOutputPath,
		params.DataHash, currentTime)
}

// Fail records a failure. Retryable failures with budget left requeue the
// job with its message prefixed `attempt #N:` and progress reset; anything
// else lands terminally failed. The owner and lease clear either way.
func (r *JobRepo) Fail(ctx context.Context, params core.FailParams) error {
	currentTime := r.timeProvider.Now().UTC()

	// A failure requeues only when it is retryable and the incremented
	// retry_count stays within max_retries.
	return r.execOwned(ctx, "fail job", `
		UPDATE render_jobs
		SET retry_count = retry_count + 1,
		    status = CASE WHEN $3::boolean AND retry_count + 1 <= max_retries
		                  THEN 'pending' ELSE 'failed' END,
		    progress = CASE WHEN $3::boolean AND retry_count + 1 <= max_retries
		                    THEN 0 ELSE progress END,
		    error_message = CASE WHEN $3::boolean AND retry_count + 1 <= max_retries
		                         THEN 'attempt #' || (retry_count + 1)::text || ': ' || $4
		                         ELSE $4 END,
		    error_category = $5,
		    completed_at = CASE WHEN $3::boolean AND retry_count + 1 <= max_retries
		                        THEN NULL ELSE $6::timestamptz END,
		    owner = NULL,
		    worker_host = NULL,
		    lease_expires_at = NULL,
		    updated_at = $6
		WHERE id = $1 AND owner = $2
	`, params.JobID, params.Owner, params.Retryable, params.Message,
		string(params.Category), currentTime)
}

// Release hands a held job back to the queue without consuming a retry.
// Used on graceful shutdown so the in-flight job is immediately claimable.
func (r *JobRepo) Release(ctx context.Context, jobID, owner string) error {
	currentTime := r.timeProvider.Now().UTC()

	return r.execOwned(ctx, "release job", `
		UPDATE render_jobs
		SET status = 'pending',
		    progress = 0,
		    recovery_count = recovery_count + 1,
		    owner = NULL,
		    worker_host = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND owner = $2
	`, jobID, owner, currentTime)
}

// Cancel moves any non-terminal job to cancelled. This is the external
// cancellation path and is deliberately not owner-conditional; the owning
// worker observes the change between polls and stops.
func (r *JobRepo) Cancel(ctx context.Context, jobID string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE render_jobs
		SET status = 'cancelled',
		    owner = NULL,
		    worker_host = NULL,
		    lease_expires_at = NULL,
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, jobID, currentTime)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
