package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for renderfarm reaper operations.
const (
	advisoryLockReaperMajor         = 1000
	advisoryLockReaperFailPending   = 1 // minor key for FailStalePendingJobs
	advisoryLockReaperDelete        = 2 // minor key for DeleteOldJobs
	advisoryLockReaperFailAbandoned = 3 // minor key for FailAbandonedJobs
)

// withReaperLock runs fn inside a transaction holding the (major, minor)
// advisory lock. When another reaper instance already holds the lock the
// batch is skipped and zero rows is reported.
func (r *JobRepo) withReaperLock(ctx context.Context, minor int, fn func(tx *sql.Tx) (int64, error)) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			ra, err := fn(tx)
			if err != nil {
				return err
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// FailStalePendingJobs marks pending jobs older than maxAge as failed.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of jobs marked as failed.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.withReaperLock(ctx, advisoryLockReaperFailPending, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now()
		cutoffTime := currentTime.Add(-maxAge)

		res, err := tx.ExecContext(ctx, `
			UPDATE render_jobs
			SET status = 'failed',
				error_message = 'job timed out waiting in queue',
				error_category = 'timeout',
				completed_at = $1,
				updated_at = $1
			WHERE id IN (
				SELECT id FROM render_jobs
				WHERE status = 'pending'
				  AND created_at < $2
				ORDER BY created_at
				LIMIT $3
			)
		`, currentTime.UTC(), cutoffTime.UTC(), batchSize)
		if err != nil {
			return 0, fmt.Errorf("fail stale pending jobs: %w", err)
		}
		return res.RowsAffected()
	})
}

// FailAbandonedJobs fails jobs stuck in statuses the claim predicate does not
// recover (post-render states like encoding and uploading) once their lease
// has been expired for longer than the grace period. The grace keeps the
// reaper from racing a worker that is about to renew.
func (r *JobRepo) FailAbandonedJobs(ctx context.Context, params core.FailAbandonedJobsParams) (int64, error) {
	if len(params.Statuses) == 0 {
		return 0, errors.New("at least one status is required")
	}
	for _, s := range params.Statuses {
		if !s.Valid() {
			return 0, fmt.Errorf("invalid job status: %s", s)
		}
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	statuses := make([]string, 0, len(params.Statuses))
	for _, s := range params.Statuses {
		statuses = append(statuses, string(s))
	}

	return r.withReaperLock(ctx, advisoryLockReaperFailAbandoned, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now()
		cutoffTime := currentTime.Add(-params.Grace)

		res, err := tx.ExecContext(ctx, `
			UPDATE render_jobs
			SET status = 'failed',
				error_message = 'abandoned by worker ' || COALESCE(owner, 'unknown') || ' after lease expiry',
				error_category = 'unknown',
				owner = NULL,
				worker_host = NULL,
				lease_expires_at = NULL,
				completed_at = $1,
				updated_at = $1
			WHERE id IN (
				SELECT id FROM render_jobs
				WHERE status = ANY($2::text[])
				  AND lease_expires_at IS NOT NULL
				  AND lease_expires_at < $3
				ORDER BY lease_expires_at
				LIMIT $4
			)
		`, currentTime.UTC(), statuses, cutoffTime.UTC(), params.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("fail abandoned jobs: %w", err)
		}
		return res.RowsAffected()
	})
}

// DeleteOldJobs deletes jobs with the given status older than maxAge.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of jobs deleted.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid job status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	return r.withReaperLock(ctx, advisoryLockReaperDelete, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now()
		cutoffTime := currentTime.Add(-params.MaxAge)

		res, err := tx.ExecContext(ctx, `
			DELETE FROM render_jobs
			WHERE id IN (
				SELECT id FROM render_jobs
				WHERE status = $1
				  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
				ORDER BY COALESCE(completed_at, updated_at)
				LIMIT $3
			)
		`, params.Status, cutoffTime.UTC(), params.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("delete old jobs: %w", err)
		}
		return res.RowsAffected()
	})
}
