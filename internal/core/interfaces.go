package core

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/overlayfx/renderfarm/internal/domain/model"
	"github.com/overlayfx/renderfarm/internal/domain/render"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// ClaimParams identifies the worker attempting to claim a job and the lease
// it wants.
type ClaimParams struct {
	Owner        string
	WorkerHost   string
	LeaseSeconds int
}

// MarkSubmittedParams records the renderer-side id after submission.
type MarkSubmittedParams struct {
	JobID        string
	Owner        string
	NexrenderID  string
	LeaseSeconds int
}

// SetRenderStateParams carries one renderer progress report. Progress never
// regresses within an attempt; the store keeps the larger of old and new.
type SetRenderStateParams struct {
	JobID          string
	Owner          string
	Status         model.JobStatus
	Progress       int
	NexrenderState *string
	LeaseSeconds   int
}

// CompleteParams records a successful render's artifact details.
type CompleteParams struct {
	JobID            string
	Owner            string
	OutputPath       string
	OutputFileSize   *int64
	RenderDurationMS *int64
	CacheHit         bool
	CachedOutputPath *string
	DataHash         *string
}

// FailParams records a failure. Retryable failures inside the retry budget
// go back to pending; everything else lands terminally failed.
type FailParams struct {
	JobID     string
	Owner     string
	Message   string
	Category  render.Category
	Retryable bool
}

// JobRepository defines the interface for render job data operations.
// Every in-flight mutation is owner-conditional: the write matches only while
// the caller still owns the row, returns model.ErrLeaseLost otherwise, and
// renews the lease as a side effect.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.RenderJob, error)
	GetByID(ctx context.Context, id string) (*model.RenderJob, error)

	// Claim atomically selects and leases the next eligible job:
	// pending rows, plus preparing/rendering rows whose lease has expired.
	// Returns model.ErrNoJobsAvailable when the queue has nothing eligible.
	Claim(ctx context.Context, params ClaimParams) (*model.RenderJob, error)

	// WaitForNotification blocks until the queue signals a new job or ctx ends.
	WaitForNotification(ctx context.Context) error

	MarkPreparing(ctx context.Context, jobID, owner string, leaseSeconds int) error
	MarkSubmitted(ctx context.Context, params MarkSubmittedParams) error
	SetRenderState(ctx context.Context, params SetRenderStateParams) error
	Complete(ctx context.Context, params CompleteParams) error
	Fail(ctx context.Context, params FailParams) error

	// Release returns a held job to pending without consuming a retry,
	// incrementing recovery_count. Used on graceful shutdown.
	Release(ctx context.Context, jobID, owner string) error

	// Cancel moves any non-terminal job to cancelled. Not owner-conditional;
	// cancellation is an external request.
	Cancel(ctx context.Context, jobID string) (bool, error)

	Stats(ctx context.Context) (*model.JobStats, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.RenderJob, error)
	Delete(ctx context.Context, id string) error
}

// JobRepositoryTx defines optional transactional job creation support.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.RenderJob, error)
}

// ErrRenderJobNotFound is returned by a RenderClient when the renderer no
// longer knows the submitted job.
var ErrRenderJobNotFound = errors.New("render job not found on renderer")

// RenderStatus is one status report from the external renderer.
type RenderStatus struct {
	State          string
	RenderProgress float64
	Error          string
}

// RenderClient defines the interface to the external rendering service.
type RenderClient interface {
	Submit(ctx context.Context, spec *render.JobSpec) (string, error)
	Status(ctx context.Context, uid string) (*RenderStatus, error)
	Cancel(ctx context.Context, uid string) error
	Health(ctx context.Context) error
}

// ArtifactInfo describes a finished render artifact on disk.
type ArtifactInfo struct {
	Path string
	Size int64
}

// ArtifactStore defines the interface for verifying and relocating finished
// render artifacts.
type ArtifactStore interface {
	// Stat returns artifact details, or an fs.ErrNotExist-wrapping error
	// when the file is absent.
	Stat(ctx context.Context, path string) (ArtifactInfo, error)
	// Move relocates an artifact to its final path, creating parent
	// directories as needed.
	Move(ctx context.Context, src, dst string) error
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// FailAbandonedJobsParams groups parameters for FailAbandonedJobs.
type FailAbandonedJobsParams struct {
	Statuses  []model.JobStatus
	Grace     time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// FailStalePendingJobs marks pending jobs older than maxAge as failed.
	// Processes up to batchSize jobs per call to prevent long locks.
	// Returns the number of jobs marked as failed.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// FailAbandonedJobs fails jobs stuck in the given in-flight statuses
	// whose lease expired longer than the grace period ago. Covers the
	// states the claim predicate does not recover (encoding, uploading).
	FailAbandonedJobs(ctx context.Context, params FailAbandonedJobsParams) (int64, error)

	// DeleteOldJobs deletes jobs with the given status older than maxAge.
	// Processes up to batchSize jobs per call to prevent long locks.
	// Returns the number of jobs deleted.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}
