package data

import (
	"database/sql"
	"errors"
	"log/slog"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotDeletable is returned when attempting to delete a job that is not in a deletable state.
	ErrJobNotDeletable = errors.New("job cannot be deleted (must be in pending, completed, failed, or cancelled status)")
	// ErrJobLeased is returned when attempting to delete a job that has an active lease.
	ErrJobLeased = errors.New("job is leased and cannot be deleted")
)

// RepoConfig holds configuration options for the render job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for render job queue management.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  render_type,
  template,
  composition,
  payload,
  metadata,
  output_format,
  output_path,
  output_file_size,
  render_duration_ms,
  status,
  progress,
  nexrender_id,
  nexrender_state,
  error_message,
  error_category,
  retry_count,
  max_retries,
  priority,
  owner,
  worker_host,
  lease_expires_at,
  recovery_count,
  use_cache,
  data_hash,
  cache_hit,
  cached_output_path,
  callback_url,
  started_at,
  completed_at,
  created_at,
  updated_at
`
