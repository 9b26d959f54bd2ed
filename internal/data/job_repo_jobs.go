package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/data/pgxutil"
	"github.com/overlayfx/renderfarm/internal/domain/model"
	apperrors "github.com/overlayfx/renderfarm/internal/errors"
)

// jobAddedChannel is the pg_notify channel the render_jobs insert trigger
// fires so idle workers can wake without waiting out their poll interval.
// Trigger-side notification covers direct SQL submitters too.
const jobAddedChannel = "render_job_added"

// insertJobParams groups parameters for inserting a job within a transaction.
type insertJobParams struct {
	Req        *model.CreateJobRequest
	Meta       []byte
	DataHash   *string
	MaxRetries int
}

const defaultMaxRetries = 3

// claimSQL atomically selects and leases the next eligible job in one
// statement. SKIP LOCKED keeps concurrent claimers from blocking on, or
// double-claiming, the same row: each contender locks a different candidate
// or finds nothing. Expired-lease preparing/rendering rows are eligible
// again; taking one over counts as a recovery and restarts its progress.
const claimSQL = `
  WITH cte AS (
    SELECT id, owner FROM render_jobs
    WHERE status = 'pending'
       OR (status IN ('preparing', 'rendering')
           AND lease_expires_at IS NOT NULL
           AND lease_expires_at < $1)
    ORDER BY priority DESC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE render_jobs j
  SET
    status = 'preparing',
    progress = 0,
    owner = $2,
    worker_host = $3,
    lease_expires_at = $4,
    recovery_count = j.recovery_count + CASE WHEN cte.owner IS NOT NULL THEN 1 ELSE 0 END,
    started_at = COALESCE(j.started_at, $1),
    updated_at = $1
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.render_type, j.template, j.composition, j.payload, j.metadata, j.output_format, j.output_path, j.output_file_size, j.render_duration_ms, j.status, j.progress, j.nexrender_id, j.nexrender_state, j.error_message, j.error_category, j.retry_count, j.max_retries, j.priority, j.owner, j.worker_host, j.lease_expires_at, j.recovery_count, j.use_cache, j.data_hash, j.cache_hit, j.cached_output_path, j.callback_url, j.started_at, j.completed_at, j.created_at, j.updated_at`

// Create enqueues a new render job.
func (r *JobRepo) Create(
	ctx context.Context,
	req *model.CreateJobRequest,
) (*model.RenderJob, error) {
	params, err := r.prepareJobData(req)
	if err != nil {
		return nil, err
	}

	var job *model.RenderJob
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var insertErr error
			job, insertErr = r.insertJobInTx(ctx, tx, params)
			return insertErr
		},
	}); txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}

	return job, nil
}

// CreateInTx inserts a job within an existing SQL transaction.
func (r *JobRepo) CreateInTx(
	ctx context.Context,
	sqlTx *sql.Tx,
	req *model.CreateJobRequest,
) (*model.RenderJob, error) {
	if sqlTx == nil {
		return nil, errors.New("transaction is required")
	}

	params, prepErr := r.prepareJobData(req)
	if prepErr != nil {
		return nil, prepErr
	}

	query, args := r.buildInsertQuery(params)
	row := sqlTx.QueryRowContext(ctx, query, args...)

	job, scanErr := scanJobFromRow(row)
	if scanErr != nil {
		return nil, fmt.Errorf("collect job: %w", apperrors.MapDBError(scanErr))
	}

	return job, nil
}

// prepareJobData validates and normalises the request, fingerprints the
// payload for cache lookups, and fills defaults.
func (r *JobRepo) prepareJobData(req *model.CreateJobRequest) (*insertJobParams, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	meta := []byte(`{}`)
	if req.Metadata != nil {
		meta = append([]byte(nil), req.Metadata...)
	}

	var dataHash *string
	if payload, err := model.ParseRenderPayload(req.Payload); err == nil {
		h := payload.Fingerprint()
		dataHash = &h
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &insertJobParams{
		Req:        req,
		Meta:       meta,
		DataHash:   dataHash,
		MaxRetries: maxRetries,
	}, nil
}

// insertJobInTx inserts a job within a pgx.Tx and returns the created job.
func (r *JobRepo) insertJobInTx(ctx context.Context, tx pgx.Tx, params *insertJobParams) (*model.RenderJob, error) {
	if params == nil || params.Req == nil {
		return nil, errors.New("insert job params are required")
	}

	query, args := r.buildInsertQuery(params)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	job, collectErr := collectJobFromRows(rows)
	rows.Close()
	if collectErr != nil {
		return nil, fmt.Errorf("collect job: %w", collectErr)
	}

	return job, nil
}

// buildInsertQuery builds an INSERT statement for a job based on the provided parameters.
func (r *JobRepo) buildInsertQuery(p *insertJobParams) (string, []any) {
	if p == nil || p.Req == nil {
		return "", nil
	}

	query := `
      INSERT INTO render_jobs(render_type, template, composition, payload, metadata, output_format, output_path, priority, max_retries, use_cache, data_hash, callback_url)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
      RETURNING ` + jobColumns

	useCache := true
	if p.Req.UseCache != nil {
		useCache = *p.Req.UseCache
	}

	args := []any{
		p.Req.RenderType,
		p.Req.Template,
		p.Req.Composition,
		[]byte(p.Req.Payload),
		p.Meta,
		p.Req.OutputFormat,
		p.Req.OutputPath,
		p.Req.Priority,
		p.MaxRetries,
		useCache,
		p.DataHash,
		p.Req.CallbackURL,
	}
	return query, args
}

// Claim atomically reserves the next eligible job for the calling worker.
func (r *JobRepo) Claim(ctx context.Context, params core.ClaimParams) (*model.RenderJob, error) {
	if params.Owner == "" {
		return nil, errors.New("claim owner is required")
	}
	if params.LeaseSeconds <= 0 {
		return nil, errors.New("lease seconds must be positive")
	}

	var job *model.RenderJob
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(params.LeaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				claimSQL,
				currentTime.UTC(),
				params.Owner,
				params.WorkerHost,
				leaseExpiresAt.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("claim job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{jobAddedChannel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", jobAddedChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.RenderJob, error) {
	var job *model.RenderJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM render_jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Delete safely deletes a job by ID with state machine safety checks.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	currentTime := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM render_jobs
		WHERE id = $1
		  AND status IN ('pending', 'completed', 'failed', 'cancelled')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
	`, id, currentTime.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to re-check job after delete attempt: %w", err)
	}

	if !isJobStatusDeletable(job.Status) {
		return ErrJobNotDeletable
	}

	if job.LeaseExpiresAt != nil && currentTime.Before(*job.LeaseExpiresAt) {
		return ErrJobLeased
	}

	return errors.New("unexpected state: job is in deletable state but delete failed")
}

// isJobStatusDeletable returns true if a job in the given status can be safely deleted.
func isJobStatusDeletable(status model.JobStatus) bool {
	return status == model.JobStatusPending || status.Terminal()
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.RenderJob, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, metadata json.RawMessage

	outputPath, nexrenderID, nexrenderState sql.NullString
	errorMessage, errorCategory             sql.NullString
	owner, workerHost                       sql.NullString
	dataHash, cachedOutputPath, callbackURL sql.NullString

	outputFileSize, renderDurationMS sql.NullInt64

	leaseExpiresAt, startedAt, completedAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.RenderJob) error {
	return scanner.Scan(
		&job.ID,
		&job.RenderType,
		&job.Template,
		&job.Composition,
		&d.payload,
		&d.metadata,
		&job.OutputFormat,
		&d.outputPath,
		&d.outputFileSize,
		&d.renderDurationMS,
		&job.Status,
		&job.Progress,
		&d.nexrenderID,
		&d.nexrenderState,
		&d.errorMessage,
		&d.errorCategory,
		&job.RetryCount,
		&job.MaxRetries,
		&job.Priority,
		&d.owner,
		&d.workerHost,
		&d.leaseExpiresAt,
		&job.RecoveryCount,
		&job.UseCache,
		&d.dataHash,
		&job.CacheHit,
		&d.cachedOutputPath,
		&d.callbackURL,
		&d.startedAt,
		&d.completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.RenderJob) {
	job.Payload = cloneJSON(d.payload)
	job.Metadata = cloneJSON(d.metadata)
	job.OutputPath = cloneNullableString(d.outputPath)
	job.OutputFileSize = cloneNullableInt64(d.outputFileSize)
	job.RenderDurationMS = cloneNullableInt64(d.renderDurationMS)
	job.NexrenderID = cloneNullableString(d.nexrenderID)
	job.NexrenderState = cloneNullableString(d.nexrenderState)
	job.ErrorMessage = cloneNullableString(d.errorMessage)
	job.ErrorCategory = cloneNullableString(d.errorCategory)
	job.Owner = cloneNullableString(d.owner)
	job.WorkerHost = cloneNullableString(d.workerHost)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	job.DataHash = cloneNullableString(d.dataHash)
	job.CachedOutputPath = cloneNullableString(d.cachedOutputPath)
	job.CallbackURL = cloneNullableString(d.callbackURL)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.RenderJob, error) {
	job := &model.RenderJob{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	n := ni.Int64
	return &n
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
