package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/overlayfx/renderfarm/internal/data/pgxutil"
	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// jobFilterQueryBuilder accumulates WHERE clauses with positional args.
type jobFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) addFilter(column string, value any) {
	b.query += fmt.Sprintf(" AND %s = $%d", column, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

// buildJobListQuery constructs the SQL query and args for the job list with filtering.
func buildJobListQuery(opts *model.JobListOptions) (string, []any) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	builder := &jobFilterQueryBuilder{
		query:  `SELECT ` + jobColumns + ` FROM render_jobs WHERE 1=1`,
		args:   []any{},
		argIdx: 1,
	}

	addJobListFilters(builder, opts)
	addJobListSorting(builder, opts)
	return builder.query, builder.args
}

// addJobListFilters adds filter conditions to the query builder.
func addJobListFilters(builder *jobFilterQueryBuilder, opts *model.JobListOptions) {
	if opts == nil {
		return
	}

	if opts.Status != nil && *opts.Status != "" {
		builder.addFilter("status", string(*opts.Status))
	}
	if opts.RenderType != nil && *opts.RenderType != "" {
		builder.addFilter("render_type", string(*opts.RenderType))
	}
	if opts.Owner != nil && *opts.Owner != "" {
		builder.addFilter("owner", *opts.Owner)
	}
}

// addJobListSorting adds sorting to the query builder.
func addJobListSorting(builder *jobFilterQueryBuilder, opts *model.JobListOptions) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	sortOrder := opts.SortOrder
	if sortOrder == "" {
		sortOrder = "desc"
	}

	validSortFields := map[string]string{
		"created_at": "created_at",
		"priority":   "priority",
		"status":     "status",
	}

	dbField, ok := validSortFields[sortBy]
	if !ok {
		builder.query += " ORDER BY created_at DESC, id DESC"
		return
	}

	if sortOrder == "asc" {
		builder.query += fmt.Sprintf(" ORDER BY %s ASC, id ASC", dbField)
		return
	}

	builder.query += fmt.Sprintf(" ORDER BY %s DESC, id DESC", dbField)
}

// List returns jobs with optional filtering for the admin surface.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.RenderJob, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := max(opts.Offset, 0)

	query, args := buildJobListQuery(opts)
	argIdx := len(args) + 1
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	var result []*model.RenderJob
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return fmt.Errorf("scan job: %w", scanErr)
			}
			result = append(result, job)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Stats returns per-status job counts plus the age of the oldest pending job.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	currentTime := r.timeProvider.Now().UTC()

	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'preparing') AS preparing,
    count(*) FILTER (WHERE status = 'rendering') AS rendering,
    count(*) FILTER (WHERE status = 'encoding')  AS encoding,
    count(*) FILTER (WHERE status = 'uploading') AS uploading,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'cancelled') AS cancelled,
    COALESCE(EXTRACT(EPOCH FROM ($1::timestamptz - min(created_at) FILTER (WHERE status = 'pending'))), 0) AS oldest_pending_sec
  FROM render_jobs
  `, currentTime).Scan(
		&s.Pending,
		&s.Preparing,
		&s.Rendering,
		&s.Encoding,
		&s.Uploading,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
		&s.OldestPendingSec,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}
