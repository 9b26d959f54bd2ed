package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/overlayfx/renderfarm/internal/data"
	"github.com/overlayfx/renderfarm/internal/domain/model"
	"github.com/overlayfx/renderfarm/internal/service"
)

const jobCommandTimeout = time.Minute

type submitOptions struct {
	File     string
	Priority int
	Wait     bool
}

type listJobsOptions struct {
	Status     string
	RenderType string
	Limit      int
	Offset     int
	RawJSON    bool
}

type showJobOptions struct {
	JobID   string
	RawJSON bool
}

type cancelJobOptions struct {
	JobID string
	Yes   bool
}

// withJobService runs f against a JobService wired to the configured database.
func withJobService(cmdCtx *commandContext, f func(context.Context, *service.JobService) error) error {
	return withDatabase(cmdCtx, jobCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		jobs := service.MustNewJobService(service.JobServiceOptions{
			Repo:         data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}),
			DefaultLease: 30 * time.Second,
			Logger:       cmdCtx.Logger,
		})
		defer jobs.StopAllListeners()

		return f(ctx, jobs)
	})
}

func runSubmitJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitFlags(args)
	if err != nil {
		return err
	}

	raw, err := readSubmitPayload(opts.File)
	if err != nil {
		return err
	}

	req := &model.CreateJobRequest{}
	if err = json.Unmarshal(raw, req); err != nil {
		return fmt.Errorf("decode job request: %w", err)
	}
	if opts.Priority != 0 {
		req.Priority = opts.Priority
	}
	if err = req.Validate(); err != nil {
		return fmt.Errorf("invalid job request: %w", err)
	}

	return withJobService(cmdCtx, func(ctx context.Context, jobs *service.JobService) error {
		job, createErr := jobs.Create(ctx, req)
		if createErr != nil {
			return createErr
		}

		if printErr := writef(os.Stdout, "submitted job %s (%s, priority %d)\n",
			job.ID, job.RenderType, job.Priority); printErr != nil {
			return fmt.Errorf("print submit result: %w", printErr)
		}

		if !opts.Wait {
			return nil
		}
		return waitForTerminal(ctx, jobs, job.ID)
	})
}

// waitForTerminal polls the submitted job until a terminal status or the
// command context expires.
func waitForTerminal(ctx context.Context, jobs *service.JobService, jobID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := jobs.GetStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if printErr := writef(os.Stdout, "  %s progress=%d%%\n", status.Status, status.Progress); printErr != nil {
			return fmt.Errorf("print job progress: %w", printErr)
		}
		if status.Status.Terminal() {
			return nil
		}
	}
}

func readSubmitPayload(file string) ([]byte, error) {
	if file == "" || file == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read job request from stdin: %w", err)
		}
		return raw, nil
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read job request file: %w", err)
	}
	return raw, nil
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}

	listOpts := &model.JobListOptions{
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	if opts.Status != "" {
		status := model.JobStatus(opts.Status)
		if !status.Valid() {
			return fmt.Errorf("invalid status filter: %q", opts.Status)
		}
		listOpts.Status = &status
	}
	if opts.RenderType != "" {
		renderType := model.RenderType(opts.RenderType)
		if !renderType.Valid() {
			return fmt.Errorf("invalid render type filter: %q", opts.RenderType)
		}
		listOpts.RenderType = &renderType
	}

	return withJobService(cmdCtx, func(ctx context.Context, jobs *service.JobService) error {
		results, listErr := jobs.List(ctx, listOpts)
		if listErr != nil {
			return listErr
		}

		if opts.RawJSON {
			return printJSON(results)
		}
		return renderJobTable(os.Stdout, results)
	})
}

func renderJobTable(out io.Writer, jobs []*model.RenderJob) error {
	if len(jobs) == 0 {
		return writeln(out, "(no jobs found)")
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tTYPE\tTEMPLATE\tSTATUS\tPROGRESS\tOWNER\tAGE"); err != nil {
		return fmt.Errorf("write job table header: %w", err)
	}
	for _, job := range jobs {
		if err := writef(w, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n",
			job.ID,
			job.RenderType,
			job.Template,
			job.Status,
			job.Progress,
			formatOwner(job.Owner),
			formatAge(job.CreatedAt, time.Now()),
		); err != nil {
			return fmt.Errorf("write job table row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job table: %w", err)
	}
	return nil
}

func formatOwner(owner *string) string {
	if owner == nil || *owner == "" {
		return "-"
	}
	return *owner
}

// formatAge renders the elapsed time since t in the largest useful unit.
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := now.Sub(t)
	switch {
	case age < 0:
		return "0s"
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

func runShowJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseShowJobFlags(args)
	if err != nil {
		return err
	}

	return withJobService(cmdCtx, func(ctx context.Context, jobs *service.JobService) error {
		job, getErr := jobs.GetByID(ctx, opts.JobID)
		if getErr != nil {
			return getErr
		}

		if opts.RawJSON {
			return printJSON(job)
		}
		return renderJobDetail(os.Stdout, job)
	})
}

func renderJobDetail(out io.Writer, job *model.RenderJob) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	rows := [][2]string{
		{"ID", job.ID},
		{"Render Type", string(job.RenderType)},
		{"Template", job.Template},
		{"Composition", job.Composition},
		{"Status", string(job.Status)},
		{"Progress", fmt.Sprintf("%d%%", job.Progress)},
		{"Output Format", string(job.OutputFormat)},
		{"Priority", fmt.Sprintf("%d", job.Priority)},
		{"Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)},
		{"Recoveries", fmt.Sprintf("%d", job.RecoveryCount)},
		{"Cache Hit", fmt.Sprintf("%t", job.CacheHit)},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
	}
	if job.Owner != nil {
		rows = append(rows, [2]string{"Owner", *job.Owner})
	}
	if job.NexrenderID != nil {
		rows = append(rows, [2]string{"Nexrender ID", *job.NexrenderID})
	}
	if job.OutputPath != nil {
		rows = append(rows, [2]string{"Output Path", *job.OutputPath})
	}
	if job.OutputFileSize != nil {
		rows = append(rows, [2]string{"Output Size", fmt.Sprintf("%d bytes", *job.OutputFileSize)})
	}
	if job.ErrorMessage != nil {
		rows = append(rows, [2]string{"Error", *job.ErrorMessage})
	}
	if job.ErrorCategory != nil {
		rows = append(rows, [2]string{"Error Category", *job.ErrorCategory})
	}
	if job.StartedAt != nil {
		rows = append(rows, [2]string{"Started", job.StartedAt.Format(time.RFC3339)})
	}
	if job.CompletedAt != nil {
		rows = append(rows, [2]string{"Completed", job.CompletedAt.Format(time.RFC3339)})
	}

	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row[0], row[1]); err != nil {
			return fmt.Errorf("write job detail row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job detail: %w", err)
	}
	return nil
}

func runJobStats(cmdCtx *commandContext, _ []string) error {
	return withJobService(cmdCtx, func(ctx context.Context, jobs *service.JobService) error {
		stats, err := jobs.Stats(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		rows := [][2]string{
			{"Pending", fmt.Sprintf("%d", stats.Pending)},
			{"Preparing", fmt.Sprintf("%d", stats.Preparing)},
			{"Rendering", fmt.Sprintf("%d", stats.Rendering)},
			{"Encoding", fmt.Sprintf("%d", stats.Encoding)},
			{"Uploading", fmt.Sprintf("%d", stats.Uploading)},
			{"Completed", fmt.Sprintf("%d", stats.Completed)},
			{"Failed", fmt.Sprintf("%d", stats.Failed)},
			{"Cancelled", fmt.Sprintf("%d", stats.Cancelled)},
			{"Active", fmt.Sprintf("%d", stats.Active())},
			{"Oldest Pending", fmt.Sprintf("%.0fs", stats.OldestPendingSec)},
		}
		if err := writeln(w, "Status\tCount"); err != nil {
			return fmt.Errorf("write stats header: %w", err)
		}
		for _, row := range rows {
			if writeErr := writef(w, "%s\t%s\n", row[0], row[1]); writeErr != nil {
				return fmt.Errorf("write stats row: %w", writeErr)
			}
		}
		if flushErr := w.Flush(); flushErr != nil {
			return fmt.Errorf("flush stats: %w", flushErr)
		}
		return nil
	})
}

func runCancelJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseCancelJobFlags(args)
	if err != nil {
		return err
	}

	if confirmErr := confirmAction(cancelConfirmOptions{opts: opts}, "cancel render job"); confirmErr != nil {
		return confirmErr
	}

	return withJobService(cmdCtx, func(ctx context.Context, jobs *service.JobService) error {
		cancelled, cancelErr := jobs.Cancel(ctx, opts.JobID)
		if cancelErr != nil {
			return cancelErr
		}

		if !cancelled {
			return writef(os.Stdout, "job %s was already terminal; nothing to cancel\n", opts.JobID)
		}
		return writef(os.Stdout, "job %s cancelled\n", opts.JobID)
	})
}

type cancelConfirmOptions struct {
	opts cancelJobOptions
}

func (c cancelConfirmOptions) IsDryRun() bool { return false }
func (c cancelConfirmOptions) IsYes() bool    { return c.opts.Yes }
func (c cancelConfirmOptions) GetWarning() string {
	return "WARNING: a cancelled job stops rendering and cannot be resumed."
}
func (c cancelConfirmOptions) GetTarget() string {
	return fmt.Sprintf("job %q", c.opts.JobID)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json output: %w", err)
	}
	return nil
}

func parseSubmitFlags(args []string) (submitOptions, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts submitOptions
	fs.StringVar(&opts.File, "file", "", "Path to the JSON job request ('-' or empty reads stdin)")
	fs.IntVar(&opts.Priority, "priority", 0, "Override the request's priority (lower runs first)")
	fs.BoolVar(&opts.Wait, "wait", false, "Poll the job until it reaches a terminal status")

	if err := fs.Parse(args); err != nil {
		return submitOptions{}, err
	}
	return opts, nil
}

func parseListJobsFlags(args []string) (listJobsOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listJobsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by job status (pending, rendering, completed, ...)")
	fs.StringVar(&opts.RenderType, "type", "", "Filter by render type (chip_count, leaderboard, ...)")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of jobs to return")
	fs.IntVar(&opts.Offset, "offset", 0, "Pagination offset")
	fs.BoolVar(&opts.RawJSON, "json", false, "Emit raw JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, err
	}

	if opts.Limit <= 0 {
		return listJobsOptions{}, errors.New("--limit must be greater than zero")
	}
	if opts.Offset < 0 {
		return listJobsOptions{}, errors.New("--offset must not be negative")
	}
	return opts, nil
}

func parseShowJobFlags(args []string) (showJobOptions, error) {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts showJobOptions
	fs.StringVar(&opts.JobID, "id", "", "Job ID to inspect")
	fs.BoolVar(&opts.RawJSON, "json", false, "Emit raw JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return showJobOptions{}, err
	}

	if strings.TrimSpace(opts.JobID) == "" {
		return showJobOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func parseCancelJobFlags(args []string) (cancelJobOptions, error) {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts cancelJobOptions
	fs.StringVar(&opts.JobID, "id", "", "Job ID to cancel")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return cancelJobOptions{}, err
	}

	if strings.TrimSpace(opts.JobID) == "" {
		return cancelJobOptions{}, errors.New("--id is required")
	}
	return opts, nil
}
